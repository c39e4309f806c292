package network

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTenantAddresses(t *testing.T) {
	host, guest := TenantAddresses(10000, 10000)
	assert.Equal(t, "10.231.0.1/30", host)
	assert.Equal(t, "10.231.0.2/30", guest)

	host, guest = TenantAddresses(10001, 10000)
	assert.Equal(t, "10.231.0.5/30", host)
	assert.Equal(t, "10.231.0.6/30", guest)

	// The 65th tenant (uid offset 64) rolls into the next octet.
	host, _ = TenantAddresses(10064, 10000)
	assert.Equal(t, "10.231.1.1/30", host)
}

func TestTenantAddressesNeverCollide(t *testing.T) {
	seen := map[string]bool{}
	for uid := 10000; uid < 10500; uid++ {
		host, guest := TenantAddresses(uid, 10000)
		assert.False(t, seen[host], "host %s reused", host)
		assert.False(t, seen[guest], "guest %s reused", guest)
		seen[host] = true
		seen[guest] = true
	}
}
