package sshkeys

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func TestGenerateProducesUsableKeypair(t *testing.T) {
	d := New(t.TempDir())

	pub, err := d.Generate("alice")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(pub, "ssh-ed25519 "), "got %q", pub)
	assert.True(t, strings.HasSuffix(pub, " lobsterd-alice"))

	_, _, _, _, err = ssh.ParseAuthorizedKey([]byte(pub))
	require.NoError(t, err)

	priv, err := os.ReadFile(d.KeyPath("alice"))
	require.NoError(t, err)
	_, err = ssh.ParsePrivateKey(priv)
	require.NoError(t, err)

	fi, err := os.Stat(d.KeyPath("alice"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), fi.Mode().Perm())
}

func TestGenerateIsStableAcrossRetries(t *testing.T) {
	d := New(t.TempDir())
	first, err := d.Generate("alice")
	require.NoError(t, err)
	second, err := d.Generate("alice")
	require.NoError(t, err)
	assert.Equal(t, first, second, "a retried spawn must see the same key")
}

func TestRemoveIsIdempotent(t *testing.T) {
	d := New(t.TempDir())
	_, err := d.Generate("alice")
	require.NoError(t, err)
	require.NoError(t, d.Remove("alice"))
	require.NoError(t, d.Remove("alice"))
	_, err = os.Stat(d.KeyPath("alice"))
	assert.True(t, os.IsNotExist(err))
}
