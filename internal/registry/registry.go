// Package registry is the authoritative on-disk catalog of tenants. Every
// piece of live state on the host (datasets, taps, chroots, routes) is owned
// by exactly one row here; anything without a row is an orphan.
package registry

import (
	"fmt"
	"regexp"

	"github.com/lobsterlabs/lobsterd/internal/errdefs"
)

// Status is the lifecycle state of a tenant.
type Status string

const (
	StatusActive       Status = "active"
	StatusSuspended    Status = "suspended"
	StatusDegraded     Status = "degraded"
	StatusInitializing Status = "initializing"
	StatusEvicting     Status = "evicting"
)

// SuspendInfo is present iff the tenant is suspended.
type SuspendInfo struct {
	LastRxBytes   uint64 `json:"lastRxBytes"`
	NextWakeAtMs  int64  `json:"nextWakeAtMs,omitempty"`
	SuspendedAtMs int64  `json:"suspendedAtMs"`
}

// Tenant is one isolated microVM unit.
type Tenant struct {
	Name         string       `json:"name"`
	Uid          int          `json:"uid"`
	Cid          uint32       `json:"cid"`
	GatewayPort  int          `json:"gatewayPort"`
	IpAddress    string       `json:"ipAddress"`
	TapDev       string       `json:"tapDev"`
	VmId         string       `json:"vmId"`
	VmPid        int          `json:"vmPid,omitempty"`
	AgentToken   string       `json:"agentToken"`
	HomePath     string       `json:"homePath"`
	Status       Status       `json:"status"`
	SuspendInfo  *SuspendInfo `json:"suspendInfo,omitempty"`
	SshPublicKey string       `json:"sshPublicKey,omitempty"`
	WakeSchedule string       `json:"wakeSchedule,omitempty"`
	CreatedAt    string       `json:"createdAt"`
}

// GuestIP returns the guest side of the tenant's /30 pair. IpAddress holds
// the host side; the guest is the next address up.
func (t *Tenant) GuestIP() string {
	var a, b, c, d int
	if _, err := fmt.Sscanf(t.IpAddress, "%d.%d.%d.%d", &a, &b, &c, &d); err != nil {
		return ""
	}
	return fmt.Sprintf("%d.%d.%d.%d", a, b, c, d+1)
}

// Registry is the persistent root: the tenant list plus the monotone
// allocators. Allocators only ever advance, even across evictions, so
// identifiers are never reused.
type Registry struct {
	Tenants         []*Tenant `json:"tenants"`
	NextUid         int       `json:"nextUid"`
	NextGatewayPort int       `json:"nextGatewayPort"`
}

// Find returns the tenant by name, or nil.
func (r *Registry) Find(name string) *Tenant {
	for _, t := range r.Tenants {
		if t.Name == name {
			return t
		}
	}
	return nil
}

// Remove deletes the named row. Removing a missing row is a no-op.
func (r *Registry) Remove(name string) {
	out := r.Tenants[:0]
	for _, t := range r.Tenants {
		if t.Name != name {
			out = append(out, t)
		}
	}
	r.Tenants = out
}

var dnsLabel = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// ValidName reports whether name is an acceptable tenant name (DNS label).
func ValidName(name string) bool {
	return dnsLabel.MatchString(name)
}

// Validate checks the registry invariants: uniqueness of identifying fields
// and strictly-greater allocators.
func (r *Registry) Validate() error {
	names := map[string]bool{}
	uids := map[int]bool{}
	cids := map[uint32]bool{}
	ports := map[int]bool{}
	taps := map[string]bool{}
	ips := map[string]bool{}
	for _, t := range r.Tenants {
		switch {
		case names[t.Name]:
			return fmt.Errorf("%w: duplicate tenant name %q", errdefs.ErrRegistryCorrupt, t.Name)
		case uids[t.Uid]:
			return fmt.Errorf("%w: duplicate uid %d", errdefs.ErrRegistryCorrupt, t.Uid)
		case cids[t.Cid]:
			return fmt.Errorf("%w: duplicate cid %d", errdefs.ErrRegistryCorrupt, t.Cid)
		case ports[t.GatewayPort]:
			return fmt.Errorf("%w: duplicate gateway port %d", errdefs.ErrRegistryCorrupt, t.GatewayPort)
		case taps[t.TapDev]:
			return fmt.Errorf("%w: duplicate tap %q", errdefs.ErrRegistryCorrupt, t.TapDev)
		case ips[t.IpAddress]:
			return fmt.Errorf("%w: duplicate address %q", errdefs.ErrRegistryCorrupt, t.IpAddress)
		}
		names[t.Name] = true
		uids[t.Uid] = true
		cids[t.Cid] = true
		ports[t.GatewayPort] = true
		taps[t.TapDev] = true
		ips[t.IpAddress] = true

		if t.Uid >= r.NextUid {
			return fmt.Errorf("%w: uid %d >= nextUid %d", errdefs.ErrRegistryCorrupt, t.Uid, r.NextUid)
		}
		if t.GatewayPort >= r.NextGatewayPort {
			return fmt.Errorf("%w: port %d >= nextGatewayPort %d", errdefs.ErrRegistryCorrupt, t.GatewayPort, r.NextGatewayPort)
		}
		if (t.SuspendInfo != nil) != (t.Status == StatusSuspended) {
			return fmt.Errorf("%w: tenant %s suspendInfo/status mismatch", errdefs.ErrRegistryCorrupt, t.Name)
		}
		if t.Status == StatusSuspended && t.VmPid != 0 {
			return fmt.Errorf("%w: tenant %s suspended with vmPid %d", errdefs.ErrRegistryCorrupt, t.Name, t.VmPid)
		}
	}
	return nil
}
