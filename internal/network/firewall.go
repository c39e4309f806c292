package network

import (
	"fmt"
	"strconv"

	"github.com/coreos/go-iptables/iptables"

	"github.com/lobsterlabs/lobsterd/internal/errdefs"
)

// ChainName is the lobsterd-owned iptables chain in the filter table. Tenant
// UIDs get a DROP here so guest workloads cannot originate host-side
// traffic; bypass rules for infrastructure UIDs sit above the drops.
const ChainName = "LOBSTER"

const filterTable = "filter"

// Firewall manages the LOBSTER chain through libiptc-compatible single
// invocations.
type Firewall struct {
	ipt *iptables.IPTables
}

func NewFirewall() (*Firewall, error) {
	ipt, err := iptables.New()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrFirewall, err)
	}
	return &Firewall{ipt: ipt}, nil
}

// EnsureChain creates the chain if missing and wires it from OUTPUT.
func (f *Firewall) EnsureChain() error {
	exists, err := f.ipt.ChainExists(filterTable, ChainName)
	if err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrFirewall, err)
	}
	if !exists {
		if err := f.ipt.NewChain(filterTable, ChainName); err != nil {
			return fmt.Errorf("%w: create chain: %v", errdefs.ErrFirewall, err)
		}
	}
	if err := f.ipt.AppendUnique(filterTable, "OUTPUT", "-j", ChainName); err != nil {
		return fmt.Errorf("%w: jump to chain: %v", errdefs.ErrFirewall, err)
	}
	return nil
}

// AddUidBypass inserts an ACCEPT for uid at the top of the chain so it
// always precedes tenant drops.
func (f *Firewall) AddUidBypass(uid int) error {
	rule := uidRule(uid, "ACCEPT")
	ok, err := f.ipt.Exists(filterTable, ChainName, rule...)
	if err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrFirewall, err)
	}
	if ok {
		return nil
	}
	if err := f.ipt.Insert(filterTable, ChainName, 1, rule...); err != nil {
		return fmt.Errorf("%w: bypass uid %d: %v", errdefs.ErrFirewall, uid, err)
	}
	return nil
}

// AddTenantDrop appends the DROP rule for a tenant uid.
func (f *Firewall) AddTenantDrop(uid int) error {
	if err := f.ipt.AppendUnique(filterTable, ChainName, uidRule(uid, "DROP")...); err != nil {
		return fmt.Errorf("%w: drop uid %d: %v", errdefs.ErrFirewall, uid, err)
	}
	return nil
}

// RemoveTenantDrop deletes the tenant's DROP rule. A missing rule is
// success.
func (f *Firewall) RemoveTenantDrop(uid int) error {
	rule := uidRule(uid, "DROP")
	ok, err := f.ipt.Exists(filterTable, ChainName, rule...)
	if err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrFirewall, err)
	}
	if !ok {
		return nil
	}
	if err := f.ipt.Delete(filterTable, ChainName, rule...); err != nil {
		return fmt.Errorf("%w: remove drop uid %d: %v", errdefs.ErrFirewall, uid, err)
	}
	return nil
}

// HasTenantDrop reports whether the tenant's DROP rule is present.
func (f *Firewall) HasTenantDrop(uid int) (bool, error) {
	ok, err := f.ipt.Exists(filterTable, ChainName, uidRule(uid, "DROP")...)
	if err != nil {
		return false, fmt.Errorf("%w: %v", errdefs.ErrFirewall, err)
	}
	return ok, nil
}

func uidRule(uid int, target string) []string {
	return []string{"-m", "owner", "--uid-owner", strconv.Itoa(uid), "-j", target}
}
