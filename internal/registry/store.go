package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"

	"github.com/lobsterlabs/lobsterd/internal/errdefs"
)

// Store reads and writes the registry file. Mutations are serialized through
// an exclusive advisory lock next to the file, so concurrent lobsterd
// invocations cannot interleave allocator updates.
type Store struct {
	Path     string
	UidStart int
	PortStart int

	log *logrus.Entry
}

// NewStore returns a store for the registry at path. uidStart and portStart
// seed the allocators of a fresh registry.
func NewStore(path string, uidStart, portStart int) *Store {
	return &Store{
		Path:      path,
		UidStart:  uidStart,
		PortStart: portStart,
		log:       logrus.WithField("component", "registry"),
	}
}

// Load reads the registry file. A missing file yields the empty registry
// with allocators at their starting values.
func (s *Store) Load() (*Registry, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Registry{
				Tenants:         []*Tenant{},
				NextUid:         s.UidStart,
				NextGatewayPort: s.PortStart,
			}, nil
		}
		return nil, fmt.Errorf("read registry: %w", err)
	}
	var r Registry
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrRegistryCorrupt, err)
	}
	if r.Tenants == nil {
		r.Tenants = []*Tenant{}
	}
	if r.NextUid < s.UidStart {
		r.NextUid = s.UidStart
	}
	if r.NextGatewayPort < s.PortStart {
		r.NextGatewayPort = s.PortStart
	}
	return &r, nil
}

// Save writes the registry atomically: tmp file suffixed with the pid, then
// rename over the target. Mode 0600.
func (s *Store) Save(r *Registry) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}
	tmp := fmt.Sprintf("%s.tmp.%d", s.Path, os.Getpid())
	if err := os.WriteFile(tmp, append(data, '\n'), 0600); err != nil {
		return fmt.Errorf("write registry: %w", err)
	}
	if err := os.Rename(tmp, s.Path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename registry: %w", err)
	}
	return nil
}

// Mutate loads the registry, applies fn, validates, and saves — all under the
// advisory lock. A concurrent mutation holding the lock surfaces as
// ErrRegistryLocked rather than blocking.
func (s *Store) Mutate(fn func(*Registry) error) (*Registry, error) {
	lock := flock.New(s.lockPath())
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("registry lock: %w", err)
	}
	if !ok {
		return nil, errdefs.ErrRegistryLocked
	}
	defer lock.Unlock()

	r, err := s.Load()
	if err != nil {
		return nil, err
	}
	if err := fn(r); err != nil {
		return nil, err
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	// cid is derived from uid at allocation time; a row where the relation
	// drifted means the file was hand-edited.
	for _, t := range r.Tenants {
		if t.Cid != uint32(t.Uid-s.UidStart+3) {
			return nil, fmt.Errorf("%w: tenant %s cid %d does not match uid %d", errdefs.ErrRegistryCorrupt, t.Name, t.Cid, t.Uid)
		}
	}
	if err := s.Save(r); err != nil {
		return nil, err
	}
	return r, nil
}

// AllocateIdentity advances the allocators inside r and returns the assigned
// uid, cid and gateway port. Only call from inside Mutate.
func (s *Store) AllocateIdentity(r *Registry) (uid int, cid uint32, port int) {
	uid = r.NextUid
	r.NextUid++
	port = r.NextGatewayPort
	r.NextGatewayPort++
	cid = uint32(uid - s.UidStart + 3)
	return uid, cid, port
}

func (s *Store) lockPath() string {
	return filepath.Join(filepath.Dir(s.Path), "registry.lock")
}
