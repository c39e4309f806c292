// Package sshkeys manages the per-tenant SSH keypair used for operator
// access into the guest.
package sshkeys

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

// Driver stores keypairs under baseDir/<name>/id_ed25519{,.pub}.
type Driver struct {
	BaseDir string
}

func New(baseDir string) *Driver {
	return &Driver{BaseDir: baseDir}
}

func (d *Driver) dir(name string) string { return filepath.Join(d.BaseDir, name) }

// KeyPath returns the private key location for a tenant.
func (d *Driver) KeyPath(name string) string {
	return filepath.Join(d.dir(name), "id_ed25519")
}

// Generate creates an ed25519 keypair for the tenant and returns the public
// key in authorized_keys form. An existing keypair is returned as-is so
// repeated spawns after a partial failure stay stable.
func (d *Driver) Generate(name string) (string, error) {
	pubPath := d.KeyPath(name) + ".pub"
	if data, err := os.ReadFile(pubPath); err == nil {
		return strings.TrimSpace(string(data)), nil
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("generate keypair: %w", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	pubLine := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub))) + " lobsterd-" + name

	block, err := ssh.MarshalPrivateKey(priv, "lobsterd-"+name)
	if err != nil {
		return "", fmt.Errorf("marshal private key: %w", err)
	}

	if err := os.MkdirAll(d.dir(name), 0700); err != nil {
		return "", fmt.Errorf("mkdir keys: %w", err)
	}
	if err := os.WriteFile(d.KeyPath(name), pem.EncodeToMemory(block), 0600); err != nil {
		return "", fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(pubPath, []byte(pubLine+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write public key: %w", err)
	}
	return pubLine, nil
}

// Remove deletes the tenant's keypair. Missing keys are success.
func (d *Driver) Remove(name string) error {
	if err := os.RemoveAll(d.dir(name)); err != nil {
		return fmt.Errorf("remove keys: %w", err)
	}
	return nil
}
