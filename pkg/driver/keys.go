package driver

import (
	"fmt"
	"sync"

	truevfs "github.com/valenpo/truevfs/pkg"
)

// KeyProvider resolves the passphrase protecting an encrypted archive.
type KeyProvider interface {
	Passphrase(mountPoint *truevfs.MountPoint) (string, error)
}

// StaticKeyProvider serves passphrases from configuration: a per-mount
// table with a process-wide fallback.
type StaticKeyProvider struct {
	mu       sync.RWMutex
	fallback string
	perMount map[string]string
}

func NewStaticKeyProvider(config truevfs.KeyConfig) *StaticKeyProvider {
	perMount := make(map[string]string, len(config.Passphrases))
	for _, entry := range config.Passphrases {
		perMount[entry.MountPoint] = entry.Passphrase
	}
	return &StaticKeyProvider{fallback: config.Passphrase, perMount: perMount}
}

func (p *StaticKeyProvider) Passphrase(mountPoint *truevfs.MountPoint) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if passphrase, ok := p.perMount[mountPoint.String()]; ok {
		return passphrase, nil
	}
	if p.fallback != "" {
		return p.fallback, nil
	}
	return "", fmt.Errorf("%s: no passphrase configured: %w", mountPoint, truevfs.ErrBadKey)
}

// SetPassphrase installs a passphrase for one mount point at runtime.
func (p *StaticKeyProvider) SetPassphrase(mountPoint *truevfs.MountPoint, passphrase string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.perMount[mountPoint.String()] = passphrase
}
