package truevfs

import "time"

const (
	TrueVfsVersion string = "v0.1.0"

	// DefaultWaitTimeout bounds the wait for foreign streams during sync
	// and scales the lock-retry back-off interval.
	DefaultWaitTimeout = 100 * time.Millisecond

	// DefaultMaxMounted is the pacemaker's default bound on mounted
	// archive file systems.
	DefaultMaxMounted = 5
)

// VfsConfig is the process-wide kernel configuration. It is loaded by the
// ConfigManager and handed to Init; there is no hidden service discovery.
type VfsConfig struct {
	DebugMode  bool `key:"debugMode" json:"debug_mode"`
	PrettyLogs bool `key:"prettyLogs" json:"pretty_logs"`

	// WaitTimeoutMs bounds the sync wait for foreign streams and the
	// lock-retry back-off, in milliseconds.
	WaitTimeoutMs int `key:"waitTimeoutMs" json:"wait_timeout_ms"`

	// MaxMountedFileSystems bounds the pacemaker LRU. Negative disables
	// the pacemaker.
	MaxMountedFileSystems int `key:"maxMountedFileSystems" json:"max_mounted_file_systems"`

	IoPool  IoPoolConfig  `key:"ioPool" json:"io_pool"`
	Metrics MetricsConfig `key:"metrics" json:"metrics"`
	Keys    KeyConfig     `key:"keys" json:"keys"`
}

// IoPoolConfig selects the buffer provider for entry data.
type IoPoolConfig struct {
	// Mode is "memory" or "file".
	Mode string `key:"mode" json:"mode"`
	// Dir is the spool directory for the file mode; empty selects the
	// system temp directory.
	Dir string `key:"dir" json:"dir"`
	// CacheSizeMb bounds the shared clean read-buffer cache.
	CacheSizeMb int64 `key:"cacheSizeMb" json:"cache_size_mb"`
}

type MetricsConfig struct {
	Enabled bool `key:"enabled" json:"enabled"`
	Port    uint `key:"port" json:"port"`
}

// KeyConfig provides passphrases for encrypted archive formats.
type KeyConfig struct {
	// Passphrase is the default for every encrypted archive.
	Passphrase string `key:"passphrase" json:"passphrase"`
	// Passphrases binds specific mount points to their own passphrases.
	// A list rather than a map: mount point URIs contain the config
	// hierarchy delimiter.
	Passphrases []PassphraseEntry `key:"passphrases" json:"passphrases"`
}

type PassphraseEntry struct {
	MountPoint string `key:"mountPoint" json:"mount_point"`
	Passphrase string `key:"passphrase" json:"passphrase"`
}

// WaitTimeout returns the configured timeout or the default.
func (c VfsConfig) WaitTimeout() time.Duration {
	if c.WaitTimeoutMs <= 0 {
		return DefaultWaitTimeout
	}
	return time.Duration(c.WaitTimeoutMs) * time.Millisecond
}
