package truevfs

import (
	"context"
	"sync"
)

// Process-wide state with an explicit lifecycle. Init wires the manager,
// pool and registry from configuration; Shutdown flushes and unmounts
// everything. Libraries and tests that need isolation construct their own
// Manager instead.
var (
	defaultMu      sync.Mutex
	defaultManager *Manager
	defaultPool    IoPool
)

// Init initializes the process-wide kernel. The registry is expected to
// have its drivers registered already; the drivers package provides the
// default table.
func Init(config VfsConfig, registry *Registry) (*Manager, error) {
	InitLogger(config.DebugMode, config.PrettyLogs)

	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultManager != nil {
		return defaultManager, nil
	}

	pool, err := NewIoPool(config.IoPool)
	if err != nil {
		return nil, err
	}

	manager := NewManager(ManagerOptions{
		Registry:       registry,
		Pool:           pool,
		WaitTimeout:    config.WaitTimeout(),
		MaxMounted:     config.MaxMountedFileSystems,
		ReadCacheBytes: config.IoPool.CacheSizeMb << 20,
	})
	initMetrics(manager)

	defaultManager = manager
	defaultPool = pool
	GetLogger().Infof("truevfs %s initialized", TrueVfsVersion)
	return manager, nil
}

// Default returns the process-wide manager, or nil before Init.
func Default() *Manager {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultManager
}

// Shutdown syncs all file systems with umount semantics and releases the
// pool. The composite sync error, if any, is returned after teardown.
func Shutdown(ctx context.Context) error {
	defaultMu.Lock()
	manager := defaultManager
	pool := defaultPool
	defaultManager = nil
	defaultPool = nil
	defaultMu.Unlock()

	if manager == nil {
		return ErrShutdown
	}
	err := manager.SyncAll(ctx)
	manager.Close()
	if pool != nil {
		if cerr := pool.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
