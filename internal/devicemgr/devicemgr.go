// Package devicemgr layers an in-memory device-existence cache over a
// database-backed TelemetryStore, selecting cache-only, database-only, or
// cache-then-database lookup behavior by deployment mode.
package devicemgr

import (
	"context"
	"fmt"
	"sync"

	"deviceserver/internal/config"
	"deviceserver/internal/logging"
	"deviceserver/internal/store"
)

// Manager tracks which devices have been registered, consulting a
// database store as needed depending on Mode.
type Manager struct {
	mode config.StorageMode
	db   store.TelemetryStore // nil in memory-only mode
	log  *logging.Logger

	mu      sync.Mutex
	devices map[string]struct{}
}

// New constructs a Manager for mode. db may be nil when mode is
// config.StorageMemory; it must be non-nil for config.StorageDB and
// config.StorageHybrid.
func New(mode config.StorageMode, db store.TelemetryStore, log *logging.Logger) (*Manager, error) {
	if (mode == config.StorageDB || mode == config.StorageHybrid) && db == nil {
		return nil, fmt.Errorf("devicemgr: mode %q requires a database store", mode)
	}
	return &Manager{mode: mode, db: db, log: log, devices: make(map[string]struct{})}, nil
}

// Exists reports whether deviceID has been registered, consulting the
// in-memory cache, the database, or both depending on Mode.
func (m *Manager) Exists(ctx context.Context, deviceID string) (bool, error) {
	switch m.mode {
	case config.StorageMemory:
		return m.cacheHas(deviceID), nil

	case config.StorageDB:
		return m.db.DeviceExists(ctx, deviceID)

	case config.StorageHybrid:
		if m.cacheHas(deviceID) {
			return true, nil
		}
		exists, err := m.db.DeviceExists(ctx, deviceID)
		if err != nil {
			return false, err
		}
		if exists {
			m.cacheAdd(deviceID)
		}
		return exists, nil

	default:
		m.log.Error("devicemgr: unknown mode %q", m.mode)
		return false, nil
	}
}

// EnsureRegistered registers deviceID if it is not already known.
func (m *Manager) EnsureRegistered(ctx context.Context, deviceID string) error {
	switch m.mode {
	case config.StorageMemory:
		m.cacheAdd(deviceID)
		return nil

	case config.StorageDB:
		return m.db.EnsureDeviceRegistered(ctx, deviceID)

	case config.StorageHybrid:
		m.cacheAdd(deviceID)
		return m.db.EnsureDeviceRegistered(ctx, deviceID)

	default:
		m.log.Error("devicemgr: unknown mode %q", m.mode)
		return nil
	}
}

// DeviceCount reports the number of devices currently held in the
// in-memory cache (not the database's full device count in DB mode).
func (m *Manager) DeviceCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.devices)
}

func (m *Manager) cacheHas(deviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.devices[deviceID]
	return ok
}

func (m *Manager) cacheAdd(deviceID string) {
	m.mu.Lock()
	m.devices[deviceID] = struct{}{}
	m.mu.Unlock()
}
