package client

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"

	"webviewauth/client/stores/fs"
	"webviewauth/client/stores/sqlite"
)

// Storage is the capability the token client needs from a secure store.
// Deleting a missing key must succeed.
type Storage interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// Storage drivers understood by OpenStorage.
const (
	DriverMemory = "memory"
	DriverFile   = "file"
	DriverSQLite = "sqlite"
)

// StorageConfig selects and configures the token store.
type StorageConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

// DefaultDriver returns the driver used when none is configured. Native
// clients get a file owned by the user; web clients keep tokens in memory the
// way a browser keeps them in page storage.
func DefaultDriver(p Platform) string {
	if p == PlatformWeb {
		return DriverMemory
	}
	return DriverFile
}

// OpenStorage opens the configured store once at startup. Stores holding
// resources implement io.Closer; see CloseStorage.
func OpenStorage(cfg StorageConfig, platform Platform) (Storage, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DefaultDriver(platform)
	}

	switch driver {
	case DriverMemory:
		return NewMemoryStorage(), nil
	case DriverFile:
		return fs.NewStore(cfg.Path, "wvauth")
	case DriverSQLite:
		path := cfg.Path
		if path == "" {
			dir, err := fs.DefaultDir("wvauth")
			if err != nil {
				return nil, err
			}
			path = filepath.Join(dir, "tokens.db")
		}
		return sqlite.NewStore(path)
	default:
		return nil, &ConfigError{Field: "storage.driver", Reason: fmt.Sprintf("unknown driver %q", driver)}
	}
}

// CloseStorage releases resources held by s, if any.
func CloseStorage(s Storage) error {
	if c, ok := s.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// MemoryStorage keeps values for the lifetime of the process.
type MemoryStorage struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemoryStorage constructs an empty store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{data: make(map[string]string)}
}

func (m *MemoryStorage) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *MemoryStorage) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *MemoryStorage) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// Clear drops every value.
func (m *MemoryStorage) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.data)
	return nil
}
