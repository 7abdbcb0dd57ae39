package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// KV is the durable key-value capability the engine persists through.
// All calls are synchronous and durable on return.
type KV interface {
	// Get returns ErrNotFound when the key is absent.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	// Delete of a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// ListKeysWithPrefix returns matching keys in ascending order.
	ListKeysWithPrefix(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

var ErrNotFound = errors.New("not found")

// Backend names a KV implementation.
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendFile     Backend = "file"
	BackendBadger   Backend = "badger"
	BackendSQLite   Backend = "sqlite"
	BackendPostgres Backend = "postgres"
	BackendRedis    Backend = "redis"
)

// Open creates a KV for backend. dsn is a directory for file and badger,
// a database path for sqlite, and a connection URL for postgres and redis.
func Open(ctx context.Context, backend Backend, dsn string) (KV, error) {
	switch Backend(strings.ToLower(string(backend))) {
	case BackendMemory, "":
		return NewMemory(), nil
	case BackendFile:
		return NewFile(dsn)
	case BackendBadger:
		return NewBadger(dsn)
	case BackendSQLite:
		return NewSQLite(ctx, dsn)
	case BackendPostgres:
		return NewPostgres(ctx, dsn)
	case BackendRedis:
		return NewRedis(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown store backend: %s (supported: memory, file, badger, sqlite, postgres, redis)", backend)
	}
}
