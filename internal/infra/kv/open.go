package kv

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/habitflow/xpengine/internal/domain"
	"github.com/habitflow/xpengine/internal/infra/sqlite"
)

// Backend names a physical store implementation.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendBolt   Backend = "bolt"
	BackendSQLite Backend = "sqlite"
)

// BoltFileName is the bolt database file created inside the data directory.
const BoltFileName = "xpengine.bolt"

// Options selects and tunes a backend.
type Options struct {
	Backend          Backend
	Dir              string
	RetryMax         int
	RetryBase        time.Duration
	BreakerThreshold int
	BreakerReset     time.Duration
}

// Open returns the configured store. Dir is created when needed.
func Open(opts Options) (domain.KVStore, error) {
	switch opts.Backend {
	case BackendMemory:
		return NewMemory(), nil

	case BackendBolt:
		if err := os.MkdirAll(opts.Dir, 0o700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		return OpenBolt(filepath.Join(opts.Dir, BoltFileName))

	case BackendSQLite:
		db, err := sqlite.Open(opts.Dir)
		if err != nil {
			return nil, err
		}
		retry := sqlite.DefaultRetryConfig()
		if opts.RetryMax > 0 {
			retry.MaxRetries = opts.RetryMax
		}
		if opts.RetryBase > 0 {
			retry.BaseDelay = opts.RetryBase
		}
		threshold, reset := opts.BreakerThreshold, opts.BreakerReset
		if threshold <= 0 {
			threshold = 5
		}
		if reset <= 0 {
			reset = 30 * time.Second
		}
		return sqlite.NewResilient(db, retry, sqlite.NewCircuitBreaker(threshold, reset)), nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", opts.Backend)
}
