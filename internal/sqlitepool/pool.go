// Package sqlitepool opens pooled SQLite connections with the pragmas the
// frame store depends on: WAL journaling, a busy timeout, and enforced
// foreign keys so suspension tokens cascade with their frames.
package sqlitepool

import (
	"context"
	"fmt"
	"runtime"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/Iron-Ham/framestack/internal/logging"
)

// DefaultBusyTimeoutMs is used when Config.BusyTimeoutMs is zero.
const DefaultBusyTimeoutMs = 5000

// Config holds the parameters for opening a SQLite connection pool.
type Config struct {
	// Path is the database file. The parent directory must exist.
	Path string

	// PoolSize is the number of connections. Zero or negative defaults to
	// max(runtime.NumCPU(), 4).
	PoolSize int

	// BusyTimeoutMs is how long a connection waits on a locked database.
	BusyTimeoutMs int

	// Logger receives pool open/close messages. Nil discards them.
	Logger *logging.Logger
}

// Pool is a fixed-size pool of SQLite connections. It is safe for
// concurrent use; individual connections are not.
type Pool struct {
	inner  *sqlitex.Pool
	logger *logging.Logger
	path   string
}

// Open creates a new connection pool. Connections are initialized lazily on
// first Take. The caller must call Close when done.
func Open(cfg Config) (*Pool, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlitepool: Path is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = max(runtime.NumCPU(), 4)
	}

	busyTimeout := cfg.BusyTimeoutMs
	if busyTimeout <= 0 {
		busyTimeout = DefaultBusyTimeoutMs
	}

	inner, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize: poolSize,
		PrepareConn: func(conn *sqlite.Conn) error {
			return prepareConnection(conn, busyTimeout)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlitepool: opening %s: %w", cfg.Path, err)
	}

	logger.Info("sqlite pool opened",
		"path", cfg.Path,
		"pool_size", poolSize,
	)

	return &Pool{
		inner:  inner,
		logger: logger,
		path:   cfg.Path,
	}, nil
}

// Take borrows a connection, blocking until one is free or ctx is done.
// The caller must Put it back:
//
//	conn, err := pool.Take(ctx)
//	if err != nil {
//	    return err
//	}
//	defer pool.Put(conn)
func (p *Pool) Take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := p.inner.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlitepool: take: %w", err)
	}
	return conn, nil
}

// Put returns a connection to the pool. Safe to call with nil.
func (p *Pool) Put(conn *sqlite.Conn) {
	p.inner.Put(conn)
}

// Path returns the database path the pool was opened with.
func (p *Pool) Path() string {
	return p.path
}

// Close closes all connections, blocking until borrowed ones are returned.
func (p *Pool) Close() error {
	if err := p.inner.Close(); err != nil {
		p.logger.Error("sqlite pool close error",
			"path", p.path,
			"error", err,
		)
		return fmt.Errorf("sqlitepool: closing %s: %w", p.path, err)
	}
	p.logger.Info("sqlite pool closed", "path", p.path)
	return nil
}

// prepareConnection applies the standard pragmas.
func prepareConnection(conn *sqlite.Conn, busyTimeoutMs int) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeoutMs),
		// suspended_frames relies on ON DELETE CASCADE.
		"PRAGMA foreign_keys=ON",
		"PRAGMA cache_size=-8192",
		"PRAGMA temp_store=MEMORY",
	}

	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("sqlitepool: %s: %w", pragma, err)
		}
	}

	return nil
}
