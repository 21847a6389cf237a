package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/Iron-Ham/framestack/internal/errors"
	"github.com/Iron-Ham/framestack/internal/eventlog"
	"github.com/Iron-Ham/framestack/internal/logging"
	"github.com/Iron-Ham/framestack/internal/sqlitepool"
)

// MemoryPath opens a private in-memory database backed by one connection.
const MemoryPath = ":memory:"

// Config holds the parameters for opening a Store.
type Config struct {
	// Path is the database file. Its directory is created if missing.
	Path          string
	PoolSize      int
	BusyTimeoutMs int
	Logger        *logging.Logger
}

// Store persists frames, suspension tokens and the event log.
type Store struct {
	pool   *sqlitepool.Pool
	logger *logging.Logger
}

// Open opens or creates the database at cfg.Path, applies the schema and
// replays any events that were appended but not applied.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	if cfg.Path == "" {
		return nil, errors.NewValidationError("database path is required").WithField("storage.path")
	}
	poolSize := cfg.PoolSize
	if cfg.Path == MemoryPath {
		// Each connection to :memory: is a separate database.
		poolSize = 1
	} else if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, errors.Storage("create database directory", err)
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:          cfg.Path,
		PoolSize:      poolSize,
		BusyTimeoutMs: cfg.BusyTimeoutMs,
		Logger:        logger,
	})
	if err != nil {
		return nil, errors.Storage("open database", err)
	}

	s := &Store{pool: pool, logger: logger.With("component", "store")}
	if err := s.init(ctx); err != nil {
		_ = pool.Close()
		return nil, err
	}
	if _, err := s.catchUp(ctx); err != nil {
		_ = pool.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// Path returns the database path.
func (s *Store) Path() string {
	return s.pool.Path()
}

func (s *Store) init(ctx context.Context) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return errors.Storage("init schema", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return errors.Storage("init schema", err)
	}
	defer endTransaction(&err)

	if err = sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return errors.Storage("apply schema", err)
	}

	version, found, err := readMeta(conn, metaSchemaVersion)
	if err != nil {
		return errors.Storage("read schema version", err)
	}
	if found && version > schemaVersion {
		err = errors.Storage("check schema version",
			fmt.Errorf("database schema %d is newer than supported %d", version, schemaVersion))
		return err
	}
	if !found {
		if err = writeMeta(conn, metaSchemaVersion, schemaVersion); err != nil {
			return errors.Storage("write schema version", err)
		}
	}
	return nil
}

// Commit appends ev to the log and applies it in one immediate
// transaction, so the log order is the apply order across every scope.
// The event row is written before the projection runs; if the projection
// fails the whole transaction rolls back and nothing is logged. The
// returned event carries its sequence.
func (s *Store) Commit(ctx context.Context, ev eventlog.Event) (eventlog.Event, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return ev, errors.Storage("commit", err)
	}
	defer s.pool.Put(conn)

	ev, err = commitTx(conn, ev)
	if err != nil {
		s.logger.Error("event not committed",
			"type", string(ev.Type),
			"scope", ev.Scope,
			"frame_id", ev.FrameID,
			"error", err,
		)
		return ev, errors.Storage("commit event", err)
	}
	return ev, nil
}

func commitTx(conn *sqlite.Conn, ev eventlog.Event) (_ eventlog.Event, err error) {
	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return ev, err
	}
	defer endTransaction(&err)

	if err = insertEvent(conn, ev); err != nil {
		return ev, err
	}
	ev.Seq = conn.LastInsertRowID()
	err = apply(conn, ev)
	return ev, err
}

// append writes ev to the log without applying it. catchUp applies such
// events on the next Open; only logs written by something other than
// Commit can hold them.
func (s *Store) append(ctx context.Context, ev eventlog.Event) (int64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)
	return appendTx(conn, ev)
}

func appendTx(conn *sqlite.Conn, ev eventlog.Event) (seq int64, err error) {
	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return 0, err
	}
	defer endTransaction(&err)

	if err = insertEvent(conn, ev); err != nil {
		return 0, err
	}
	return conn.LastInsertRowID(), nil
}

func applyTx(conn *sqlite.Conn, ev eventlog.Event) (err error) {
	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return err
	}
	defer endTransaction(&err)

	err = apply(conn, ev)
	return err
}

// catchUp applies every logged event past meta.applied_seq, in order.
func (s *Store) catchUp(ctx context.Context) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, errors.Storage("catch up", err)
	}
	defer s.pool.Put(conn)

	applied, _, err := readMeta(conn, metaAppliedSeq)
	if err != nil {
		return 0, errors.Storage("read applied seq", err)
	}
	pending, err := selectEvents(conn, EventFilter{AfterSeq: applied})
	if err != nil {
		return 0, errors.Storage("read pending events", err)
	}

	for _, ev := range pending {
		if err := applyTx(conn, ev); err != nil {
			return 0, errors.Storage(fmt.Sprintf("replay event %d", ev.Seq), err)
		}
	}
	if len(pending) > 0 {
		s.logger.Info("replayed unapplied events",
			"count", len(pending),
			"from_seq", pending[0].Seq,
			"to_seq", pending[len(pending)-1].Seq,
		)
	}
	return len(pending), nil
}

// Rebuild replays events into an empty database, keeping their original
// sequence numbers. Sequences must be strictly increasing.
func (s *Store) Rebuild(ctx context.Context, events []eventlog.Event) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return errors.Storage("rebuild", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return errors.Storage("rebuild", err)
	}
	defer endTransaction(&err)

	var existing int64
	err = sqlitex.Execute(conn, "SELECT COUNT(*) FROM events", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			existing = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		return errors.Storage("rebuild", err)
	}
	if existing > 0 {
		err = errors.NewValidationError(fmt.Sprintf("database already holds %d events", existing)).WithField("storage.path")
		return err
	}

	var last int64
	for _, ev := range events {
		if ev.Seq <= last {
			err = errors.NewValidationError(fmt.Sprintf("event seq %d does not follow %d", ev.Seq, last)).WithField("seq")
			return err
		}
		if err = insertEvent(conn, ev); err != nil {
			return errors.Storage(fmt.Sprintf("insert event %d", ev.Seq), err)
		}
		if err = apply(conn, ev); err != nil {
			return errors.Storage(fmt.Sprintf("apply event %d", ev.Seq), err)
		}
		last = ev.Seq
	}

	s.logger.Info("database rebuilt from event log", "events", len(events), "last_seq", last)
	return nil
}

// AppliedSeq returns the sequence of the last applied event.
func (s *Store) AppliedSeq(ctx context.Context) (int64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, errors.Storage("read applied seq", err)
	}
	defer s.pool.Put(conn)

	seq, _, err := readMeta(conn, metaAppliedSeq)
	if err != nil {
		return 0, errors.Storage("read applied seq", err)
	}
	return seq, nil
}

func readMeta(conn *sqlite.Conn, key string) (value int64, found bool, err error) {
	err = sqlitex.Execute(conn, "SELECT value FROM meta WHERE key = ?", &sqlitex.ExecOptions{
		Args: []any{key},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			value = stmt.ColumnInt64(0)
			found = true
			return nil
		},
	})
	return value, found, err
}

func writeMeta(conn *sqlite.Conn, key string, value int64) error {
	return sqlitex.Execute(conn,
		"INSERT INTO meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		&sqlitex.ExecOptions{Args: []any{key, value}})
}
