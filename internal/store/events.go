package store

import (
	"context"
	"strings"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/Iron-Ham/framestack/internal/errors"
	"github.com/Iron-Ham/framestack/internal/eventlog"
)

// EventFilter narrows an event query. Zero fields match everything.
type EventFilter struct {
	Scope    string
	FrameID  string
	Type     eventlog.Type
	AfterSeq int64
	// UpToSeq, when positive, excludes events after it.
	UpToSeq int64
	Limit   int
}

// Events returns logged events matching filter in sequence order.
func (s *Store) Events(ctx context.Context, filter EventFilter) ([]eventlog.Event, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, errors.Storage("list events", err)
	}
	defer s.pool.Put(conn)

	events, err := selectEvents(conn, filter)
	if err != nil {
		return nil, errors.Storage("list events", err)
	}
	return events, nil
}

// LastSeq returns the highest sequence logged for scope, or for the whole
// log when scope is empty.
func (s *Store) LastSeq(ctx context.Context, scope string) (int64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, errors.Storage("read last seq", err)
	}
	defer s.pool.Put(conn)

	query := "SELECT COALESCE(MAX(seq), 0) FROM events"
	var args []any
	if scope != "" {
		query += " WHERE scope = ?"
		args = append(args, scope)
	}

	var seq int64
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			seq = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		return 0, errors.Storage("read last seq", err)
	}
	return seq, nil
}

func insertEvent(conn *sqlite.Conn, ev eventlog.Event) error {
	var frameID any
	if ev.FrameID != "" {
		frameID = ev.FrameID
	}
	var seq any
	if ev.Seq > 0 {
		seq = ev.Seq
	}
	return sqlitex.Execute(conn, `INSERT INTO events
		(seq, event_id, type, scope, frame_id, timestamp, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				seq,
				ev.EventID,
				string(ev.Type),
				ev.Scope,
				frameID,
				ev.Timestamp.UnixNano(),
				ev.Payload,
			},
		})
}

func selectEvents(conn *sqlite.Conn, filter EventFilter) ([]eventlog.Event, error) {
	var (
		where []string
		args  []any
	)
	if filter.Scope != "" {
		where = append(where, "scope = ?")
		args = append(args, filter.Scope)
	}
	if filter.FrameID != "" {
		where = append(where, "frame_id = ?")
		args = append(args, filter.FrameID)
	}
	if filter.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.AfterSeq > 0 {
		where = append(where, "seq > ?")
		args = append(args, filter.AfterSeq)
	}
	if filter.UpToSeq > 0 {
		where = append(where, "seq <= ?")
		args = append(args, filter.UpToSeq)
	}

	query := "SELECT seq, event_id, type, scope, frame_id, timestamp, payload FROM events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	var events []eventlog.Event
	err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			payload := make([]byte, stmt.ColumnLen(6))
			stmt.ColumnBytes(6, payload)
			events = append(events, eventlog.Event{
				Seq:       stmt.ColumnInt64(0),
				EventID:   stmt.ColumnText(1),
				Type:      eventlog.Type(stmt.ColumnText(2)),
				Scope:     stmt.ColumnText(3),
				FrameID:   stmt.ColumnText(4),
				Timestamp: time.Unix(0, stmt.ColumnInt64(5)).UTC(),
				Payload:   payload,
			})
			return nil
		},
	})
	return events, err
}
