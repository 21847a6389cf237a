package store

import (
	"context"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/Iron-Ham/framestack/internal/errors"
	"github.com/Iron-Ham/framestack/internal/frame"
)

const tokenColumns = "token_id, frame_id, scope, suspended_at, reason, prior_status"

// Token returns the live suspension token with the given ID.
func (s *Store) Token(ctx context.Context, tokenID string) (*frame.SuspensionToken, bool, error) {
	return s.queryToken(ctx, "WHERE token_id = ?", tokenID)
}

// FrameToken returns the live suspension token held by frameID.
func (s *Store) FrameToken(ctx context.Context, frameID string) (*frame.SuspensionToken, bool, error) {
	return s.queryToken(ctx, "WHERE frame_id = ?", frameID)
}

// ListSuspended returns the live tokens of scope, oldest first. An empty
// scope lists every scope.
func (s *Store) ListSuspended(ctx context.Context, scope string) ([]frame.SuspensionToken, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, errors.Storage("list suspended", err)
	}
	defer s.pool.Put(conn)

	clause := "ORDER BY suspended_at, token_id"
	var args []any
	if scope != "" {
		clause = "WHERE scope = ? " + clause
		args = append(args, scope)
	}
	tokens, err := selectTokens(conn, clause, args...)
	if err != nil {
		return nil, errors.Storage("list suspended", err)
	}
	return tokens, nil
}

func (s *Store) queryToken(ctx context.Context, clause string, arg string) (*frame.SuspensionToken, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, false, errors.Storage("get token", err)
	}
	defer s.pool.Put(conn)

	tokens, err := selectTokens(conn, clause, arg)
	if err != nil {
		return nil, false, errors.Storage("get token", err)
	}
	if len(tokens) == 0 {
		return nil, false, nil
	}
	return &tokens[0], true, nil
}

func selectTokens(conn *sqlite.Conn, clause string, args ...any) ([]frame.SuspensionToken, error) {
	var tokens []frame.SuspensionToken
	err := sqlitex.Execute(conn, "SELECT "+tokenColumns+" FROM suspended_frames "+clause, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			tokens = append(tokens, frame.SuspensionToken{
				TokenID:     stmt.ColumnText(0),
				FrameID:     stmt.ColumnText(1),
				Scope:       stmt.ColumnText(2),
				SuspendedAt: time.Unix(0, stmt.ColumnInt64(3)).UTC(),
				Reason:      stmt.ColumnText(4),
				PriorStatus: frame.Status(stmt.ColumnText(5)),
			})
			return nil
		},
	})
	return tokens, err
}

func insertToken(conn *sqlite.Conn, tok frame.SuspensionToken) error {
	return sqlitex.Execute(conn, `INSERT INTO suspended_frames
		(token_id, frame_id, scope, suspended_at, reason, prior_status)
		VALUES (?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			tok.TokenID,
			tok.FrameID,
			tok.Scope,
			tok.SuspendedAt.UnixNano(),
			tok.Reason,
			string(tok.PriorStatus),
		}})
}

func deleteFrameTokens(conn *sqlite.Conn, frameID string) error {
	return sqlitex.Execute(conn, "DELETE FROM suspended_frames WHERE frame_id = ?",
		&sqlitex.ExecOptions{Args: []any{frameID}})
}
