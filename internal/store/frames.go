package store

import (
	"context"
	"fmt"
	"slices"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/Iron-Ham/framestack/internal/budget"
	"github.com/Iron-Ham/framestack/internal/codec"
	"github.com/Iron-Ham/framestack/internal/errors"
	"github.com/Iron-Ham/framestack/internal/frame"
)

const frameColumns = `frame_id, parent_frame_id, scope, goal, inputs,
	context_handles, result_refs, status, depth,
	budget_total, budget_used, budget_reserved, budget_subcall, max_subframe_depth,
	context_hash, constraints, created_at, completed_at, push_seq`

// ScopeInfo summarizes one scope for listings.
type ScopeInfo struct {
	Scope      string `json:"scope"`
	FrameCount int    `json:"frame_count"`
	LiveCount  int    `json:"live_count"`
	LastPush   int64  `json:"last_push_seq"`
}

// GetFrame returns the frame with the given ID.
func (s *Store) GetFrame(ctx context.Context, frameID string) (*frame.Frame, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, errors.Storage("get frame", err)
	}
	defer s.pool.Put(conn)
	return getFrame(conn, frameID)
}

// ancestryReadHook, when set, runs after each frame of an ancestry walk is
// read. Tests use it to commit between reads.
var ancestryReadHook func(frameID string)

// Ancestry returns the chain from the scope root down to frameID. The
// whole walk reads one snapshot, so concurrent commits never mix into it.
func (s *Store) Ancestry(ctx context.Context, frameID string) ([]*frame.Frame, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, errors.Storage("get ancestry", err)
	}
	defer s.pool.Put(conn)
	return ancestryTx(conn, frameID)
}

func ancestryTx(conn *sqlite.Conn, frameID string) (chain []*frame.Frame, err error) {
	defer sqlitex.Transaction(conn)(&err)

	seen := make(map[string]bool)
	for id := frameID; id != ""; {
		if seen[id] {
			err = errors.Storage("get ancestry", fmt.Errorf("parent cycle at frame %s", id))
			return nil, err
		}
		seen[id] = true

		var f *frame.Frame
		if f, err = getFrame(conn, id); err != nil {
			return nil, err
		}
		if ancestryReadHook != nil {
			ancestryReadHook(id)
		}
		chain = append(chain, f)
		id = f.ParentFrameID
	}

	slices.Reverse(chain)
	return chain, nil
}

// TopOfStack returns the most recently pushed non-terminal frame in scope.
func (s *Store) TopOfStack(ctx context.Context, scope string) (*frame.Frame, bool, error) {
	frames, err := s.queryFrames(ctx, "get top of stack",
		`WHERE scope = ? AND status NOT IN ('completed', 'failed') ORDER BY push_seq DESC LIMIT 1`, scope)
	if err != nil {
		return nil, false, err
	}
	if len(frames) == 0 {
		return nil, false, nil
	}
	return frames[0], true, nil
}

// ScopeFrames returns every frame of scope in push order.
func (s *Store) ScopeFrames(ctx context.Context, scope string) ([]*frame.Frame, error) {
	return s.queryFrames(ctx, "list scope frames", `WHERE scope = ? ORDER BY push_seq`, scope)
}

// LiveDescendants returns the non-terminal descendants of frameID, deepest
// first and, within a depth, most recently pushed first.
func (s *Store) LiveDescendants(ctx context.Context, frameID string) ([]*frame.Frame, error) {
	return s.queryFrames(ctx, "list descendants", `WHERE frame_id IN (
			WITH RECURSIVE sub(id) AS (
				SELECT frame_id FROM frames WHERE parent_frame_id = ?
				UNION ALL
				SELECT f.frame_id FROM frames f JOIN sub ON f.parent_frame_id = sub.id
			)
			SELECT id FROM sub
		) AND status NOT IN ('completed', 'failed')
		ORDER BY depth DESC, push_seq DESC`, frameID)
}

// ListScopes summarizes every scope that has frames.
func (s *Store) ListScopes(ctx context.Context) ([]ScopeInfo, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, errors.Storage("list scopes", err)
	}
	defer s.pool.Put(conn)

	var scopes []ScopeInfo
	err = sqlitex.Execute(conn, `SELECT scope, COUNT(*),
			SUM(CASE WHEN status NOT IN ('completed', 'failed') THEN 1 ELSE 0 END),
			MAX(push_seq)
		FROM frames GROUP BY scope ORDER BY scope`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				scopes = append(scopes, ScopeInfo{
					Scope:      stmt.ColumnText(0),
					FrameCount: stmt.ColumnInt(1),
					LiveCount:  stmt.ColumnInt(2),
					LastPush:   stmt.ColumnInt64(3),
				})
				return nil
			},
		})
	if err != nil {
		return nil, errors.Storage("list scopes", err)
	}
	return scopes, nil
}

// ScopeUsage lists the ledger of every frame in scope. It satisfies
// budget.UsageProvider.
func (s *Store) ScopeUsage(ctx context.Context, scope string) ([]budget.FrameUsage, error) {
	frames, err := s.ScopeFrames(ctx, scope)
	if err != nil {
		return nil, err
	}
	usage := make([]budget.FrameUsage, 0, len(frames))
	for _, f := range frames {
		usage = append(usage, budget.FrameUsage{
			FrameID:       f.FrameID,
			ParentFrameID: f.ParentFrameID,
			Scope:         f.Scope,
			Status:        string(f.Status),
			Terminal:      f.Status.IsTerminal(),
			Budget:        f.Budget,
		})
	}
	return usage, nil
}

func (s *Store) queryFrames(ctx context.Context, op, clause string, args ...any) ([]*frame.Frame, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, errors.Storage(op, err)
	}
	defer s.pool.Put(conn)

	frames, err := selectFrames(conn, clause, args...)
	if err != nil {
		return nil, errors.Storage(op, err)
	}
	return frames, nil
}

func getFrame(conn *sqlite.Conn, frameID string) (*frame.Frame, error) {
	frames, err := selectFrames(conn, "WHERE frame_id = ?", frameID)
	if err != nil {
		return nil, errors.Storage("get frame", err)
	}
	if len(frames) == 0 {
		return nil, errors.NewFrameError("get frame", errors.ErrFrameNotFound).WithFrameID(frameID)
	}
	return frames[0], nil
}

func selectFrames(conn *sqlite.Conn, clause string, args ...any) ([]*frame.Frame, error) {
	var frames []*frame.Frame
	err := sqlitex.Execute(conn, "SELECT "+frameColumns+" FROM frames "+clause, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			f, err := scanFrame(stmt)
			if err != nil {
				return err
			}
			frames = append(frames, f)
			return nil
		},
	})
	return frames, err
}

func columnBlob(stmt *sqlite.Stmt, col int) []byte {
	if stmt.ColumnType(col) == sqlite.TypeNull {
		return nil
	}
	buf := make([]byte, stmt.ColumnLen(col))
	stmt.ColumnBytes(col, buf)
	return buf
}

func scanFrame(stmt *sqlite.Stmt) (*frame.Frame, error) {
	f := &frame.Frame{
		FrameID:       stmt.ColumnText(0),
		ParentFrameID: stmt.ColumnText(1),
		Scope:         stmt.ColumnText(2),
		Goal:          stmt.ColumnText(3),
		Inputs:        columnBlob(stmt, 4),
		Status:        frame.Status(stmt.ColumnText(7)),
		Depth:         stmt.ColumnInt(8),
		Budget: budget.TokenBudget{
			Total:             stmt.ColumnInt64(9),
			Used:              stmt.ColumnInt64(10),
			Reserved:          stmt.ColumnInt64(11),
			SubcallAllocation: stmt.ColumnInt64(12),
			MaxSubframeDepth:  stmt.ColumnInt(13),
		},
		ContextHash: stmt.ColumnText(14),
		CreatedAt:   time.Unix(0, stmt.ColumnInt64(16)).UTC(),
		PushSeq:     stmt.ColumnInt64(18),
	}

	if err := codec.Unmarshal(columnBlob(stmt, 5), &f.ContextHandles); err != nil {
		return nil, fmt.Errorf("frame %s: decode context handles: %w", f.FrameID, err)
	}
	if err := codec.Unmarshal(columnBlob(stmt, 6), &f.ResultRefs); err != nil {
		return nil, fmt.Errorf("frame %s: decode result refs: %w", f.FrameID, err)
	}
	if raw := columnBlob(stmt, 15); raw != nil {
		if err := codec.Unmarshal(raw, &f.Constraints); err != nil {
			return nil, fmt.Errorf("frame %s: decode constraints: %w", f.FrameID, err)
		}
	}
	if stmt.ColumnType(17) != sqlite.TypeNull {
		at := time.Unix(0, stmt.ColumnInt64(17)).UTC()
		f.CompletedAt = &at
	}
	return f, nil
}

// frameArgs returns the mutable columns shared by insert and update.
func frameArgs(f *frame.Frame) ([]any, error) {
	handles := f.ContextHandles
	if handles == nil {
		handles = []frame.ContextHandle{}
	}
	handlesBlob, err := codec.Marshal(handles)
	if err != nil {
		return nil, fmt.Errorf("encode context handles: %w", err)
	}
	results := f.ResultRefs
	if results == nil {
		results = []frame.ResultRef{}
	}
	resultsBlob, err := codec.Marshal(results)
	if err != nil {
		return nil, fmt.Errorf("encode result refs: %w", err)
	}
	constraintsBlob, err := codec.Marshal(f.Constraints)
	if err != nil {
		return nil, fmt.Errorf("encode constraints: %w", err)
	}
	var completedAt any
	if f.CompletedAt != nil {
		completedAt = f.CompletedAt.UnixNano()
	}

	return []any{
		handlesBlob,
		resultsBlob,
		string(f.Status),
		f.Budget.Total,
		f.Budget.Used,
		f.Budget.Reserved,
		f.Budget.SubcallAllocation,
		f.Budget.MaxSubframeDepth,
		f.ContextHash,
		constraintsBlob,
		completedAt,
	}, nil
}

func insertFrame(conn *sqlite.Conn, f *frame.Frame) error {
	mutable, err := frameArgs(f)
	if err != nil {
		return err
	}
	var parent any
	if f.ParentFrameID != "" {
		parent = f.ParentFrameID
	}
	var inputs any
	if len(f.Inputs) > 0 {
		inputs = []byte(f.Inputs)
	}

	args := append([]any{
		f.FrameID,
		parent,
		f.Scope,
		f.Goal,
		inputs,
		f.Depth,
		f.CreatedAt.UnixNano(),
		f.PushSeq,
	}, mutable...)

	return sqlitex.Execute(conn, `INSERT INTO frames
		(frame_id, parent_frame_id, scope, goal, inputs, depth, created_at, push_seq,
		 context_handles, result_refs, status,
		 budget_total, budget_used, budget_reserved, budget_subcall, max_subframe_depth,
		 context_hash, constraints, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: args})
}

// updateFrame writes every mutable column. Identity columns never change
// after the push.
func updateFrame(conn *sqlite.Conn, f *frame.Frame) error {
	mutable, err := frameArgs(f)
	if err != nil {
		return err
	}
	err = sqlitex.Execute(conn, `UPDATE frames SET
		context_handles = ?, result_refs = ?, status = ?,
		budget_total = ?, budget_used = ?, budget_reserved = ?, budget_subcall = ?, max_subframe_depth = ?,
		context_hash = ?, constraints = ?, completed_at = ?
		WHERE frame_id = ?`,
		&sqlitex.ExecOptions{Args: append(mutable, f.FrameID)})
	if err != nil {
		return err
	}
	if conn.Changes() != 1 {
		return fmt.Errorf("update frame %s: %w", f.FrameID, errors.ErrFrameNotFound)
	}
	return nil
}
