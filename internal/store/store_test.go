package store

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/framestack/internal/budget"
	"github.com/Iron-Ham/framestack/internal/errors"
	"github.com/Iron-Ham/framestack/internal/eventlog"
	"github.com/Iron-Ham/framestack/internal/frame"
	"github.com/Iron-Ham/framestack/internal/testutil"
)

var baseTime = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func openTestStore(t *testing.T, path string) *Store {
	t.Helper()
	if path == "" {
		path = testutil.TempDBPath(t)
	}
	s, err := Open(context.Background(), Config{Path: path, PoolSize: 2})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustEvent(t *testing.T, typ eventlog.Type, scope, frameID string, payload any) eventlog.Event {
	t.Helper()
	ev, err := eventlog.New(typ, scope, frameID, payload, baseTime)
	if err != nil {
		t.Fatalf("eventlog.New() error = %v", err)
	}
	return ev
}

func pushEvent(t *testing.T, id, parent string, depth int, total int64, parentBudget *budget.TokenBudget) eventlog.Event {
	t.Helper()
	return pushEventIn(t, "run-1", id, parent, depth, total, parentBudget)
}

func pushEventIn(t *testing.T, scope, id, parent string, depth int, total int64, parentBudget *budget.TokenBudget) eventlog.Event {
	t.Helper()
	f := frame.Frame{
		FrameID:       id,
		ParentFrameID: parent,
		Scope:         scope,
		Goal:          "goal " + id,
		Inputs:        json.RawMessage(`{"n":1}`),
		Status:        frame.StatusActive,
		Depth:         depth,
		Budget:        budget.New(total, 3),
		Constraints:   frame.Constraints{TimeoutMs: 30000},
		CreatedAt:     baseTime,
	}
	return mustEvent(t, eventlog.TypeFramePushed, scope, id, eventlog.FramePushed{Frame: f, ParentBudget: parentBudget})
}

func commit(t *testing.T, s *Store, ev eventlog.Event) eventlog.Event {
	t.Helper()
	out, err := s.Commit(context.Background(), ev)
	if err != nil {
		t.Fatalf("Commit(%s) error = %v", ev.Type, err)
	}
	return out
}

// chain commits root -> child -> grandchild with delegated budgets.
func chain(t *testing.T, s *Store) {
	t.Helper()
	commit(t, s, pushEvent(t, "root", "", 0, 1000, nil))
	rootAfter := budget.New(1000, 3)
	rootAfter.SubcallAllocation = 400
	commit(t, s, pushEvent(t, "child", "root", 1, 400, &rootAfter))
	childAfter := budget.New(400, 3)
	childAfter.SubcallAllocation = 100
	commit(t, s, pushEvent(t, "grandchild", "child", 2, 100, &childAfter))
}

func TestOpen_RequiresPath(t *testing.T) {
	if _, err := Open(context.Background(), Config{}); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("Open() error = %v, want ErrInvalidInput", err)
	}
}

func TestCommit_PushAndGet(t *testing.T) {
	s := openTestStore(t, "")
	ctx := context.Background()

	ev := commit(t, s, pushEvent(t, "root", "", 0, 1000, nil))
	if ev.Seq != 1 {
		t.Errorf("Seq = %d, want 1", ev.Seq)
	}

	f, err := s.GetFrame(ctx, "root")
	if err != nil {
		t.Fatalf("GetFrame() error = %v", err)
	}
	if f.PushSeq != 1 || f.Goal != "goal root" || f.Budget.Total != 1000 {
		t.Errorf("frame = %+v", f)
	}
	if string(f.Inputs) != `{"n":1}` || f.Constraints.TimeoutMs != 30000 {
		t.Errorf("inputs/constraints not persisted: %s %+v", f.Inputs, f.Constraints)
	}
	if !f.CreatedAt.Equal(baseTime) || f.CompletedAt != nil {
		t.Errorf("timestamps = %v %v", f.CreatedAt, f.CompletedAt)
	}

	if _, err := s.GetFrame(ctx, "missing"); !errors.Is(err, errors.ErrFrameNotFound) {
		t.Errorf("GetFrame(missing) error = %v", err)
	}

	applied, err := s.AppliedSeq(ctx)
	if err != nil || applied != 1 {
		t.Errorf("AppliedSeq() = %d, %v", applied, err)
	}
}

func TestAncestryAndTopOfStack(t *testing.T) {
	s := openTestStore(t, "")
	ctx := context.Background()
	chain(t, s)

	anc, err := s.Ancestry(ctx, "grandchild")
	if err != nil {
		t.Fatalf("Ancestry() error = %v", err)
	}
	var ids []string
	for _, f := range anc {
		ids = append(ids, f.FrameID)
	}
	if !slices.Equal(ids, []string{"root", "child", "grandchild"}) {
		t.Errorf("Ancestry() = %v", ids)
	}

	root, _ := s.GetFrame(ctx, "root")
	if root.Budget.SubcallAllocation != 400 {
		t.Errorf("parent budget not updated on push: %+v", root.Budget)
	}

	top, ok, err := s.TopOfStack(ctx, "run-1")
	if err != nil || !ok || top.FrameID != "grandchild" {
		t.Errorf("TopOfStack() = %v, %v, %v", top, ok, err)
	}
	if _, ok, _ := s.TopOfStack(ctx, "other"); ok {
		t.Error("empty scope should have no top")
	}

	desc, err := s.LiveDescendants(ctx, "root")
	if err != nil {
		t.Fatalf("LiveDescendants() error = %v", err)
	}
	if len(desc) != 2 || desc[0].FrameID != "grandchild" || desc[1].FrameID != "child" {
		t.Errorf("LiveDescendants() order wrong: %v", desc)
	}
}

func TestPopAndSuspendProjection(t *testing.T) {
	s := openTestStore(t, "")
	ctx := context.Background()
	chain(t, s)

	tok := frame.SuspensionToken{
		TokenID: "tok-1", FrameID: "grandchild", Scope: "run-1",
		SuspendedAt: baseTime, Reason: "await user", PriorStatus: frame.StatusActive,
	}
	commit(t, s, mustEvent(t, eventlog.TypeFrameSuspended, "run-1", "grandchild", eventlog.FrameSuspended{Token: tok}))

	got, ok, err := s.Token(ctx, "tok-1")
	if err != nil || !ok || got.Reason != "await user" {
		t.Fatalf("Token() = %+v, %v, %v", got, ok, err)
	}
	gc, _ := s.GetFrame(ctx, "grandchild")
	if gc.Status != frame.StatusSuspended {
		t.Errorf("status = %s, want suspended", gc.Status)
	}

	childAfter := budget.New(400, 3)
	childAfter.Used = 60
	final := budget.New(100, 3)
	final.Used = 60
	commit(t, s, mustEvent(t, eventlog.TypeFramePopped, "run-1", "grandchild", eventlog.FramePopped{
		Status: frame.StatusFailed, Budget: final, CompletedAt: baseTime.Add(time.Minute),
		Cascade: true, ParentBudget: &childAfter, RevokedToken: "tok-1",
	}))

	if _, ok, _ := s.Token(ctx, "tok-1"); ok {
		t.Error("token should be revoked by pop")
	}
	gc, _ = s.GetFrame(ctx, "grandchild")
	if gc.Status != frame.StatusFailed || gc.CompletedAt == nil {
		t.Errorf("popped frame = %+v", gc)
	}
	child, _ := s.GetFrame(ctx, "child")
	if child.Budget.Used != 60 || child.Budget.SubcallAllocation != 0 {
		t.Errorf("parent budget = %+v", child.Budget)
	}
	top, _, _ := s.TopOfStack(ctx, "run-1")
	if top.FrameID != "child" {
		t.Errorf("top = %s, want child", top.FrameID)
	}
}

func TestHandleProjection(t *testing.T) {
	s := openTestStore(t, "")
	ctx := context.Background()
	commit(t, s, pushEvent(t, "root", "", 0, 1000, nil))

	add := func(h frame.ContextHandle) {
		commit(t, s, mustEvent(t, eventlog.TypeHandleAdded, "run-1", "root", eventlog.HandleAdded{Handle: h, ContextHash: "h-" + h.HandleID}))
	}
	add(frame.ContextHandle{HandleID: "a", Priority: frame.PriorityHigh, EstimatedTokens: 100, Source: "inline:a"})
	add(frame.ContextHandle{HandleID: "tool", Priority: frame.PriorityMedium, EstimatedTokens: 50, Source: "inline:ls",
		Kind: frame.KindToolInvocation, ToolState: frame.ToolStarted})
	add(frame.ContextHandle{HandleID: "tool", Priority: frame.PriorityMedium, EstimatedTokens: 50, Source: "inline:ls",
		Kind: frame.KindToolInvocation, ToolState: frame.ToolFinished})

	f, _ := s.GetFrame(ctx, "root")
	if len(f.ContextHandles) != 2 {
		t.Fatalf("handles = %+v", f.ContextHandles)
	}
	tool := f.ContextHandles[1]
	if tool.ToolState != frame.ToolFinished || tool.AddedSeq != 3 {
		t.Errorf("replaced handle = %+v, want finished with AddedSeq 3", tool)
	}
	if f.ContextHash != "h-tool" {
		t.Errorf("ContextHash = %q", f.ContextHash)
	}

	commit(t, s, mustEvent(t, eventlog.TypeFrameCompacted, "run-1", "root", eventlog.FrameCompacted{
		Removed:     []string{"tool"},
		Summaries:   []eventlog.HandleSummary{{HandleID: "a", Summary: "[summary of 100 tokens] a …", EstimatedTokens: 25}},
		ContextHash: "compacted",
	}))
	f, _ = s.GetFrame(ctx, "root")
	if len(f.ContextHandles) != 1 || f.ContextHandles[0].Summary == "" || f.ContextHandles[0].EstimatedTokens != 25 {
		t.Errorf("compacted handles = %+v", f.ContextHandles)
	}
}

func TestCatchUpAppliesPendingEvents(t *testing.T) {
	path := testutil.TempDBPath(t)
	ctx := context.Background()

	s, err := Open(ctx, Config{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	commit(t, s, pushEvent(t, "root", "", 0, 1000, nil))
	// Simulate a crash between append and apply.
	if _, err := s.append(ctx, pushEvent(t, "child", "root", 1, 200, nil)); err != nil {
		t.Fatalf("append() error = %v", err)
	}
	if _, err := s.GetFrame(ctx, "child"); !errors.Is(err, errors.ErrFrameNotFound) {
		t.Fatalf("child should not be applied yet, err = %v", err)
	}
	_ = s.Close()

	reopened := openTestStore(t, path)
	child, err := reopened.GetFrame(ctx, "child")
	if err != nil {
		t.Fatalf("GetFrame(child) after reopen error = %v", err)
	}
	if child.PushSeq != 2 {
		t.Errorf("PushSeq = %d, want 2", child.PushSeq)
	}
	if applied, _ := reopened.AppliedSeq(ctx); applied != 2 {
		t.Errorf("AppliedSeq = %d, want 2", applied)
	}
}

func TestRebuild(t *testing.T) {
	ctx := context.Background()
	src := openTestStore(t, "")
	chain(t, src)
	commit(t, src, mustEvent(t, eventlog.TypeResultAdded, "run-1", "child", eventlog.ResultAdded{
		Result: frame.ResultRef{RefID: "r1", Locator: "file:out.md"}, ContextHash: "x",
	}))

	events, err := src.Events(ctx, EventFilter{})
	if err != nil {
		t.Fatal(err)
	}

	dst := openTestStore(t, "")
	if err := dst.Rebuild(ctx, events); err != nil {
		t.Fatalf("Rebuild() error = %v", err)
	}

	want, _ := src.ScopeFrames(ctx, "run-1")
	got, _ := dst.ScopeFrames(ctx, "run-1")
	if len(got) != len(want) {
		t.Fatalf("rebuilt %d frames, want %d", len(got), len(want))
	}
	for i := range want {
		a, _ := json.Marshal(want[i])
		b, _ := json.Marshal(got[i])
		if string(a) != string(b) {
			t.Errorf("frame %d differs:\n got %s\nwant %s", i, b, a)
		}
	}

	if err := dst.Rebuild(ctx, events); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("second Rebuild() error = %v, want ErrInvalidInput", err)
	}
}

func TestRebuild_RejectsOutOfOrder(t *testing.T) {
	s := openTestStore(t, "")
	a := pushEvent(t, "a", "", 0, 100, nil)
	a.Seq = 5
	b := pushEvent(t, "b", "", 0, 100, nil)
	b.Seq = 3
	if err := s.Rebuild(context.Background(), []eventlog.Event{a, b}); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("Rebuild() error = %v, want ErrInvalidInput", err)
	}
	if seq, _ := s.LastSeq(context.Background(), ""); seq != 0 {
		t.Errorf("failed rebuild left events behind, last seq %d", seq)
	}
}

func TestEventsAndScopes(t *testing.T) {
	s := openTestStore(t, "")
	ctx := context.Background()
	chain(t, s)

	evs, err := s.Events(ctx, EventFilter{Scope: "run-1", AfterSeq: 1, Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 1 || evs[0].Seq != 2 || evs[0].FrameID != "child" {
		t.Errorf("Events() = %+v", evs)
	}
	evs, _ = s.Events(ctx, EventFilter{FrameID: "grandchild", Type: eventlog.TypeFramePushed})
	if len(evs) != 1 {
		t.Errorf("filtered events = %d, want 1", len(evs))
	}

	if seq, _ := s.LastSeq(ctx, "run-1"); seq != 3 {
		t.Errorf("LastSeq = %d, want 3", seq)
	}

	scopes, err := s.ListScopes(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(scopes) != 1 || scopes[0].FrameCount != 3 || scopes[0].LiveCount != 3 || scopes[0].LastPush != 3 {
		t.Errorf("ListScopes() = %+v", scopes)
	}

	usage, err := s.ScopeUsage(ctx, "run-1")
	if err != nil || len(usage) != 3 || usage[0].Budget.SubcallAllocation != 400 {
		t.Errorf("ScopeUsage() = %+v, %v", usage, err)
	}
}

// Writers on different scopes commit concurrently; the log must stay
// applied exactly once and in order, and the database must reopen cleanly.
func TestCommit_ConcurrentScopesReopen(t *testing.T) {
	ctx := context.Background()
	path := testutil.TempDBPath(t)
	s, err := Open(ctx, Config{Path: path, PoolSize: 4})
	if err != nil {
		t.Fatal(err)
	}

	const scopes, depth = 4, 10
	events := make([][]eventlog.Event, scopes)
	for i := range scopes {
		scope := fmt.Sprintf("run-%d", i)
		parent := ""
		for d := range depth {
			id := fmt.Sprintf("%s/f%d", scope, d)
			events[i] = append(events[i], pushEventIn(t, scope, id, parent, d, 1000, nil))
			parent = id
		}
	}

	var wg sync.WaitGroup
	for i := range scopes {
		wg.Go(func() {
			for _, ev := range events[i] {
				if _, err := s.Commit(ctx, ev); err != nil {
					t.Errorf("Commit(%s) error = %v", ev.FrameID, err)
					return
				}
			}
		})
	}
	wg.Wait()

	const total = scopes * depth
	if applied, _ := s.AppliedSeq(ctx); applied != total {
		t.Errorf("AppliedSeq = %d, want %d", applied, total)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	reopened := openTestStore(t, path)
	if applied, _ := reopened.AppliedSeq(ctx); applied != total {
		t.Errorf("AppliedSeq after reopen = %d, want %d", applied, total)
	}
	logged, err := reopened.Events(ctx, EventFilter{Type: eventlog.TypeFramePushed})
	if err != nil {
		t.Fatal(err)
	}
	if len(logged) != total {
		t.Fatalf("logged %d pushes, want %d", len(logged), total)
	}
	for _, ev := range logged {
		f, err := reopened.GetFrame(ctx, ev.FrameID)
		if err != nil {
			t.Fatalf("GetFrame(%s) error = %v", ev.FrameID, err)
		}
		if f.PushSeq != ev.Seq {
			t.Errorf("%s PushSeq = %d, want its event seq %d", f.FrameID, f.PushSeq, ev.Seq)
		}
	}
}

func TestCommit_FailedApplyLogsNothing(t *testing.T) {
	ctx := context.Background()
	path := testutil.TempDBPath(t)
	s, err := Open(ctx, Config{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	commit(t, s, pushEvent(t, "root", "", 0, 1000, nil))

	// A second push of the same frame violates the frames primary key.
	if _, err := s.Commit(ctx, pushEvent(t, "root", "", 0, 1000, nil)); !errors.Is(err, errors.ErrStorage) {
		t.Fatalf("duplicate Commit() error = %v, want a storage failure", err)
	}
	if last, _ := s.LastSeq(ctx, ""); last != 1 {
		t.Errorf("LastSeq = %d, want 1: the failed event must not be logged", last)
	}
	commit(t, s, pushEvent(t, "child", "root", 1, 100, nil))
	_ = s.Close()

	reopened := openTestStore(t, path)
	if applied, _ := reopened.AppliedSeq(ctx); applied != 2 {
		t.Errorf("AppliedSeq after reopen = %d, want 2", applied)
	}
}

func TestAncestry_ReadsOneSnapshot(t *testing.T) {
	s := openTestStore(t, "")
	ctx := context.Background()
	chain(t, s)

	// Pop the grandchild after the walk has read it but before it reads
	// the parent whose allocation the pop releases.
	popped := false
	ancestryReadHook = func(id string) {
		if id != "grandchild" || popped {
			return
		}
		popped = true
		childAfter := budget.New(400, 3)
		childAfter.Used = 30
		final := budget.New(100, 3)
		final.Used = 30
		commit(t, s, mustEvent(t, eventlog.TypeFramePopped, "run-1", "grandchild", eventlog.FramePopped{
			Status: frame.StatusCompleted, Budget: final, CompletedAt: baseTime, ParentBudget: &childAfter,
		}))
	}
	t.Cleanup(func() { ancestryReadHook = nil })

	got, err := s.Ancestry(ctx, "grandchild")
	if err != nil {
		t.Fatalf("Ancestry() error = %v", err)
	}
	if !popped {
		t.Fatal("hook did not run")
	}
	leaf, parent := got[2], got[1]
	if leaf.Status != frame.StatusActive || parent.Budget.SubcallAllocation != 100 || parent.Budget.Used != 0 {
		t.Errorf("walk mixed snapshots: leaf %s, parent budget %+v", leaf.Status, parent.Budget)
	}

	ancestryReadHook = nil
	after, err := s.Ancestry(ctx, "grandchild")
	if err != nil {
		t.Fatal(err)
	}
	if after[2].Status != frame.StatusCompleted || after[1].Budget.SubcallAllocation != 0 {
		t.Errorf("later walk missed the pop: leaf %s, parent budget %+v", after[2].Status, after[1].Budget)
	}
}
