package index

import (
	"bytes"
	"context"
	"encoding/json"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/framestack/internal/assembler"
	"github.com/Iron-Ham/framestack/internal/compaction"
	"github.com/Iron-Ham/framestack/internal/errors"
	"github.com/Iron-Ham/framestack/internal/event"
	"github.com/Iron-Ham/framestack/internal/eventlog"
	"github.com/Iron-Ham/framestack/internal/frame"
	"github.com/Iron-Ham/framestack/internal/stackcache"
	"github.com/Iron-Ham/framestack/internal/store"
	"github.com/Iron-Ham/framestack/internal/testutil"
)

const scope = "run-1"

var baseTime = time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

// openIndex opens an Index over the database at path with its own cold
// cache. An empty path uses a fresh temporary database.
func openIndex(t *testing.T, path string, opts ...Option) *Index {
	t.Helper()
	if path == "" {
		path = testutil.TempDBPath(t)
	}
	st, err := store.Open(context.Background(), store.Config{Path: path, PoolSize: 2})
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	opts = append([]Option{WithClock(testutil.FixedClock(baseTime))}, opts...)
	ix, err := New(st, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return ix
}

func push(t *testing.T, ix *Index, parent string, total int64) string {
	t.Helper()
	id, err := ix.PushFrame(context.Background(), PushRequest{
		Scope:         scope,
		ParentFrameID: parent,
		Goal:          "work under " + parent,
		TotalTokens:   total,
	})
	if err != nil {
		t.Fatalf("PushFrame(parent=%q) error = %v", parent, err)
	}
	return id
}

func get(t *testing.T, ix *Index, id string) *frame.Frame {
	t.Helper()
	f, err := ix.GetFrame(context.Background(), id)
	if err != nil {
		t.Fatalf("GetFrame(%s) error = %v", id, err)
	}
	return f
}

func frameIDs(frames []*frame.Frame) []string {
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = f.FrameID
	}
	return out
}

func TestPushFrame_RootAndChild(t *testing.T) {
	ix := openIndex(t, "")
	root := push(t, ix, "", 1000)
	child := push(t, ix, root, 400)

	r := get(t, ix, root)
	if r.Depth != 0 || r.Budget.Total != 1000 || r.Budget.MaxSubframeDepth != 4 {
		t.Errorf("root = depth %d, budget %+v", r.Depth, r.Budget)
	}
	if r.Budget.SubcallAllocation != 400 || r.Budget.Available() != 600 {
		t.Errorf("root budget after delegation = %+v", r.Budget)
	}
	if r.ContextHash == "" {
		t.Error("root should carry a context hash")
	}

	c := get(t, ix, child)
	if c.Depth != 1 || c.ParentFrameID != root || c.Budget.Total != 400 {
		t.Errorf("child = depth %d, parent %q, total %d", c.Depth, c.ParentFrameID, c.Budget.Total)
	}
	if c.Budget.MaxSubframeDepth != 4 {
		t.Errorf("child should inherit max_subframe_depth, got %d", c.Budget.MaxSubframeDepth)
	}
	if !c.CreatedAt.Equal(baseTime) || c.Status != frame.StatusActive {
		t.Errorf("child created_at %v status %s", c.CreatedAt, c.Status)
	}
}

func TestPushFrame_RootDefaults(t *testing.T) {
	ix := openIndex(t, "", WithDefaults(Defaults{MaxSubframeDepth: 2, RootTokens: 5000}))
	root := push(t, ix, "", 0)

	r := get(t, ix, root)
	if r.Budget.Total != 5000 || r.Budget.MaxSubframeDepth != 2 {
		t.Errorf("root budget = %+v, want defaults", r.Budget)
	}

	child := push(t, ix, root, 0)
	if got := get(t, ix, child).Budget.Total; got != 5000 {
		t.Errorf("zero child total should delegate everything available, got %d", got)
	}
}

func TestPushFrame_MaxDepthExceeded(t *testing.T) {
	ctx := context.Background()
	ix := openIndex(t, "")

	root, err := ix.PushFrame(ctx, PushRequest{Scope: scope, Goal: "root", TotalTokens: 1000, MaxSubframeDepth: 2})
	if err != nil {
		t.Fatalf("PushFrame(root) error = %v", err)
	}
	child := push(t, ix, root, 500)
	grandchild := push(t, ix, child, 200)
	if d := get(t, ix, grandchild).Depth; d != 2 {
		t.Fatalf("grandchild depth = %d, want 2", d)
	}

	_, err = ix.PushFrame(ctx, PushRequest{Scope: scope, ParentFrameID: grandchild, Goal: "too deep", TotalTokens: 10})
	if !errors.Is(err, errors.ErrMaxDepthExceeded) {
		t.Fatalf("PushFrame() error = %v, want ErrMaxDepthExceeded", err)
	}
	if !errors.IsFatal(err) {
		t.Error("MaxDepthExceeded should be fatal")
	}
	var depthErr *errors.MaxDepthError
	if !errors.As(err, &depthErr) {
		t.Fatal("error should carry MaxDepthError")
	}

	frames, _ := ix.ScopeFrames(ctx, scope)
	if len(frames) != 3 {
		t.Errorf("a rejected push must not create a frame, have %d", len(frames))
	}
}

func TestPushFrame_ChildCannotRaiseDepthLimit(t *testing.T) {
	ctx := context.Background()
	ix := openIndex(t, "")

	root, err := ix.PushFrame(ctx, PushRequest{Scope: scope, Goal: "root", TotalTokens: 1000, MaxSubframeDepth: 2})
	if err != nil {
		t.Fatalf("PushFrame(root) error = %v", err)
	}
	child, err := ix.PushFrame(ctx, PushRequest{Scope: scope, ParentFrameID: root, Goal: "child", TotalTokens: 500, MaxSubframeDepth: 10})
	if err != nil {
		t.Fatalf("PushFrame(child) error = %v", err)
	}
	if got := get(t, ix, child).Budget.MaxSubframeDepth; got != 2 {
		t.Errorf("child max_subframe_depth = %d, want the parent's 2", got)
	}
	grandchild := push(t, ix, child, 200)

	_, err = ix.PushFrame(ctx, PushRequest{Scope: scope, ParentFrameID: grandchild, Goal: "too deep", TotalTokens: 10})
	if !errors.Is(err, errors.ErrMaxDepthExceeded) {
		t.Fatalf("push at depth 3 error = %v, want ErrMaxDepthExceeded", err)
	}
}

func TestPushFrame_ChildTightensDepthLimit(t *testing.T) {
	ctx := context.Background()
	ix := openIndex(t, "")

	root := push(t, ix, "", 1000)
	child, err := ix.PushFrame(ctx, PushRequest{Scope: scope, ParentFrameID: root, Goal: "child", TotalTokens: 500, MaxSubframeDepth: 1})
	if err != nil {
		t.Fatalf("PushFrame(child) error = %v", err)
	}
	_, err = ix.PushFrame(ctx, PushRequest{Scope: scope, ParentFrameID: child, Goal: "grandchild", TotalTokens: 10})
	if !errors.Is(err, errors.ErrMaxDepthExceeded) {
		t.Fatalf("push under a tightened child error = %v, want ErrMaxDepthExceeded", err)
	}
}

func TestPushFrame_Rejections(t *testing.T) {
	ctx := context.Background()
	ix := openIndex(t, "")
	root := push(t, ix, "", 1000)

	other, err := ix.PushFrame(ctx, PushRequest{Scope: "run-2", Goal: "other", TotalTokens: 100})
	if err != nil {
		t.Fatalf("PushFrame(run-2) error = %v", err)
	}

	tests := []struct {
		name string
		req  PushRequest
		want error
	}{
		{"empty scope", PushRequest{Goal: "x"}, errors.ErrInvalidInput},
		{"missing parent", PushRequest{Scope: scope, ParentFrameID: "nope"}, errors.ErrParentFrameNotFound},
		{"scope mismatch", PushRequest{Scope: scope, ParentFrameID: other}, errors.ErrScopeMismatch},
		{"second live root", PushRequest{Scope: scope, Goal: "again"}, errors.ErrInvalidInput},
		{"over delegation", PushRequest{Scope: scope, ParentFrameID: root, TotalTokens: 2000}, errors.ErrInsufficientTokens},
		{"negative total", PushRequest{Scope: scope, ParentFrameID: root, TotalTokens: -1}, errors.ErrInvalidInput},
		{"invalid inputs", PushRequest{Scope: scope, ParentFrameID: root, Inputs: json.RawMessage(`{`)}, errors.ErrInvalidInput},
		{
			"schema violation",
			PushRequest{
				Scope:         scope,
				ParentFrameID: root,
				TotalTokens:   10,
				Inputs:        json.RawMessage(`{"branch":"main"}`),
				InputSchema:   json.RawMessage(`{"type":"object","required":["repo"]}`),
			},
			errors.ErrInvalidInput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ix.PushFrame(ctx, tt.req); !errors.Is(err, tt.want) {
				t.Errorf("PushFrame() error = %v, want %v", err, tt.want)
			}
		})
	}

	if r := get(t, ix, root); r.Budget.SubcallAllocation != 0 {
		t.Errorf("rejected pushes must not touch the parent ledger, got %+v", r.Budget)
	}
}

func TestPushFrame_AcceptsSchemaInputs(t *testing.T) {
	ix := openIndex(t, "")
	id, err := ix.PushFrame(context.Background(), PushRequest{
		Scope:       scope,
		Goal:        "fix the build",
		TotalTokens: 100,
		Inputs:      json.RawMessage(`{"repo":"framestack"}`),
		InputSchema: json.RawMessage(`{"type":"object","required":["repo"]}`),
	})
	if err != nil {
		t.Fatalf("PushFrame() error = %v", err)
	}
	if got := string(get(t, ix, id).Inputs); got != `{"repo":"framestack"}` {
		t.Errorf("Inputs = %s", got)
	}
}

func TestPopFrame_ReturnsDelegation(t *testing.T) {
	ctx := context.Background()
	ix := openIndex(t, "")
	root := push(t, ix, "", 1000)
	child := push(t, ix, root, 400)

	if err := ix.RecordUsage(ctx, child, 150); err != nil {
		t.Fatalf("RecordUsage() error = %v", err)
	}
	if err := ix.PopFrame(ctx, child, frame.StatusCompleted, PopOptions{}); err != nil {
		t.Fatalf("PopFrame() error = %v", err)
	}

	c := get(t, ix, child)
	if c.Status != frame.StatusCompleted || c.CompletedAt == nil {
		t.Errorf("child = %s, completed_at %v", c.Status, c.CompletedAt)
	}
	r := get(t, ix, root)
	if r.Budget.SubcallAllocation != 0 || r.Budget.Used != 150 || r.Budget.Available() != 850 {
		t.Errorf("root budget after pop = %+v", r.Budget)
	}

	top, ok, err := ix.FindTopOfStack(ctx, scope)
	if err != nil || !ok || top != root {
		t.Errorf("FindTopOfStack() = %q, %v, %v; want root", top, ok, err)
	}

	if err := ix.PopFrame(ctx, child, frame.StatusFailed, PopOptions{}); !errors.Is(err, errors.ErrInvalidStatus) {
		t.Errorf("popping a terminal frame: error = %v, want ErrInvalidStatus", err)
	}
}

func TestPopFrame_OutstandingAllocation(t *testing.T) {
	ctx := context.Background()
	ix := openIndex(t, "")
	root := push(t, ix, "", 1000)
	push(t, ix, root, 400)

	err := ix.PopFrame(ctx, root, frame.StatusCompleted, PopOptions{})
	if !errors.Is(err, errors.ErrOutstandingAllocation) {
		t.Fatalf("PopFrame() error = %v, want ErrOutstandingAllocation", err)
	}
	if r := get(t, ix, root); r.Status != frame.StatusActive {
		t.Errorf("root status = %s, want active", r.Status)
	}
}

func TestPopFrame_StatusRules(t *testing.T) {
	ctx := context.Background()
	ix := openIndex(t, "")
	root := push(t, ix, "", 1000)

	tests := []struct {
		name   string
		status frame.Status
		opts   PopOptions
	}{
		{"non-terminal", frame.StatusWaiting, PopOptions{}},
		{"force completed", frame.StatusCompleted, PopOptions{Force: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ix.PopFrame(ctx, root, tt.status, tt.opts); !errors.Is(err, errors.ErrInvalidStatus) {
				t.Errorf("PopFrame() error = %v, want ErrInvalidStatus", err)
			}
		})
	}

	if err := ix.PopFrame(ctx, "missing", frame.StatusFailed, PopOptions{}); !errors.Is(err, errors.ErrFrameNotFound) {
		t.Errorf("PopFrame(missing) error = %v, want ErrFrameNotFound", err)
	}
}

func TestPopFrame_ForceCascades(t *testing.T) {
	ctx := context.Background()
	ix := openIndex(t, "")
	root := push(t, ix, "", 1000)
	child := push(t, ix, root, 400)
	grandchild := push(t, ix, child, 100)

	if err := ix.RecordUsage(ctx, grandchild, 30); err != nil {
		t.Fatalf("RecordUsage() error = %v", err)
	}
	if _, err := ix.SuspendFrame(ctx, grandchild, "approval"); err != nil {
		t.Fatalf("SuspendFrame() error = %v", err)
	}

	if err := ix.PopFrame(ctx, child, frame.StatusFailed, PopOptions{Force: true, Reason: "cancelled"}); err != nil {
		t.Fatalf("PopFrame(force) error = %v", err)
	}

	for _, id := range []string{child, grandchild} {
		if s := get(t, ix, id).Status; s != frame.StatusFailed {
			t.Errorf("frame %s status = %s, want failed", id, s)
		}
	}
	r := get(t, ix, root)
	if r.Budget.SubcallAllocation != 0 || r.Budget.Used != 30 {
		t.Errorf("root budget = %+v, want delegation reclaimed and usage charged", r.Budget)
	}

	tokens, err := ix.ListSuspended(ctx, scope)
	if err != nil || len(tokens) != 0 {
		t.Errorf("ListSuspended() = %v, %v; want token revoked", tokens, err)
	}

	popped, err := ix.Events(ctx, store.EventFilter{Scope: scope, Type: eventlog.TypeFramePopped})
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}
	if len(popped) != 2 || popped[0].FrameID != grandchild || popped[1].FrameID != child {
		t.Fatalf("popped events = %+v, want grandchild then child", popped)
	}
	var first eventlog.FramePopped
	if err := popped[0].Decode(&first); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if !first.Cascade || first.RevokedToken == "" || first.Reason != "cancelled" {
		t.Errorf("cascaded pop payload = %+v", first)
	}
}

func TestLedger_Scenario(t *testing.T) {
	ctx := context.Background()
	ix := openIndex(t, "")
	root := push(t, ix, "", 1000)
	push(t, ix, root, 400)

	if err := ix.RecordUsage(ctx, root, 200); err != nil {
		t.Fatalf("RecordUsage() error = %v", err)
	}
	if err := ix.Reserve(ctx, root, 100); err != nil {
		t.Fatalf("Reserve(100) error = %v", err)
	}
	if got := get(t, ix, root).Budget.Available(); got != 300 {
		t.Fatalf("Available() = %d, want 300", got)
	}

	err := ix.Reserve(ctx, root, 350)
	var insufficient *errors.InsufficientTokensError
	if !errors.As(err, &insufficient) {
		t.Fatalf("Reserve(350) error = %v, want InsufficientTokensError", err)
	}
	if insufficient.Requested != 350 || insufficient.Available != 300 {
		t.Errorf("InsufficientTokens = {%d, %d}, want {350, 300}", insufficient.Requested, insufficient.Available)
	}
	if !errors.IsRetryable(err) {
		t.Error("InsufficientTokens should be retryable")
	}

	if err := ix.Reserve(ctx, root, 300); err != nil {
		t.Fatalf("Reserve(300) error = %v", err)
	}
	if got := get(t, ix, root).Budget.Available(); got != 0 {
		t.Errorf("Available() = %d, want 0", got)
	}

	if err := ix.ReleaseReservation(ctx, root, 150); err != nil {
		t.Fatalf("ReleaseReservation() error = %v", err)
	}
	if got := get(t, ix, root).Budget.Reserved; got != 250 {
		t.Errorf("Reserved = %d, want 250", got)
	}
	if err := ix.Reserve(ctx, root, -1); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("Reserve(-1) error = %v, want ErrInvalidInput", err)
	}
}

func TestRecordUsage_WarnsOnce(t *testing.T) {
	ctx := context.Background()
	ix := openIndex(t, "", WithUsageWarningRatio(0.5))
	root := push(t, ix, "", 1000)

	var warnings []event.UsageWarningEvent
	ix.Bus().Subscribe(event.TypeUsageWarning, func(e event.Event) {
		warnings = append(warnings, e.(event.UsageWarningEvent))
	})

	for _, n := range []int64{300, 300, 300} {
		if err := ix.RecordUsage(ctx, root, n); err != nil {
			t.Fatalf("RecordUsage(%d) error = %v", n, err)
		}
	}
	if len(warnings) != 1 {
		t.Fatalf("got %d warnings, want 1", len(warnings))
	}
	if warnings[0].FrameID != root || warnings[0].Used != 600 || warnings[0].Total != 1000 {
		t.Errorf("warning = %+v", warnings[0])
	}

	// Usage is never blocked.
	if err := ix.RecordUsage(ctx, root, 5000); err != nil {
		t.Errorf("RecordUsage past total error = %v", err)
	}
}

func TestSetStatus(t *testing.T) {
	ctx := context.Background()
	ix := openIndex(t, "")
	root := push(t, ix, "", 1000)

	if err := ix.SetStatus(ctx, root, frame.StatusWaiting); err != nil {
		t.Fatalf("SetStatus(waiting) error = %v", err)
	}
	if s := get(t, ix, root).Status; s != frame.StatusWaiting {
		t.Errorf("status = %s, want waiting", s)
	}
	if err := ix.SetStatus(ctx, root, frame.StatusCompleted); !errors.Is(err, errors.ErrInvalidStatus) {
		t.Errorf("SetStatus(completed) error = %v, want ErrInvalidStatus", err)
	}

	if _, err := ix.SuspendFrame(ctx, root, "wait"); err != nil {
		t.Fatalf("SuspendFrame() error = %v", err)
	}
	if err := ix.SetStatus(ctx, root, frame.StatusActive); !errors.Is(err, errors.ErrInvalidStatus) {
		t.Errorf("SetStatus on suspended frame error = %v, want ErrInvalidStatus", err)
	}
}

func TestSuspendResume_SingleUse(t *testing.T) {
	ctx := context.Background()
	ix := openIndex(t, "")
	root := push(t, ix, "", 1000)

	tok, err := ix.SuspendFrame(ctx, root, "human approval")
	if err != nil {
		t.Fatalf("SuspendFrame() error = %v", err)
	}
	if tok.FrameID != root || tok.PriorStatus != frame.StatusActive || tok.TokenID == "" {
		t.Errorf("token = %+v", tok)
	}
	if s := get(t, ix, root).Status; s != frame.StatusSuspended {
		t.Errorf("status = %s, want suspended", s)
	}

	if _, err := ix.SuspendFrame(ctx, root, "again"); !errors.Is(err, errors.ErrAlreadySuspended) {
		t.Errorf("second SuspendFrame() error = %v, want ErrAlreadySuspended", err)
	}

	id, err := ix.ResumeFrame(ctx, tok.TokenID)
	if err != nil {
		t.Fatalf("ResumeFrame() error = %v", err)
	}
	if id != root {
		t.Errorf("ResumeFrame() = %q, want %q", id, root)
	}
	if s := get(t, ix, root).Status; s != frame.StatusActive {
		t.Errorf("status = %s, want active", s)
	}

	if _, err := ix.ResumeFrame(ctx, tok.TokenID); !errors.Is(err, errors.ErrTokenNotFound) {
		t.Errorf("second ResumeFrame() error = %v, want ErrTokenNotFound", err)
	}
}

func TestResumeFrame_ConcurrentRedeemOnce(t *testing.T) {
	ctx := context.Background()
	ix := openIndex(t, "")
	root := push(t, ix, "", 1000)
	tok, err := ix.SuspendFrame(ctx, root, "")
	if err != nil {
		t.Fatalf("SuspendFrame() error = %v", err)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ix.ResumeFrame(ctx, tok.TokenID); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if succeeded != 1 {
		t.Errorf("%d redemptions succeeded, want 1", succeeded)
	}
}

func TestAddContextHandle(t *testing.T) {
	ctx := context.Background()
	ix := openIndex(t, "")
	root := push(t, ix, "", 1000)
	before := get(t, ix, root).ContextHash

	id, err := ix.AddContextHandle(ctx, root, frame.ContextHandle{
		Source:          "inline:go test ./...",
		EstimatedTokens: 20,
		Kind:            frame.KindToolInvocation,
	})
	if err != nil {
		t.Fatalf("AddContextHandle() error = %v", err)
	}

	f := get(t, ix, root)
	h, ok := f.Handle(id)
	if !ok {
		t.Fatal("handle not attached")
	}
	if h.Priority != frame.PriorityMedium || h.ToolState != frame.ToolStarted || h.AddedSeq == 0 {
		t.Errorf("handle = %+v", h)
	}
	if f.ContextHash == before {
		t.Error("context hash should change when a handle is added")
	}

	h.ToolState = frame.ToolFinished
	if _, err := ix.AddContextHandle(ctx, root, h); err != nil {
		t.Fatalf("replace handle error = %v", err)
	}
	f = get(t, ix, root)
	if len(f.ContextHandles) != 1 {
		t.Fatalf("replace should not append, have %d handles", len(f.ContextHandles))
	}
	if got := f.ContextHandles[0]; got.ToolState != frame.ToolFinished || got.AddedSeq != h.AddedSeq {
		t.Errorf("replaced handle = %+v, want finished with original AddedSeq %d", got, h.AddedSeq)
	}

	tests := []struct {
		name string
		h    frame.ContextHandle
	}{
		{"no scheme", frame.ContextHandle{Source: "plain"}},
		{"bad priority", frame.ContextHandle{Source: "inline:x", Priority: "urgent"}},
		{"negative tokens", frame.ContextHandle{Source: "inline:x", EstimatedTokens: -5}},
		{"bad kind", frame.ContextHandle{Source: "inline:x", Kind: "blob"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ix.AddContextHandle(ctx, root, tt.h); !errors.Is(err, errors.ErrInvalidInput) {
				t.Errorf("AddContextHandle() error = %v, want ErrInvalidInput", err)
			}
		})
	}
}

func TestAddResultRef(t *testing.T) {
	ctx := context.Background()
	ix := openIndex(t, "")
	root := push(t, ix, "", 1000)

	id, err := ix.AddResultRef(ctx, root, frame.ResultRef{Locator: "file:out/report.md", Description: "report"})
	if err != nil {
		t.Fatalf("AddResultRef() error = %v", err)
	}
	f := get(t, ix, root)
	if len(f.ResultRefs) != 1 || f.ResultRefs[0].RefID != id || f.ResultRefs[0].AddedSeq == 0 {
		t.Errorf("ResultRefs = %+v", f.ResultRefs)
	}
	if _, err := ix.AddResultRef(ctx, root, frame.ResultRef{RefID: id, Locator: "file:x"}); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("duplicate ref error = %v, want ErrInvalidInput", err)
	}

	if err := ix.PopFrame(ctx, root, frame.StatusCompleted, PopOptions{}); err != nil {
		t.Fatalf("PopFrame() error = %v", err)
	}
	if _, err := ix.AddResultRef(ctx, root, frame.ResultRef{Locator: "file:late"}); !errors.Is(err, errors.ErrInvalidStatus) {
		t.Errorf("AddResultRef on terminal frame error = %v, want ErrInvalidStatus", err)
	}
}

func TestCompactContext_PriorityBased(t *testing.T) {
	ctx := context.Background()
	ix := openIndex(t, "")
	root := push(t, ix, "", 5000)

	handles := []struct {
		id     string
		p      frame.Priority
		tokens int64
	}{
		{"a", frame.PriorityCritical, 150},
		{"b", frame.PriorityHigh, 250},
		{"c", frame.PriorityLow, 250},
		{"d", frame.PriorityBackground, 150},
	}
	for _, h := range handles {
		if _, err := ix.AddContextHandle(ctx, root, frame.ContextHandle{
			HandleID: h.id, Priority: h.p, EstimatedTokens: h.tokens, Source: "inline:content " + h.id,
		}); err != nil {
			t.Fatalf("AddContextHandle(%s) error = %v", h.id, err)
		}
	}

	res, err := ix.CompactContext(ctx, root, compaction.Spec{Strategy: compaction.StrategyPriorityBased, TargetTokens: 500})
	if err != nil {
		t.Fatalf("CompactContext() error = %v", err)
	}
	if res.OriginalTokens != 800 || res.FinalTokens != 400 {
		t.Errorf("tokens %d -> %d, want 800 -> 400", res.OriginalTokens, res.FinalTokens)
	}
	slices.Sort(res.Removed)
	if !slices.Equal(res.Removed, []string{"c", "d"}) {
		t.Errorf("Removed = %v, want [c d]", res.Removed)
	}

	f := get(t, ix, root)
	var kept []string
	for _, h := range f.ContextHandles {
		kept = append(kept, h.HandleID)
	}
	if !slices.Equal(kept, []string{"a", "b"}) {
		t.Errorf("handles after compaction = %v, want [a b]", kept)
	}
	if f.ContextHash != res.ContextHash {
		t.Error("frame context hash should match the compaction payload")
	}

	events, _ := ix.Events(ctx, store.EventFilter{Type: eventlog.TypeFrameCompacted})
	if len(events) != 1 {
		t.Errorf("got %d frame.compacted events, want 1", len(events))
	}

	if _, err := ix.CompactContext(ctx, root, compaction.Spec{Strategy: "custom"}); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("unknown strategy error = %v, want ErrInvalidInput", err)
	}
}

func TestCompactContext_SummarizeOldestPersistsSummary(t *testing.T) {
	ctx := context.Background()
	ix := openIndex(t, "")
	root := push(t, ix, "", 5000)

	long := "inline:" + string(bytes.Repeat([]byte("findings and notes "), 40))
	for _, id := range []string{"old", "new"} {
		if _, err := ix.AddContextHandle(ctx, root, frame.ContextHandle{HandleID: id, Priority: frame.PriorityMedium, EstimatedTokens: 200, Source: long}); err != nil {
			t.Fatalf("AddContextHandle(%s) error = %v", id, err)
		}
	}

	res, err := ix.CompactContext(ctx, root, compaction.Spec{Strategy: compaction.StrategySummarizeOldest, KeepRecent: 1})
	if err != nil {
		t.Fatalf("CompactContext() error = %v", err)
	}
	if len(res.Summaries) != 1 || res.Summaries[0].HandleID != "old" {
		t.Fatalf("Summaries = %+v, want old only", res.Summaries)
	}

	old, _ := get(t, ix, root).Handle("old")
	if old.Summary == "" || old.EstimatedTokens >= 200 {
		t.Errorf("old handle = %+v, want summary with reduced estimate", old)
	}
}

func TestResumeActor_ColdCache(t *testing.T) {
	ctx := context.Background()
	path := testutil.TempDBPath(t)
	ix := openIndex(t, path)

	root := push(t, ix, "", 1000)
	child := push(t, ix, root, 400)
	grandchild := push(t, ix, child, 100)
	if err := ix.SetStatus(ctx, grandchild, frame.StatusWaiting); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}

	// Restart: a new index over the same database with an empty cache.
	restarted := openIndex(t, path)
	if restarted.Cache().Len() != 0 {
		t.Fatal("restarted cache should be empty")
	}

	rec, err := restarted.ResumeActor(ctx, scope)
	if err != nil {
		t.Fatalf("ResumeActor() error = %v", err)
	}
	if got := frameIDs(rec.FrameStack); !slices.Equal(got, []string{root, child, grandchild}) {
		t.Errorf("FrameStack = %v, want root->leaf", got)
	}
	if rec.CurrentFrame == nil || rec.CurrentFrame.FrameID != grandchild {
		t.Errorf("CurrentFrame = %+v", rec.CurrentFrame)
	}
	want := []PendingWork{{Kind: PendingWaitingForSubcall, FrameID: grandchild}}
	if !slices.Equal(rec.PendingWork, want) {
		t.Errorf("PendingWork = %+v, want %+v", rec.PendingWork, want)
	}
	if rec.FramesRecovered != 3 || rec.PendingItems != 1 {
		t.Errorf("recovered %d frames, %d items", rec.FramesRecovered, rec.PendingItems)
	}
	if rec.LastEventSeq == 0 || rec.ResumedSeq <= rec.LastEventSeq {
		t.Errorf("LastEventSeq = %d, ResumedSeq = %d", rec.LastEventSeq, rec.ResumedSeq)
	}
	if !restarted.Cache().Contains(scope) {
		t.Error("recovery should refresh the cache")
	}
}

func TestResumeActor_PendingKinds(t *testing.T) {
	ctx := context.Background()
	ix := openIndex(t, "")
	root := push(t, ix, "", 1000)
	child := push(t, ix, root, 400)

	tool, err := ix.AddContextHandle(ctx, root, frame.ContextHandle{Source: "inline:grep", Kind: frame.KindToolInvocation})
	if err != nil {
		t.Fatalf("AddContextHandle() error = %v", err)
	}
	tok, err := ix.SuspendFrame(ctx, child, "long external call")
	if err != nil {
		t.Fatalf("SuspendFrame() error = %v", err)
	}

	rec, err := ix.ResumeActor(ctx, scope)
	if err != nil {
		t.Fatalf("ResumeActor() error = %v", err)
	}
	want := []PendingWork{
		{Kind: PendingToolInProgress, FrameID: root, HandleID: tool},
		{Kind: PendingAwaitingResume, FrameID: child, TokenID: tok.TokenID},
	}
	if !slices.Equal(rec.PendingWork, want) {
		t.Errorf("PendingWork = %+v, want %+v", rec.PendingWork, want)
	}
}

func TestResumeActor_EmptyScope(t *testing.T) {
	ix := openIndex(t, "")
	rec, err := ix.ResumeActor(context.Background(), "fresh")
	if err != nil {
		t.Fatalf("ResumeActor() error = %v", err)
	}
	if rec.CurrentFrame != nil || len(rec.FrameStack) != 0 || len(rec.PendingWork) != 0 {
		t.Errorf("recovery of empty scope = %+v", rec)
	}
}

func TestResumeActor_Deterministic(t *testing.T) {
	ctx := context.Background()
	path := testutil.TempDBPath(t)
	ix := openIndex(t, path)

	root := push(t, ix, "", 1000)
	first := push(t, ix, root, 300)
	if err := ix.PopFrame(ctx, first, frame.StatusCompleted, PopOptions{}); err != nil {
		t.Fatalf("PopFrame() error = %v", err)
	}
	second := push(t, ix, root, 300)
	leaf := push(t, ix, second, 50)
	if err := ix.SetStatus(ctx, leaf, frame.StatusWaiting); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}

	warm, err := ix.ResumeActor(ctx, scope)
	if err != nil {
		t.Fatalf("ResumeActor(warm) error = %v", err)
	}
	cold, err := openIndex(t, path).ResumeActor(ctx, scope)
	if err != nil {
		t.Fatalf("ResumeActor(cold) error = %v", err)
	}

	var archive bytes.Buffer
	if _, err := ix.ExportEvents(ctx, &archive, eventlog.CompressionZstd, store.EventFilter{}); err != nil {
		t.Fatalf("ExportEvents() error = %v", err)
	}
	rebuiltIx := openIndex(t, "")
	if _, err := rebuiltIx.ImportEvents(ctx, &archive); err != nil {
		t.Fatalf("ImportEvents() error = %v", err)
	}
	rebuilt, err := rebuiltIx.ResumeActor(ctx, scope)
	if err != nil {
		t.Fatalf("ResumeActor(rebuilt) error = %v", err)
	}

	want := []string{root, second, leaf}
	for name, rec := range map[string]*Recovery{"warm": warm, "cold": cold, "rebuilt": rebuilt} {
		if got := frameIDs(rec.FrameStack); !slices.Equal(got, want) {
			t.Errorf("%s FrameStack = %v, want %v", name, got, want)
		}
		if rec.PendingItems != 1 {
			t.Errorf("%s PendingItems = %d, want 1", name, rec.PendingItems)
		}
	}
}

func TestAssembleContextPack(t *testing.T) {
	ctx := context.Background()
	ix := openIndex(t, "")

	if _, err := ix.AssembleContextPack(ctx, assembler.Request{Scope: scope, BudgetTokens: 400}); !errors.Is(err, errors.ErrBudgetTooSmall) {
		t.Fatalf("budget 400 error = %v, want ErrBudgetTooSmall", err)
	}
	if _, err := ix.AssembleContextPack(ctx, assembler.Request{Scope: scope, BudgetTokens: 2000}); !errors.Is(err, errors.ErrFrameNotFound) {
		t.Fatalf("empty stack error = %v, want ErrFrameNotFound", err)
	}

	root := push(t, ix, "", 5000)
	child := push(t, ix, root, 2000)
	if _, err := ix.AddContextHandle(ctx, child, frame.ContextHandle{
		HandleID: "spec", Priority: frame.PriorityCritical, EstimatedTokens: 100, Source: "inline:the contract",
	}); err != nil {
		t.Fatalf("AddContextHandle() error = %v", err)
	}

	pack, err := ix.AssembleContextPack(ctx, assembler.Request{Scope: scope, BudgetTokens: 2000, RecordUsage: true})
	if err != nil {
		t.Fatalf("AssembleContextPack() error = %v", err)
	}
	if pack.Metadata.FrameID != child {
		t.Errorf("pack frame = %q, want top of stack %q", pack.Metadata.FrameID, child)
	}
	if len(pack.Breadcrumbs) != 1 || pack.Breadcrumbs[0].FrameID != root {
		t.Errorf("Breadcrumbs = %+v", pack.Breadcrumbs)
	}
	if len(pack.Segments) != 1 || pack.Segments[0].Content != "the contract" {
		t.Errorf("Segments = %+v", pack.Segments)
	}
	if got := get(t, ix, child).Budget.Used; got != pack.Summary.Used {
		t.Errorf("recorded usage = %d, want %d", got, pack.Summary.Used)
	}

	if _, err := ix.AssembleContextPack(ctx, assembler.Request{Scope: "run-2", FrameID: child, BudgetTokens: 2000}); !errors.Is(err, errors.ErrScopeMismatch) {
		t.Errorf("scope mismatch error = %v, want ErrScopeMismatch", err)
	}

	explicit, err := ix.AssembleContextPack(ctx, assembler.Request{FrameID: root, BudgetTokens: 2000})
	if err != nil {
		t.Fatalf("AssembleContextPack(root) error = %v", err)
	}
	if explicit.Metadata.FrameID != root || len(explicit.Breadcrumbs) != 0 {
		t.Errorf("explicit pack = %+v", explicit.Metadata)
	}
}

func TestCommit_PublishesAndCaches(t *testing.T) {
	ctx := context.Background()
	cache, err := stackcache.New(2)
	if err != nil {
		t.Fatalf("stackcache.New() error = %v", err)
	}
	bus := event.NewBus()
	ix := openIndex(t, "", WithCache(cache), WithBus(bus))

	var committed []event.CommittedEvent
	bus.SubscribeAll(func(e event.Event) {
		if c, ok := e.(event.CommittedEvent); ok {
			committed = append(committed, c)
		}
	})

	root := push(t, ix, "", 1000)
	if len(committed) != 1 {
		t.Fatalf("got %d committed events, want 1", len(committed))
	}
	if c := committed[0]; c.EventType() != string(eventlog.TypeFramePushed) || c.FrameID != root || c.Seq == 0 || c.Status != "active" {
		t.Errorf("committed = %+v", c)
	}

	stack, ok := cache.Get(scope)
	if !ok || stack.Top() == nil || stack.Top().FrameID != root {
		t.Fatalf("cache should hold the pushed stack, got %+v", stack)
	}

	for _, s := range []string{"run-2", "run-3"} {
		if _, err := ix.PushFrame(ctx, PushRequest{Scope: s, Goal: s, TotalTokens: 10}); err != nil {
			t.Fatalf("PushFrame(%s) error = %v", s, err)
		}
	}
	if cache.Contains(scope) {
		t.Error("oldest scope should be evicted from a capacity-2 cache")
	}

	// Eviction drops only the cache entry.
	top, ok, err := ix.FindTopOfStack(ctx, scope)
	if err != nil || !ok || top != root {
		t.Errorf("FindTopOfStack() after eviction = %q, %v, %v", top, ok, err)
	}
}

func TestScopeMetrics(t *testing.T) {
	ctx := context.Background()
	ix := openIndex(t, "")
	root := push(t, ix, "", 1000)
	child := push(t, ix, root, 400)
	if err := ix.RecordUsage(ctx, child, 100); err != nil {
		t.Fatalf("RecordUsage() error = %v", err)
	}
	if err := ix.Reserve(ctx, root, 50); err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}

	m, err := ix.ScopeMetrics(ctx, scope)
	if err != nil {
		t.Fatalf("ScopeMetrics() error = %v", err)
	}
	if m.RootTotal != 1000 || m.Consumed != 100 || m.Reserved != 50 || m.SubcallAllocation != 400 || m.LiveCount != 2 {
		t.Errorf("metrics = %+v", m)
	}

	if err := ix.PopFrame(ctx, child, frame.StatusCompleted, PopOptions{}); err != nil {
		t.Fatalf("PopFrame() error = %v", err)
	}
	m, _ = ix.ScopeMetrics(ctx, scope)
	if m.Consumed != 100 {
		t.Errorf("popped child usage should be counted once through the root, Consumed = %d", m.Consumed)
	}
}

func TestListScopes(t *testing.T) {
	ctx := context.Background()
	ix := openIndex(t, "")
	push(t, ix, "", 100)
	if _, err := ix.PushFrame(ctx, PushRequest{Scope: "run-2", Goal: "x", TotalTokens: 10}); err != nil {
		t.Fatalf("PushFrame() error = %v", err)
	}

	scopes, err := ix.ListScopes(ctx)
	if err != nil {
		t.Fatalf("ListScopes() error = %v", err)
	}
	if len(scopes) != 2 {
		t.Errorf("ListScopes() = %+v, want 2 scopes", scopes)
	}
}

func TestContextHash_CoversGoalAndInputs(t *testing.T) {
	base := &frame.Frame{
		Goal:           "summarise the thread",
		Inputs:         json.RawMessage(`{"a":1,"b":[1,2]}`),
		ContextHandles: []frame.ContextHandle{{HandleID: "h1", Priority: frame.PriorityHigh, Source: "inline:x", AddedSeq: 3}},
	}
	hash := func(f *frame.Frame) string {
		t.Helper()
		h, err := contextHash(f)
		if err != nil {
			t.Fatalf("contextHash() error = %v", err)
		}
		return h
	}
	want := hash(base)

	reformatted := *base
	reformatted.Inputs = json.RawMessage("{ \"b\": [1, 2],\n \"a\": 1 }")
	reformatted.ContextHandles = []frame.ContextHandle{{HandleID: "h1", Priority: frame.PriorityHigh, Source: "inline:x", AddedSeq: 9}}
	if got := hash(&reformatted); got != want {
		t.Error("hash changed with input formatting or AddedSeq")
	}

	goal := *base
	goal.Goal = "draft a reply"
	if hash(&goal) == want {
		t.Error("hash ignores the goal")
	}
	inputs := *base
	inputs.Inputs = json.RawMessage(`{"a":2,"b":[1,2]}`)
	if hash(&inputs) == want {
		t.Error("hash ignores the inputs")
	}
}
