package index

import (
	"context"
	"io"

	"github.com/Iron-Ham/framestack/internal/budget"
	"github.com/Iron-Ham/framestack/internal/eventlog"
	"github.com/Iron-Ham/framestack/internal/store"
)

// Events lists logged events matching filter in sequence order.
func (ix *Index) Events(ctx context.Context, filter store.EventFilter) ([]eventlog.Event, error) {
	return ix.store.Events(ctx, filter)
}

// ExportEvents writes the events matching filter to w as an archive and
// returns how many were written.
func (ix *Index) ExportEvents(ctx context.Context, w io.Writer, c eventlog.Compression, filter store.EventFilter) (int, error) {
	events, err := ix.store.Events(ctx, filter)
	if err != nil {
		return 0, err
	}
	if err := eventlog.WriteArchive(w, c, events); err != nil {
		return 0, err
	}
	ix.logger.Info("events exported",
		"count", len(events),
		"compression", c.String(),
		"scope", filter.Scope,
	)
	return len(events), nil
}

// ImportEvents replays an archive into the index's store, which must hold
// no events yet, and drops every cached stack.
func (ix *Index) ImportEvents(ctx context.Context, r io.Reader) (int, error) {
	events, err := eventlog.ReadArchive(r)
	if err != nil {
		return 0, err
	}
	if err := ix.store.Rebuild(ctx, events); err != nil {
		return 0, err
	}
	ix.cache.Purge()
	return len(events), nil
}

// ScopeMetrics aggregates the budgets of every frame in scope.
func (ix *Index) ScopeMetrics(ctx context.Context, scope string) (*budget.ScopeMetrics, error) {
	if err := requireScope(scope); err != nil {
		return nil, err
	}
	return ix.monitor.ScopeMetrics(ctx, scope)
}
