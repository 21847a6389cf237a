package index

import (
	"context"
	"sync"
	"time"

	"github.com/Iron-Ham/framestack/internal/assembler"
	"github.com/Iron-Ham/framestack/internal/budget"
	"github.com/Iron-Ham/framestack/internal/compaction"
	"github.com/Iron-Ham/framestack/internal/config"
	"github.com/Iron-Ham/framestack/internal/errors"
	"github.com/Iron-Ham/framestack/internal/event"
	"github.com/Iron-Ham/framestack/internal/eventlog"
	"github.com/Iron-Ham/framestack/internal/frame"
	"github.com/Iron-Ham/framestack/internal/logging"
	"github.com/Iron-Ham/framestack/internal/resolver"
	"github.com/Iron-Ham/framestack/internal/stackcache"
	"github.com/Iron-Ham/framestack/internal/store"
)

// Defaults apply to requests that leave a field zero.
type Defaults struct {
	MaxSubframeDepth int
	RootTokens       int64
	Strategy         compaction.StrategyID
}

// DefaultDefaults returns the built-in request defaults.
func DefaultDefaults() Defaults {
	return Defaults{
		MaxSubframeDepth: 4,
		RootTokens:       200000,
		Strategy:         compaction.StrategyLevels,
	}
}

// Index is the frame/context index. It is safe for concurrent use.
type Index struct {
	store     *store.Store
	cache     *stackcache.Cache
	bus       *event.Bus
	monitor   *budget.Monitor
	engine    *compaction.Engine
	resolver  *resolver.Registry
	assembler *assembler.Assembler
	logger    *logging.Logger
	defaults  Defaults
	now       func() time.Time

	warningRatio float64
	locks        scopeLocks
	ownsStore    bool
}

// Option configures an Index.
type Option func(*Index)

// WithCache injects the active-stack cache.
func WithCache(c *stackcache.Cache) Option {
	return func(ix *Index) {
		ix.cache = c
	}
}

// WithBus sets the bus committed events are published on.
func WithBus(b *event.Bus) Option {
	return func(ix *Index) {
		ix.bus = b
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(ix *Index) {
		if l != nil {
			ix.logger = l
		}
	}
}

// WithEngine sets the compaction engine.
func WithEngine(e *compaction.Engine) Option {
	return func(ix *Index) {
		ix.engine = e
	}
}

// WithResolver sets the source resolver registry.
func WithResolver(r *resolver.Registry) Option {
	return func(ix *Index) {
		ix.resolver = r
	}
}

// WithAssemblerOptions sets the pack sizes.
func WithAssemblerOptions(opts assembler.Options) Option {
	return func(ix *Index) {
		ix.assembler = assembler.New(opts, nil, nil)
	}
}

// WithDefaults sets request defaults.
func WithDefaults(d Defaults) Option {
	return func(ix *Index) {
		ix.defaults = d
	}
}

// WithUsageWarningRatio sets the used/total ratio at which a frame's usage
// is reported. Zero disables reporting.
func WithUsageWarningRatio(r float64) Option {
	return func(ix *Index) {
		ix.warningRatio = r
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(ix *Index) {
		ix.now = now
	}
}

// New creates an Index over an open store. The caller keeps ownership of
// the store.
func New(st *store.Store, opts ...Option) (*Index, error) {
	ix := &Index{
		store:    st,
		logger:   logging.NopLogger(),
		defaults: DefaultDefaults(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(ix)
	}

	if ix.cache == nil {
		c, err := stackcache.New(stackcache.DefaultCapacity, stackcache.WithLogger(ix.logger))
		if err != nil {
			return nil, err
		}
		ix.cache = c
	}
	if ix.bus == nil {
		ix.bus = event.NewBus(event.WithLogger(ix.logger))
	}
	if ix.engine == nil {
		ix.engine = compaction.NewEngine(compaction.DefaultOptions())
	}
	if ix.resolver == nil {
		ix.resolver = resolver.NewRegistry()
	}
	asmOpts := assembler.DefaultOptions()
	if ix.assembler != nil {
		asmOpts = ix.assembler.Options()
	}
	ix.assembler = assembler.New(asmOpts, ix.engine, ix.resolver,
		assembler.WithBus(ix.bus),
		assembler.WithLogger(ix.logger.With("component", "assembler")),
		assembler.WithClock(ix.now),
	)
	if !ix.defaults.Strategy.IsValid() {
		ix.defaults.Strategy = compaction.StrategyLevels
	}

	ix.monitor = budget.NewMonitor(budget.Config{UsageWarningRatio: ix.warningRatio}, st, budget.Callbacks{
		OnUsageWarning: func(u budget.FrameUsage, ratio float64) {
			ix.bus.Publish(event.NewUsageWarningEvent(u.Scope, u.FrameID, u.Budget.Used, u.Budget.Total, ratio))
		},
	}, ix.logger.With("component", "budget"))

	return ix, nil
}

// Open builds an Index, and everything it depends on, from configuration.
// Close releases the store.
func Open(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*Index, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = logging.NopLogger()
	}

	st, err := store.Open(ctx, store.Config{
		Path:          cfg.Storage.ResolveDBPath(),
		PoolSize:      cfg.Storage.PoolSize,
		BusyTimeoutMs: cfg.Storage.BusyTimeoutMs,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}

	cache, err := stackcache.New(cfg.Cache.Capacity, stackcache.WithLogger(logger))
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	opts := []resolver.Option{}
	if cfg.Assembly.FileRoot != "" {
		opts = append(opts, resolver.WithFileRoot(cfg.Assembly.FileRoot))
	}

	ix, err := New(st,
		WithLogger(logger),
		WithCache(cache),
		WithEngine(compaction.NewEngine(compaction.OptionsFromConfig(cfg))),
		WithResolver(resolver.NewRegistry(opts...)),
		WithAssemblerOptions(assembler.OptionsFromConfig(cfg)),
		WithUsageWarningRatio(cfg.Resources.UsageWarningRatio),
		WithDefaults(Defaults{
			MaxSubframeDepth: cfg.Index.DefaultMaxSubframeDepth,
			RootTokens:       cfg.Index.DefaultRootTokens,
			Strategy:         compaction.StrategyID(cfg.Compaction.DefaultStrategy),
		}),
	)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	ix.ownsStore = true
	return ix, nil
}

// Close closes the store if the Index opened it.
func (ix *Index) Close() error {
	st := ix.bus.Stats()
	ix.logger.Debug("closing index", "published", st.Published, "handler_panics", st.Panics)
	if ix.ownsStore {
		return ix.store.Close()
	}
	return nil
}

// Bus returns the bus committed events are published on.
func (ix *Index) Bus() *event.Bus {
	return ix.bus
}

// Cache returns the active-stack cache.
func (ix *Index) Cache() *stackcache.Cache {
	return ix.cache
}

// Store returns the durable store.
func (ix *Index) Store() *store.Store {
	return ix.store
}

// scopeLocks serializes mutations per scope.
type scopeLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (l *scopeLocks) lock(scope string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*sync.Mutex)
	}
	m, ok := l.locks[scope]
	if !ok {
		m = &sync.Mutex{}
		l.locks[scope] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// commit runs steps 2 to 5 of the commit path. status is the frame status
// reported on the bus.
func (ix *Index) commit(ctx context.Context, typ eventlog.Type, scope, frameID string, status frame.Status, payload any) (eventlog.Event, error) {
	ev, err := eventlog.New(typ, scope, frameID, payload, ix.now())
	if err != nil {
		return ev, errors.Storage("encode event", err)
	}
	ev, err = ix.store.Commit(ctx, ev)
	if err != nil {
		return ev, err
	}

	ix.refresh(ctx, scope, ev.Seq)

	ix.logger.Debug("event committed",
		"seq", ev.Seq,
		"type", string(ev.Type),
		"scope", scope,
		"frame_id", frameID,
	)
	ix.bus.Publish(event.NewCommittedEvent(string(ev.Type), ev.Seq, ev.EventID, scope, frameID, string(status), ev.Timestamp))
	return ev, nil
}

// refresh reloads the scope's active stack into the cache. A failure only
// drops the entry.
func (ix *Index) refresh(ctx context.Context, scope string, seq int64) {
	stack, err := ix.loadStack(ctx, scope)
	if err != nil {
		ix.logger.Warn("stack cache refresh failed", "scope", scope, "error", err)
		ix.cache.Invalidate(scope)
		return
	}
	stack.Seq = seq
	ix.cache.Put(stack)
}

// loadStack reads the active stack of scope from durable storage.
func (ix *Index) loadStack(ctx context.Context, scope string) (*stackcache.Stack, error) {
	stack := &stackcache.Stack{Scope: scope}
	top, ok, err := ix.store.TopOfStack(ctx, scope)
	if err != nil || !ok {
		return stack, err
	}
	chain, err := ix.store.Ancestry(ctx, top.FrameID)
	if err != nil {
		return nil, err
	}
	stack.Frames = chain
	return stack, nil
}

// requireScope validates a scope argument.
func requireScope(scope string) error {
	if scope == "" {
		return errors.NewValidationError("scope cannot be empty").WithField("scope")
	}
	return nil
}

// liveFrame loads a frame and fails with InvalidStatus if it is terminal.
func (ix *Index) liveFrame(ctx context.Context, op, frameID string) (*frame.Frame, error) {
	f, err := ix.store.GetFrame(ctx, frameID)
	if err != nil {
		return nil, err
	}
	if f.Status.IsTerminal() {
		return nil, errors.NewFrameError(op+": frame is "+string(f.Status), errors.ErrInvalidStatus).
			WithFrameID(frameID).WithScope(f.Scope)
	}
	return f, nil
}
