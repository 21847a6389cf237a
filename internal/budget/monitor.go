package budget

import (
	"context"
	"sync"

	"github.com/Iron-Ham/framestack/internal/config"
	"github.com/Iron-Ham/framestack/internal/logging"
)

// FrameUsage is the ledger of one frame as seen by the Monitor.
type FrameUsage struct {
	FrameID       string
	ParentFrameID string
	Scope         string
	Status        string
	Terminal      bool
	Budget        TokenBudget
}

// ScopeMetrics aggregates the ledgers of every frame in a scope.
type ScopeMetrics struct {
	Scope string `json:"scope"`
	// RootTotal is the sum of root frame totals. Child totals are delegated
	// from their parents and are not counted again.
	RootTotal int64 `json:"root_total"`
	// Consumed counts usage once: a popped child's usage has already been
	// charged to its parent, so only roots and live frames contribute.
	Consumed          int64 `json:"consumed"`
	Reserved          int64 `json:"reserved"`
	SubcallAllocation int64 `json:"subcall_allocation"`
	FrameCount        int   `json:"frame_count"`
	LiveCount         int   `json:"live_count"`
}

// UsageRatio returns Consumed/RootTotal, or 0 when there is no root budget.
func (m *ScopeMetrics) UsageRatio() float64 {
	if m.RootTotal <= 0 {
		return 0
	}
	return float64(m.Consumed) / float64(m.RootTotal)
}

// UsageProvider lists the frame ledgers of a scope.
type UsageProvider interface {
	ScopeUsage(ctx context.Context, scope string) ([]FrameUsage, error)
}

// Callbacks defines callbacks for usage events.
type Callbacks struct {
	// OnUsageWarning is called once per frame when its usage ratio first
	// reaches the warning threshold.
	OnUsageWarning func(usage FrameUsage, ratio float64)
}

// Config holds monitor configuration.
type Config struct {
	// UsageWarningRatio is the used/total ratio that triggers a warning.
	// Zero disables warnings.
	UsageWarningRatio float64
}

// Monitor watches frame ledgers and reports when usage runs high. It never
// blocks usage; recording is always accepted by the ledger.
type Monitor struct {
	mu        sync.Mutex
	config    Config
	provider  UsageProvider
	callbacks Callbacks
	logger    *logging.Logger
	warned    map[string]bool
}

// NewMonitor creates a new usage monitor.
func NewMonitor(cfg Config, provider UsageProvider, callbacks Callbacks, logger *logging.Logger) *Monitor {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Monitor{
		config:    cfg,
		provider:  provider,
		callbacks: callbacks,
		logger:    logger,
		warned:    make(map[string]bool),
	}
}

// NewMonitorFromConfig creates a monitor from application config.
func NewMonitorFromConfig(appCfg *config.Config, provider UsageProvider, callbacks Callbacks, logger *logging.Logger) *Monitor {
	cfg := Config{}
	if appCfg != nil {
		cfg.UsageWarningRatio = appCfg.Resources.UsageWarningRatio
	}
	return NewMonitor(cfg, provider, callbacks, logger)
}

// SetCallbacks replaces the monitor callbacks.
func (m *Monitor) SetCallbacks(callbacks Callbacks) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = callbacks
}

// Check evaluates a single frame and fires OnUsageWarning the first time
// its ratio reaches the threshold. Returns true if a warning fired.
func (m *Monitor) Check(usage FrameUsage) bool {
	m.mu.Lock()
	threshold := m.config.UsageWarningRatio
	if threshold <= 0 || usage.Budget.Total <= 0 || m.warned[usage.FrameID] {
		m.mu.Unlock()
		return false
	}
	ratio := usage.Budget.UsageRatio()
	if ratio < threshold {
		m.mu.Unlock()
		return false
	}
	m.warned[usage.FrameID] = true
	callback := m.callbacks.OnUsageWarning
	m.mu.Unlock()

	m.logger.Warn("frame usage warning threshold reached",
		"scope", usage.Scope,
		"frame_id", usage.FrameID,
		"used", usage.Budget.Used,
		"total", usage.Budget.Total,
		"ratio", ratio,
		"warning_ratio", threshold,
	)

	if callback != nil {
		callback(usage, ratio)
	}
	return true
}

// CheckScope runs Check over every live frame in the scope and returns the
// number of warnings fired.
func (m *Monitor) CheckScope(ctx context.Context, scope string) (int, error) {
	if m.provider == nil {
		return 0, nil
	}
	frames, err := m.provider.ScopeUsage(ctx, scope)
	if err != nil {
		return 0, err
	}
	fired := 0
	for _, f := range frames {
		if f.Terminal {
			continue
		}
		if m.Check(f) {
			fired++
		}
	}
	return fired, nil
}

// ScopeMetrics aggregates every frame ledger in the scope.
func (m *Monitor) ScopeMetrics(ctx context.Context, scope string) (*ScopeMetrics, error) {
	metrics := &ScopeMetrics{Scope: scope}
	if m.provider == nil {
		return metrics, nil
	}

	frames, err := m.provider.ScopeUsage(ctx, scope)
	if err != nil {
		return nil, err
	}

	metrics.FrameCount = len(frames)
	for _, f := range frames {
		isRoot := f.ParentFrameID == ""
		if isRoot {
			metrics.RootTotal += f.Budget.Total
		}
		if isRoot || !f.Terminal {
			metrics.Consumed += f.Budget.Used
		}
		if !f.Terminal {
			metrics.LiveCount++
			metrics.Reserved += f.Budget.Reserved
			metrics.SubcallAllocation += f.Budget.SubcallAllocation
		}
	}

	return metrics, nil
}

// Forget clears the warning state of a frame, typically after it is popped.
func (m *Monitor) Forget(frameID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.warned, frameID)
}
