package config

import (
	"fmt"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "assembly.brief_tokens")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidStrategies returns the compaction strategy identifiers accepted as
// compaction.default_strategy.
func ValidStrategies() []string {
	return []string{"levels/v1", "priority_based/v1", "summarize_oldest/v1", "truncate_at/v1"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateStorage()...)
	errors = append(errors, c.validateIndex()...)
	errors = append(errors, c.validateAssembly()...)
	errors = append(errors, c.validateCompaction()...)
	errors = append(errors, c.validateCache()...)
	errors = append(errors, c.validateResources()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

// validateStorage validates the StorageConfig
func (c *Config) validateStorage() []ValidationError {
	var errors []ValidationError

	if c.Storage.PoolSize < 1 {
		errors = append(errors, ValidationError{
			Field:   "storage.pool_size",
			Value:   c.Storage.PoolSize,
			Message: "must be at least 1",
		})
	}

	if c.Storage.BusyTimeoutMs < 0 {
		errors = append(errors, ValidationError{
			Field:   "storage.busy_timeout_ms",
			Value:   c.Storage.BusyTimeoutMs,
			Message: "must be non-negative",
		})
	}

	return errors
}

// validateIndex validates the IndexConfig
func (c *Config) validateIndex() []ValidationError {
	var errors []ValidationError

	if c.Index.DefaultMaxSubframeDepth < 0 {
		errors = append(errors, ValidationError{
			Field:   "index.default_max_subframe_depth",
			Value:   c.Index.DefaultMaxSubframeDepth,
			Message: "must be non-negative",
		})
	}

	if c.Index.DefaultRootTokens <= 0 {
		errors = append(errors, ValidationError{
			Field:   "index.default_root_tokens",
			Value:   c.Index.DefaultRootTokens,
			Message: "must be positive",
		})
	}

	return errors
}

// validateAssembly validates the AssemblyConfig
func (c *Config) validateAssembly() []ValidationError {
	var errors []ValidationError

	if c.Assembly.BriefTokens < 0 {
		errors = append(errors, ValidationError{
			Field:   "assembly.brief_tokens",
			Value:   c.Assembly.BriefTokens,
			Message: "must be non-negative",
		})
	}

	if c.Assembly.BreadcrumbTokens < 0 {
		errors = append(errors, ValidationError{
			Field:   "assembly.breadcrumb_tokens",
			Value:   c.Assembly.BreadcrumbTokens,
			Message: "must be non-negative",
		})
	}

	// The floor has to cover at least the brief slice or every pack
	// would start over budget.
	if c.Assembly.MinBudgetTokens < c.Assembly.BriefTokens {
		errors = append(errors, ValidationError{
			Field:   "assembly.min_budget_tokens",
			Value:   c.Assembly.MinBudgetTokens,
			Message: fmt.Sprintf("must be at least assembly.brief_tokens (%d)", c.Assembly.BriefTokens),
		})
	}

	if c.Assembly.DefaultBudgetTokens < c.Assembly.MinBudgetTokens {
		errors = append(errors, ValidationError{
			Field:   "assembly.default_budget_tokens",
			Value:   c.Assembly.DefaultBudgetTokens,
			Message: fmt.Sprintf("must be at least assembly.min_budget_tokens (%d)", c.Assembly.MinBudgetTokens),
		})
	}

	if c.Assembly.SegmentHeadroom <= 0 || c.Assembly.SegmentHeadroom > 1 {
		errors = append(errors, ValidationError{
			Field:   "assembly.segment_headroom",
			Value:   c.Assembly.SegmentHeadroom,
			Message: "must be in (0, 1]",
		})
	}

	return errors
}

// validateCompaction validates the CompactionConfig
func (c *Config) validateCompaction() []ValidationError {
	var errors []ValidationError

	if c.Compaction.RecentCutoff < 0 {
		errors = append(errors, ValidationError{
			Field:   "compaction.recent_cutoff",
			Value:   c.Compaction.RecentCutoff,
			Message: "must be non-negative",
		})
	}

	if c.Compaction.SummaryRatio <= 0 || c.Compaction.SummaryRatio >= 1 {
		errors = append(errors, ValidationError{
			Field:   "compaction.summary_ratio",
			Value:   c.Compaction.SummaryRatio,
			Message: "must be in (0, 1)",
		})
	}

	if c.Compaction.AbbreviateLineChars < 16 {
		errors = append(errors, ValidationError{
			Field:   "compaction.abbreviate_line_chars",
			Value:   c.Compaction.AbbreviateLineChars,
			Message: "must be at least 16",
		})
	}

	if c.Compaction.DefaultStrategy != "" && !slices.Contains(ValidStrategies(), c.Compaction.DefaultStrategy) {
		errors = append(errors, ValidationError{
			Field:   "compaction.default_strategy",
			Value:   c.Compaction.DefaultStrategy,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidStrategies(), ", ")),
		})
	}

	return errors
}

// validateCache validates the CacheConfig
func (c *Config) validateCache() []ValidationError {
	var errors []ValidationError

	if c.Cache.Capacity < 1 {
		errors = append(errors, ValidationError{
			Field:   "cache.capacity",
			Value:   c.Cache.Capacity,
			Message: "must be at least 1",
		})
	}

	return errors
}

// validateResources validates the ResourceConfig
func (c *Config) validateResources() []ValidationError {
	var errors []ValidationError

	if c.Resources.UsageWarningRatio < 0 || c.Resources.UsageWarningRatio > 1 {
		errors = append(errors, ValidationError{
			Field:   "resources.usage_warning_ratio",
			Value:   c.Resources.UsageWarningRatio,
			Message: "must be between 0 and 1",
		})
	}

	return errors
}

// validateLogging validates the LoggingConfig
func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), c.Logging.Level) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	if c.Logging.MaxSizeMB <= 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: "must be positive",
		})
	}

	const maxLogSizeMB = 1000
	if c.Logging.MaxSizeMB > maxLogSizeMB {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: fmt.Sprintf("exceeds maximum of %dMB", maxLogSizeMB),
		})
	}

	if c.Logging.MaxBackups < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}

	return errors
}
