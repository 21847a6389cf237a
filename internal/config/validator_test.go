package config

import (
	"strings"
	"testing"
)

func TestValidationError_Error(t *testing.T) {
	err := ValidationError{
		Field:   "test.field",
		Value:   123,
		Message: "must be greater than zero",
	}

	expected := "test.field: must be greater than zero (got: 123)"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestValidationErrors_Error(t *testing.T) {
	t.Run("empty errors", func(t *testing.T) {
		var errs ValidationErrors
		if errs.Error() != "" {
			t.Errorf("Error() for empty = %q, want empty string", errs.Error())
		}
	})

	t.Run("single error", func(t *testing.T) {
		errs := ValidationErrors{{Field: "test.field", Value: 123, Message: "is invalid"}}
		if errs.Error() != "test.field: is invalid (got: 123)" {
			t.Errorf("Error() = %q", errs.Error())
		}
	})

	t.Run("multiple errors", func(t *testing.T) {
		errs := ValidationErrors{
			{Field: "field1", Value: "bad", Message: "is invalid"},
			{Field: "field2", Value: -1, Message: "must be positive"},
		}
		result := errs.Error()
		if !strings.Contains(result, "2 validation errors") {
			t.Errorf("Error() should mention 2 errors: %s", result)
		}
		if !strings.Contains(result, "field1") || !strings.Contains(result, "field2") {
			t.Errorf("Error() should mention both fields: %s", result)
		}
	})
}

func TestConfig_Validate_DefaultConfig(t *testing.T) {
	if errs := Default().Validate(); len(errs) != 0 {
		t.Errorf("Default config should be valid, got: %v", ValidationErrors(errs))
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		field  string
	}{
		{"pool size zero", func(c *Config) { c.Storage.PoolSize = 0 }, "storage.pool_size"},
		{"negative busy timeout", func(c *Config) { c.Storage.BusyTimeoutMs = -1 }, "storage.busy_timeout_ms"},
		{"negative depth", func(c *Config) { c.Index.DefaultMaxSubframeDepth = -1 }, "index.default_max_subframe_depth"},
		{"zero root tokens", func(c *Config) { c.Index.DefaultRootTokens = 0 }, "index.default_root_tokens"},
		{"floor below brief", func(c *Config) { c.Assembly.MinBudgetTokens = 100 }, "assembly.min_budget_tokens"},
		{"negative breadcrumb", func(c *Config) { c.Assembly.BreadcrumbTokens = -5 }, "assembly.breadcrumb_tokens"},
		{"headroom above one", func(c *Config) { c.Assembly.SegmentHeadroom = 1.5 }, "assembly.segment_headroom"},
		{"headroom zero", func(c *Config) { c.Assembly.SegmentHeadroom = 0 }, "assembly.segment_headroom"},
		{"negative cutoff", func(c *Config) { c.Compaction.RecentCutoff = -1 }, "compaction.recent_cutoff"},
		{"summary ratio one", func(c *Config) { c.Compaction.SummaryRatio = 1 }, "compaction.summary_ratio"},
		{"short abbreviation", func(c *Config) { c.Compaction.AbbreviateLineChars = 4 }, "compaction.abbreviate_line_chars"},
		{"unknown strategy", func(c *Config) { c.Compaction.DefaultStrategy = "custom/v1" }, "compaction.default_strategy"},
		{"cache capacity zero", func(c *Config) { c.Cache.Capacity = 0 }, "cache.capacity"},
		{"warning ratio too high", func(c *Config) { c.Resources.UsageWarningRatio = 2 }, "resources.usage_warning_ratio"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"log size zero", func(c *Config) { c.Logging.MaxSizeMB = 0 }, "logging.max_size_mb"},
		{"log size huge", func(c *Config) { c.Logging.MaxSizeMB = 5000 }, "logging.max_size_mb"},
		{"negative backups", func(c *Config) { c.Logging.MaxBackups = -1 }, "logging.max_backups"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)

			errs := cfg.Validate()
			if len(errs) != 1 {
				t.Fatalf("expected 1 error, got %d: %v", len(errs), ValidationErrors(errs))
			}
			if errs[0].Field != tt.field {
				t.Errorf("Field = %q, want %q", errs[0].Field, tt.field)
			}
		})
	}
}

func TestConfig_Validate_CollectsAll(t *testing.T) {
	cfg := Default()
	cfg.Cache.Capacity = 0
	cfg.Logging.Level = "loud"
	cfg.Storage.PoolSize = -2

	if errs := cfg.Validate(); len(errs) != 3 {
		t.Errorf("expected 3 errors, got %d: %v", len(errs), ValidationErrors(errs))
	}
}
