package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config represents the complete framestack configuration
type Config struct {
	Storage    StorageConfig    `mapstructure:"storage"`
	Index      IndexConfig      `mapstructure:"index"`
	Assembly   AssemblyConfig   `mapstructure:"assembly"`
	Compaction CompactionConfig `mapstructure:"compaction"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Resources  ResourceConfig   `mapstructure:"resources"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// StorageConfig controls the durable SQLite store
type StorageConfig struct {
	// Path is the SQLite database file. Empty resolves to
	// $XDG_DATA_HOME/framestack/index.db. ":memory:" is accepted for tests.
	Path string `mapstructure:"path"`
	// PoolSize is the number of pooled SQLite connections (default: 4)
	PoolSize int `mapstructure:"pool_size"`
	// BusyTimeoutMs is how long a connection waits on a locked database (default: 5000)
	BusyTimeoutMs int `mapstructure:"busy_timeout_ms"`
}

// IndexConfig controls frame tree defaults
type IndexConfig struct {
	// DefaultMaxSubframeDepth applies to root frames pushed without an
	// explicit max_subframe_depth (default: 4)
	DefaultMaxSubframeDepth int `mapstructure:"default_max_subframe_depth"`
	// DefaultRootTokens is the total given to a root frame pushed with a zero
	// budget (default: 200000)
	DefaultRootTokens int64 `mapstructure:"default_root_tokens"`
}

// AssemblyConfig controls context pack assembly
type AssemblyConfig struct {
	// MinBudgetTokens is the smallest budget a pack may be assembled for (default: 500)
	MinBudgetTokens int64 `mapstructure:"min_budget_tokens"`
	// BriefTokens is the slice reserved for the brief (default: 500)
	BriefTokens int64 `mapstructure:"brief_tokens"`
	// BreadcrumbTokens is the slice reserved per ancestor breadcrumb (default: 40)
	BreadcrumbTokens int64 `mapstructure:"breadcrumb_tokens"`
	// SegmentHeadroom is the fraction of the remaining budget non-pinned
	// segments may fill before selection stops (default: 0.75)
	SegmentHeadroom float64 `mapstructure:"segment_headroom"`
	// DefaultBudgetTokens is the pack budget used when a caller names none (default: 8000)
	DefaultBudgetTokens int64 `mapstructure:"default_budget_tokens"`
	// FileRoot confines file: locators to this directory. Empty allows any path.
	FileRoot string `mapstructure:"file_root"`
}

// CompactionConfig tunes the compaction levels
type CompactionConfig struct {
	// RecentCutoff is how many of the most recent segments Moderate keeps verbatim (default: 4)
	RecentCutoff int `mapstructure:"recent_cutoff"`
	// SummaryRatio is the share of tokens a summary keeps (default: 0.25)
	SummaryRatio float64 `mapstructure:"summary_ratio"`
	// AbbreviateLineChars is the line length Light abbreviates beyond (default: 240)
	AbbreviateLineChars int `mapstructure:"abbreviate_line_chars"`
	// DefaultStrategy is used by compact_context when no strategy is named (default: "levels/v1")
	DefaultStrategy string `mapstructure:"default_strategy"`
}

// CacheConfig controls the active-stack cache
type CacheConfig struct {
	// Capacity is the number of scopes whose stacks are cached (default: 256)
	Capacity int `mapstructure:"capacity"`
}

// ResourceConfig controls usage monitoring
type ResourceConfig struct {
	// UsageWarningRatio warns once a frame's used/total crosses this ratio.
	// 0 disables the warning (default: 0.8)
	UsageWarningRatio float64 `mapstructure:"usage_warning_ratio"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Enabled controls whether logs are written to a file (default: true)
	Enabled bool `mapstructure:"enabled"`
	// Level sets the minimum log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level"`
	// Dir is the log directory. Empty resolves to $XDG_STATE_HOME/framestack.
	Dir string `mapstructure:"dir"`
	// MaxSizeMB is the maximum size of a log file before rotation (default: 10)
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is the number of rotated log files to keep (default: 3)
	MaxBackups int `mapstructure:"max_backups"`
	// Compress zstd-compresses rotated log files (default: false)
	Compress bool `mapstructure:"compress"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Path:          "",
			PoolSize:      4,
			BusyTimeoutMs: 5000,
		},
		Index: IndexConfig{
			DefaultMaxSubframeDepth: 4,
			DefaultRootTokens:       200000,
		},
		Assembly: AssemblyConfig{
			MinBudgetTokens:     500,
			BriefTokens:         500,
			BreadcrumbTokens:    40,
			SegmentHeadroom:     0.75,
			DefaultBudgetTokens: 8000,
			FileRoot:            "",
		},
		Compaction: CompactionConfig{
			RecentCutoff:        4,
			SummaryRatio:        0.25,
			AbbreviateLineChars: 240,
			DefaultStrategy:     "levels/v1",
		},
		Cache: CacheConfig{
			Capacity: 256,
		},
		Resources: ResourceConfig{
			UsageWarningRatio: 0.8,
		},
		Logging: LoggingConfig{
			Enabled:    true,
			Level:      "info",
			Dir:        "",
			MaxSizeMB:  10,
			MaxBackups: 3,
			Compress:   false,
		},
	}
}

// SetDefaults registers default values with the global viper
func SetDefaults() {
	SetDefaultsOn(viper.GetViper())
}

// SetDefaultsOn registers default values with v
func SetDefaultsOn(v *viper.Viper) {
	defaults := Default()

	// Storage defaults
	v.SetDefault("storage.path", defaults.Storage.Path)
	v.SetDefault("storage.pool_size", defaults.Storage.PoolSize)
	v.SetDefault("storage.busy_timeout_ms", defaults.Storage.BusyTimeoutMs)

	// Index defaults
	v.SetDefault("index.default_max_subframe_depth", defaults.Index.DefaultMaxSubframeDepth)
	v.SetDefault("index.default_root_tokens", defaults.Index.DefaultRootTokens)

	// Assembly defaults
	v.SetDefault("assembly.min_budget_tokens", defaults.Assembly.MinBudgetTokens)
	v.SetDefault("assembly.brief_tokens", defaults.Assembly.BriefTokens)
	v.SetDefault("assembly.breadcrumb_tokens", defaults.Assembly.BreadcrumbTokens)
	v.SetDefault("assembly.segment_headroom", defaults.Assembly.SegmentHeadroom)
	v.SetDefault("assembly.default_budget_tokens", defaults.Assembly.DefaultBudgetTokens)
	v.SetDefault("assembly.file_root", defaults.Assembly.FileRoot)

	// Compaction defaults
	v.SetDefault("compaction.recent_cutoff", defaults.Compaction.RecentCutoff)
	v.SetDefault("compaction.summary_ratio", defaults.Compaction.SummaryRatio)
	v.SetDefault("compaction.abbreviate_line_chars", defaults.Compaction.AbbreviateLineChars)
	v.SetDefault("compaction.default_strategy", defaults.Compaction.DefaultStrategy)

	// Cache defaults
	v.SetDefault("cache.capacity", defaults.Cache.Capacity)

	// Resource defaults
	v.SetDefault("resources.usage_warning_ratio", defaults.Resources.UsageWarningRatio)

	// Logging defaults
	v.SetDefault("logging.enabled", defaults.Logging.Enabled)
	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.dir", defaults.Logging.Dir)
	v.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	v.SetDefault("logging.compress", defaults.Logging.Compress)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	// viper's default hooks plus encoding.TextUnmarshaler support
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.TextUnmarshallerHookFunc(),
	))
	if err := viper.Unmarshal(&cfg, hook); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration, falling back to defaults when the
// loaded configuration is invalid.
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	return xdgDir("XDG_CONFIG_HOME", ".config")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// ResolveDBPath returns the database path, defaulting under $XDG_DATA_HOME.
// A leading ~ is expanded to the user's home directory.
func (s *StorageConfig) ResolveDBPath() string {
	if s.Path == "" {
		return filepath.Join(xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share")), "index.db")
	}
	return expandHome(s.Path)
}

// ResolveDir returns the log directory, defaulting under $XDG_STATE_HOME.
func (l *LoggingConfig) ResolveDir() string {
	if l.Dir == "" {
		return xdgDir("XDG_STATE_HOME", filepath.Join(".local", "state"))
	}
	return expandHome(l.Dir)
}

func xdgDir(env, fallback string) string {
	if dir := os.Getenv(env); dir != "" {
		return filepath.Join(dir, "framestack")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".framestack"
	}
	return filepath.Join(home, fallback, "framestack")
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
		}
	}
	return path
}
