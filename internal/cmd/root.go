// Package cmd implements the framestack command line: an operator and audit
// surface over the frame index.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cfgcmd "github.com/Iron-Ham/framestack/internal/cmd/config"
	"github.com/Iron-Ham/framestack/internal/config"
	"github.com/Iron-Ham/framestack/internal/errors"
	"github.com/Iron-Ham/framestack/internal/index"
	"github.com/Iron-Ham/framestack/internal/logging"
)

// app carries global flag values and the lazily opened index for one
// invocation.
type app struct {
	cfgFile  string
	dbPath   string
	scope    string
	logLevel string
	asJSON   bool
	asYAML   bool

	cfg    *config.Config
	logger *logging.Logger
	ix     *index.Index
}

// Execute runs the root command against the process arguments.
func Execute() error {
	return run(context.Background(), os.Args[1:], os.Stdout, os.Stderr)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	a := &app{}
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if cerr := a.close(); err == nil {
		err = cerr
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error [%s]: %v\n", errors.Kind(err), err)
	}
	return err
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "framestack",
		Short: "Frame and context index for LLM agents",
		Long: `framestack manages nested units of agent work (frames) that share a
bounded token budget, assembles bounded context packs for each model turn,
and rebuilds the whole frame tree from its durable event log after a crash.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.initConfig()
		},
	}

	// Global flags
	pf := root.PersistentFlags()
	pf.StringVarP(&a.cfgFile, "config", "c", "", "config file (default is $XDG_CONFIG_HOME/framestack/config.yaml)")
	pf.StringVar(&a.dbPath, "db", "", "index database (overrides storage.path)")
	pf.StringVarP(&a.scope, "scope", "s", "", "scope the frame tree lives under")
	pf.StringVar(&a.logLevel, "log-level", "", "override logging.level")
	pf.BoolVar(&a.asJSON, "json", false, "output as JSON")
	pf.BoolVar(&a.asYAML, "yaml", false, "output as YAML")
	root.MarkFlagsMutuallyExclusive("json", "yaml")

	registerFrameCmds(root, a)
	registerLedgerCmds(root, a)
	registerHandleCmds(root, a)
	registerPackCmds(root, a)
	registerSuspendCmds(root, a)
	registerEventCmds(root, a)
	cfgcmd.Register(root)

	return root
}

func (a *app) initConfig() error {
	// Each invocation starts from a clean viper so flag overrides from an
	// earlier run in the same process do not leak.
	viper.Reset()
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if a.cfgFile != "" {
		viper.SetConfigFile(a.cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("FRAMESTACK")
	// Replace dots with underscores for nested keys in env vars
	// e.g., FRAMESTACK_STORAGE_PATH for storage.path
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if a.cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}

	if a.dbPath != "" {
		viper.Set("storage.path", a.dbPath)
	}
	if a.logLevel != "" {
		viper.Set("logging.level", a.logLevel)
	}
	if a.scope == "" {
		a.scope = os.Getenv("FRAMESTACK_SCOPE")
	}
	return nil
}

// index opens the index on first use.
func (a *app) index(ctx context.Context) (*index.Index, error) {
	if a.ix != nil {
		return a.ix, nil
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	a.cfg = cfg

	a.logger = logging.NopLogger()
	if cfg.Logging.Enabled {
		a.logger, err = logging.NewLoggerWithRotation(cfg.Logging.ResolveDir(), cfg.Logging.Level, logging.RotationConfig{
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			Compress:   cfg.Logging.Compress,
		})
		if err != nil {
			return nil, err
		}
	}

	a.ix, err = index.Open(ctx, cfg, a.logger.With("component", "index"))
	if err != nil {
		return nil, err
	}
	return a.ix, nil
}

// requireScope returns the --scope value or a validation error.
func (a *app) requireScope() (string, error) {
	if a.scope == "" {
		return "", errors.NewValidationError("--scope is required (or set FRAMESTACK_SCOPE)").WithField("scope")
	}
	return a.scope, nil
}

func (a *app) close() error {
	var errs []error
	if a.ix != nil {
		errs = append(errs, a.ix.Close())
		a.ix = nil
	}
	if a.logger != nil {
		errs = append(errs, a.logger.Close())
		a.logger = nil
	}
	return errors.Join(errs...)
}
