// Package commands implements CLI command handlers for codefang.
package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/codefang-dev/codefang/internal/cliplugins"
	"github.com/codefang-dev/codefang/internal/config"
	"github.com/codefang-dev/codefang/internal/gitrepo"
	"github.com/codefang-dev/codefang/internal/logging"
	"github.com/codefang-dev/codefang/internal/observability"
	"github.com/codefang-dev/codefang/internal/pipelineengine"
	"github.com/codefang-dev/codefang/internal/plugin"
	"github.com/codefang-dev/codefang/plugins/commits"
	"github.com/codefang-dev/codefang/plugins/export"
	"github.com/codefang-dev/codefang/plugins/metrics"
)

// Sentinel errors driving ExitCode's exit status mapping.
var (
	// ErrConfiguration indicates invalid or unparseable configuration.
	ErrConfiguration = errors.New("configuration error")
	// ErrRepositoryAccess indicates the repository could not be opened.
	ErrRepositoryAccess = errors.New("repository access error")
	// ErrFatalScan indicates a fatal error during the scan.
	ErrFatalScan = errors.New("fatal scan error")
	// ErrPluginRejected indicates every requested plugin was refused.
	ErrPluginRejected = errors.New("plugin rejection error")
)

// ExitCode maps a run error to the CLI's exit code contract.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrConfiguration):
		return 1
	case errors.Is(err, ErrRepositoryAccess):
		return 2
	case errors.Is(err, ErrFatalScan):
		return 3
	case errors.Is(err, ErrPluginRejected):
		return 4
	default:
		return 1
	}
}

// runOptions holds the run command's flag-derived configuration.
type runOptions struct {
	repoPath      string
	verbose       bool
	quiet         bool
	debug         bool
	logFormat     string
	logFile       string
	logFileLevel  string
	configPath    string
	configSection string
	pluginList    string

	listPlugins bool
	pluginInfo  string
	listByType  string

	color       bool
	noColor     bool
	exportCfg   bool
	all         bool
	outputLimit int
	template    string
	templateVar []string

	diagnosticsAddr string
}

// NewRunCommand builds the root "run" command.
func NewRunCommand() *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run [repository]",
		Short: "Scan a repository and run the analytics pipeline",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.repoPath = "."
			if len(args) == 1 {
				opts.repoPath = args[0]
			}

			return runMain(cmd.OutOrStdout(), cmd.ErrOrStderr(), opts)
		},
	}

	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "verbose output")
	cmd.Flags().BoolVarP(&opts.quiet, "quiet", "q", false, "suppress non-error output")
	cmd.Flags().BoolVar(&opts.debug, "debug", false, "debug-level logging")
	cmd.Flags().StringVar(&opts.logFormat, "log-format", "text", "console log format: text|json")
	cmd.Flags().StringVar(&opts.logFile, "log-file", "", "path to an additional log file")
	cmd.Flags().StringVar(&opts.logFileLevel, "log-file-level", "info", "log level for --log-file")
	cmd.Flags().StringVar(&opts.configPath, "config", "", "explicit configuration file path")
	cmd.Flags().StringVar(&opts.configSection, "config-section", "", "configuration section to apply on top of the root document")
	cmd.Flags().StringVar(&opts.pluginList, "plugins", "", "comma-separated list of plugins to activate (default: all built-ins)")
	cmd.Flags().BoolVar(&opts.listPlugins, "list-plugins", false, "list registered plugins and exit")
	cmd.Flags().StringVar(&opts.pluginInfo, "plugin-info", "", "show detail for one plugin id and exit")
	cmd.Flags().StringVar(&opts.listByType, "list-by-type", "", "list plugins of one kind (stream-processor|terminal-aggregator) and exit")
	cmd.Flags().BoolVar(&opts.color, "color", false, "force coloured output")
	cmd.Flags().BoolVar(&opts.noColor, "no-color", false, "disable coloured output")
	cmd.Flags().BoolVar(&opts.exportCfg, "export-config", false, "emit the canonical configuration as YAML and exit")
	cmd.Flags().BoolVar(&opts.all, "all", false, "do not truncate export output")
	cmd.Flags().IntVar(&opts.outputLimit, "output-limit", 0, "cap the number of metric rows in the export report (0: use config default)")
	cmd.Flags().StringVar(&opts.template, "template", "", "render the export report through this text/template file")
	cmd.Flags().StringSliceVar(&opts.templateVar, "template-var", nil, "k=v pairs passed to --template (repeatable)")
	cmd.Flags().StringVar(&opts.diagnosticsAddr, "diagnostics-addr", "", "serve /healthz, /readyz, and /metrics on this address while scanning")

	return cmd
}

func runMain(stdout, stderr io.Writer, opts *runOptions) error {
	colorOverride(opts)

	cfg, err := config.LoadConfig(opts.configPath, opts.configSection)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	applyFlagOverrides(cfg, opts)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	logger, closer, err := logging.Bootstrap(logging.Options{
		Format:    logging.Format(cfg.Log.Format),
		Verbose:   opts.verbose,
		Quiet:     opts.quiet,
		Debug:     opts.debug,
		FilePath:  cfg.Log.FilePath,
		FileLevel: parseLevel(cfg.Log.FileLevel),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	defer closer()

	if opts.exportCfg {
		return cliplugins.ExportConfig(stdout, cfg)
	}

	meterProvider, metricsHandler, err := observability.NewMeterProvider()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	defer meterProvider.Shutdown(context.Background())

	pipelineMetrics, err := observability.NewPipelineMetrics(meterProvider.Meter("codefang.pipeline"))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	if opts.diagnosticsAddr != "" {
		diag, err := observability.NewDiagnosticsServer(opts.diagnosticsAddr, metricsHandler, meterProvider.Meter("codefang.runtime"))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrConfiguration, err)
		}
		defer diag.Close()

		logger.Info("diagnostics server listening", "addr", diag.Addr())
	}

	engine := pipelineengine.New(cfg.Notify.GlobalRatePerSecond, metricsAdapter{pipelineMetrics})

	exportPlugin := export.New()
	exportPlugin.SetWriter(stdout)

	commitsPlugin := commits.New()
	exportPlugin.SetCommitsSource(commitsPlugin)

	rejected := registerBuiltins(engine, cfg, commitsPlugin, exportPlugin, logger)

	if opts.listPlugins || opts.pluginInfo != "" || opts.listByType != "" {
		return handleIntrospection(stdout, engine, opts)
	}

	if len(rejected) > 0 && len(engine.Registry().All()) == 0 {
		return fmt.Errorf("%w: all built-in plugins rejected: %s", ErrPluginRejected, strings.Join(rejected, ", "))
	}

	if _, err := gitrepo.Open(opts.repoPath); err != nil {
		return fmt.Errorf("%w: %v", ErrRepositoryAccess, err)
	}

	result, err := engine.Run(context.Background(), opts.repoPath, cfg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFatalScan, err)
	}

	logger.Info("scan complete",
		"scan_id", result.ScanID,
		"commits", result.CommitsVisited,
		"files_changed", result.FilesChanged,
		"warnings", result.Warnings,
		"duration", result.Duration,
		"shutdown_forced", result.ShutdownForced,
	)

	if result.ShutdownForced {
		return fmt.Errorf("%w: graceful shutdown deadline exceeded", ErrFatalScan)
	}

	return nil
}

// metricsAdapter satisfies pipelineengine.MetricsRecorder against an
// *observability.PipelineMetrics, translating between the two packages'
// identical-shaped ScanStats so pipelineengine need not import
// internal/observability directly.
type metricsAdapter struct {
	pm *observability.PipelineMetrics
}

func (m metricsAdapter) RecordScan(ctx context.Context, stats pipelineengine.ScanStats) {
	m.pm.RecordScan(ctx, observability.ScanStats{
		Commits:      stats.Commits,
		FilesChanged: stats.FilesChanged,
		Duration:     stats.Duration,
		Warnings:     stats.Warnings,
	})
}

func (m metricsAdapter) RecordQueueSample(ctx context.Context, depth int, bytes int64, level string) {
	m.pm.RecordQueueSample(ctx, depth, bytes, level)
}

func (m metricsAdapter) RecordPluginTransition(ctx context.Context, pluginID, state string) {
	m.pm.RecordPluginTransition(ctx, pluginID, state)
}

const builtinPluginCount = 3

func builtinCount() int { return builtinPluginCount }

func registerBuiltins(engine *pipelineengine.Engine, cfg *config.Config, c *commits.Plugin, e *export.Plugin, logger *slog.Logger) []string {
	candidates := map[string]plugin.Plugin{
		commits.ID: c,
		metrics.ID: metrics.New(),
		export.ID:  e,
	}

	active := cfg.Plugins
	if len(active) == 0 {
		active = []string{commits.ID, metrics.ID, export.ID}
	}

	var rejected []string

	for _, id := range active {
		p, ok := candidates[id]
		if !ok {
			continue
		}

		if err := engine.Register(p); err != nil {
			logger.Warn("plugin registration refused", "plugin", id, "error", err)
			rejected = append(rejected, id)
		}
	}

	return rejected
}

func handleIntrospection(w io.Writer, engine *pipelineengine.Engine, opts *runOptions) error {
	switch {
	case opts.listPlugins:
		cliplugins.ListPlugins(w, engine.Registry())
	case opts.pluginInfo != "":
		return cliplugins.PluginInfo(w, engine.Registry(), opts.pluginInfo)
	case opts.listByType != "":
		cliplugins.ListByType(w, engine.Registry(), opts.listByType)
	}

	return nil
}

func colorOverride(opts *runOptions) {
	if opts.noColor || os.Getenv("NO_COLOR") != "" {
		color.NoColor = true

		return
	}

	if opts.color {
		color.NoColor = false
	}
}

// parseLevel maps a log-file-level config/flag string onto slog.Level,
// defaulting to Info for anything unrecognised.
func parseLevel(raw string) slog.Level {
	switch strings.ToLower(raw) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func applyFlagOverrides(cfg *config.Config, opts *runOptions) {
	if opts.logFormat != "" {
		cfg.Log.Format = opts.logFormat
	}

	if opts.logFile != "" {
		cfg.Log.FilePath = opts.logFile
	}

	if opts.logFileLevel != "" {
		cfg.Log.FileLevel = opts.logFileLevel
	}

	if opts.pluginList != "" {
		cfg.Plugins = strings.Split(opts.pluginList, ",")
	}

	if cfg.Plugin == nil {
		cfg.Plugin = map[string]any{}
	}

	exportSection, _ := cfg.Plugin["export"].(map[string]any)
	if exportSection == nil {
		exportSection = map[string]any{}
	}

	if opts.all {
		exportSection["all"] = true
	}

	if opts.outputLimit > 0 {
		exportSection["output_limit"] = opts.outputLimit
	}

	if opts.template != "" {
		exportSection["template"] = opts.template
	}

	if len(opts.templateVar) > 0 {
		vars := map[string]string{}

		for _, kv := range opts.templateVar {
			parts := strings.SplitN(kv, "=", 2)
			if len(parts) == 2 {
				vars[parts[0]] = parts[1]
			}
		}

		exportSection["template_vars"] = vars
	}

	cfg.Plugin["export"] = exportSection
}
