package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ChrisB0-2/extension-guard/internal/config"
	"github.com/ChrisB0-2/extension-guard/internal/logger"
)

// version is set via ldflags at build time.
var version = "dev"

const usage = `usage: extension-guard [flags]            serve the API and run scheduled maintenance
       extension-guard reconcile [flags]  run one maintenance pass and exit
       extension-guard audit <query|stats|verify|export> [flags]
       extension-guard quarantine <list|purge> [flags]`

// options are the serve and reconcile flags. Only flags set explicitly
// override the configuration file.
type options struct {
	showVersion bool
	configPath  string
	envFile     string
	addr        string
	logLevel    string
	schedule    string
	metrics     bool
	metricsAddr string

	set map[string]bool
}

func parseOptions(name string, args []string, out io.Writer) (*options, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(out)
	fs.Usage = func() {
		fmt.Fprintln(out, usage)
		fs.PrintDefaults()
	}

	o := &options{}
	fs.BoolVar(&o.showVersion, "version", false, "print version and exit")
	fs.StringVar(&o.configPath, "config", "", "path to YAML configuration file")
	fs.StringVar(&o.envFile, "env-file", ".env", "dotenv file loaded before EXTGUARD_* overrides")
	fs.StringVar(&o.addr, "addr", "", "API listen address")
	fs.StringVar(&o.logLevel, "log-level", "", "log level: debug, info, warn, error")
	fs.StringVar(&o.schedule, "schedule", "", "maintenance schedule (e.g. '1h', '@every 6h')")
	fs.BoolVar(&o.metrics, "metrics", false, "enable Prometheus metrics")
	fs.StringVar(&o.metricsAddr, "metrics-addr", "", "standalone metrics server address")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected argument %q", fs.Arg(0))
	}

	o.set = make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		o.set[f.Name] = true
	})
	return o, nil
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run dispatches the subcommand and returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	cmd := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "audit":
		return runAudit(args, stdout, stderr)
	case "quarantine":
		return runQuarantine(args, stdout, stderr)
	case "serve", "reconcile":
	default:
		fmt.Fprintf(stderr, "unknown command %q\n%s\n", cmd, usage)
		return 2
	}

	opts, err := parseOptions(cmd, args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 2
	}
	if opts.showVersion {
		fmt.Fprintln(stdout, "extension-guard", version)
		return 0
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 2
	}

	log, closeLog, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(stderr, "error: failed to initialize logger: %v\n", err)
		return 1
	}
	defer closeLog()

	ctx := context.Background()
	a, err := newApp(ctx, cfg, log)
	if err != nil {
		log.Error("startup failed", logger.Err(err))
		return 1
	}

	if cmd == "reconcile" {
		err := a.maintenance(ctx)
		a.close(ctx)
		if err != nil {
			log.Error("maintenance failed", logger.Err(err))
			return 1
		}
		return 0
	}

	log.Info("extension-guard starting",
		logger.F("version", version),
		logger.F("addr", cfg.Server.Addr),
		logger.F("storage", cfg.Storage.Driver),
		logger.F("blob", cfg.Blob.Driver),
		logger.F("audit", cfg.Audit.Driver))

	if err := a.daemon().Run(ctx); err != nil {
		log.Error("daemon failed", logger.Err(err))
		return 1
	}
	return 0
}

// loadConfig resolves the configuration: file (or defaults), then .env
// and EXTGUARD_* variables, then explicitly set flags.
func loadConfig(o *options) (*config.Config, error) {
	path := o.configPath
	if path == "" {
		path = config.FindConfigFile()
	}

	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := config.LoadDotEnv(o.envFile); err != nil {
		return nil, err
	}
	if err := config.ApplyEnv(cfg); err != nil {
		return nil, fmt.Errorf("applying environment: %w", err)
	}

	mergeFlags(cfg, o)

	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// mergeFlags applies explicitly set flags over cfg.
func mergeFlags(cfg *config.Config, o *options) {
	if o.set["addr"] && o.addr != "" {
		cfg.Server.Addr = o.addr
	}
	if o.set["log-level"] && o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if o.set["schedule"] {
		cfg.Daemon.Schedule = o.schedule
	}
	if o.set["metrics"] {
		cfg.Metrics.Enabled = o.metrics
	}
	if o.set["metrics-addr"] {
		cfg.Metrics.Addr = o.metricsAddr
	}
}

// initLogger creates a logger based on configuration. The returned func
// closes a log file when one was opened.
func initLogger(cfg config.LoggingConfig) (logger.Logger, func(), error) {
	level, err := logger.ParseLevel(cfg.Level)
	if err != nil {
		level = logger.LevelInfo
	}
	format, err := logger.ParseFormat(cfg.Format)
	if err != nil {
		format = logger.FormatJSON
	}

	var output io.Writer
	closeFn := func() {}
	switch cfg.Output {
	case "", "stderr":
		output = os.Stderr
	case "stdout":
		output = os.Stdout
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		output = f
		closeFn = func() { _ = f.Close() }
	}

	base := logger.NewWithFormat(level, format, output)
	if cfg.Loki.URL == "" {
		return base, closeFn, nil
	}

	loki := logger.NewLoki(base, logger.LokiConfig{
		URL:       cfg.Loki.URL,
		TenantID:  cfg.Loki.TenantID,
		Labels:    cfg.Loki.Labels,
		MinLevel:  level,
		BatchSize: cfg.Loki.BatchSize,
		BatchWait: cfg.Loki.BatchWait,
	})
	closeFile := closeFn
	closeFn = func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := loki.Close(ctx); err != nil {
			base.Warn("log shipping did not drain", logger.Err(err))
		}
		closeFile()
	}
	return loki, closeFn, nil
}
