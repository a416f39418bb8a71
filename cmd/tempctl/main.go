package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/JQIamo/temperature-control-app/internal/app"
	"github.com/JQIamo/temperature-control-app/internal/config"
)

const usageText = `Usage: tempctl [flags] [command] [args]

Commands:
  watch               stay connected and log telemetry (default)
  status              print the latest device status
  history             print buffered history per device
  programs            list predefined, running programs and actions
  run <program>       run a predefined program
  run-file <path>     run an ad-hoc program from a YAML or JSON file
  abort <program>     abort a running program
  standby <device>    put a device into standby
  archive list <dev>  print archived samples of a device (see --since)
  archive clear       delete every archived sample
  config init         write a default config file
  config set <k> <v>  change one config key, e.g. connection.reconnect_delay 10s

Flags:
`

type options struct {
	configPath        string
	rootDir           string
	server            string
	logLevel          string
	logFormat         string
	window            int
	record            bool
	dbFile            string
	metricsListen     string
	requestIDs        bool
	reconnectStrategy string
	timeout           time.Duration
	since             time.Duration

	flags *pflag.FlagSet
	args  []string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		slog.Error("tempctl failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, argv []string, out io.Writer) error {
	opts, err := parseFlags(argv, out)
	if err != nil {
		return err
	}

	command := "watch"
	args := opts.args
	if len(args) > 0 {
		command, args = args[0], args[1:]
	}

	switch command {
	case "config":
		switch {
		case len(args) == 1 && args[0] == "init":
			return initConfig(opts, out)
		case len(args) == 3 && args[0] == "set":
			return setConfig(ctx, opts, args[1], args[2], out)
		default:
			return errors.New("usage: tempctl config init | tempctl config set <key> <value>")
		}
	case "archive":
		return archiveCommand(ctx, opts, args, out)
	case "watch":
		return withRuntime(ctx, opts, func(rt *app.Runtime) error { return watch(ctx, rt, opts, out) })
	case "status":
		return withRuntime(ctx, opts, func(rt *app.Runtime) error { return printStatus(ctx, rt, opts, out) })
	case "history":
		return withRuntime(ctx, opts, func(rt *app.Runtime) error { return printHistory(ctx, rt, opts, out) })
	case "programs":
		return withRuntime(ctx, opts, func(rt *app.Runtime) error { return printPrograms(ctx, rt, opts, out) })
	case "run", "abort", "standby", "run-file":
		if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
			return fmt.Errorf("usage: tempctl %s <name>", command)
		}

		return withRuntime(ctx, opts, func(rt *app.Runtime) error {
			return runCommand(ctx, rt, opts, command, args[0], out)
		})
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func parseFlags(argv []string, out io.Writer) (*options, error) {
	opts := &options{}
	fs := pflag.NewFlagSet("tempctl", pflag.ContinueOnError)
	fs.SetOutput(out)
	fs.Usage = func() {
		_, _ = fmt.Fprint(out, usageText)
		fs.PrintDefaults()
	}

	fs.StringVarP(&opts.configPath, "config", "c", "", "config file (.json or .yaml); defaults to the user config dir")
	fs.StringVar(&opts.rootDir, "data-dir", "", "directory for config, log and archive files")
	fs.StringVarP(&opts.server, "server", "s", "", "control server base URL, e.g. http://lab:8000/")
	fs.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	fs.StringVar(&opts.logFormat, "log-format", "", "log format: text or json")
	fs.IntVar(&opts.window, "window", 0, "samples kept per device")
	fs.BoolVar(&opts.record, "record", false, "archive every status report into sqlite")
	fs.StringVar(&opts.dbFile, "db", "", "sqlite archive path (implies --record)")
	fs.StringVar(&opts.metricsListen, "metrics-listen", "", "serve prometheus metrics on this address, e.g. :9108")
	fs.BoolVar(&opts.requestIDs, "request-ids", false, "tag requests with ids so same-kind requests can overlap")
	fs.StringVar(&opts.reconnectStrategy, "reconnect-strategy", "", "fixed or backoff")
	fs.DurationVar(&opts.timeout, "timeout", 10*time.Second, "how long one-shot commands wait for the server")
	fs.DurationVar(&opts.since, "since", 24*time.Hour, "how far back archive list reaches")

	if err := fs.Parse(argv); err != nil {
		return nil, err
	}
	opts.flags = fs
	opts.args = fs.Args()

	return opts, nil
}

// apply overrides config values with the flags that were set explicitly.
func (o *options) apply(cfg *config.AppConfig) {
	changed := func(name string) bool {
		return o.flags != nil && o.flags.Changed(name)
	}

	if changed("server") {
		cfg.Server.BaseURL = strings.TrimSpace(o.server)
	}
	if changed("log-level") {
		cfg.Logging.Level = o.logLevel
	}
	if changed("log-format") {
		cfg.Logging.Format = o.logFormat
	}
	if changed("window") {
		cfg.History.Window = o.window
	}
	if changed("record") {
		cfg.Recorder.Enabled = o.record
	}
	if changed("db") {
		cfg.Recorder.Enabled = true
		cfg.Recorder.DBFile = o.dbFile
	}
	if changed("metrics-listen") {
		cfg.Metrics.Listen = o.metricsListen
	}
	if changed("request-ids") {
		cfg.Connection.RequestIDs = o.requestIDs
	}
	if changed("reconnect-strategy") {
		cfg.Connection.ReconnectStrategy = config.ReconnectStrategy(o.reconnectStrategy)
	}
}

func withRuntime(ctx context.Context, opts *options, fn func(rt *app.Runtime) error) error {
	return withRuntimeConfig(ctx, opts, opts.apply, fn)
}

func withRuntimeConfig(ctx context.Context, opts *options, apply func(*config.AppConfig), fn func(rt *app.Runtime) error) error {
	rt, err := app.Initialize(ctx, app.InitOptions{
		ConfigPath: opts.configPath,
		RootDir:    opts.rootDir,
		Apply:      apply,
	})
	if err != nil {
		return fmt.Errorf("initialize runtime: %w", err)
	}
	defer func() {
		_ = rt.Close()
	}()

	return fn(rt)
}

func initConfig(opts *options, out io.Writer) error {
	var (
		paths app.Paths
		err   error
	)
	if opts.rootDir != "" {
		paths, err = app.ResolvePathsIn(opts.rootDir)
	} else {
		paths, err = app.ResolvePaths()
	}
	if err != nil {
		return err
	}
	path := paths.ConfigFile
	if opts.configPath != "" {
		path = opts.configPath
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config already exists: %s", path)
	}

	cfg := config.Default()
	opts.apply(&cfg)
	cfg.FillMissingDefaults()
	if cfg.Recorder.Enabled && strings.TrimSpace(cfg.Recorder.DBFile) == "" {
		cfg.Recorder.DBFile = paths.DBFile
	}
	if err := config.Save(path, cfg); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "wrote %s\n", path)

	return nil
}

// setConfig edits one key of the config file. Only the file content is saved;
// flags given alongside are not persisted.
func setConfig(ctx context.Context, opts *options, key, value string, out io.Writer) error {
	offline := func(cfg *config.AppConfig) {
		cfg.Recorder.Enabled = false
		cfg.Notifications.Enabled = false
	}

	return withRuntimeConfig(ctx, opts, offline, func(rt *app.Runtime) error {
		cfg, err := config.Load(rt.Paths.ConfigFile)
		if err != nil {
			return err
		}
		if err := cfg.Set(key, value); err != nil {
			return err
		}
		if cfg.Recorder.Enabled && strings.TrimSpace(cfg.Recorder.DBFile) == "" {
			cfg.Recorder.DBFile = rt.Paths.DBFile
		}
		if err := rt.SaveConfig(cfg); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(out, "%s = %s in %s\n", key, value, rt.Paths.ConfigFile)

		return nil
	})
}
