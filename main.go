package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/doridoridoriand/echoprobe/internal/cli"
	"github.com/doridoridoriand/echoprobe/internal/config"
	"github.com/doridoridoriand/echoprobe/internal/log"
	"github.com/doridoridoriand/echoprobe/internal/metrics"
	"github.com/doridoridoriand/echoprobe/internal/probe"
	"github.com/doridoridoriand/echoprobe/internal/report"
	"github.com/doridoridoriand/echoprobe/internal/scheduler"
	"github.com/doridoridoriand/echoprobe/internal/state"
	"github.com/doridoridoriand/echoprobe/internal/ui"
)

const version = "0.1.0"

type options struct {
	mode               cli.OptionalMode
	transport          cli.OptionalTransport
	host               cli.OptionalString
	port               cli.OptionalInt
	target             string
	timeout            cli.OptionalDuration
	interactiveTimeout cli.OptionalDuration
	delay              cli.OptionalDuration
	connectTimeout     cli.OptionalDuration
	interval           cli.OptionalDuration
	buffer             cli.OptionalInt
	ttl                cli.OptionalInt
	payloads           cli.StringList
	metricsMode        cli.OptionalMetricsMode
	metricsListen      cli.OptionalString
	noUI               cli.OptionalBool
	logLevel           cli.OptionalString
	report             cli.OptionalReportFormat
	watch              bool
	version            bool
}

func newFlagSet(stderr io.Writer) (*flag.FlagSet, *options) {
	opts := &options{}
	fs := flag.NewFlagSet("echoprobe", flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.Var(&opts.mode, "mode", "run mode: interactive|batch (asks when omitted)")
	fs.Var(&opts.transport, "transport", "transport without a config file: tcp|udp")
	fs.Var(&opts.host, "host", "echo server host without a config file")
	fs.Var(&opts.port, "port", "echo server port without a config file")
	fs.StringVar(&opts.target, "target", "", "probe only the named config target")
	fs.Var(&opts.timeout, "timeout", "batch reply timeout (override config)")
	fs.Var(&opts.timeout, "t", "batch reply timeout (override config)")
	fs.Var(&opts.interactiveTimeout, "interactive-timeout", "interactive reply timeout (override config)")
	fs.Var(&opts.delay, "delay", "pause between batch trials (override config)")
	fs.Var(&opts.connectTimeout, "connect-timeout", "connect timeout (override config)")
	fs.Var(&opts.interval, "interval", "watch interval between rounds (override config)")
	fs.Var(&opts.interval, "i", "watch interval between rounds (override config)")
	fs.Var(&opts.buffer, "buffer", "receive buffer size in bytes (override config)")
	fs.Var(&opts.ttl, "ttl", "IP TTL / hop limit, 0 keeps the OS default (override config)")
	fs.Var(&opts.payloads, "payload", "batch payload, repeatable (replaces the defaults)")
	fs.Var(&opts.metricsMode, "metrics-mode", "metrics mode: per-target|aggregated|both")
	fs.Var(&opts.metricsListen, "metrics-listen", "metrics listen address in watch mode (e.g. :9100)")
	fs.Var(&opts.noUI, "no-ui", "disable TUI in watch mode (print summaries)")
	fs.Var(&opts.logLevel, "log-level", "log level: debug|info|warn|error")
	fs.Var(&opts.report, "report", "batch report format: text|json|yaml")
	fs.BoolVar(&opts.watch, "watch", false, "repeat batches against every target")
	fs.BoolVar(&opts.version, "version", false, "show version")
	fs.BoolVar(&opts.version, "v", false, "show version")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "usage: echoprobe [options] [config-file]\n\n")
		fmt.Fprintln(stderr, "Options:")
		fs.PrintDefaults()
	}
	return fs, opts
}

func main() {
	ctx, cancel := signalContext()
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	cancel()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs, opts := newFlagSet(stderr)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if opts.version {
		fmt.Fprintf(stdout, "echoprobe version %s\n", version)
		return 0
	}
	if fs.NArg() > 1 {
		fs.Usage()
		return 2
	}
	configPath := fs.Arg(0)

	logger := log.NewLogger(log.LevelWarn)
	logger.SetOutput(stderr)

	cfg, err := loadConfig(configPath, opts)
	if err != nil {
		logger.LogConfigLoad(false, configPath, err)
		fmt.Fprintf(stderr, "failed to load config: %v\n", err)
		return 1
	}
	logger.SetLevel(log.ParseLevel(cfg.Global.LogLevel))
	if configPath != "" {
		logger.LogConfigLoad(true, configPath, nil)
	}

	targets, err := selectTargets(cfg, opts.target)
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 1
	}

	if opts.watch {
		cfg.Targets = targets
		return runWatch(ctx, configPath, opts, cfg, logger, stdout, stderr)
	}

	input := bufio.NewReader(stdin)
	mode, ok := opts.mode.Value()
	if !ok {
		report.NewPrinter(stdout).Menu()
		answer, _ := input.ReadString('\n')
		mode = cli.MenuChoice(answer)
	}

	if mode == cli.ModeBatch {
		return runBatch(ctx, cfg, targets, stdout, stderr, logger)
	}
	if len(targets) > 1 {
		names := make([]string, 0, len(targets))
		for _, target := range targets {
			names = append(names, target.Name)
		}
		fmt.Fprintf(stderr, "interactive mode needs a single target; choose one with -target (%s)\n", strings.Join(names, ", "))
		return 2
	}
	return runInteractive(ctx, cfg, targets[0], input, stdout, logger)
}

// loadConfig reads the config file, or builds a single-target config from
// the connection flags when no file is given.
func loadConfig(path string, opts *options) (*config.Config, error) {
	overrides := buildOverrides(opts)
	_, hostSet := opts.host.Value()
	_, portSet := opts.port.Value()
	_, transportSet := opts.transport.Value()

	if path != "" {
		if hostSet || portSet || transportSet {
			return nil, fmt.Errorf("-host, -port and -transport cannot be combined with a config file")
		}
		return config.EchoprobeParser{}.LoadConfig(path, overrides)
	}

	transport, ok := opts.transport.Value()
	if !ok {
		transport = probe.TransportStream
	}
	target := config.DefaultTarget(transport)
	if hostSet || portSet {
		host := target.Endpoint.Host
		if v, ok := opts.host.Value(); ok {
			host = v
		}
		port := target.Endpoint.Port
		if v, ok := opts.port.Value(); ok {
			port = v
		}
		endpoint, err := probe.ParseEndpoint(net.JoinHostPort(host, strconv.Itoa(port)))
		if err != nil {
			return nil, err
		}
		target.Endpoint = endpoint
	}
	return config.DefaultConfig(target, overrides)
}

func selectTargets(cfg *config.Config, name string) ([]config.TargetConfig, error) {
	if name == "" {
		if len(cfg.Targets) == 0 {
			return nil, fmt.Errorf("no targets configured")
		}
		return cfg.Targets, nil
	}
	target, ok := cfg.FindTarget(name)
	if !ok {
		return nil, fmt.Errorf("unknown target %q", name)
	}
	return []config.TargetConfig{target}, nil
}

func runBatch(ctx context.Context, cfg *config.Config, targets []config.TargetConfig, stdout, stderr io.Writer, logger *log.Logger) int {
	format := cfg.Global.ReportFormat
	progress := stdout
	if format == config.ReportFormatJSON || format == config.ReportFormatYAML {
		progress = stderr
	}
	printer := report.NewPrinter(progress)
	opts := cfg.Global.ProbeOptions(false)

	code := 0
	reports := make([]report.TargetReport, 0, len(targets))
	for _, tc := range targets {
		if ctx.Err() != nil {
			break
		}
		target := tc.ProbeTarget()
		printer.Banner(target, string(cli.ModeBatch))
		results, err := probe.Batch(ctx, target, cfg.PayloadsFor(tc.Transport), opts, probe.Hooks{
			Connected: func(t probe.Target) {
				printer.Connected(t)
				logger.LogConnect(t, nil)
			},
			Result: func(index int, result probe.Result) {
				printer.BatchResult(index, result)
				logger.LogTrialResult(target, index+1, result)
			},
		})

		var connectErr *probe.ConnectError
		if errors.As(err, &connectErr) {
			logger.LogConnect(target, err)
			printer.Error(err)
			code = 1
		}
		rep := report.NewTargetReport(target, results, err)
		printer.Summary(rep)
		reports = append(reports, rep)
	}

	if format == config.ReportFormatJSON || format == config.ReportFormatYAML {
		if err := report.Export(stdout, format, reports); err != nil {
			logger.LogError("report", err, nil)
			return 1
		}
	}
	return code
}

func runInteractive(ctx context.Context, cfg *config.Config, tc config.TargetConfig, input io.Reader, stdout io.Writer, logger *log.Logger) int {
	target := tc.ProbeTarget()
	printer := report.NewPrinter(stdout)
	printer.Banner(target, string(cli.ModeInteractive))

	err := probe.RunInteractive(ctx, target, cfg.Global.ProbeOptions(true), input, probe.Hooks{
		Connected: func(t probe.Target) {
			printer.Connected(t)
			printer.InteractiveHelp()
			logger.LogConnect(t, nil)
		},
		Prompt: printer.Prompt,
		Result: func(index int, result probe.Result) {
			printer.InteractiveResult(index, result)
			logger.LogTrialResult(target, index+1, result)
		},
	})

	var connectErr *probe.ConnectError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &connectErr):
		logger.LogConnect(target, err)
		printer.Error(err)
		return 1
	case errors.Is(err, context.Canceled):
		fmt.Fprintln(stdout)
		return 0
	default:
		logger.LogError("interactive", err, map[string]interface{}{"target": target.Name})
		printer.Error(err)
		return 1
	}
}

func runWatch(ctx context.Context, configPath string, opts *options, cfg *config.Config, logger *log.Logger, stdout, stderr io.Writer) int {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	store := state.NewStore(cfg.Targets, cfg.Global.Timeout)
	runner := probe.Runner{Options: cfg.Global.ProbeOptions(false)}
	sched := scheduler.NewScheduler(cfg, runner, store, logger)
	reloadCh := make(chan struct{}, 1)

	var wg sync.WaitGroup
	if cfg.Global.MetricsListen != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := metrics.Serve(ctx, cfg.Global.MetricsListen, cfg.Global.MetricsMode, store)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.LogError("metrics", err, map[string]interface{}{"listen": cfg.Global.MetricsListen})
			}
		}()
	}

	var tui *ui.UI
	if cfg.Global.UIDisable {
		printer := report.NewPrinter(stdout)
		sched.SetObserver(func(tc config.TargetConfig, results []probe.Result, err error) {
			printer.Summary(report.NewTargetReport(tc.ProbeTarget(), results, err))
		})
	} else {
		logger.SetOutput(io.Discard)
		tui = ui.New(cfg.Global, store, reloadCh)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer cancel()
			if err := tui.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				fmt.Fprintf(stderr, "ui error: %v\n", err)
			}
		}()
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				requestReload(reloadCh)
			case <-reloadCh:
				reloadConfig(configPath, opts, sched, tui, logger)
			}
		}
	}()

	err := sched.Run(ctx)
	cancel()
	wg.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.LogError("scheduler", err, nil)
		return 1
	}
	return 0
}

func reloadConfig(path string, opts *options, sched scheduler.Scheduler, tui *ui.UI, logger *log.Logger) {
	if path == "" {
		logger.Warn("reload ignored without a config file", nil)
		return
	}
	cfg, err := config.EchoprobeParser{}.LoadConfig(path, buildOverrides(opts))
	if err == nil && opts.target != "" {
		var targets []config.TargetConfig
		if targets, err = selectTargets(cfg, opts.target); err == nil {
			cfg.Targets = targets
		}
	}
	if err != nil {
		logger.LogConfigLoad(false, path, err)
		return
	}
	sched.UpdateConfig(cfg)
	if tui != nil {
		tui.UpdateConfig(cfg.Global)
	}
	logger.LogConfigLoad(true, path, nil)
}

func buildOverrides(opts *options) config.CLIOverrides {
	overrides := config.CLIOverrides{}

	if v, ok := opts.timeout.Value(); ok {
		value := v
		overrides.Timeout = &value
	}
	if v, ok := opts.interactiveTimeout.Value(); ok {
		value := v
		overrides.InteractiveTimeout = &value
	}
	if v, ok := opts.delay.Value(); ok {
		value := v
		overrides.Delay = &value
	}
	if v, ok := opts.connectTimeout.Value(); ok {
		value := v
		overrides.ConnectTimeout = &value
	}
	if v, ok := opts.interval.Value(); ok {
		value := v
		overrides.Interval = &value
	}
	if v, ok := opts.buffer.Value(); ok {
		value := v
		overrides.BufferSize = &value
	}
	if v, ok := opts.ttl.Value(); ok {
		value := v
		overrides.TTL = &value
	}
	if v, ok := opts.metricsMode.Value(); ok {
		value := v
		overrides.MetricsMode = &value
	}
	if v, ok := opts.metricsListen.Value(); ok && v != "" {
		value := v
		overrides.MetricsListen = &value
	}
	if v, ok := opts.noUI.Value(); ok {
		value := v
		overrides.UIDisable = &value
	}
	if v, ok := opts.logLevel.Value(); ok && v != "" {
		value := v
		overrides.LogLevel = &value
	}
	if v, ok := opts.report.Value(); ok {
		value := v
		overrides.ReportFormat = &value
	}
	overrides.Payloads = opts.payloads.Values()

	return overrides
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func requestReload(ch chan<- struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
