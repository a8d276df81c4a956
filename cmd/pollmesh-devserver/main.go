package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/rmacdonaldsmith/pollmesh-go/internal/config"
	"github.com/rmacdonaldsmith/pollmesh-go/internal/devserver"
	"github.com/rmacdonaldsmith/pollmesh-go/internal/metrics"
)

const (
	appName    = "pollmesh-devserver"
	appVersion = "0.1.0"

	shutdownTimeout = 10 * time.Second
)

// groupFlags collects repeated --group name=ch1,ch2 flags
type groupFlags map[string][]string

func (g groupFlags) String() string {
	var parts []string
	for name, channels := range g {
		parts = append(parts, name+"="+strings.Join(channels, ","))
	}
	slices.Sort(parts)
	return strings.Join(parts, " ")
}

func (g groupFlags) Set(value string) error {
	name, list, ok := strings.Cut(value, "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return fmt.Errorf("group must be name=ch1,ch2, got %q", value)
	}
	for _, ch := range strings.Split(list, ",") {
		if ch = strings.TrimSpace(ch); ch != "" {
			g[name] = append(g[name], ch)
		}
	}
	if len(g[name]) == 0 {
		return fmt.Errorf("group %q has no channels", name)
	}
	return nil
}

type options struct {
	listen        string
	secret        string
	pollTimeout   time.Duration
	presenceSweep time.Duration
	groups        groupFlags
	logLevel      string
	pretty        bool
	version       bool
}

func parseFlags(args []string) (*options, error) {
	opts := &options{groups: groupFlags{}}

	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	fs.StringVar(&opts.listen, "listen", ":8090", "Listen address")
	fs.StringVar(&opts.secret, "secret", os.Getenv("POLLMESH_DEVSERVER_SECRET"), "Grant signing secret; enables access control")
	fs.DurationVar(&opts.pollTimeout, "poll-timeout", devserver.DefaultPollTimeout, "How long subscribe requests are held open")
	fs.DurationVar(&opts.presenceSweep, "presence-sweep", devserver.DefaultPresenceSweep, "Interval between presence timeout sweeps")
	fs.Var(opts.groups, "group", "Channel group as name=ch1,ch2 (repeatable)")
	fs.StringVar(&opts.logLevel, "log-level", "info", "Log level")
	fs.BoolVar(&opts.pretty, "pretty", false, "Human readable console logs")
	fs.BoolVar(&opts.version, "version", false, "Show version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return opts, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	if opts.version {
		fmt.Printf("%s v%s\n", appName, appVersion)
		return
	}

	logger, err := config.NewLogger(os.Stderr, opts.logLevel, opts.pretty)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, logger); err != nil {
		logger.Fatal().Err(err).Msg("development server failed")
	}
}

// run serves until ctx is cancelled, then shuts down gracefully.
func run(ctx context.Context, opts *options, logger zerolog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	serverMetrics, err := metrics.NewServer(reg)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	srv, err := devserver.New(devserver.Config{
		Addr:           opts.listen,
		PollTimeout:    opts.pollTimeout,
		PresenceSweep:  opts.presenceSweep,
		Secret:         opts.secret,
		Groups:         opts.groups,
		Logger:         logger,
		Metrics:        serverMetrics,
		MetricsHandler: metrics.Handler(reg),
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	logger.Info().
		Str("version", appVersion).
		Bool("grants", opts.secret != "").
		Int("groups", len(opts.groups)).
		Msg("started, press Ctrl+C to stop")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Stop(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("graceful stop failed: %w", err)
	}
	return <-errCh
}
