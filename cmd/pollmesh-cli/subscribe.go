package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/pollmesh-go/internal/metrics"
	"github.com/rmacdonaldsmith/pollmesh-go/pkg/envelope"
	"github.com/rmacdonaldsmith/pollmesh-go/pkg/listener"
	"github.com/rmacdonaldsmith/pollmesh-go/pkg/pollmesh"
)

type subscribeOptions struct {
	channels    []string
	groups      []string
	presence    bool
	state       []string
	timetoken   uint64
	count       int
	metricsAddr string
}

func newSubscribeCommand() *cobra.Command {
	opts := &subscribeOptions{}

	cmd := &cobra.Command{
		Use:   "subscribe",
		Short: "Stream messages from channels and channel groups",
		Long: `Subscribe to channels and channel groups and print every message, presence
event and status as it arrives. Press Ctrl+C to stop.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSubscribe(ctx, cmd.OutOrStdout(), opts)
		},
	}

	cmd.Flags().StringSliceVar(&opts.channels, "channel", nil, "Channel to subscribe to (repeatable)")
	cmd.Flags().StringSliceVar(&opts.groups, "group", nil, "Channel group to subscribe to (repeatable)")
	cmd.Flags().BoolVar(&opts.presence, "presence", false, "Also receive presence events")
	cmd.Flags().StringArrayVar(&opts.state, "state", nil, "Presence state as key=value (repeatable)")
	cmd.Flags().Uint64Var(&opts.timetoken, "timetoken", 0, "Resume from this timetoken")
	cmd.Flags().IntVar(&opts.count, "count", 0, "Exit after this many messages (0 streams forever)")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")

	return cmd
}

func runSubscribe(ctx context.Context, out io.Writer, opts *subscribeOptions) error {
	if len(opts.channels) == 0 && len(opts.groups) == 0 {
		return errors.New("at least one --channel or --group is required")
	}
	state, err := parseState(opts.state)
	if err != nil {
		return err
	}

	var reg *prometheus.Registry
	if opts.metricsAddr != "" {
		reg = prometheus.NewRegistry()
		stopMetrics := serveMetrics(opts.metricsAddr, reg)
		defer stopMetrics()
	}

	client, err := newClient(func(c *pollmesh.Config) {
		if reg != nil {
			c.MetricsRegisterer = reg
		}
	})
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	printer := &printer{out: out, limit: opts.count, done: cancel}
	client.AddListener(printer)

	if err := client.Subscribe(pollmesh.SubscribeInput{
		Channels:     opts.channels,
		Groups:       opts.groups,
		WithPresence: opts.presence,
		Timetoken:    opts.timetoken,
	}); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	if len(state) > 0 {
		for _, ch := range opts.channels {
			if err := client.SetState(ch, state); err != nil {
				return err
			}
		}
		for _, g := range opts.groups {
			if err := client.SetGroupState(g, state); err != nil {
				return err
			}
		}
	}

	printer.printf("🌊 Subscribed as %s to %s\n", client.UUID(), describe(opts.channels, opts.groups))

	<-ctx.Done()
	printer.printf("✅ Stopped at timetoken %s after %d messages\n", client.Cursor().TimetokenString(), printer.received())
	return nil
}

func describe(channels, groups []string) string {
	var parts []string
	if len(channels) > 0 {
		parts = append(parts, "channels "+strings.Join(channels, ","))
	}
	if len(groups) > 0 {
		parts = append(parts, "groups "+strings.Join(groups, ","))
	}
	return strings.Join(parts, " and ")
}

// parseState turns key=value pairs into presence state. Values that parse
// as JSON keep their type.
func parseState(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	state := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("state must be key=value, got %q", pair)
		}
		var parsed any
		if err := json.Unmarshal([]byte(value), &parsed); err != nil {
			parsed = value
		}
		state[key] = parsed
	}
	return state, nil
}

func serveMetrics(addr string, reg *prometheus.Registry) func() {
	srv := &http.Server{Addr: addr, Handler: metrics.Handler(reg), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "metrics server failed: %v\n", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// printer writes listener callbacks to out and cancels once limit messages
// have arrived.
type printer struct {
	mu    sync.Mutex
	out   io.Writer
	count int
	limit int
	done  context.CancelFunc
}

func (p *printer) OnMessage(msg envelope.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.count++
	fmt.Fprintf(p.out, "📨 %s", msg.Channel)
	if msg.Subscription != "" {
		fmt.Fprintf(p.out, " (via %s)", msg.Subscription)
	}
	fmt.Fprintf(p.out, " @%d", msg.Timetoken)
	if msg.Publisher != "" {
		fmt.Fprintf(p.out, " from %s", msg.Publisher)
	}
	fmt.Fprintf(p.out, ": %s\n", msg.Payload)

	if p.limit > 0 && p.count >= p.limit {
		p.done()
	}
}

func (p *printer) OnPresence(event listener.PresenceEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "👥 %s %s %s (occupancy %d)\n", event.Channel, event.Action, event.UUID, event.Occupancy)
}

func (p *printer) OnStatus(status listener.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.out, "ℹ️  %s", status.Category)
	if len(status.Channels)+len(status.Groups) > 0 {
		fmt.Fprintf(p.out, " [%s]", describe(status.Channels, status.Groups))
	}
	if status.Err != nil {
		fmt.Fprintf(p.out, ": %v", status.Err)
	}
	fmt.Fprintln(p.out)
}

// printf writes to out under the same lock as the listener callbacks.
func (p *printer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format, args...)
}

func (p *printer) received() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}
