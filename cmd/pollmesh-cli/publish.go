package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/pollmesh-go/pkg/pollmesh"
)

type publishOptions struct {
	channel string
	message string
	meta    string
	noStore bool
	ttl     int
	timeout time.Duration
}

func newPublishCommand() *cobra.Command {
	opts := &publishOptions{}

	cmd := &cobra.Command{
		Use:   "publish [message]",
		Short: "Publish a message to a channel",
		Long: `Publish a message to a channel. The message should be valid JSON; anything
else is published as a JSON string.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				opts.message = args[0]
			}
			return runPublish(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.channel, "channel", "", "Channel to publish to (required)")
	cmd.Flags().StringVar(&opts.message, "message", "", "Message payload")
	cmd.Flags().StringVar(&opts.meta, "meta", "", "Metadata as a JSON object, matched by filter expressions")
	cmd.Flags().BoolVar(&opts.noStore, "no-store", false, "Do not store the message in history")
	cmd.Flags().IntVar(&opts.ttl, "ttl", 0, "History retention in hours")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "Request timeout")
	if err := cmd.MarkFlagRequired("channel"); err != nil {
		panic(fmt.Sprintf("Failed to mark channel as required: %v", err))
	}

	return cmd
}

func runPublish(ctx context.Context, out io.Writer, opts *publishOptions) error {
	if opts.message == "" {
		return errors.New("a message is required")
	}

	var message any = opts.message
	if json.Valid([]byte(opts.message)) {
		message = json.RawMessage(opts.message)
	}

	var publishOpts pollmesh.PublishOptions
	if opts.meta != "" {
		if err := json.Unmarshal([]byte(opts.meta), &publishOpts.Meta); err != nil {
			return fmt.Errorf("invalid --meta: %w", err)
		}
	}
	if opts.noStore {
		store := false
		publishOpts.Store = &store
	}
	publishOpts.TTL = opts.ttl

	client, err := newClient(nil)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	tt, err := client.Publish(ctx, opts.channel, message, publishOpts)
	if err != nil {
		return fmt.Errorf("failed to publish: %w", err)
	}

	fmt.Fprintf(out, "✅ Published to %s at timetoken %d\n", opts.channel, tt)
	return nil
}

func newTimeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "time",
		Short: "Print the server timetoken",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(nil)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			tt, err := client.Time(ctx)
			if err != nil {
				return fmt.Errorf("failed to fetch time: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), tt)
			return nil
		},
	}
}
