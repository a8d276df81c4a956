package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/pollmesh-go/internal/config"
	"github.com/rmacdonaldsmith/pollmesh-go/pkg/pollmesh"
)

var (
	// Global flags
	configPath   string
	origin       string
	subscribeKey string
	publishKey   string
	uuid         string
	authKey      string
	cipherKey    string
	logLevel     string
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pollmesh-cli",
		Short: "PollMesh long-poll pub/sub command line interface",
		Long: `pollmesh-cli subscribes to channels and channel groups over the long-poll
protocol, publishes messages and mints development server grants.

Settings come from --config, then POLLMESH_* environment variables, then flags.`,
		SilenceUsage: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "YAML configuration file")
	flags.StringVar(&origin, "origin", "", "Server origin (default http://localhost:8090)")
	flags.StringVar(&subscribeKey, "subscribe-key", "", "Subscribe key")
	flags.StringVar(&publishKey, "publish-key", "", "Publish key")
	flags.StringVar(&uuid, "uuid", "", "Client UUID (generated when empty)")
	flags.StringVar(&authKey, "auth", "", "Auth token sent with every request")
	flags.StringVar(&cipherKey, "cipher-key", "", "Encrypt and decrypt payloads with this key")
	flags.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(newSubscribeCommand())
	rootCmd.AddCommand(newPublishCommand())
	rootCmd.AddCommand(newTimeCommand())
	rootCmd.AddCommand(newTokenCommand())
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

// loadClientConfig merges the config file, environment and flags.
func loadClientConfig() (pollmesh.Config, error) {
	file, err := config.Load(configPath)
	if err != nil {
		return pollmesh.Config{}, err
	}

	overrides := []struct {
		flag  string
		field *string
	}{
		{origin, &file.Origin},
		{subscribeKey, &file.SubscribeKey},
		{publishKey, &file.PublishKey},
		{uuid, &file.UUID},
		{authKey, &file.AuthKey},
		{cipherKey, &file.CipherKey},
		{logLevel, &file.LogLevel},
	}
	for _, o := range overrides {
		if o.flag != "" {
			*o.field = o.flag
		}
	}

	cfg, err := file.ClientConfig()
	if err != nil {
		return pollmesh.Config{}, err
	}

	logger, err := config.NewLogger(os.Stderr, file.LogLevel, true)
	if err != nil {
		return pollmesh.Config{}, err
	}
	if file.LogLevel == "" {
		logger = logger.Level(zerolog.WarnLevel)
	}
	cfg.Logger = logger
	return cfg, nil
}

func newClient(mutate func(*pollmesh.Config)) (*pollmesh.Client, error) {
	cfg, err := loadClientConfig()
	if err != nil {
		return nil, err
	}
	if mutate != nil {
		mutate(&cfg)
	}

	client, err := pollmesh.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	return client, nil
}
