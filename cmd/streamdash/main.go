package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/goliatone/go-streamdash/internal/config"
	"github.com/goliatone/go-streamdash/internal/logging"
	"github.com/goliatone/go-streamdash/pkg/di"
)

// app carries the state shared by every command.
type app struct {
	configPath string
	logLevel   string
	backend    string
	baseURL    string

	out io.Writer
	err io.Writer

	// newContainer is replaced in tests.
	newContainer func(ctx context.Context, cfg *config.Config) (*di.Container, error)
}

func newApp() *app {
	return &app{
		out: os.Stdout,
		err: os.Stderr,
		newContainer: func(ctx context.Context, cfg *config.Config) (*di.Container, error) {
			return di.NewContainer(ctx, cfg)
		},
	}
}

func main() {
	if err := newRootCmd(newApp()).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "streamdash",
		Short:         "Stream admin dashboard",
		Long:          "Inspect, publish to and delete Kinesis streams through a cached, self-refreshing client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(a.out)
	rootCmd.SetErr(a.err)

	rootCmd.PersistentFlags().StringVar(&a.configPath, "config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&a.backend, "backend", "", "Backend override (http, kinesis)")
	rootCmd.PersistentFlags().StringVar(&a.baseURL, "base-url", "", "HTTP backend base URL override")

	rootCmd.AddCommand(
		listCmd(a),
		describeCmd(a),
		messagesCmd(a),
		publishCmd(a),
		deleteCmd(a),
		deleteAllCmd(a),
		watchCmd(a),
	)
	return rootCmd
}

// loadConfig reads the config file and environment, then applies flags.
func (a *app) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return nil, err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if a.backend != "" {
		cfg.Backend.Mode = a.backend
	}
	if a.baseURL != "" {
		cfg.Backend.BaseURL = a.baseURL
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logging.Configure(a.err, cfg.Log.Format, cfg.Log.Level)
	return cfg, nil
}

// container loads the configuration and builds the dashboard stack.
func (a *app) container(ctx context.Context) (*di.Container, *config.Config, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	c, err := a.newContainer(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return c, cfg, nil
}
