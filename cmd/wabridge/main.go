package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"github.com/nous-labs/wabridge/internal/bridge"
	"github.com/nous-labs/wabridge/pkg/daemon"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "wabridge",
		Short:         "Bridge a chat session to a remote record store",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", os.Getenv("WABRIDGE_CONFIG_PATH"), "path to config file (JSON or JSONC)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the bridge daemon",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServe(cmd.Context(), opts)
			},
		},
		&cobra.Command{
			Use:   "logout",
			Short: "Unlink the paired device and forget its credentials",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runLogout(cmd.Context(), opts)
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "wabridge %s (%s)\n", version, commit)
			},
		},
	)
	return root
}

// loadConfig reads the config and installs the slog default logger.
func loadConfig(opts *rootOptions) (*daemon.Config, error) {
	cfg, err := daemon.LoadConfig(opts.configPath)
	if err != nil {
		slog.Error("failed to load config", "path", opts.configPath, "error", err)
		return nil, err
	}
	level := cfg.LogLevel
	if opts.logLevel != "" {
		level = opts.logLevel
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(level),
	}))
	slog.SetDefault(logger)
	return cfg, nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

func runServe(parent context.Context, opts *rootOptions) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		return err
	}

	slog.Info("wabridge starting",
		"version", version,
		"transport", cfg.Transport.Kind,
		"addr", cfg.HTTPAddr,
		"data_dir", cfg.DataDir,
	)

	d, err := daemon.New(cfg)
	if err != nil {
		slog.Error("failed to create daemon", "error", err)
		return err
	}
	if err := d.RegisterModule(bridge.New()); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := d.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("daemon error", "error", err)
		return err
	}

	slog.Info("wabridge stopped")
	return nil
}

func runLogout(parent context.Context, opts *rootOptions) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	t, err := bridge.NewTransport(cfg)
	if err != nil {
		return err
	}
	lo, ok := t.(interface {
		Logout(ctx context.Context) error
	})
	if !ok {
		return fmt.Errorf("transport %s does not support logout", t.Name())
	}

	ctx, cancel := context.WithTimeout(parent, 30*time.Second)
	defer cancel()
	if err := lo.Logout(ctx); err != nil {
		slog.Error("logout failed", "transport", t.Name(), "error", err)
		return err
	}
	if s, ok := t.(interface{ Shutdown() error }); ok {
		s.Shutdown()
	}
	slog.Info("logged out", "transport", t.Name())
	return nil
}
