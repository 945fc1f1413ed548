package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/stream-herald/config"
	"github.com/onnwee/stream-herald/oauth"
	"github.com/onnwee/stream-herald/server"
	"github.com/onnwee/stream-herald/state"
	"github.com/onnwee/stream-herald/telemetry"
)

// commandContext loads the configuration once per invocation.
type commandContext struct {
	configFlag string
	cfg        *config.Config
}

func (c *commandContext) load() (*config.Config, error) {
	if c.cfg != nil {
		return c.cfg, nil
	}
	if c.configFlag != "" {
		if err := os.Setenv("CONFIG_FILE", c.configFlag); err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	slog.SetDefault(newLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat))
	c.cfg = cfg
	return cfg, nil
}

// withApp loads config, runs the given validators and opens the app.
func (c *commandContext) withApp(ctx context.Context, checks []func(*config.Config) error, fn func(*app) error) error {
	cfg, err := c.load()
	if err != nil {
		return err
	}
	for _, check := range checks {
		if err := check(cfg); err != nil {
			return err
		}
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func newRootCommand() *cobra.Command {
	c := &commandContext{}
	rootCmd := &cobra.Command{
		Use:           "stream-herald",
		Short:         "Announce Twitch streams in a Telegram channel",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&c.configFlag, "config", "c", "", "Configuration file path (overrides CONFIG_FILE)")

	rootCmd.AddCommand(
		newRunCommand(c),
		newCheckCommand(c),
		newStatusCommand(c),
		newResetCommand(c),
		newAnnounceCommand(c),
		newTestCommand(c),
	)
	return rootCmd
}

func newRunCommand(c *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the poll loop and the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			telemetry.Init()
			shutdown, err := telemetry.InitTracing(cfg.OTLPEndpoint, "stream-herald", version)
			if err != nil {
				return fmt.Errorf("tracing init: %w", err)
			}
			defer shutdown()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return c.withApp(ctx, nil, func(a *app) error {
				slog.Info("stream-herald starting",
					slog.String("version", version),
					slog.String("channel", cfg.TwitchUsername),
					slog.String("state_backend", cfg.StateBackend),
					slog.Duration("check_interval", cfg.CheckInterval))

				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error { return a.bridge.Run(gctx) })
				g.Go(func() error { return (&oauth.Refresher{Source: a.tokens}).Run(gctx) })
				g.Go(func() error {
					return server.Start(gctx, server.OptionsFromConfig(cfg, a.bridge, a.db))
				})
				err := g.Wait()
				slog.Info("shutting down")
				return err
			})
		},
	}
}

func newCheckCommand(c *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Fetch the live status now and repair the persisted state (no message is sent)",
		RunE: func(cmd *cobra.Command, args []string) error {
			checks := []func(*config.Config) error{(*config.Config).ValidateStorage, (*config.Config).ValidateTwitch}
			return c.withApp(cmd.Context(), checks, func(a *app) error {
				snap, err := a.bridge.Reconcile(cmd.Context())
				if err != nil {
					return err
				}
				if asJSON {
					return writeIndented(cmd.OutOrStdout(), snap)
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderKeyValues(cmd.OutOrStdout(), snapshotRows(a.cfg.TwitchUsername, snap)))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}

func newStatusCommand(c *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the persisted stream state",
		RunE: func(cmd *cobra.Command, args []string) error {
			checks := []func(*config.Config) error{(*config.Config).ValidateStorage}
			return c.withApp(cmd.Context(), checks, func(a *app) error {
				return printState(cmd, a.store.Current(), asJSON)
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}

func newResetCommand(c *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Reset the persisted state to offline so the next live poll announces again",
		RunE: func(cmd *cobra.Command, args []string) error {
			checks := []func(*config.Config) error{(*config.Config).ValidateStorage}
			return c.withApp(cmd.Context(), checks, func(a *app) error {
				return printState(cmd, a.bridge.ResetState(cmd.Context()), asJSON)
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}

func printState(cmd *cobra.Command, st state.State, asJSON bool) error {
	if asJSON {
		return writeIndented(cmd.OutOrStdout(), st)
	}
	_, err := fmt.Fprintln(cmd.OutOrStdout(), renderKeyValues(cmd.OutOrStdout(), stateRows(st)))
	return err
}

func newAnnounceCommand(c *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "announce [title]",
		Short: "Publish a manual announcement (defaults to the current stream title)",
		RunE: func(cmd *cobra.Command, args []string) error {
			checks := []func(*config.Config) error{(*config.Config).ValidateStorage, (*config.Config).ValidateTelegram}
			return c.withApp(cmd.Context(), checks, func(a *app) error {
				m, err := a.bridge.Announce(cmd.Context(), strings.TrimSpace(strings.Join(args, " ")))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Announcement sent (message %d)\n", m.MessageID)
				return nil
			})
		},
	}
}

func newTestCommand(c *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Check the bot token and post a test message to the channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			checks := []func(*config.Config) error{(*config.Config).ValidateStorage, (*config.Config).ValidateTelegram}
			return c.withApp(cmd.Context(), checks, func(a *app) error {
				me, err := a.tg.GetMe(cmd.Context())
				if err != nil {
					return fmt.Errorf("bot token check: %w", err)
				}
				m, err := a.bridge.SendTest(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Test message sent by @%s (message %d)\n", me.Username, m.MessageID)
				return nil
			})
		},
	}
}

func writeIndented(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
