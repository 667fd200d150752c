// Package commands defines the tokengate CLI.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/jnickel/tokengate/internal/app"
	"github.com/jnickel/tokengate/internal/observability"
)

// Execute runs the root command with the given context and arguments.
func Execute(ctx context.Context, args []string, version string) error {
	cmd := &cli.Command{
		Name:    "tokengate",
		Usage:   "Credential-attaching forward proxy with single-flight token renewal",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to TOML config file",
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			authCommand(),
		},
	}

	return cmd.Run(ctx, args)
}

// loadConfig resolves configuration for a command invocation.
func loadConfig(cmd *cli.Command) (*app.Config, error) {
	return app.LoadConfig(cmd.String("config"), os.Environ)
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "Start the forwarding proxy",
		Action: serveAction,
	}
}

func serveAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		return err
	}

	// Set up observability before creating the app
	if err := observability.Instrument(level, cfg.Log.Format); err != nil {
		return fmt.Errorf("failed to set up observability layer: %w", err)
	}

	application, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create app: %w", err)
	}

	slog.InfoContext(ctx, "starting")

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("app failed to start: %w", err)
	}

	slog.InfoContext(ctx, "stopped gracefully")
	return nil
}
