package main

import (
	"context"
	"fmt"
	"os"

	"github.com/alexschlessinger/pollyd/internal/config"
	"github.com/alexschlessinger/pollyd/internal/log"
	"github.com/urfave/cli/v3"
)

func main() {
	app := &cli.Command{
		Name:   "pollyd",
		Usage:  "Agent session orchestrator for LLM agents with remote tool providers",
		Flags:  globalFlags(),
		Before: setup,
		After: func(ctx context.Context, _ *cli.Command) error {
			log.Sync()
			return nil
		},
		Commands: []*cli.Command{
			serveCommand(),
			chatCommand(),
			schemaCommand(),
			providersCommand(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:    "debug",
			Aliases: []string{"d"},
			Usage:   "Enable debug logging",
			Sources: cli.EnvVars(config.EnvPrefix + "DEBUG"),
		},
		&cli.BoolFlag{
			Name:    "json-log",
			Usage:   "Log as JSON lines",
			Sources: cli.EnvVars(config.EnvPrefix + "LOG_JSON"),
		},
		&cli.StringFlag{
			Name:    "providers",
			Aliases: []string{"p"},
			Usage:   "Tool provider catalog (YAML)",
			Sources: cli.EnvVars(config.EnvPrefix + "PROVIDERS"),
		},
		&cli.StringFlag{
			Name:    "model",
			Aliases: []string{"m"},
			Usage:   "Model to use (provider/model format)",
			Sources: cli.EnvVars(config.EnvPrefix + "MODEL"),
		},
	}
}

// setup initializes logging before any subcommand runs.
func setup(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	return ctx, log.Init(log.ModeFor(cmd.Bool("debug"), cmd.Bool("json-log")))
}

// loadConfig reads the environment and applies the global flag overrides.
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cmd.IsSet("providers") {
		cfg.Providers.CatalogPath = cmd.String("providers")
	}
	if cmd.IsSet("model") {
		cfg.Model.Model = cmd.String("model")
	}
	if cmd.IsSet("debug") {
		cfg.Log.Debug = cmd.Bool("debug")
	}
	return cfg, nil
}
