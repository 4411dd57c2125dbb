package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/alexschlessinger/pollyd/internal/config"
	"github.com/alexschlessinger/pollyd/tools"
	"github.com/urfave/cli/v3"
)

func providersCommand() *cli.Command {
	return &cli.Command{
		Name:  "providers",
		Usage: "Inspect the tool provider catalog",
		Commands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List the providers bound to each scope",
				Action: runProvidersList,
			},
			{
				Name:  "check",
				Usage: "Connect to every provider and report which ones fail",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "scope",
						Usage: "Only check the providers bound to this scope",
					},
				},
				Action: runProvidersCheck,
			},
		},
	}
}

func runProvidersList(_ context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cat, err := config.LoadCatalog(cfg.Providers.CatalogPath)
	if err != nil {
		return err
	}
	for _, p := range cat.Providers {
		target := p.URL
		if p.TransportKind() == tools.TransportStdio {
			target = p.Command
		}
		fmt.Printf("%-20s %-10s %s\n", p.Name, p.TransportKind(), target)
	}
	return nil
}

func runProvidersCheck(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cat, err := config.LoadCatalog(cfg.Providers.CatalogPath)
	if err != nil {
		return err
	}

	initializer := tools.NewInitializer(tools.NewMCPConnector(cfg.Providers.SandboxRoot))
	initializer.ProviderTimeout = cfg.Providers.ProviderTimeout
	initializer.TotalTimeout = cfg.Providers.TotalTimeout

	initColors()
	failed, err := checkProviders(ctx, initializer, cat.Specs(cmd.String("scope")), os.Stdout)
	if err != nil {
		return err
	}
	if failed > 0 {
		return cli.Exit(fmt.Sprintf("%d provider(s) failed", failed), 1)
	}
	return nil
}

// checkProviders initializes specs, reports each provider to w and releases
// every connection. It returns the number of failed providers.
func checkProviders(ctx context.Context, initializer *tools.Initializer, specs map[string]tools.ProviderSpec, w io.Writer) (int, error) {
	outcome := initializer.Initialize(ctx, specs)
	defer func() {
		if err := outcome.Cleanup(); err != nil {
			fmt.Fprintln(w, errorStyle.Styled("cleanup: "+err.Error()))
		}
	}()

	counts := make(map[string]int)
	for _, t := range outcome.Tools {
		if mt, ok := t.(*tools.MCPTool); ok {
			counts[mt.Provider]++
		}
	}

	for _, name := range outcome.Providers {
		fmt.Fprintf(w, "%s %s (%d tools)\n", okStyle.Styled("ok  "), name, counts[name])
	}
	for _, name := range outcome.FailedProviders {
		fmt.Fprintf(w, "%s %s: %v\n", errorStyle.Styled("fail"), name, outcome.Errors[name])
	}
	if len(specs) == 0 {
		fmt.Fprintln(w, dimStyle.Styled("no providers configured"))
	}
	return len(outcome.FailedProviders), ctx.Err()
}
