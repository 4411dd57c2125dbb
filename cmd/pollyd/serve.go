package main

import (
	"context"
	"fmt"

	"github.com/alexschlessinger/pollyd/internal/api"
	"github.com/alexschlessinger/pollyd/internal/config"
	"github.com/alexschlessinger/pollyd/lifecycle"
	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the session API over HTTP",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "host",
				Usage: "Address to bind",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "Port to listen on",
			},
			&cli.BoolFlag{
				Name:  "watch",
				Usage: "Reload the provider catalog when it changes",
			},
		},
		Action: runServe,
	}
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.IsSet("host") {
		cfg.Server.Host = cmd.String("host")
	}
	if cmd.IsSet("port") {
		cfg.Server.Port = int(cmd.Int("port"))
	}
	if cmd.IsSet("watch") {
		cfg.Providers.Watch = cmd.Bool("watch")
	}
	gin.SetMode(cfg.Server.GinMode)

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}
	lc := lifecycle.New(ctx, a.coord, cfg.Sessions.ShutdownBudget)

	if err := a.reaper.Start(); err != nil {
		_ = lc.Shutdown(context.Background())
		return err
	}
	a.coord.Register("reaper", func(ctx context.Context) error {
		a.reaper.Stop(ctx)
		return nil
	})

	if cfg.Providers.Watch && cfg.Providers.CatalogPath != "" {
		w, err := config.WatchCatalog(cfg.Providers.CatalogPath, config.DefaultDebounce, func(next *config.Catalog) {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Sessions.ShutdownBudget)
			defer cancel()
			ended := a.orch.Reload(ctx, next)
			zap.S().Infow("catalog_reloaded", "providers", next.Names(), "sessions_ended", ended)
		})
		if err != nil {
			zap.S().Warnw("catalog_watch_failed", "path", cfg.Providers.CatalogPath, "error", err)
		} else {
			a.coord.Register("catalog_watcher", func(context.Context) error { return w.Stop() })
		}
	}

	handler := api.NewHandler(a.orch, a.checks, func() bool { return !a.coord.ShuttingDown() })
	srv := api.NewServer(cfg.Server.Address(), api.NewRouter(handler))
	a.coord.Register("http", srv.Shutdown)

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		a.orch.Close()
		_ = lc.Shutdown(context.Background())
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-lc.Context().Done():
	}

	a.orch.Close()
	return lc.Wait()
}
