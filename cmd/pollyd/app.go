package main

import (
	"context"
	"fmt"

	"github.com/alexschlessinger/pollyd/internal/api"
	"github.com/alexschlessinger/pollyd/internal/config"
	"github.com/alexschlessinger/pollyd/internal/log"
	"github.com/alexschlessinger/pollyd/internal/store"
	"github.com/alexschlessinger/pollyd/knowledge"
	"github.com/alexschlessinger/pollyd/lifecycle"
	"github.com/alexschlessinger/pollyd/llm"
	"github.com/alexschlessinger/pollyd/memory"
	"github.com/alexschlessinger/pollyd/orchestrator"
	"github.com/alexschlessinger/pollyd/query"
	"github.com/alexschlessinger/pollyd/sessions"
	"github.com/alexschlessinger/pollyd/tenancy"
	"github.com/alexschlessinger/pollyd/tools"
	"github.com/alexschlessinger/pollyd/usage"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// memoryLedgerMax bounds the in-process usage ledger.
const memoryLedgerMax = 10000

type namedCloser struct {
	name string
	fn   lifecycle.CloseFunc
}

// app is every long-lived component of a pollyd process.
type app struct {
	cfg     *config.Config
	catalog *config.Catalog

	mongo *store.Mongo
	redis *redis.Client

	orch   *orchestrator.Orchestrator
	reaper *sessions.Reaper
	coord  *lifecycle.Coordinator
	checks map[string]api.Check

	closers []namedCloser
}

// buildApp connects the configured backends and composes the orchestrator.
// On error everything opened so far is released.
func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, checks: make(map[string]api.Check)}
	if err := a.build(ctx); err != nil {
		a.release(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *app) build(ctx context.Context) error {
	cfg := a.cfg
	var err error
	if a.catalog, err = config.LoadCatalog(cfg.Providers.CatalogPath); err != nil {
		return err
	}
	zap.S().Infow("catalog_loaded", "path", cfg.Providers.CatalogPath, "providers", a.catalog.Names())

	if err = a.connectStores(ctx); err != nil {
		return err
	}

	ledger, err := a.openLedger(ctx)
	if err != nil {
		return err
	}
	prices, err := usage.LoadPriceTable(cfg.Ledger.PricesPath)
	if err != nil {
		return err
	}

	mem := a.memoryStore()
	augmenter := &query.Augmenter{Memory: mem}
	if cfg.Knowledge.URL != "" {
		retriever, err := knowledge.NewHTTPRetriever(knowledge.HTTPConfig{
			BaseURL: cfg.Knowledge.URL,
			APIKey:  cfg.Knowledge.APIKey,
		})
		if err != nil {
			return err
		}
		augmenter.Knowledge = retriever
	}

	initializer := tools.NewInitializer(tools.NewMCPConnector(cfg.Providers.SandboxRoot))
	initializer.ProviderTimeout = cfg.Providers.ProviderTimeout
	initializer.TotalTimeout = cfg.Providers.TotalTimeout

	invoker := llm.NewInvoker(cfg.Model.APIKeys, cfg.Model.BaseURLs)
	invoker.Timeout = cfg.Model.Timeout

	a.orch = orchestrator.New(orchestrator.Options{
		Model: cfg.Model.LLM(),
		Prompts: map[string]string{
			orchestrator.ScopeInteractive: cfg.Prompts.Interactive,
			orchestrator.ScopeEmbedded:    cfg.Prompts.Embedded,
		},
		Catalog:     a.catalog,
		Agents:      invoker,
		Initializer: initializer,
		Guard:       tenancy.NewGuard(a.ownershipStore()),
		Executor: query.NewExecutor(query.Options{
			Augmenter:  augmenter,
			Accountant: usage.NewAccountant(prices, ledger),
			Memory:     mem,
		}),
		Logs:       log.NewSink(log.SinkConfig{Dir: cfg.Log.TenantDir}),
		EndTimeout: cfg.Sessions.CleanupTimeout,
	})

	a.reaper = sessions.NewReaper(sessions.ReaperConfig{
		Interval:      cfg.Sessions.ReapInterval,
		IdleThreshold: cfg.Sessions.IdleThreshold,
		EvictTimeout:  cfg.Sessions.CleanupTimeout,
	}, a.orch.Registries()...)

	a.coord = lifecycle.NewCoordinator(cfg.Sessions.CleanupTimeout, a.orch.Registries()...)
	for _, c := range a.closers {
		a.coord.Register(c.name, c.fn)
	}
	a.closers = nil

	zap.S().Infow("app_ready",
		"model", cfg.Model.Model,
		"ledger", cfg.Ledger.Kind,
		"mongo", a.mongo != nil,
		"redis", a.redis != nil,
		"knowledge", cfg.Knowledge.URL != "",
	)
	return nil
}

func (a *app) connectStores(ctx context.Context) error {
	if a.cfg.Mongo.URI != "" {
		m, err := store.ConnectMongo(ctx, store.MongoConfig{URI: a.cfg.Mongo.URI, DatabaseName: a.cfg.Mongo.Database})
		if err != nil {
			return err
		}
		a.mongo = m
		a.addCloser("mongo", m.Close)
		a.checks["mongo"] = m.Ping
	}

	if a.cfg.Redis.Addr != "" {
		client, err := store.ConnectRedis(ctx, store.RedisConfig{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		if err != nil {
			return err
		}
		a.redis = client
		a.addCloser("redis", func(context.Context) error { return client.Close() })
		a.checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	}
	return nil
}

func (a *app) openLedger(ctx context.Context) (usage.Ledger, error) {
	switch a.cfg.Ledger.Kind {
	case "sqlite":
		l, err := usage.OpenSQLiteLedger(a.cfg.Ledger.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.addCloser("ledger", func(context.Context) error { return l.Close() })
		return l, nil
	case "mongo":
		if a.mongo == nil {
			return nil, fmt.Errorf("mongo ledger requires %sMONGO_URI", config.EnvPrefix)
		}
		l := usage.NewMongoLedger(a.mongo.Database())
		if err := l.EnsureIndexes(ctx); err != nil {
			return nil, err
		}
		return l, nil
	default:
		return usage.NewMemoryLedger(memoryLedgerMax), nil
	}
}

func (a *app) memoryStore() memory.Store {
	if a.redis != nil {
		return memory.NewRedisStore(a.redis, memory.DefaultMaxEntries, memory.DefaultTTL)
	}
	return memory.NewMemoryStore(memory.DefaultMaxEntries)
}

// ownershipStore resolves widget and project links from Mongo, cached in
// Redis when both are configured. Without Mongo the store is empty and every
// embedded request is denied.
func (a *app) ownershipStore() tenancy.OwnershipStore {
	if a.mongo == nil {
		zap.S().Warnw("ownership_store_empty", "reason", "no mongo configured; embedded sessions will be denied")
		return tenancy.NewMemoryStore()
	}
	var s tenancy.OwnershipStore = tenancy.NewMongoStore(a.mongo.Database())
	if a.redis != nil {
		s = tenancy.NewCachedStore(s, a.redis, tenancy.DefaultCacheTTL)
	}
	return s
}

func (a *app) addCloser(name string, fn lifecycle.CloseFunc) {
	a.closers = append(a.closers, namedCloser{name: name, fn: fn})
}

// release closes whatever buildApp opened before failing.
func (a *app) release(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].fn(ctx); err != nil {
			zap.S().Warnw("release_failed", "resource", a.closers[i].name, "error", err)
		}
	}
	a.closers = nil
}
