// Package orchestrator composes the session machinery: it authorizes
// embedded requests, initializes tool providers, binds agents, keeps one
// registry per scope and runs queries through the executor.
package orchestrator

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alexschlessinger/pollyd/internal/config"
	"github.com/alexschlessinger/pollyd/internal/log"
	"github.com/alexschlessinger/pollyd/llm"
	"github.com/alexschlessinger/pollyd/query"
	"github.com/alexschlessinger/pollyd/sessions"
	"github.com/alexschlessinger/pollyd/tenancy"
	"github.com/alexschlessinger/pollyd/tools"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Session scopes. Each has its own registry so keys never collide across them.
const (
	ScopeInteractive = "interactive"
	ScopeEmbedded    = "embedded"
)

// DefaultEndTimeout bounds each session end during a reload.
const DefaultEndTimeout = 10 * time.Second

// AgentFactory binds a model configuration and tool set to an agent.
// *llm.Invoker implements it.
type AgentFactory interface {
	Create(cfg llm.Config, toolset []tools.Tool) (*llm.Agent, error)
}

// Request addresses a session. For embedded sessions TenantKey names the
// visitor within the verified resource, and the registry key is
// ResourceID + "/" + TenantKey so a principal can only reach sessions of
// resources it owns.
type Request struct {
	Scope     string `json:"scope"`
	TenantKey string `json:"tenantKey"`
	// ResourceID and PrincipalID are checked by the guard for embedded sessions.
	ResourceID  string `json:"resourceId,omitempty"`
	PrincipalID string `json:"principalId,omitempty"`
	// KnowledgeScope selects the knowledge base; empty uses TenantKey.
	KnowledgeScope string `json:"knowledgeScope,omitempty"`
}

// Options wires an Orchestrator.
type Options struct {
	Model       llm.Config
	Prompts     map[string]string
	Catalog     *config.Catalog
	Agents      AgentFactory
	Initializer *tools.Initializer
	// Guard authorizes embedded requests. Without one every embedded request is denied.
	Guard    *tenancy.Guard
	Executor *query.Executor
	// Logs opens per-tenant logs; nil disables them.
	Logs       *log.Sink
	EndTimeout time.Duration
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	model       llm.Config
	prompts     map[string]string
	agents      AgentFactory
	initializer *tools.Initializer
	guard       *tenancy.Guard
	executor    *query.Executor
	logs        *log.Sink
	endTimeout  time.Duration

	registries map[string]*sessions.Registry

	mu      sync.RWMutex
	catalog *config.Catalog

	closed atomic.Bool
}

func New(opts Options) *Orchestrator {
	cat := opts.Catalog
	if cat == nil {
		cat = &config.Catalog{}
	}
	exec := opts.Executor
	if exec == nil {
		exec = query.NewExecutor(query.Options{})
	}
	endTimeout := opts.EndTimeout
	if endTimeout <= 0 {
		endTimeout = DefaultEndTimeout
	}
	return &Orchestrator{
		model:       opts.Model.WithDefaults(),
		prompts:     opts.Prompts,
		agents:      opts.Agents,
		initializer: opts.Initializer,
		guard:       opts.Guard,
		executor:    exec,
		logs:        opts.Logs,
		endTimeout:  endTimeout,
		catalog:     cat,
		registries: map[string]*sessions.Registry{
			ScopeInteractive: sessions.NewRegistry(ScopeInteractive),
			ScopeEmbedded:    sessions.NewRegistry(ScopeEmbedded),
		},
	}
}

// Registries returns the registry of every scope.
func (o *Orchestrator) Registries() []*sessions.Registry {
	return []*sessions.Registry{o.registries[ScopeInteractive], o.registries[ScopeEmbedded]}
}

// Registry returns the registry for scope.
func (o *Orchestrator) Registry(scope string) (*sessions.Registry, bool) {
	reg, ok := o.registries[scope]
	return reg, ok
}

// Catalog returns the current provider catalog.
func (o *Orchestrator) Catalog() *config.Catalog {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.catalog
}

// Close stops accepting new sessions and queries.
func (o *Orchestrator) Close() { o.closed.Store(true) }

// Start returns the session for req, creating it on first use.
func (o *Orchestrator) Start(ctx context.Context, req Request) (*sessions.Session, error) {
	s, _, err := o.start(ctx, req)
	return s, err
}

func (o *Orchestrator) start(ctx context.Context, req Request) (*sessions.Session, Request, error) {
	if o.closed.Load() {
		return nil, req, newError(KindUnavailable, nil, "shutting down")
	}
	reg, req, err := o.authorize(ctx, req)
	if err != nil {
		return nil, req, err
	}
	s, err := reg.GetOrCreate(ctx, req.TenantKey, o.factory(req))
	if err != nil {
		var oe *Error
		if errors.As(err, &oe) {
			return nil, req, oe
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, req, newError(KindUnavailable, err, "request ended before the session was ready")
		}
		return nil, req, newError(KindProviderInit, err, "failed to start %s session", req.Scope)
	}
	return s, req, nil
}

// Query starts a turn on the session for req, recreating the session if it
// was reaped. The returned run must be drained.
func (o *Orchestrator) Query(ctx context.Context, req Request, text string) (*query.Run, error) {
	if strings.TrimSpace(text) == "" {
		return nil, newError(KindInvalid, nil, "query text is empty")
	}
	s, req, err := o.start(ctx, req)
	if err != nil {
		return nil, err
	}
	return o.executor.Start(ctx, s, text, o.queryScope(req)), nil
}

// Ask runs a turn to completion. A failed turn is returned as a KindQuery
// error alongside its result.
func (o *Orchestrator) Ask(ctx context.Context, req Request, text string) (*query.Result, error) {
	if strings.TrimSpace(text) == "" {
		return nil, newError(KindInvalid, nil, "query text is empty")
	}
	s, req, err := o.start(ctx, req)
	if err != nil {
		return nil, err
	}
	res := o.executor.Run(ctx, s, text, o.queryScope(req))
	if res.Failed {
		return res, newError(KindQuery, res.Err, "query failed")
	}
	return res, nil
}

// End removes the session for req and releases its resources.
func (o *Orchestrator) End(ctx context.Context, req Request) error {
	reg, req, err := o.authorize(ctx, req)
	if err != nil {
		return err
	}
	err = reg.End(ctx, req.TenantKey)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sessions.ErrSessionNotFound):
		return newError(KindNotFound, err, "no %s session for %q", req.Scope, req.TenantKey)
	default:
		return newError(KindCleanup, err, "session %q ended with cleanup errors", req.TenantKey)
	}
}

// Lookup returns the live session for req without creating one.
func (o *Orchestrator) Lookup(ctx context.Context, req Request) (*sessions.Session, error) {
	reg, req, err := o.authorize(ctx, req)
	if err != nil {
		return nil, err
	}
	s, ok := reg.Get(req.TenantKey)
	if !ok {
		return nil, newError(KindNotFound, sessions.ErrSessionNotFound, "no %s session for %q", req.Scope, req.TenantKey)
	}
	return s, nil
}

// Reload swaps in a new catalog and ends every session of a scope whose
// provider set changed. Ended sessions are recreated on their next request.
// It returns the number of sessions ended.
func (o *Orchestrator) Reload(ctx context.Context, next *config.Catalog) int {
	o.mu.Lock()
	prev := o.catalog
	o.catalog = next
	o.mu.Unlock()

	var ended atomic.Int64
	var g errgroup.Group
	for _, reg := range o.Registries() {
		changed := config.ChangedProviders(prev.Specs(reg.Scope()), next.Specs(reg.Scope()))
		if len(changed) == 0 {
			continue
		}
		zap.S().Infow("catalog_changed", "scope", reg.Scope(), "providers", changed, "sessions", reg.Len())
		for _, key := range reg.Keys() {
			g.Go(func() error {
				ctx, cancel := context.WithTimeout(ctx, o.endTimeout)
				defer cancel()
				err := reg.EndWithReason(ctx, key, sessions.EndReload)
				if errors.Is(err, sessions.ErrSessionNotFound) {
					return nil
				}
				ended.Add(1)
				return nil
			})
		}
	}
	_ = g.Wait()
	return int(ended.Load())
}

// authorize validates req and, for embedded sessions, checks ownership
// before anything else happens. The returned request carries the registry key.
func (o *Orchestrator) authorize(ctx context.Context, req Request) (*sessions.Registry, Request, error) {
	if _, ok := o.registries[req.Scope]; !ok {
		return nil, req, newError(KindNotFound, nil, "unknown scope %q", req.Scope)
	}
	if req.TenantKey == "" {
		return nil, req, newError(KindInvalid, nil, "tenant key is required")
	}
	reg, err := o.scopeRegistry(ctx, req)
	if err != nil {
		return nil, req, err
	}
	if req.Scope == ScopeEmbedded {
		if strings.Contains(req.TenantKey, "/") {
			return nil, req, newError(KindInvalid, nil, "embedded tenant key must not contain '/'")
		}
		req.TenantKey = embeddedKey(req.ResourceID, req.TenantKey)
	}
	return reg, req, nil
}

// scopeRegistry resolves the scope's registry, verifying ownership of the
// resource for embedded requests.
func (o *Orchestrator) scopeRegistry(ctx context.Context, req Request) (*sessions.Registry, error) {
	reg, ok := o.registries[req.Scope]
	if !ok {
		return nil, newError(KindNotFound, nil, "unknown scope %q", req.Scope)
	}
	if req.Scope != ScopeEmbedded {
		return reg, nil
	}

	if o.guard == nil {
		log.Security().Warnw("ownership_denied", "resource", req.ResourceID, "principal", req.PrincipalID, "reason", "no_guard")
		return nil, newError(KindAuthorization, tenancy.ErrUnauthorized, "embedded sessions are not configured")
	}
	if v := o.guard.VerifyOwnership(ctx, req.ResourceID, req.PrincipalID); !v.Valid {
		return nil, newError(KindAuthorization, v.Err(), "access denied")
	}
	return reg, nil
}

func embeddedKey(resourceID, visitor string) string {
	return resourceID + "/" + visitor
}

func (o *Orchestrator) queryScope(req Request) query.Scope {
	return query.Scope{
		TenantKey:      req.TenantKey,
		ContextType:    req.Scope,
		KnowledgeScope: req.KnowledgeScope,
	}
}

// factory builds a session: tools first, then the agent, then the session
// owning both. Anything acquired is released if a later step fails.
func (o *Orchestrator) factory(req Request) sessions.Factory {
	return func(ctx context.Context) (*sessions.Session, error) {
		specs := o.Catalog().Specs(req.Scope)

		var toolset []tools.Tool
		var failed []string
		closers := []func() error{}
		if o.initializer != nil && len(specs) > 0 {
			// Waiters share this session, so the first caller's cancellation
			// must not cut its providers short; the initializer's budgets still apply.
			outcome := o.initializer.Initialize(context.WithoutCancel(ctx), specs)
			toolset, failed = outcome.Tools, outcome.FailedProviders
			closers = append(closers, outcome.Cleanup)
			if len(failed) > 0 {
				zap.S().Warnw("providers_degraded",
					"scope", req.Scope,
					"tenant", req.TenantKey,
					"failed", failed,
					"connected", outcome.Providers,
				)
			}
		}

		if o.agents == nil {
			runClosers(closers)
			return nil, newError(KindModel, nil, "no model invoker configured")
		}
		agent, err := o.agents.Create(o.model, toolset)
		if err != nil {
			runClosers(closers)
			return nil, newError(KindModel, err, "failed to bind model %s", o.model.String())
		}

		var tl *log.TenantLog
		if o.logs != nil {
			tl, err = o.logs.Open(req.Scope + "-" + req.TenantKey)
			if err != nil {
				zap.S().Warnw("tenant_log_unavailable", "tenant", req.TenantKey, "error", err)
				tl = nil
			}
		}

		s := sessions.New(sessions.Options{
			Key:             req.TenantKey,
			Scope:           req.Scope,
			Agent:           agent,
			SystemPrompt:    o.prompts[req.Scope],
			FailedProviders: failed,
			Log:             tl,
			Closers:         closers,
		})
		s.Log().Infow("session_started",
			"model", o.model.String(),
			"tools", len(toolset),
			"failed_providers", failed,
		)
		zap.S().Infow("session_started",
			"scope", req.Scope,
			"tenant", req.TenantKey,
			"model", o.model.String(),
			"tools", len(toolset),
			"failed_providers", len(failed),
		)
		return s, nil
	}
}

func runClosers(closers []func() error) {
	for _, c := range closers {
		if err := c(); err != nil {
			zap.S().Warnw("session_setup_release_failed", "error", err)
		}
	}
}

// Info is a read-only view of a live session.
type Info struct {
	Scope           string    `json:"scope"`
	TenantKey       string    `json:"tenantKey"`
	Model           string    `json:"model"`
	Tools           []string  `json:"tools"`
	FailedProviders []string  `json:"failedProviders,omitempty"`
	ThreadID        string    `json:"threadId"`
	HistoryLen      int       `json:"historyLength"`
	Created         time.Time `json:"created"`
	LastActive      time.Time `json:"lastActive"`
}

// Describe summarizes s.
func Describe(s *sessions.Session) Info {
	names := make([]string, 0, len(s.Tools()))
	for _, t := range s.Tools() {
		names = append(names, tools.Name(t))
	}
	slices.Sort(names)
	return Info{
		Scope:           s.Scope(),
		TenantKey:       s.Key(),
		Model:           s.LLMConfig().String(),
		Tools:           names,
		FailedProviders: s.FailedProviders(),
		ThreadID:        s.Thread().ID,
		HistoryLen:      len(s.History()),
		Created:         s.Created(),
		LastActive:      s.LastActive(),
	}
}

// List describes the live sessions of req.Scope the caller may see. For
// embedded sessions that is only the sessions of req.ResourceID, after its
// ownership is verified.
func (o *Orchestrator) List(ctx context.Context, req Request) ([]Info, error) {
	reg, err := o.scopeRegistry(ctx, req)
	if err != nil {
		return nil, err
	}
	prefix := ""
	if req.Scope == ScopeEmbedded {
		prefix = embeddedKey(req.ResourceID, "")
	}
	out := []Info{}
	for _, s := range reg.Snapshot() {
		if strings.HasPrefix(s.Key(), prefix) {
			out = append(out, Describe(s))
		}
	}
	slices.SortFunc(out, func(a, b Info) int { return strings.Compare(a.TenantKey, b.TenantKey) })
	return out, nil
}
