// Package query runs one user turn through a session's agent.
//
// A turn augments the prompt with knowledge and memory, streams the agent's
// events to the caller, resolves and records token usage, and commits the
// exchange to the session's history. A failed turn leaves the session
// untouched and usable.
package query

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/alexschlessinger/pollyd/internal/metrics"
	"github.com/alexschlessinger/pollyd/memory"
	"github.com/alexschlessinger/pollyd/messages"
	"github.com/alexschlessinger/pollyd/sessions"
	"github.com/alexschlessinger/pollyd/usage"
	"go.uber.org/zap"
)

// Scope identifies who a query runs for.
type Scope struct {
	TenantKey string
	// ContextType is the session class, "interactive" or "embedded".
	ContextType string
	// KnowledgeScope selects the knowledge base; empty means TenantKey.
	KnowledgeScope string
}

// EventType names an event on a Run's channel.
type EventType string

const (
	EventToken     EventType = "token"
	EventToolStart EventType = "tool_start"
	EventToolEnd   EventType = "tool_end"
	EventUsage     EventType = "usage"
	EventComplete  EventType = "complete"
	EventError     EventType = "error"
)

// ToolEvent is one tool execution step as seen by the caller.
type ToolEvent struct {
	Type      EventType       `json:"type"`
	CallID    string          `json:"callId"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	// Result is the parsed JSON result, or the raw string when it is not JSON.
	Result   any           `json:"result,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
}

// Event is delivered on Run.Events.
type Event struct {
	Type   EventType     `json:"type"`
	Text   string        `json:"text,omitempty"`
	Tool   *ToolEvent    `json:"tool,omitempty"`
	Usage  *usage.Record `json:"usage,omitempty"`
	Result *Result       `json:"result,omitempty"`
	Error  string        `json:"error,omitempty"`
}

// Result is the outcome of a turn.
type Result struct {
	Text       string       `json:"text"`
	ThreadID   string       `json:"threadId"`
	Usage      usage.Record `json:"usage"`
	ToolEvents []ToolEvent  `json:"toolEvents,omitempty"`
	Failed     bool         `json:"failed"`
	Error      string       `json:"error,omitempty"`

	Err error `json:"-"`
}

// Options configures an Executor. All fields are optional.
type Options struct {
	Augmenter  *Augmenter
	Accountant *usage.Accountant
	// Memory receives each completed exchange.
	Memory memory.Store
}

// Executor runs queries against sessions.
type Executor struct {
	augmenter  *Augmenter
	accountant *usage.Accountant
	memory     memory.Store
}

func NewExecutor(opts Options) *Executor {
	acct := opts.Accountant
	if acct == nil {
		acct = usage.NewAccountant(nil, nil)
	}
	return &Executor{augmenter: opts.Augmenter, accountant: acct, memory: opts.Memory}
}

// Run is an in-flight query.
type Run struct {
	events chan Event
	done   chan struct{}

	mu      sync.Mutex
	partial strings.Builder
	result  *Result
}

// Events returns the event channel. It must be drained; it is closed after
// the complete or error event.
func (r *Run) Events() <-chan Event { return r.events }

// Partial returns the text streamed so far.
func (r *Run) Partial() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.partial.String()
}

// Wait blocks until the query finishes and returns its result.
func (r *Run) Wait() *Result {
	<-r.done
	return r.result
}

// Start begins a query and returns immediately. Queries on the same session
// run one at a time.
func (e *Executor) Start(ctx context.Context, s *sessions.Session, raw string, scope Scope) *Run {
	run := &Run{events: make(chan Event, 64), done: make(chan struct{})}
	go e.execute(ctx, run, s, raw, scope)
	return run
}

// Run executes a query to completion.
func (e *Executor) Run(ctx context.Context, s *sessions.Session, raw string, scope Scope) *Result {
	run := &Run{done: make(chan struct{})}
	e.execute(ctx, run, s, raw, scope)
	return run.result
}

func (r *Run) emit(ctx context.Context, ev Event) {
	if r.events == nil {
		return
	}
	select {
	case r.events <- ev:
	case <-ctx.Done():
	}
}

func (r *Run) appendPartial(text string) {
	r.mu.Lock()
	r.partial.WriteString(text)
	r.mu.Unlock()
}

func (r *Run) resetPartial() {
	r.mu.Lock()
	r.partial.Reset()
	r.mu.Unlock()
}

func (e *Executor) execute(ctx context.Context, run *Run, s *sessions.Session, raw string, scope Scope) {
	start := time.Now()
	cfg := s.LLMConfig()

	defer close(run.done)
	if run.events != nil {
		defer close(run.events)
	}

	release := s.BeginQuery()
	defer release()

	prompt := e.augmenter.Augment(ctx, scope, raw)
	threadID, conversation, rotated := s.PrepareTurn(prompt)
	if rotated {
		s.Log().Infow("thread_rotated", "thread_id", threadID)
	}

	var (
		aggregate *messages.TokenUsage
		final     *messages.ChatMessage
		generated []messages.ChatMessage
		toolEvts  []ToolEvent
		streamErr error
	)

	for ev := range s.Agent().Stream(ctx, conversation) {
		switch ev.Type {
		case messages.EventTypeContent:
			run.appendPartial(ev.Content)
			run.emit(ctx, Event{Type: EventToken, Text: ev.Content})
		case messages.EventTypeToolStart, messages.EventTypeToolEnd:
			if te, ok := observeTool(ev); ok {
				toolEvts = append(toolEvts, te)
				run.emit(ctx, Event{Type: te.Type, Tool: &te})
			}
		case messages.EventTypeUsage:
			aggregate = ev.Usage
		case messages.EventTypeComplete:
			final = ev.Message
			generated = ev.Generated
		case messages.EventTypeError:
			streamErr = ev.Error
		}
	}
	if streamErr == nil && final == nil {
		streamErr = ctx.Err()
		if streamErr == nil {
			streamErr = fmt.Errorf("agent stream ended without a response")
		}
	}

	if streamErr != nil {
		run.resetPartial()
		run.result = &Result{ThreadID: threadID, ToolEvents: toolEvts, Failed: true, Error: streamErr.Error(), Err: streamErr}
		metrics.QueryDuration.WithLabelValues(cfg.Provider, "error").Observe(time.Since(start).Seconds())
		s.Log().Errorw("query_failed", "thread_id", threadID, "error", streamErr)
		zap.S().Warnw("query_failed", "tenant", scope.TenantKey, "model", cfg.String(), "error", streamErr)
		run.emit(ctx, Event{Type: EventError, Error: streamErr.Error(), Result: run.result})
		return
	}

	text := run.Partial()
	if text == "" {
		text = final.Content
	}

	payload := usage.Resolve(aggregate, generated, prompt, text)
	rec := e.accountant.Record(ctx, payload, cfg, usage.Scope{
		TenantKey:      scope.TenantKey,
		ConversationID: threadID,
		ContextType:    scope.ContextType,
	})

	s.CommitTurn(threadID, prompt, raw, text, generated)
	e.remember(ctx, scope.TenantKey, raw, text)

	run.result = &Result{Text: text, ThreadID: threadID, Usage: rec, ToolEvents: toolEvts}
	metrics.QueryDuration.WithLabelValues(cfg.Provider, "success").Observe(time.Since(start).Seconds())
	s.Log().Infow("query_completed",
		"thread_id", threadID,
		"total_tokens", rec.TotalTokens,
		"usage_source", rec.Source,
		"tools", len(toolEvts),
	)

	run.emit(ctx, Event{Type: EventUsage, Usage: &rec})
	run.emit(ctx, Event{Type: EventComplete, Text: text, Result: run.result})
}

func (e *Executor) remember(ctx context.Context, tenantKey, user, assistant string) {
	if e.memory == nil {
		return
	}
	err := e.memory.Remember(context.WithoutCancel(ctx), tenantKey, memory.Entry{
		User:      user,
		Assistant: assistant,
		At:        time.Now().UTC(),
	})
	if err != nil {
		zap.S().Debugw("memory_write_failed", "tenant", tenantKey, "error", err)
	}
}

// observeTool converts an agent tool event. It never fails the query: a
// malformed event is logged and skipped.
func observeTool(ev *messages.StreamEvent) (te ToolEvent, ok bool) {
	defer func() {
		if p := recover(); p != nil {
			zap.S().Warnw("tool_event_dropped", "panic", p)
			ok = false
		}
	}()

	if ev.ToolCall == nil && ev.ToolResult == nil {
		return ToolEvent{}, false
	}

	if ev.Type == messages.EventTypeToolStart {
		te = ToolEvent{Type: EventToolStart, CallID: ev.ToolCall.ID, Name: ev.ToolCall.Name}
		if args := strings.TrimSpace(ev.ToolCall.Arguments); args != "" && json.Valid([]byte(args)) {
			te.Arguments = json.RawMessage(args)
		}
		return te, true
	}

	te = ToolEvent{Type: EventToolEnd}
	if ev.ToolCall != nil {
		te.CallID, te.Name = ev.ToolCall.ID, ev.ToolCall.Name
	}
	if res := ev.ToolResult; res != nil {
		te.CallID, te.Name = res.CallID, res.Name
		te.Result = NormalizeResult(res.Content)
		te.Duration = res.Duration
		if res.Err != nil {
			te.Error = res.Err.Error()
		}
	}
	return te, true
}

// NormalizeResult returns content parsed as JSON when it is JSON, else content itself.
func NormalizeResult(content string) any {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return content
	}
	var v any
	if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
		return content
	}
	return v
}
