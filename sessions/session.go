package sessions

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alexschlessinger/pollyd/internal/log"
	"github.com/alexschlessinger/pollyd/llm"
	"github.com/alexschlessinger/pollyd/messages"
	"github.com/alexschlessinger/pollyd/tools"
	"github.com/google/uuid"
)

const (
	// HistoryCapacity bounds a session's message history.
	HistoryCapacity = 100
	// ThreadTurnCeiling is the inclusive turn limit of a thread: once this
	// many turns have completed, the next turn opens a new thread, so no
	// thread ever holds more than ThreadTurnCeiling turns.
	ThreadTurnCeiling = 50
	// ThreadWindow bounds the messages replayed to the model from one thread.
	ThreadWindow = 200
)

// Turn is one entry of a session's visible history.
type Turn struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// Thread is the conversational checkpoint replayed to the agent.
type Thread struct {
	ID       string
	Turns    int
	Messages []messages.ChatMessage
}

// Options describe a session to build.
type Options struct {
	Key             string
	Scope           string
	Agent           *llm.Agent
	SystemPrompt    string
	FailedProviders []string
	Log             *log.TenantLog
	// Closers release what the session owns, in order, when it ends.
	Closers []func() error
}

// Session binds an agent, its tool set and conversation state to one tenant key.
type Session struct {
	key   string
	scope string

	agent           *llm.Agent
	systemPrompt    string
	failedProviders []string
	log             *log.TenantLog
	created         time.Time

	mu         sync.RWMutex
	history    []Turn
	thread     Thread
	lastActive time.Time

	// serializes queries against this session
	queryMu sync.Mutex
	// queries running or waiting for queryMu
	queries atomic.Int32

	closers     []func() error
	cleanupOnce sync.Once
	cleanupDone chan struct{}
	cleanupErr  error

	now func() time.Time
}

// New creates a session. The agent must be non-nil.
func New(opts Options) *Session {
	now := time.Now()
	s := &Session{
		key:             opts.Key,
		scope:           opts.Scope,
		agent:           opts.Agent,
		systemPrompt:    opts.SystemPrompt,
		failedProviders: slices.Clone(opts.FailedProviders),
		log:             opts.Log,
		created:         now,
		lastActive:      now,
		closers:         opts.Closers,
		cleanupDone:     make(chan struct{}),
		now:             time.Now,
	}
	if s.log != nil {
		s.closers = append(s.closers, s.log.Close)
	}
	s.thread = s.newThread()
	return s
}

func (s *Session) newThread() Thread {
	t := Thread{ID: uuid.NewString()}
	if s.systemPrompt != "" {
		t.Messages = []messages.ChatMessage{{Role: messages.MessageRoleSystem, Content: s.systemPrompt}}
	}
	return t
}

func (s *Session) Key() string   { return s.key }
func (s *Session) Scope() string { return s.scope }

// Agent returns the bound agent.
func (s *Session) Agent() *llm.Agent { return s.agent }

// LLMConfig returns the model configuration of the bound agent.
func (s *Session) LLMConfig() llm.Config { return s.agent.Config() }

// Tools returns the bound tool set.
func (s *Session) Tools() []tools.Tool { return s.agent.Tools() }

// FailedProviders lists providers that did not initialize for this session.
func (s *Session) FailedProviders() []string { return slices.Clone(s.failedProviders) }

// Log returns the tenant log, which may be nil.
func (s *Session) Log() *log.TenantLog { return s.log }

// Created returns the creation time.
func (s *Session) Created() time.Time { return s.created }

// Touch marks the session as active now.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActive = s.now()
	s.mu.Unlock()
}

// LastActive returns when the session was last looked up or queried.
func (s *Session) LastActive() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActive
}

// History returns a copy of the visible history, oldest first.
func (s *Session) History() []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.history)
}

// AppendHistory adds turns, evicting the oldest beyond HistoryCapacity.
func (s *Session) AppendHistory(turns ...Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = TrimFIFO(append(s.history, turns...), HistoryCapacity)
}

// Thread returns a copy of the current thread checkpoint.
func (s *Session) Thread() Thread {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t := s.thread
	t.Messages = CopyHistory(t.Messages)
	return t
}

// PrepareTurn starts a fresh thread when the current one has reached
// ThreadTurnCeiling completed turns, then returns the thread id and the
// conversation to send with prompt appended.
func (s *Session) PrepareTurn(prompt string) (threadID string, conversation []messages.ChatMessage, rotated bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.thread.Turns >= ThreadTurnCeiling {
		s.thread = s.newThread()
		rotated = true
	}

	conversation = append(CopyHistory(s.thread.Messages), messages.ChatMessage{
		Role:    messages.MessageRoleUser,
		Content: prompt,
	})
	return s.thread.ID, conversation, rotated
}

// CommitTurn records a completed query: the prompt and generated messages
// go to the thread, the raw user text and final answer to the history.
func (s *Session) CommitTurn(threadID, prompt, userText, answer string, generated []messages.ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.thread.ID == threadID {
		s.thread.Messages = append(s.thread.Messages, messages.ChatMessage{Role: messages.MessageRoleUser, Content: prompt})
		s.thread.Messages = append(s.thread.Messages, generated...)
		s.thread.Messages = TrimHistory(s.thread.Messages, ThreadWindow)
		s.thread.Turns++
	}

	s.history = TrimFIFO(append(s.history,
		Turn{Role: messages.MessageRoleUser, Content: userText, At: now},
		Turn{Role: messages.MessageRoleAssistant, Content: answer, At: now},
	), HistoryCapacity)
	s.lastActive = now
}

// BeginQuery blocks until no other query is running on the session and
// returns the function that releases it.
func (s *Session) BeginQuery() (release func()) {
	s.queries.Add(1)
	s.queryMu.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.queryMu.Unlock()
			s.queries.Add(-1)
		})
	}
}

// Busy reports whether a query is running or waiting on the session.
func (s *Session) Busy() bool { return s.queries.Load() > 0 }

// Cleanup releases everything the session owns. The closers run exactly
// once; later calls wait for that run. If ctx ends first the closers keep
// running in the background and the context error is returned.
func (s *Session) Cleanup(ctx context.Context) error {
	s.cleanupOnce.Do(func() {
		go func() {
			defer close(s.cleanupDone)
			s.cleanupErr = s.runClosers()
		}()
	})

	select {
	case <-s.cleanupDone:
		return s.cleanupErr
	case <-ctx.Done():
		return fmt.Errorf("cleanup of session %s: %w", s.key, ctx.Err())
	}
}

func (s *Session) runClosers() (err error) {
	var errs []error
	defer func() {
		if r := recover(); r != nil {
			errs = append(errs, fmt.Errorf("cleanup panic: %v", r))
		}
		err = errors.Join(errs...)
	}()
	for _, c := range s.closers {
		if c == nil {
			continue
		}
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return nil
}
