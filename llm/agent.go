package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/alexschlessinger/pollyd/internal/metrics"
	"github.com/alexschlessinger/pollyd/messages"
	"github.com/alexschlessinger/pollyd/tools"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Agent handles the agentic loop without owning session state.
// It executes completions with automatic tool call handling.
type Agent struct {
	client  LLM
	tools   *tools.Set
	llm     Config
	config  AgentConfig
	timeout time.Duration
}

// AgentConfig configures agent behavior
type AgentConfig struct {
	MaxIterations    int           // Maximum LLM calls before giving up (default: 10)
	ToolTimeout      time.Duration // Per-tool execution timeout (0 = no timeout)
	MaxParallelTools int           // Maximum parallel tool executions (0 = unlimited)
}

// NewAgent creates a stateless agent that handles the agentic loop.
// The agent does not own session state - callers provide messages and
// receive back all generated messages to add to their own session.
func NewAgent(client LLM, toolset *tools.Set, cfg Config, config AgentConfig) *Agent {
	if config.MaxIterations <= 0 {
		config.MaxIterations = 10
	}
	return &Agent{
		client:  client,
		tools:   toolset,
		llm:     cfg,
		config:  config,
		timeout: DefaultRequestTimeout,
	}
}

// Config returns the model configuration the agent is bound to.
func (a *Agent) Config() Config {
	return a.llm
}

// Tools returns the agent's tool set ordered by name.
func (a *Agent) Tools() []tools.Tool {
	return a.tools.All()
}

// emitter forwards events to the consumer until ctx is done.
type emitter struct {
	ctx context.Context
	out chan<- *messages.StreamEvent
}

func (e *emitter) send(ev *messages.StreamEvent) {
	select {
	case e.out <- ev:
	case <-e.ctx.Done():
	}
}

func (e *emitter) fail(err error) {
	e.send(&messages.StreamEvent{Type: messages.EventTypeError, Error: err})
}

// Stream runs history through the model, executing tool calls until the
// model produces a final answer. The returned channel carries content,
// reasoning, tool_call, tool_start and tool_end events, then an aggregate
// usage event when the provider reported token counts, and finally exactly
// one complete or error event. The channel is closed afterwards.
//
// With streaming disabled, content is buffered and delivered as a single
// content event just before completion.
func (a *Agent) Stream(ctx context.Context, history []messages.ChatMessage) <-chan *messages.StreamEvent {
	out := make(chan *messages.StreamEvent, 16)

	go func() {
		defer close(out)
		em := &emitter{ctx: ctx, out: out}

		// Work with a copy of messages - don't mutate input
		msgs := slices.Clone(history)

		var (
			generated []messages.ChatMessage
			total     messages.TokenUsage
			buffered  strings.Builder
		)

		finish := func(response *messages.ChatMessage) {
			if buffered.Len() > 0 {
				em.send(&messages.StreamEvent{Type: messages.EventTypeContent, Content: buffered.String()})
			}
			if !total.IsZero() {
				usage := total
				em.send(&messages.StreamEvent{Type: messages.EventTypeUsage, Usage: &usage})
			}
			em.send(&messages.StreamEvent{
				Type:      messages.EventTypeComplete,
				Message:   response,
				Generated: generated,
			})
		}

		for iteration := 0; iteration < a.config.MaxIterations; iteration++ {
			if err := ctx.Err(); err != nil {
				em.fail(err)
				return
			}

			req := &CompletionRequest{
				Timeout:     a.timeout,
				Temperature: a.llm.Temperature,
				Model:       a.llm.Model,
				MaxTokens:   a.llm.MaxTokens,
				Messages:    msgs,
				Tools:       a.tools.All(),
			}

			events := a.client.ChatCompletionStream(ctx, req, messages.NewStreamProcessor())
			response, err := a.forward(em, events, &buffered)
			if err != nil {
				em.fail(err)
				return
			}

			total = total.Add(response.TokenUsage())
			msgs = append(msgs, *response)
			generated = append(generated, *response)

			// Check stop reason to determine next action
			switch response.StopReason {
			case messages.StopReasonEndTurn:
				finish(response)
				return

			case messages.StopReasonMaxTokens:
				zap.S().Warnw("agent_response_truncated", "model", a.llm.String())
				finish(response)
				return

			case messages.StopReasonContentFilter:
				em.fail(errors.New("response blocked by content filter"))
				return

			case messages.StopReasonError:
				em.fail(errors.New("model produced malformed output"))
				return

			case messages.StopReasonToolUse:
				// Continue to execute tool calls below

			default:
				// Unknown stop reason with no tool calls = treat as completion
				if len(response.ToolCalls) == 0 {
					finish(response)
					return
				}
			}

			toolMsgs, err := a.executeToolsParallel(ctx, response.ToolCalls, em)
			if err != nil {
				em.fail(err)
				return
			}
			msgs = append(msgs, toolMsgs...)
			generated = append(generated, toolMsgs...)
		}

		em.fail(fmt.Errorf("max iterations exceeded (%d)", a.config.MaxIterations))
	}()

	return out
}

// forward relays one completion's events and returns its final message
func (a *Agent) forward(em *emitter, events <-chan *messages.StreamEvent, buffered *strings.Builder) (*messages.ChatMessage, error) {
	var response *messages.ChatMessage
	var streamErr error

	for event := range events {
		if streamErr != nil {
			continue
		}
		switch event.Type {
		case messages.EventTypeReasoning:
			if a.llm.Streaming {
				em.send(event)
			}
		case messages.EventTypeContent:
			if a.llm.Streaming {
				em.send(event)
			} else {
				buffered.WriteString(event.Content)
			}
		case messages.EventTypeToolCall:
			em.send(event)
		case messages.EventTypeComplete:
			response = event.Message
		case messages.EventTypeError:
			streamErr = event.Error
		}
	}

	if streamErr != nil {
		return nil, streamErr
	}
	if response == nil {
		return nil, errors.New("no response received from LLM")
	}
	return response, nil
}

// executeTool executes a single tool call and returns the result message
func (a *Agent) executeTool(ctx context.Context, tc messages.ChatMessageToolCall, em *emitter) messages.ChatMessage {
	call := tc
	em.send(&messages.StreamEvent{Type: messages.EventTypeToolStart, ToolCall: &call})

	start := time.Now()
	result, err := a.executeToolCall(ctx, tc)
	duration := time.Since(start)

	status := "success"
	if err != nil {
		status = "error"
		zap.S().Debugw("tool_execution_failed", "tool", tc.Name, "error", err, "duration", duration)
	}
	metrics.ToolExecutions.WithLabelValues(tc.Name, status).Inc()

	em.send(&messages.StreamEvent{
		Type:     messages.EventTypeToolEnd,
		ToolCall: &call,
		ToolResult: &messages.ToolResult{
			CallID:   tc.ID,
			Name:     tc.Name,
			Content:  result,
			Duration: duration,
			Err:      err,
		},
	})

	return messages.ChatMessage{
		Role:       messages.MessageRoleTool,
		Content:    result,
		ToolCallID: tc.ID,
		ToolName:   tc.Name,
	}
}

// executeToolCall performs the actual tool execution
func (a *Agent) executeToolCall(ctx context.Context, tc messages.ChatMessageToolCall) (string, error) {
	if a.config.ToolTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.config.ToolTimeout)
		defer cancel()
	}

	var args map[string]any
	if strings.TrimSpace(tc.Arguments) != "" {
		if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
			return fmt.Sprintf("Error parsing arguments: %v", err), err
		}
	}

	tool, exists := a.tools.Get(tc.Name)
	if !exists {
		return fmt.Sprintf("Tool not found: %s", tc.Name), errors.New("tool not found: " + tc.Name)
	}

	result, err := tool.Execute(ctx, args)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Sprintf("Error: tool execution timed out after %v", a.config.ToolTimeout), err
		}
		return fmt.Sprintf("Error: %v", err), err
	}

	return result, nil
}

// executeToolsParallel executes multiple tool calls concurrently and returns results in order.
// If context is cancelled, all running tools are notified via their context.
func (a *Agent) executeToolsParallel(ctx context.Context, toolCalls []messages.ChatMessageToolCall, em *emitter) ([]messages.ChatMessage, error) {
	results := make([]messages.ChatMessage, len(toolCalls))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(a.effectiveParallelism(len(toolCalls)))

	for i, tc := range toolCalls {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			results[i] = a.executeTool(ctx, tc, em)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// effectiveParallelism returns the concurrency limit based on config and number of tools.
func (a *Agent) effectiveParallelism(n int) int {
	if a.config.MaxParallelTools <= 0 || a.config.MaxParallelTools > n {
		return max(n, 1)
	}
	return a.config.MaxParallelTools
}
