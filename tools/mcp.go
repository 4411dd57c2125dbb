package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
)

// ErrInvalidArguments is returned when tool arguments fail schema validation.
var ErrInvalidArguments = errors.New("invalid tool arguments")

// Connector turns a provider spec into a live connection.
type Connector interface {
	Connect(ctx context.Context, spec ProviderSpec) (*Connection, error)
}

// Connection is one connected provider: its tools and the routine that releases it.
type Connection struct {
	Provider string
	Tools    []Tool

	closeOnce sync.Once
	closeErr  error
	closer    func() error
}

// NewConnection creates a connection whose Close calls closer once.
func NewConnection(provider string, tools []Tool, closer func() error) *Connection {
	return &Connection{Provider: provider, Tools: tools, closer: closer}
}

// Close releases the provider. Repeated calls return the first result.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		if c.closer != nil {
			c.closeErr = c.closer()
		}
	})
	return c.closeErr
}

// MCPTool wraps an MCP tool to implement the Tool interface
type MCPTool struct {
	session *mcp.ClientSession
	tool    *mcp.Tool
	// Provider is the name of the provider spec that supplied this tool
	Provider string

	schemaOnce   sync.Once
	cachedSchema *jsonschema.Schema
	validator    *gojsonschema.Schema
}

// NewMCPTool creates a new MCP tool wrapper
func NewMCPTool(session *mcp.ClientSession, tool *mcp.Tool, provider string) *MCPTool {
	return &MCPTool{
		session:  session,
		tool:     tool,
		Provider: provider,
	}
}

func (m *MCPTool) loadSchema() {
	m.schemaOnce.Do(func() {
		schema := &jsonschema.Schema{}
		raw, err := json.Marshal(m.tool.InputSchema)
		if err != nil || m.tool.InputSchema == nil || json.Unmarshal(raw, schema) != nil {
			schema = &jsonschema.Schema{Type: "object"}
			raw = nil
		}
		if schema.Title == "" {
			schema.Title = m.tool.Name
		}
		if schema.Description == "" {
			schema.Description = m.tool.Description
		}
		m.cachedSchema = schema

		if raw == nil {
			return
		}
		var doc map[string]any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return
		}
		// gojsonschema only knows drafts up to 7; validate with its default draft
		delete(doc, "$schema")
		validator, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(doc))
		if err != nil {
			zap.S().Debugw("tool_schema_not_validatable", "tool", m.tool.Name, "error", err)
			return
		}
		m.validator = validator
	})
}

// GetSchema returns the tool's schema (cached after first call)
func (m *MCPTool) GetSchema() *jsonschema.Schema {
	m.loadSchema()
	return m.cachedSchema
}

// Validate checks args against the tool's input schema.
func (m *MCPTool) Validate(args map[string]any) error {
	m.loadSchema()
	if m.validator == nil {
		return nil
	}
	result, err := m.validator.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if result.Valid() {
		return nil
	}
	problems := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		problems = append(problems, e.String())
	}
	return fmt.Errorf("%w: %s", ErrInvalidArguments, strings.Join(problems, "; "))
}

// Execute validates the arguments and runs the MCP tool
func (m *MCPTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	zap.S().Debugw("mcp_tool_execute", "tool", m.tool.Name, "provider", m.Provider)

	// some tools expect an empty object instead of nil
	if args == nil {
		args = make(map[string]any)
	}

	// placeholder injected for providers that reject empty parameter schemas
	delete(args, "__noargs")

	if err := m.Validate(args); err != nil {
		return "", err
	}

	result, err := m.session.CallTool(ctx, &mcp.CallToolParams{
		Name:      m.tool.Name,
		Arguments: args,
	})
	if err != nil {
		return "", fmt.Errorf("MCP tool execution failed: %w", err)
	}

	if result.IsError {
		if len(result.Content) > 0 {
			return "", fmt.Errorf("tool returned error: %s", contentText(result.Content))
		}
		return "", fmt.Errorf("tool returned error without content")
	}

	if len(result.Content) == 0 {
		if result.StructuredContent != nil {
			out, err := json.Marshal(result.StructuredContent)
			if err != nil {
				return "", fmt.Errorf("failed to marshal tool result: %w", err)
			}
			return string(out), nil
		}
		return "", nil
	}

	return contentText(result.Content), nil
}

// contentText joins text content; anything else is returned as its JSON encoding.
func contentText(content []mcp.Content) string {
	texts := make([]string, 0, len(content))
	for _, c := range content {
		tc, ok := c.(*mcp.TextContent)
		if !ok {
			out, err := json.Marshal(content)
			if err != nil {
				return ""
			}
			return string(out)
		}
		texts = append(texts, tc.Text)
	}
	return strings.Join(texts, "\n")
}

// headerRoundTripper wraps an http.RoundTripper to inject custom headers
type headerRoundTripper struct {
	base    http.RoundTripper
	headers map[string]string
}

func (h *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}
	return h.base.RoundTrip(req)
}

var unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// MCPConnector connects to MCP servers over stdio, SSE or streamable HTTP.
type MCPConnector struct {
	// SandboxRoot holds one private directory per isolation context.
	SandboxRoot string
	// Base is the HTTP transport for remote providers; nil uses http.DefaultTransport.
	Base http.RoundTripper
}

// NewMCPConnector creates a connector that places sandboxes under sandboxRoot.
func NewMCPConnector(sandboxRoot string) *MCPConnector {
	if sandboxRoot == "" {
		sandboxRoot = filepath.Join(os.TempDir(), "pollyd-sandbox")
	}
	return &MCPConnector{SandboxRoot: sandboxRoot}
}

// Connect opens the provider described by spec and lists its tools.
func (c *MCPConnector) Connect(ctx context.Context, spec ProviderSpec) (*Connection, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	transport, err := c.transport(spec)
	if err != nil {
		return nil, err
	}
	return c.connectTransport(ctx, spec.Name, transport)
}

func (c *MCPConnector) connectTransport(ctx context.Context, provider string, transport mcp.Transport) (*Connection, error) {
	client := mcp.NewClient(&mcp.Implementation{
		Name:    "pollyd",
		Version: "1.0.0",
	}, nil)

	// The session outlives ctx: SSE streams and stdio processes are bound to
	// lifetime, which only ctx's cancellation during the handshake or Close ends.
	lifetime, stop := context.WithCancel(context.WithoutCancel(ctx))
	disarm := context.AfterFunc(ctx, stop)

	session, err := client.Connect(lifetime, transport, nil)
	if err != nil {
		disarm()
		stop()
		return nil, fmt.Errorf("failed to connect to MCP server %s: %w", provider, err)
	}
	fail := func(err error) (*Connection, error) {
		disarm()
		_ = session.Close()
		stop()
		return nil, err
	}

	var tools []Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			return fail(fmt.Errorf("error listing tools from %s: %w", provider, err))
		}
		if tool == nil {
			continue
		}
		zap.S().Debugw("mcp_tool_loaded", "provider", provider, "tool", tool.Name)
		tools = append(tools, NewMCPTool(session, tool, provider))
	}
	if !disarm() {
		return fail(fmt.Errorf("connect to MCP server %s: %w", provider, context.Cause(ctx)))
	}

	return NewConnection(provider, tools, func() error {
		defer stop()
		return session.Close()
	}), nil
}

func (c *MCPConnector) transport(spec ProviderSpec) (mcp.Transport, error) {
	switch spec.TransportKind() {
	case TransportSSE:
		zap.S().Debugw("mcp_connect", "provider", spec.Name, "transport", "sse", "url", spec.URL)
		return &mcp.SSEClientTransport{
			Endpoint:   spec.URL,
			HTTPClient: c.httpClient(spec),
		}, nil

	case TransportStreamable:
		zap.S().Debugw("mcp_connect", "provider", spec.Name, "transport", "streamable", "url", spec.URL)
		return &mcp.StreamableClientTransport{
			Endpoint:   spec.URL,
			HTTPClient: c.httpClient(spec),
		}, nil

	default:
		cmd, err := c.command(spec)
		if err != nil {
			return nil, err
		}
		zap.S().Debugw("mcp_connect", "provider", spec.Name, "transport", "stdio",
			"command", spec.Command, "args", spec.Args, "sandboxed", spec.Sandboxed)
		return &mcp.CommandTransport{Command: cmd}, nil
	}
}

// httpClient has no overall timeout; SSE streams stay open for the life of the session.
func (c *MCPConnector) httpClient(spec ProviderSpec) *http.Client {
	headers := make(map[string]string, len(spec.Headers)+1)
	for k, v := range spec.Headers {
		headers[k] = v
	}
	if spec.IsolationContext != "" {
		headers[IsolationHeader] = spec.IsolationContext
	}
	base := c.Base
	if base == nil {
		base = http.DefaultTransport
	}
	return &http.Client{Transport: &headerRoundTripper{base: base, headers: headers}}
}

func (c *MCPConnector) command(spec ProviderSpec) (*exec.Cmd, error) {
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Stderr = zap.NewStdLog(zap.L().Named("provider." + spec.Name)).Writer()

	if !spec.Sandboxed {
		if len(spec.Env) > 0 {
			cmd.Env = append(os.Environ(), envList(spec.Env)...)
		}
		return cmd, nil
	}

	dir, err := c.SandboxDir(spec.IsolationContext)
	if err != nil {
		return nil, err
	}
	cmd.Dir = dir
	cmd.Env = SandboxEnv(spec, dir)
	return cmd, nil
}

// SandboxDir returns (creating it if needed) the private directory for an isolation context.
func (c *MCPConnector) SandboxDir(isolationContext string) (string, error) {
	if isolationContext == "" {
		return "", errors.New("sandboxed providers require an isolation context")
	}
	dir := filepath.Join(c.SandboxRoot, unsafePathChars.ReplaceAllString(isolationContext, "_"))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create sandbox dir: %w", err)
	}
	return dir, nil
}

// SandboxEnv builds the environment of a sandboxed process. Nothing is inherited
// from the orchestrator except PATH.
func SandboxEnv(spec ProviderSpec, dir string) []string {
	env := []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + dir,
		"TMPDIR=" + dir,
		IsolationEnv + "=" + spec.IsolationContext,
	}
	return append(env, envList(spec.Env)...)
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
