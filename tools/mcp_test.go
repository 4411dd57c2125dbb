package tools

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoArgs struct {
	Text string `json:"text" jsonschema:"the text to echo"`
}

func newEchoServer() *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: "echo", Version: "v0.0.1"}, nil)
	mcp.AddTool(server, &mcp.Tool{Name: "echo", Description: "echoes text"},
		func(ctx context.Context, req *mcp.CallToolRequest, in echoArgs) (*mcp.CallToolResult, any, error) {
			return &mcp.CallToolResult{
				Content: []mcp.Content{&mcp.TextContent{Text: "echo: " + in.Text}},
			}, nil, nil
		})
	mcp.AddTool(server, &mcp.Tool{Name: "explode", Description: "always fails"},
		func(ctx context.Context, req *mcp.CallToolRequest, in struct{}) (*mcp.CallToolResult, any, error) {
			return &mcp.CallToolResult{
				IsError: true,
				Content: []mcp.Content{&mcp.TextContent{Text: "kaboom"}},
			}, nil, nil
		})

	return server
}

func startEchoServer(t *testing.T) mcp.Transport {
	t.Helper()
	server := newEchoServer()

	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	ss, err := server.Connect(context.Background(), serverTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ss.Close() })

	return clientTransport
}

func connectEcho(t *testing.T) *Connection {
	t.Helper()
	c := NewMCPConnector(t.TempDir())
	conn, err := c.connectTransport(context.Background(), "echo-provider", startEchoServer(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func findTool(t *testing.T, conn *Connection, name string) Tool {
	t.Helper()
	for _, tool := range conn.Tools {
		if Name(tool) == name {
			return tool
		}
	}
	t.Fatalf("tool %s not found", name)
	return nil
}

func TestMCPConnectionListsTools(t *testing.T) {
	conn := connectEcho(t)

	assert.Equal(t, "echo-provider", conn.Provider)
	require.Len(t, conn.Tools, 2)

	echo := findTool(t, conn, "echo")
	schema := echo.GetSchema()
	assert.Equal(t, "echoes text", schema.Description)
	assert.Contains(t, schema.Properties, "text")
	assert.Equal(t, "echo-provider", echo.(*MCPTool).Provider)
}

func TestMCPToolExecute(t *testing.T) {
	conn := connectEcho(t)
	echo := findTool(t, conn, "echo")

	out, err := echo.Execute(context.Background(), map[string]any{"text": "hello"})
	require.NoError(t, err)
	assert.Equal(t, "echo: hello", out)
}

func TestMCPToolRejectsInvalidArguments(t *testing.T) {
	conn := connectEcho(t)
	echo := findTool(t, conn, "echo")

	_, err := echo.Execute(context.Background(), map[string]any{})
	require.ErrorIs(t, err, ErrInvalidArguments)
	assert.Contains(t, err.Error(), "text")

	_, err = echo.Execute(context.Background(), map[string]any{"text": 42})
	assert.ErrorIs(t, err, ErrInvalidArguments)
}

func TestMCPToolStripsNoArgsPlaceholder(t *testing.T) {
	conn := connectEcho(t)
	echo := findTool(t, conn, "echo")

	out, err := echo.Execute(context.Background(), map[string]any{"text": "x", "__noargs": true})
	require.NoError(t, err)
	assert.Equal(t, "echo: x", out)
}

func TestMCPToolErrorResult(t *testing.T) {
	conn := connectEcho(t)
	explode := findTool(t, conn, "explode")

	_, err := explode.Execute(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestConnectionCloseIsIdempotent(t *testing.T) {
	calls := 0
	conn := NewConnection("p", nil, func() error {
		calls++
		return nil
	})
	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	assert.Equal(t, 1, calls)
}

func TestConnectRejectsInvalidSpec(t *testing.T) {
	c := NewMCPConnector(t.TempDir())

	_, err := c.Connect(context.Background(), ProviderSpec{Name: "x", Transport: "carrier-pigeon"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown transport")

	_, err = c.Connect(context.Background(), ProviderSpec{Name: "x", Transport: TransportSSE})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires a URL")
}

func TestRemoteProviderSendsIsolationHeader(t *testing.T) {
	got := make(chan http.Header, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case got <- r.Header.Clone():
		default:
		}
		http.Error(w, "not an mcp server", http.StatusTeapot)
	}))
	defer srv.Close()

	c := NewMCPConnector(t.TempDir())
	_, err := c.Connect(context.Background(), ProviderSpec{
		Name:             "remote",
		Transport:        TransportStreamable,
		URL:              srv.URL,
		Headers:          map[string]string{"Authorization": "Bearer k"},
		IsolationContext: "widget-9",
	})
	require.Error(t, err)

	h := <-got
	assert.Equal(t, "widget-9", h.Get(IsolationHeader))
	assert.Equal(t, "Bearer k", h.Get("Authorization"))
}

func TestSandboxEnvDoesNotInheritEnvironment(t *testing.T) {
	t.Setenv("POLLYD_SECRET_FOR_TEST", "leak")

	c := NewMCPConnector(t.TempDir())
	spec := ProviderSpec{
		Name:             "sandboxed",
		Command:          "server",
		Env:              map[string]string{"B": "2", "A": "1"},
		Sandboxed:        true,
		IsolationContext: "tenant/../a",
	}

	dir, err := c.SandboxDir(spec.IsolationContext)
	require.NoError(t, err)
	assert.NotContains(t, strings.TrimPrefix(dir, c.SandboxRoot), "/../")
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	env := SandboxEnv(spec, dir)
	assert.Contains(t, env, "HOME="+dir)
	assert.Contains(t, env, IsolationEnv+"=tenant/../a")
	assert.Equal(t, []string{"A=1", "B=2"}, env[len(env)-2:])
	for _, kv := range env {
		assert.False(t, strings.HasPrefix(kv, "POLLYD_SECRET_FOR_TEST="))
	}

	other, err := c.SandboxDir("tenant-b")
	require.NoError(t, err)
	assert.NotEqual(t, dir, other)

	cmd, err := c.command(spec)
	require.NoError(t, err)
	assert.Equal(t, dir, cmd.Dir)
	assert.Equal(t, env, cmd.Env)
}

func TestSpecValidate(t *testing.T) {
	for _, tc := range []struct {
		name string
		spec ProviderSpec
		err  string
	}{
		{name: "stdio ok", spec: ProviderSpec{Name: "a", Command: "run"}},
		{name: "sse ok", spec: ProviderSpec{Name: "a", Transport: TransportSSE, URL: "http://x"}},
		{name: "missing name", spec: ProviderSpec{Command: "run"}, err: "name is required"},
		{name: "missing command", spec: ProviderSpec{Name: "a"}, err: "requires a command"},
		{name: "sandbox without context", spec: ProviderSpec{Name: "a", Command: "run", Sandboxed: true}, err: "isolation context"},
		{name: "bad timeout", spec: ProviderSpec{Name: "a", Command: "run", Timeout: "soon"}, err: "invalid timeout"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.spec.Validate()
			if tc.err == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.err)
		})
	}
}

func TestSpecEqual(t *testing.T) {
	a := ProviderSpec{Name: "a", Command: "run", Args: []string{"-v"}, Env: map[string]string{"K": "V"}}
	b := a
	b.Args = []string{"-v"}
	assert.True(t, a.Equal(b))

	b.Env = map[string]string{"K": "W"}
	assert.False(t, a.Equal(b))

	c := a
	c.Transport = TransportStdio
	assert.True(t, a.Equal(c))
}

func TestSSEProviderOutlivesInitialization(t *testing.T) {
	server := newEchoServer()
	srv := httptest.NewServer(mcp.NewSSEHandler(func(*http.Request) *mcp.Server { return server }, nil))
	defer func() {
		srv.CloseClientConnections()
		srv.Close()
	}()

	initializer := NewInitializer(NewMCPConnector(t.TempDir()))
	initializer.ProviderTimeout = 5 * time.Second

	// the request that triggered initialization ends right after it
	reqCtx, cancel := context.WithCancel(context.Background())
	out := initializer.Initialize(reqCtx, map[string]ProviderSpec{
		"remote": {Name: "remote", Transport: TransportSSE, URL: srv.URL},
	})
	defer func() { _ = out.Cleanup() }()
	cancel()

	require.Empty(t, out.FailedProviders)
	require.Equal(t, []string{"remote"}, out.Providers)

	var echo Tool
	for _, tool := range out.Tools {
		if Name(tool) == "echo" {
			echo = tool
		}
	}
	require.NotNil(t, echo)

	got, err := echo.Execute(context.Background(), map[string]any{"text": "still here"})
	require.NoError(t, err)
	assert.Equal(t, "echo: still here", got)
}

func TestConnectHonorsCancellationDuringHandshake(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer func() {
		close(block)
		srv.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := NewMCPConnector(t.TempDir()).Connect(ctx, ProviderSpec{Name: "stuck", Transport: TransportSSE, URL: srv.URL})
	require.Error(t, err)
}
