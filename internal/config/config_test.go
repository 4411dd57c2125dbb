package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alexschlessinger/pollyd/llm"
	"github.com/alexschlessinger/pollyd/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
}

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv(lookupFrom(nil))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Address())
	assert.Equal(t, 30*time.Minute, cfg.Sessions.IdleThreshold)
	assert.Equal(t, 10*time.Minute, cfg.Sessions.ReapInterval)
	assert.Equal(t, "memory", cfg.Ledger.Kind)
	assert.True(t, cfg.Model.Streaming)
	assert.Equal(t, llm.DefaultConfig.Provider, cfg.Model.LLM().Provider)
}

func TestFromEnvOverrides(t *testing.T) {
	cfg, err := FromEnv(lookupFrom(map[string]string{
		"POLLYD_PORT":            "9090",
		"POLLYD_MODEL":           "openai/gpt-4o",
		"POLLYD_IDLE_TIMEOUT":    "5m",
		"POLLYD_STREAMING":       "false",
		"POLLYD_OPENAIKEY":       "sk-test",
		"POLLYD_OLLAMA_BASEURL":  "http://gpu:11434",
		"POLLYD_LEDGER":          "SQLite",
		"POLLYD_WATCH_PROVIDERS": "true",
	}))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 5*time.Minute, cfg.Sessions.IdleThreshold)
	assert.False(t, cfg.Model.Streaming)
	assert.Equal(t, "sk-test", cfg.Model.APIKeys[llm.ProviderOpenAI])
	assert.Equal(t, "http://gpu:11434", cfg.Model.BaseURLs[llm.ProviderOllama])
	assert.Equal(t, "sqlite", cfg.Ledger.Kind)
	assert.True(t, cfg.Providers.Watch)

	m := cfg.Model.LLM()
	assert.Equal(t, "openai", m.Provider)
	assert.Equal(t, "gpt-4o", m.Model)
	assert.False(t, m.Streaming)
}

func TestFromEnvRejectsBadValues(t *testing.T) {
	_, err := FromEnv(lookupFrom(map[string]string{
		"POLLYD_PORT":         "eighty",
		"POLLYD_IDLE_TIMEOUT": "soon",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "POLLYD_PORT")
	assert.Contains(t, err.Error(), "POLLYD_IDLE_TIMEOUT")

	_, err = FromEnv(lookupFrom(map[string]string{"POLLYD_LEDGER": "mongo"}))
	assert.ErrorContains(t, err, "MONGO_URI")

	_, err = FromEnv(lookupFrom(map[string]string{"POLLYD_LEDGER": "s3"}))
	assert.ErrorContains(t, err, "unknown ledger")
}

const sampleCatalog = `
providers:
  - name: weather
    transport: streamable
    url: http://localhost:9000/mcp
  - name: files
    command: mcp-files
    args: ["--root", "/srv"]
scopes:
  embedded: [weather]
`

func TestParseCatalogScopes(t *testing.T) {
	cat, err := ParseCatalog([]byte(sampleCatalog))
	require.NoError(t, err)

	assert.Equal(t, []string{"weather", "files"}, cat.Names())
	assert.Len(t, cat.Specs("interactive"), 2)

	embedded := cat.Specs("embedded")
	require.Len(t, embedded, 1)
	assert.Equal(t, tools.TransportStreamable, embedded["weather"].Transport)
}

func TestParseCatalogRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown field", "providers:\n  - name: a\n    command: x\n    bogus: 1\n", "bogus"},
		{"bad transport", "providers:\n  - name: a\n    transport: carrier-pigeon\n", "transport"},
		{"missing command", "providers:\n  - name: a\n", "requires a command"},
		{"duplicate", "providers:\n  - name: a\n    command: x\n  - name: a\n    command: y\n", "duplicate provider"},
		{"unknown scope ref", "providers:\n  - name: a\n    command: x\nscopes:\n  embedded: [b]\n", "unknown provider"},
		{"not yaml", "providers: [", "invalid YAML"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(tt.yaml))
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestLoadCatalogMissingFileIsEmpty(t *testing.T) {
	cat, err := LoadCatalog(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Empty(t, cat.Providers)
}

func TestChangedProviders(t *testing.T) {
	prev := map[string]tools.ProviderSpec{
		"a": {Name: "a", Command: "x"},
		"b": {Name: "b", Command: "y"},
		"c": {Name: "c", Command: "z"},
	}
	next := map[string]tools.ProviderSpec{
		"a": {Name: "a", Command: "x"},
		"b": {Name: "b", Command: "y", Args: []string{"-v"}},
		"d": {Name: "d", Command: "w"},
	}
	assert.Equal(t, []string{"b", "c", "d"}, ChangedProviders(prev, next))
	assert.Empty(t, ChangedProviders(prev, prev))
}

func TestCatalogSchema(t *testing.T) {
	data, err := CatalogSchema()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"providers"`)
	assert.Contains(t, string(data), `"streamable"`)
}

func TestWatchCatalogReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "providers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleCatalog), 0o644))

	got := make(chan *Catalog, 4)
	w, err := WatchCatalog(path, 20*time.Millisecond, func(c *Catalog) { got <- c })
	require.NoError(t, err)
	defer w.Stop()

	// an invalid write is skipped, the following valid one is delivered
	require.NoError(t, os.WriteFile(path, []byte("providers: ["), 0o644))
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("providers:\n  - name: only\n    command: x\n"), 0o644))

	select {
	case c := <-got:
		assert.Equal(t, []string{"only"}, c.Names())
	case <-time.After(5 * time.Second):
		t.Fatal("no reload delivered")
	}
}
