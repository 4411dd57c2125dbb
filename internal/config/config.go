// Package config loads pollyd's process configuration from the environment
// and the tool provider catalog from YAML.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/alexschlessinger/pollyd/llm"
	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment variable pollyd reads.
const EnvPrefix = "POLLYD_"

// Config holds all configuration for the process.
type Config struct {
	Server    ServerConfig
	Model     ModelConfig
	Prompts   PromptConfig
	Providers ProvidersConfig
	Sessions  SessionsConfig
	Mongo     MongoConfig
	Redis     RedisConfig
	Ledger    LedgerConfig
	Knowledge KnowledgeConfig
	Log       LogConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host    string
	Port    int
	GinMode string
}

// Address returns the server address in host:port format.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ModelConfig selects the model bound to new sessions.
type ModelConfig struct {
	// Model is "provider/model".
	Model       string
	Temperature float64
	MaxTokens   int
	Streaming   bool
	Timeout     time.Duration
	// APIKeys and BaseURLs are keyed by provider name.
	APIKeys  map[string]string
	BaseURLs map[string]string
}

// LLM returns the model configuration for new sessions.
func (m ModelConfig) LLM() llm.Config {
	provider, model := llm.ParseModel(m.Model, llm.DefaultConfig.Provider)
	return llm.Config{
		Provider:    provider,
		Model:       model,
		Temperature: float32(m.Temperature),
		MaxTokens:   m.MaxTokens,
		Streaming:   m.Streaming,
	}.WithDefaults()
}

// PromptConfig holds the system prompt of each session scope.
type PromptConfig struct {
	Interactive string
	Embedded    string
}

// ProvidersConfig locates the tool provider catalog and sets init budgets.
type ProvidersConfig struct {
	CatalogPath     string
	ProviderTimeout time.Duration
	TotalTimeout    time.Duration
	SandboxRoot     string
	Watch           bool
}

// SessionsConfig controls session lifetime.
type SessionsConfig struct {
	ReapInterval   time.Duration
	IdleThreshold  time.Duration
	CleanupTimeout time.Duration
	ShutdownBudget time.Duration
}

// MongoConfig enables the MongoDB ownership store and ledger when URI is set.
type MongoConfig struct {
	URI      string
	Database string
}

// RedisConfig enables the ownership cache and short-term memory when Addr is set.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// LedgerConfig selects where usage records go: memory, sqlite or mongo.
type LedgerConfig struct {
	Kind       string
	SQLitePath string
	PricesPath string
}

// KnowledgeConfig enables the HTTP knowledge retriever when URL is set.
type KnowledgeConfig struct {
	URL    string
	APIKey string
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Debug     bool
	JSON      bool
	TenantDir string
}

// Defaults returns the configuration used for anything the environment leaves unset.
func Defaults() Config {
	return Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080, GinMode: "release"},
		Model: ModelConfig{
			Model:       llm.DefaultConfig.String(),
			Temperature: float64(llm.DefaultConfig.Temperature),
			MaxTokens:   llm.DefaultConfig.MaxTokens,
			Timeout:     llm.DefaultRequestTimeout,
		},
		Prompts: PromptConfig{
			Interactive: "You are an operator assistant. Use the available tools when they help.",
			Embedded:    "You are a helpful assistant embedded in a website. Be concise.",
		},
		Providers: ProvidersConfig{
			CatalogPath:     "providers.yaml",
			ProviderTimeout: 20 * time.Second,
			TotalTimeout:    60 * time.Second,
		},
		Sessions: SessionsConfig{
			ReapInterval:   10 * time.Minute,
			IdleThreshold:  30 * time.Minute,
			CleanupTimeout: 10 * time.Second,
			ShutdownBudget: 30 * time.Second,
		},
		Mongo:  MongoConfig{Database: "pollyd"},
		Ledger: LedgerConfig{Kind: "memory", SQLitePath: "pollyd-usage.db"},
	}
}

// Load reads a .env file if present, then the environment, and fills the
// rest from Defaults.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromEnv(os.LookupEnv)
}

// FromEnv builds the configuration from lookup, which has the signature of os.LookupEnv.
func FromEnv(lookup func(string) (string, bool)) (*Config, error) {
	e := env{lookup: lookup}

	cfg := Config{
		Server: ServerConfig{
			Host:    e.str("HOST"),
			Port:    e.int("PORT"),
			GinMode: e.str("GIN_MODE"),
		},
		Model: ModelConfig{
			Model:       e.str("MODEL"),
			Temperature: e.float("TEMP"),
			MaxTokens:   e.int("MAXTOKENS"),
			Timeout:     e.duration("TIMEOUT"),
			APIKeys:     make(map[string]string),
			BaseURLs:    make(map[string]string),
		},
		Prompts: PromptConfig{
			Interactive: e.str("SYSTEM_INTERACTIVE"),
			Embedded:    e.str("SYSTEM_EMBEDDED"),
		},
		Providers: ProvidersConfig{
			CatalogPath:     e.str("PROVIDERS"),
			ProviderTimeout: e.duration("PROVIDER_TIMEOUT"),
			TotalTimeout:    e.duration("INIT_TIMEOUT"),
			SandboxRoot:     e.str("SANDBOX_ROOT"),
			Watch:           e.bool("WATCH_PROVIDERS"),
		},
		Sessions: SessionsConfig{
			ReapInterval:   e.duration("REAP_INTERVAL"),
			IdleThreshold:  e.duration("IDLE_TIMEOUT"),
			CleanupTimeout: e.duration("CLEANUP_TIMEOUT"),
			ShutdownBudget: e.duration("SHUTDOWN_TIMEOUT"),
		},
		Mongo: MongoConfig{
			URI:      e.str("MONGO_URI"),
			Database: e.str("MONGO_DATABASE"),
		},
		Redis: RedisConfig{
			Addr:     e.str("REDIS_ADDR"),
			Password: e.str("REDIS_PASSWORD"),
			DB:       e.int("REDIS_DB"),
		},
		Ledger: LedgerConfig{
			Kind:       strings.ToLower(e.str("LEDGER")),
			SQLitePath: e.str("LEDGER_SQLITE"),
			PricesPath: e.str("PRICES"),
		},
		Knowledge: KnowledgeConfig{
			URL:    e.str("KNOWLEDGE_URL"),
			APIKey: e.str("KNOWLEDGE_KEY"),
		},
		Log: LogConfig{
			Debug:     e.bool("DEBUG"),
			JSON:      e.bool("LOG_JSON"),
			TenantDir: e.str("TENANT_LOG_DIR"),
		},
	}

	// streaming defaults on; only an explicit false disables it
	cfg.Model.Streaming = true
	if v, ok := lookup(EnvPrefix + "STREAMING"); ok && v != "" {
		cfg.Model.Streaming = e.bool("STREAMING")
	}

	for _, provider := range []string{llm.ProviderOpenAI, llm.ProviderAnthropic, llm.ProviderGemini, llm.ProviderOllama} {
		if key, ok := lookup(llm.APIKeyEnv(provider)); ok && key != "" {
			cfg.Model.APIKeys[provider] = key
		}
		if url, ok := lookup(EnvPrefix + strings.ToUpper(provider) + "_BASEURL"); ok && url != "" {
			cfg.Model.BaseURLs[provider] = url
		}
	}

	if err := mergo.Merge(&cfg, Defaults()); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}
	if len(e.errs) > 0 {
		return nil, fmt.Errorf("invalid environment: %s", strings.Join(e.errs, "; "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports inconsistent settings.
func (c *Config) Validate() error {
	switch c.Ledger.Kind {
	case "memory", "sqlite":
	case "mongo":
		if c.Mongo.URI == "" {
			return fmt.Errorf("ledger %q requires %sMONGO_URI", c.Ledger.Kind, EnvPrefix)
		}
	default:
		return fmt.Errorf("unknown ledger %q (valid: memory, sqlite, mongo)", c.Ledger.Kind)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	return nil
}

// env reads prefixed variables and collects parse errors.
type env struct {
	lookup func(string) (string, bool)
	errs   []string
}

func (e *env) str(key string) string {
	v, _ := e.lookup(EnvPrefix + key)
	return strings.TrimSpace(v)
}

func (e *env) int(key string) int {
	v := e.str(key)
	if v == "" {
		return 0
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s%s: %v", EnvPrefix, key, err))
	}
	return i
}

func (e *env) float(key string) float64 {
	v := e.str(key)
	if v == "" {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s%s: %v", EnvPrefix, key, err))
	}
	return f
}

func (e *env) bool(key string) bool {
	v := e.str(key)
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s%s: %v", EnvPrefix, key, err))
	}
	return b
}

func (e *env) duration(key string) time.Duration {
	v := e.str(key)
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s%s: %v", EnvPrefix, key, err))
	}
	return d
}
