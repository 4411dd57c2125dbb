package llm

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/alexschlessinger/pollyd/tools"
)

var (
	// ErrUnsupportedProvider is returned by Create for unknown provider names.
	ErrUnsupportedProvider = errors.New("unsupported provider")
	// ErrMissingAPIKey is returned when a provider that needs a key has none.
	ErrMissingAPIKey = errors.New("missing API key")
)

// DefaultRequestTimeout bounds one model call.
const DefaultRequestTimeout = 120 * time.Second

// ProviderFactory builds a client for one provider.
type ProviderFactory func(apiKey, baseURL string) LLM

// APIKeyEnv returns the environment variable holding a provider's API key
func APIKeyEnv(provider string) string {
	return fmt.Sprintf("POLLYD_%sKEY", strings.ToUpper(provider))
}

// Invoker routes a Config to a provider client and wraps it in an Agent.
type Invoker struct {
	mu        sync.RWMutex
	factories map[string]ProviderFactory
	keyless   map[string]bool

	apiKeys  map[string]string
	baseURLs map[string]string

	// Agent configures the agent loop of every agent the invoker creates.
	Agent AgentConfig
	// Timeout bounds each model call; zero uses DefaultRequestTimeout.
	Timeout time.Duration
}

// NewInvoker creates an invoker with the built-in providers registered.
func NewInvoker(apiKeys, baseURLs map[string]string) *Invoker {
	inv := &Invoker{
		factories: make(map[string]ProviderFactory),
		keyless:   make(map[string]bool),
		apiKeys:   apiKeys,
		baseURLs:  baseURLs,
	}
	inv.Register(ProviderOpenAI, func(key, baseURL string) LLM { return NewOpenAIClient(key, baseURL) })
	inv.Register(ProviderAnthropic, func(key, baseURL string) LLM { return NewAnthropicClient(key, baseURL) })
	inv.Register(ProviderGemini, func(key, baseURL string) LLM { return NewGeminiClient(key, baseURL) })
	inv.RegisterKeyless(ProviderOllama, func(key, baseURL string) LLM {
		if baseURL == "" {
			baseURL = DefaultOllamaURL
		}
		return NewOllamaClient(baseURL, key)
	})
	return inv
}

// Register adds or replaces a provider that requires an API key.
func (i *Invoker) Register(provider string, factory ProviderFactory) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.factories[provider] = factory
	delete(i.keyless, provider)
}

// RegisterKeyless adds or replaces a provider that works without an API key.
func (i *Invoker) RegisterKeyless(provider string, factory ProviderFactory) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.factories[provider] = factory
	i.keyless[provider] = true
}

// Providers returns the registered provider names, sorted.
func (i *Invoker) Providers() []string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	names := make([]string, 0, len(i.factories))
	for name := range i.factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Client returns a client for provider.
func (i *Invoker) Client(provider string) (LLM, error) {
	provider = strings.ToLower(provider)

	i.mu.RLock()
	factory, ok := i.factories[provider]
	keyless := i.keyless[provider]
	i.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w %q (valid providers: %s)", ErrUnsupportedProvider, provider, strings.Join(i.Providers(), ", "))
	}

	key := i.apiKeys[provider]
	if key == "" && !keyless {
		return nil, fmt.Errorf("%w for provider %q: set %s", ErrMissingAPIKey, provider, APIKeyEnv(provider))
	}
	return factory(key, i.baseURLs[provider]), nil
}

// Create binds cfg and the tool set to a new agent. Unknown providers fail
// immediately with ErrUnsupportedProvider.
func (i *Invoker) Create(cfg Config, toolset []tools.Tool) (*Agent, error) {
	cfg = cfg.WithDefaults()
	client, err := i.Client(cfg.Provider)
	if err != nil {
		return nil, err
	}

	timeout := i.Timeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	agent := NewAgent(client, tools.NewSet(toolset), cfg, i.Agent)
	agent.timeout = timeout
	return agent, nil
}
