package tools

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"
)

// Transport is the wire used to reach a tool provider.
type Transport string

const (
	TransportStdio      Transport = "stdio"
	TransportSSE        Transport = "sse"
	TransportStreamable Transport = "streamable"
)

// IsolationHeader carries a provider spec's isolation context on remote transports.
const IsolationHeader = "X-Isolation-Context"

// IsolationEnv carries a provider spec's isolation context to stdio processes.
const IsolationEnv = "POLLYD_ISOLATION_CONTEXT"

// ProviderSpec declares one tool provider.
type ProviderSpec struct {
	Name      string    `yaml:"name" json:"name" jsonschema:"required,description=Unique provider name"`
	Transport Transport `yaml:"transport,omitempty" json:"transport,omitempty" jsonschema:"enum=stdio,enum=sse,enum=streamable,default=stdio"`

	// Local/stdio transport fields
	Command string            `yaml:"command,omitempty" json:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`

	// Remote transport fields
	URL     string            `yaml:"url,omitempty" json:"url,omitempty" jsonschema:"format=uri"`
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`

	// Timeout overrides the initializer's per-provider timeout (e.g. "30s")
	Timeout string `yaml:"timeout,omitempty" json:"timeout,omitempty" jsonschema:"example=30s"`

	// Sandboxed stdio providers run with a private environment and home directory.
	Sandboxed        bool   `yaml:"sandboxed,omitempty" json:"sandboxed,omitempty"`
	IsolationContext string `yaml:"isolation_context,omitempty" json:"isolation_context,omitempty"`
}

// TransportKind returns the configured transport, defaulting to stdio.
func (s ProviderSpec) TransportKind() Transport {
	if s.Transport == "" {
		return TransportStdio
	}
	return s.Transport
}

// Validate reports configuration errors that would make Connect fail.
func (s ProviderSpec) Validate() error {
	var errs []error
	if s.Name == "" {
		errs = append(errs, errors.New("provider name is required"))
	}

	switch s.TransportKind() {
	case TransportStdio:
		if s.Command == "" {
			errs = append(errs, fmt.Errorf("provider %q: stdio transport requires a command", s.Name))
		}
		if s.Sandboxed && s.IsolationContext == "" {
			errs = append(errs, fmt.Errorf("provider %q: sandboxed providers require an isolation context", s.Name))
		}
	case TransportSSE, TransportStreamable:
		if s.URL == "" {
			errs = append(errs, fmt.Errorf("provider %q: %s transport requires a URL", s.Name, s.Transport))
		}
	default:
		errs = append(errs, fmt.Errorf("provider %q: unknown transport type: %s (supported: stdio, sse, streamable)", s.Name, s.Transport))
	}

	if _, err := s.timeout(); err != nil {
		errs = append(errs, fmt.Errorf("provider %q: %w", s.Name, err))
	}
	return errors.Join(errs...)
}

func (s ProviderSpec) timeout() (time.Duration, error) {
	if s.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q: %w", s.Timeout, err)
	}
	return d, nil
}

// Equal reports whether two specs would produce the same connection.
func (s ProviderSpec) Equal(o ProviderSpec) bool {
	return s.Name == o.Name &&
		s.TransportKind() == o.TransportKind() &&
		s.Command == o.Command &&
		slices.Equal(s.Args, o.Args) &&
		maps.Equal(s.Env, o.Env) &&
		s.URL == o.URL &&
		maps.Equal(s.Headers, o.Headers) &&
		s.Timeout == o.Timeout &&
		s.Sandboxed == o.Sandboxed &&
		s.IsolationContext == o.IsolationContext
}

// Display returns a short human readable description of the provider endpoint.
func (s ProviderSpec) Display() string {
	switch s.TransportKind() {
	case TransportSSE, TransportStreamable:
		return fmt.Sprintf("%s (%s)", s.URL, s.Transport)
	default:
		out := s.Command
		for _, a := range s.Args {
			out += " " + a
		}
		return out
	}
}
