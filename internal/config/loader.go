package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strings"

	"github.com/openhearth/hearth/internal/tools"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known LLM provider names.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{
	"azure", "azure-responses", "openai", "anthropic", "ollama",
	"gemini", "deepseek", "mistral", "groq",
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.Notifier != "" && !cfg.Server.Notifier.IsValid() {
		errs = append(errs, fmt.Errorf("server.notifier %q is invalid; valid values: websocket, log", cfg.Server.Notifier))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" {
			errs = append(errs, errors.New("server.tls.cert_file is required when tls is set"))
		}
		if cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls.key_file is required when tls is set"))
		}
	}

	// LLM providers
	if cfg.LLM.Primary.Name == "" {
		errs = append(errs, errors.New("llm.primary.name is required"))
	} else {
		validateProviderName("llm.primary", cfg.LLM.Primary)
	}
	for i, fb := range cfg.LLM.Fallbacks {
		prefix := fmt.Sprintf("llm.fallbacks[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		validateProviderName(prefix, fb)
	}
	if isAzure(cfg.LLM.Primary.Name) && cfg.LLM.Primary.BaseURL == "" {
		errs = append(errs, errors.New("llm.primary.base_url is required for azure providers"))
	}

	// Backend
	if cfg.Backend.URL == "" {
		errs = append(errs, errors.New("backend.url is required"))
	} else if u, err := url.Parse(cfg.Backend.URL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("backend.url %q is not a valid absolute URL", cfg.Backend.URL))
	}
	if cfg.Backend.Token == "" {
		slog.Warn("backend.token is empty; requests to the backend will be unauthenticated")
	}
	if cfg.Backend.TimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("backend.timeout_seconds %d must not be negative", cfg.Backend.TimeoutSeconds))
	}

	// Window
	if cfg.Window.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("window.max_tokens %d must not be negative", cfg.Window.MaxTokens))
	}

	// Tools
	if cfg.Tools.SchemaTTLSeconds < 0 {
		errs = append(errs, fmt.Errorf("tools.schema_ttl_seconds %d must not be negative", cfg.Tools.SchemaTTLSeconds))
	}
	if cfg.Tools.CallsPerMinute < 0 {
		errs = append(errs, fmt.Errorf("tools.calls_per_minute %d must not be negative", cfg.Tools.CallsPerMinute))
	}
	if cfg.Tools.CallTimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("tools.call_timeout_seconds %d must not be negative", cfg.Tools.CallTimeoutSeconds))
	}
	for i, action := range cfg.Tools.DeniedActions {
		if !strings.Contains(action, ".") {
			errs = append(errs, fmt.Errorf("tools.denied_actions[%d] %q must be in domain.action form", i, action))
		}
	}

	// Agent
	if cfg.Agent.MaxIterations < 0 {
		errs = append(errs, fmt.Errorf("agent.max_iterations %d must not be negative", cfg.Agent.MaxIterations))
	}
	if cfg.Agent.ResponseDeadlineMillis < 0 {
		errs = append(errs, fmt.Errorf("agent.response_deadline_millis %d must not be negative", cfg.Agent.ResponseDeadlineMillis))
	}
	if cfg.Agent.PendingExpirySeconds < 0 {
		errs = append(errs, fmt.Errorf("agent.pending_expiry_seconds %d must not be negative", cfg.Agent.PendingExpirySeconds))
	}
	if cfg.Agent.Temperature < 0 || cfg.Agent.Temperature > 2 {
		errs = append(errs, fmt.Errorf("agent.temperature %.2f is out of range [0, 2]", cfg.Agent.Temperature))
	}

	// MCP servers
	serverNamesSeen := make(map[string]int, len(cfg.MCP.Servers))
	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := serverNamesSeen[srv.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of mcp.servers[%d]", prefix, srv.Name, prev))
			}
			serverNamesSeen[srv.Name] = i
		}
		if srv.Transport != "" && !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == tools.TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == tools.TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}

	return errors.Join(errs...)
}

// isAzure reports whether name selects one of the Azure provider variants.
func isAzure(name string) bool {
	return name == "azure" || name == "azure-responses"
}

// validateProviderName logs a warning if the entry's name is not found in
// [ValidProviderNames].
func validateProviderName(prefix string, entry ProviderEntry) {
	if slices.Contains(ValidProviderNames, entry.Name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"field", prefix,
		"name", entry.Name,
		"known", ValidProviderNames,
	)
}
