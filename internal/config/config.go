// Package config provides the configuration schema, loader, and provider registry
// for the Hearth conversation agent.
package config

import "github.com/openhearth/hearth/internal/tools"

// LogLevel controls log verbosity for the Hearth server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// NotifierMode selects how deferred turn results are pushed to the front-end.
type NotifierMode string

const (
	// NotifierWebsocket broadcasts deferred results over the /v1/notifications
	// websocket endpoint.
	NotifierWebsocket NotifierMode = "websocket"

	// NotifierLog writes deferred results to the server log only.
	NotifierLog NotifierMode = "log"
)

// IsValid reports whether n is a recognised notifier mode.
func (n NotifierMode) IsValid() bool {
	return n == NotifierWebsocket || n == NotifierLog
}

// Config is the root configuration structure for Hearth.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	LLM     LLMConfig     `yaml:"llm"`
	Backend BackendConfig `yaml:"backend"`
	Window  WindowConfig  `yaml:"window"`
	Tools   ToolsConfig   `yaml:"tools"`
	Agent   AgentConfig   `yaml:"agent"`
	MCP     MCPConfig     `yaml:"mcp"`
}

// ServerConfig holds network and logging settings for the Hearth server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8123").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// Notifier selects how deferred turn results reach the front-end.
	// Defaults to "websocket" when empty.
	Notifier NotifierMode `yaml:"notifier"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// LLMConfig declares the primary language model provider and an ordered list
// of fallbacks tried when the primary is unavailable.
type LLMConfig struct {
	Primary   ProviderEntry   `yaml:"primary"`
	Fallbacks []ProviderEntry `yaml:"fallbacks"`
}

// ProviderEntry is the configuration block shared by all LLM providers.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation
	// (e.g., "azure", "openai", "ollama").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o").
	// For Azure this is the deployment name.
	Model string `yaml:"model"`

	// APIVersion is the Azure OpenAI API version (e.g., "2024-10-21").
	// Ignored by non-Azure providers.
	APIVersion string `yaml:"api_version"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// BackendConfig describes the home automation backend that capability
// snapshots are fetched from and actions are executed against.
type BackendConfig struct {
	// URL is the backend's base API address (e.g., "http://homeassistant.local:8123").
	URL string `yaml:"url"`

	// Token is the long-lived access token sent as a Bearer credential.
	Token string `yaml:"token"`

	// TimeoutSeconds bounds each backend HTTP request. Defaults to 10.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// WindowConfig holds settings for the per-conversation context window.
type WindowConfig struct {
	// MaxTokens is the token budget for a conversation's message history.
	// Oldest non-system messages are evicted when the budget is exceeded.
	MaxTokens int `yaml:"max_tokens"`
}

// ToolsConfig controls tool schema generation and the call policy.
type ToolsConfig struct {
	// SchemaTTLSeconds is how long generated tool definitions are cached
	// before the capability snapshot is re-fetched. Defaults to 300.
	SchemaTTLSeconds int `yaml:"schema_ttl_seconds"`

	// AllowedDomains restricts tool calls to the listed backend domains.
	// Empty means all domains are allowed.
	AllowedDomains []string `yaml:"allowed_domains"`

	// DeniedActions lists "domain.action" pairs rejected regardless of domain
	// policy, in addition to the built-in deny list.
	DeniedActions []string `yaml:"denied_actions"`

	// CallsPerMinute is the process-wide tool call budget. Defaults to 30.
	CallsPerMinute int `yaml:"calls_per_minute"`

	// Parallel executes the tool calls of a single assistant turn concurrently.
	Parallel bool `yaml:"parallel"`

	// CallTimeoutSeconds bounds each individual tool execution. Defaults to 15.
	CallTimeoutSeconds int `yaml:"call_timeout_seconds"`
}

// AgentConfig tunes the conversation turn loop.
type AgentConfig struct {
	// SystemPrompt is appended to the built-in assistant instructions.
	SystemPrompt string `yaml:"system_prompt"`

	// MaxIterations caps tool-call rounds within a single turn. Defaults to 6.
	MaxIterations int `yaml:"max_iterations"`

	// ResponseDeadlineMillis is how long a turn may run before the caller
	// receives a holding response and the turn continues in the background.
	// Defaults to 8000.
	ResponseDeadlineMillis int `yaml:"response_deadline_millis"`

	// HoldingMessage is returned when a turn exceeds the response deadline.
	HoldingMessage string `yaml:"holding_message"`

	// PendingExpirySeconds is how long an uncollected background result is
	// retained. Defaults to 600.
	PendingExpirySeconds int `yaml:"pending_expiry_seconds"`

	// Temperature is passed to the LLM on every completion. Zero means the
	// provider default.
	Temperature float64 `yaml:"temperature"`

	// MaxTokens caps the length of each LLM completion. Zero means the
	// provider default.
	MaxTokens int `yaml:"max_tokens"`
}

// MCPConfig holds the list of Model Context Protocol servers to connect to.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`
}

// MCPServerConfig describes how to connect to a single MCP tool server.
type MCPServerConfig struct {
	// Name is a unique human-readable identifier for this server (used in logs
	// and as the tool name prefix).
	Name string `yaml:"name"`

	// Transport specifies the connection mechanism.
	Transport tools.Transport `yaml:"transport"`

	// Command is the executable (with optional arguments) launched when
	// Transport is "stdio". Ignored for streamable-http transport.
	Command string `yaml:"command"`

	// URL is the MCP endpoint address used when Transport is "streamable-http"
	// (e.g., "https://mcp.example.com/mcp"). Ignored for stdio transport.
	URL string `yaml:"url"`

	// Env holds additional environment variables injected into the subprocess
	// when Transport is "stdio". May be nil.
	Env map[string]string `yaml:"env"`
}
