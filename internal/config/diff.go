package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SystemPromptChanged means agent.system_prompt differs; the agent picks
	// up the new prompt on the next turn.
	SystemPromptChanged bool
	NewSystemPrompt     string

	// ToolPolicyChanged means the allow/deny lists or the call budget differ;
	// the validator is rebuilt with the new policy.
	ToolPolicyChanged bool

	// WindowChanged means window.max_tokens differs; existing conversations
	// adopt the new budget on their next append.
	WindowChanged   bool
	NewWindowBudget int
}

// Any reports whether the diff contains at least one change.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.SystemPromptChanged || d.ToolPolicyChanged || d.WindowChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Agent.SystemPrompt != new.Agent.SystemPrompt {
		d.SystemPromptChanged = true
		d.NewSystemPrompt = new.Agent.SystemPrompt
	}

	if !slices.Equal(old.Tools.AllowedDomains, new.Tools.AllowedDomains) ||
		!slices.Equal(old.Tools.DeniedActions, new.Tools.DeniedActions) ||
		old.Tools.CallsPerMinute != new.Tools.CallsPerMinute {
		d.ToolPolicyChanged = true
	}

	if old.Window.MaxTokens != new.Window.MaxTokens {
		d.WindowChanged = true
		d.NewWindowBudget = new.Window.MaxTokens
	}

	return d
}
