package window

import (
	"encoding/json"

	"github.com/openhearth/hearth/pkg/types"
)

// charsPerToken is the heuristic ratio used for token estimation.
// English text averages roughly 4 characters per token across common
// LLM tokenizers. This avoids pulling in a tokenizer dependency.
const charsPerToken = 4

// messageOverhead is the fixed per-message token cost (role framing and
// separators) charged on top of the content estimate.
const messageOverhead = 4

// Estimator computes the token cost of messages and tool definitions.
// Estimates must be deterministic: the same input always yields the same
// count, so eviction decisions are reproducible.
type Estimator interface {
	// EstimateMessage returns the token cost of a single message.
	EstimateMessage(m types.Message) int

	// EstimateToolDefs returns the token cost of offering the given tool
	// definitions alongside every request.
	EstimateToolDefs(defs []types.ToolDefinition) int
}

// HeuristicEstimator estimates tokens with the 1-token-per-4-characters rule.
// It should not undercount badly: it charges for role, name, content and tool
// call payloads, plus a fixed per-message overhead.
type HeuristicEstimator struct{}

var _ Estimator = HeuristicEstimator{}

// EstimateMessage implements Estimator.
func (HeuristicEstimator) EstimateMessage(m types.Message) int {
	chars := len(m.Content) + len(m.Role) + len(m.Name) + len(m.ToolCallID)
	for _, tc := range m.ToolCalls {
		chars += len(tc.Name) + len(tc.Arguments) + len(tc.ID)
	}
	tokens := chars / charsPerToken
	if tokens == 0 && chars > 0 {
		tokens = 1
	}
	return tokens + messageOverhead
}

// EstimateToolDefs implements Estimator. The cost of a tool definition is its
// JSON-encoded schema length, since that is roughly what the backend inlines
// into the prompt.
func (HeuristicEstimator) EstimateToolDefs(defs []types.ToolDefinition) int {
	total := 0
	for _, d := range defs {
		chars := len(d.Name) + len(d.Description)
		if d.Parameters != nil {
			if raw, err := json.Marshal(d.Parameters); err == nil {
				chars += len(raw)
			}
		}
		total += chars / charsPerToken
	}
	return total
}
