package tools

import (
	"fmt"
	"time"
)

// ParseError reports tool-call arguments that are not valid JSON. The model
// produced garbage; the reason is fed back so it can correct itself on the
// next iteration.
type ParseError struct {
	Tool string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("tools: parse arguments for %q: %v", e.Tool, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ValidationError reports a structurally valid call that policy or the
// capability snapshot rejects: disallowed domain, denied action, unknown
// target, or parameters failing the schema.
type ValidationError struct {
	Tool   string
	Reason string

	// Suggestions lists close target IDs when the rejection was an unknown
	// target ("did you mean").
	Suggestions []string
}

func (e *ValidationError) Error() string {
	if len(e.Suggestions) > 0 {
		return fmt.Sprintf("tools: %s rejected: %s (did you mean %v?)", e.Tool, e.Reason, e.Suggestions)
	}
	return fmt.Sprintf("tools: %s rejected: %s", e.Tool, e.Reason)
}

// RateLimitedError reports that the process-wide tool-call budget is spent.
// Conversation identifies the call that hit the limit.
type RateLimitedError struct {
	Conversation string
	RetryAfter   time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("tools: conversation %s rate limited, retry in %s", e.Conversation, e.RetryAfter.Round(time.Millisecond))
}
