package tools

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/antzucaro/matchr"
	jsonschemalib "github.com/google/jsonschema-go/jsonschema"
	"golang.org/x/time/rate"

	"github.com/openhearth/hearth/internal/action"
)

// DefaultCallsPerMinute is the process-wide tool-call budget.
const DefaultCallsPerMinute = 30

// defaultSuggestionThreshold is the minimum Jaro-Winkler similarity for a
// target ID to be offered as a "did you mean" suggestion.
const defaultSuggestionThreshold = 0.84

// maxSuggestions caps how many candidates a rejection carries.
const maxSuggestions = 3

// alwaysDenied lists service-control operations that are refused no matter
// what the configuration allows. A conversational agent must never be able to
// take down the system it runs against.
var alwaysDenied = map[string]struct{}{
	"homeassistant.restart":            {},
	"homeassistant.stop":               {},
	"homeassistant.reload_all":         {},
	"homeassistant.reload_core_config": {},
}

// Decision is the validator's verdict on one tool call. Rejections carry the
// reason verbatim so the agent can feed it back to the model as a tool
// result.
type Decision struct {
	Allowed     bool
	Reason      string
	Suggestions []string

	// Request is the parsed backend request. Populated only when Allowed
	// and the route is local.
	Request action.Request

	// Arguments is the parsed argument map, kept for remote MCP calls.
	Arguments map[string]any
}

// ValidatorConfig configures a [Validator].
type ValidatorConfig struct {
	// AllowedDomains is the domain allow-list. Empty means every domain the
	// snapshot advertises is fair game.
	AllowedDomains []string

	// DeniedActions lists "domain.action" pairs to refuse on top of the
	// built-in always-denied set.
	DeniedActions []string

	// CallsPerMinute is the tool-call budget shared by every conversation
	// in the process. Defaults to [DefaultCallsPerMinute].
	CallsPerMinute int

	// SuggestionThreshold overrides the similarity cutoff for target
	// suggestions. Defaults to 0.84.
	SuggestionThreshold float64
}

// Validator checks tool calls against policy and the capability snapshot.
// The checks run in a fixed order: argument parsing, domain allow-list,
// action deny-list, target existence, parameter schema, rate limit. The first
// failing check decides the verdict.
//
// Safe for concurrent use. The policy can be swapped at runtime via
// [Validator.UpdatePolicy].
type Validator struct {
	threshold float64

	mu        sync.Mutex
	allowed   map[string]struct{}
	denied    map[string]struct{}
	perMinute int
	limiter   *rate.Limiter
}

// NewValidator creates a Validator with the given configuration.
func NewValidator(cfg ValidatorConfig) *Validator {
	v := &Validator{
		perMinute: cfg.CallsPerMinute,
		threshold: cfg.SuggestionThreshold,
	}
	if v.perMinute <= 0 {
		v.perMinute = DefaultCallsPerMinute
	}
	if v.threshold <= 0 {
		v.threshold = defaultSuggestionThreshold
	}
	v.limiter = newBudgetLimiter(v.perMinute)
	if len(cfg.AllowedDomains) > 0 {
		v.allowed = make(map[string]struct{}, len(cfg.AllowedDomains))
		for _, d := range cfg.AllowedDomains {
			v.allowed[d] = struct{}{}
		}
	}
	v.denied = make(map[string]struct{}, len(cfg.DeniedActions))
	for _, a := range cfg.DeniedActions {
		v.denied[a] = struct{}{}
	}
	return v
}

// UpdatePolicy replaces the allow/deny lists and the call budget. The shared
// limiter is rebuilt so the new budget takes effect immediately. The
// suggestion threshold is fixed at construction.
func (v *Validator) UpdatePolicy(cfg ValidatorConfig) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.allowed = nil
	if len(cfg.AllowedDomains) > 0 {
		v.allowed = make(map[string]struct{}, len(cfg.AllowedDomains))
		for _, d := range cfg.AllowedDomains {
			v.allowed[d] = struct{}{}
		}
	}
	v.denied = make(map[string]struct{}, len(cfg.DeniedActions))
	for _, a := range cfg.DeniedActions {
		v.denied[a] = struct{}{}
	}
	v.perMinute = cfg.CallsPerMinute
	if v.perMinute <= 0 {
		v.perMinute = DefaultCallsPerMinute
	}
	v.limiter = newBudgetLimiter(v.perMinute)
}

// Validate checks one routed tool call for the given conversation. toolName
// is the exposed name (for error messages), args the raw JSON argument
// string. schema may be nil for remote tools.
//
// The returned Decision always carries a human-readable reason on rejection;
// the error is the matching typed error for callers that branch on kind.
func (v *Validator) Validate(convID, toolName string, rt Route, args string, schema *jsonschemalib.Resolved, snap *action.CapabilitySnapshot) (Decision, error) {
	// 1. Parse.
	argsMap := map[string]any{}
	if args != "" {
		if err := json.Unmarshal([]byte(args), &argsMap); err != nil {
			perr := &ParseError{Tool: toolName, Err: err}
			return Decision{Reason: "arguments are not valid JSON: " + err.Error()}, perr
		}
	}

	v.mu.Lock()
	allowed, denied, perMinute, limiter := v.allowed, v.denied, v.perMinute, v.limiter
	v.mu.Unlock()

	if !rt.Remote {
		// 2. Domain allow-list.
		if allowed != nil {
			if _, ok := allowed[rt.Domain]; !ok {
				verr := &ValidationError{Tool: toolName, Reason: fmt.Sprintf("domain %q is not allowed", rt.Domain)}
				return Decision{Reason: verr.Reason}, verr
			}
		}

		// 3. Action deny-list.
		key := rt.Domain + "." + rt.Action
		if _, ok := alwaysDenied[key]; ok {
			verr := &ValidationError{Tool: toolName, Reason: fmt.Sprintf("action %q is never allowed", key)}
			return Decision{Reason: verr.Reason}, verr
		}
		if _, ok := denied[key]; ok {
			verr := &ValidationError{Tool: toolName, Reason: fmt.Sprintf("action %q is denied by configuration", key)}
			return Decision{Reason: verr.Reason}, verr
		}

		// 4. Target existence.
		targets := stringSlice(argsMap["targets"])
		if dom := snap.Domain(rt.Domain); dom != nil {
			for _, tgt := range targets {
				if dom.HasTarget(tgt) {
					continue
				}
				sugg := v.suggest(tgt, dom)
				verr := &ValidationError{
					Tool:        toolName,
					Reason:      fmt.Sprintf("unknown target %q in domain %q", tgt, rt.Domain),
					Suggestions: sugg,
				}
				return Decision{Reason: verr.Error(), Suggestions: sugg}, verr
			}
		} else {
			verr := &ValidationError{Tool: toolName, Reason: fmt.Sprintf("domain %q is not present in the current capabilities", rt.Domain)}
			return Decision{Reason: verr.Reason}, verr
		}
	}

	// 5. Parameter schema.
	if schema != nil {
		if err := schema.Validate(argsMap); err != nil {
			verr := &ValidationError{Tool: toolName, Reason: "invalid parameters: " + err.Error()}
			return Decision{Reason: verr.Reason}, verr
		}
	}

	// 6. Rate limit. The budget is shared across all conversations; the
	// rejection names the one that spent the last token.
	if !limiter.Allow() {
		rerr := &RateLimitedError{Conversation: convID, RetryAfter: time.Minute / time.Duration(perMinute)}
		return Decision{Reason: rerr.Error()}, rerr
	}

	dec := Decision{Allowed: true, Arguments: argsMap}
	if !rt.Remote {
		params := make(map[string]any, len(argsMap))
		for k, val := range argsMap {
			if k == "targets" {
				continue
			}
			params[k] = val
		}
		dec.Request = action.Request{
			Domain:     rt.Domain,
			Action:     rt.Action,
			Targets:    stringSlice(argsMap["targets"]),
			Parameters: params,
		}
	}
	return dec, nil
}

// newBudgetLimiter builds the shared limiter. The bucket refills at the
// configured per-minute rate with a burst of the full budget, mirroring a
// one-minute window.
func newBudgetLimiter(perMinute int) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute)
}

// suggest returns target IDs similar to the unknown one, best match first.
// Friendly names are matched too so "kitchen" finds "light.kitchen_ceiling".
func (v *Validator) suggest(unknown string, dom *action.Domain) []string {
	type scored struct {
		id    string
		score float64
	}
	var candidates []scored

	for _, t := range dom.Targets {
		score := matchr.JaroWinkler(unknown, t.ID, false)
		if t.FriendlyName != "" {
			if s := matchr.JaroWinkler(unknown, t.FriendlyName, false); s > score {
				score = s
			}
		}
		if score >= v.threshold {
			candidates = append(candidates, scored{id: t.ID, score: score})
		}
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	if len(candidates) > maxSuggestions {
		candidates = candidates[:maxSuggestions]
	}

	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.id
	}
	return out
}

// stringSlice coerces a JSON-decoded value into a string slice.
func stringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
