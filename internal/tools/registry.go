// Package tools exposes the automation backend's capabilities as LLM tool
// definitions and applies the gatekeeping between what the model asks for and
// what actually runs: schema validation, domain/action policy, target
// existence checks, rate limiting and batched execution.
package tools

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/openhearth/hearth/internal/action"
	"github.com/openhearth/hearth/pkg/types"
)

// DefaultSchemaTTL is how long a built tool set is served before it is
// rebuilt from a fresh capability snapshot.
const DefaultSchemaTTL = 5 * time.Minute

// Route maps an exposed tool name back to what it invokes.
type Route struct {
	// Domain and Action address the automation backend for local tools.
	Domain string
	Action string

	// Server and Tool address an external MCP server when Remote is true.
	Server string
	Tool   string
	Remote bool
}

// RegistryConfig configures a [Registry].
type RegistryConfig struct {
	// TTL is the schema cache lifetime. Defaults to [DefaultSchemaTTL].
	TTL time.Duration

	// MCP optionally merges tools from external MCP servers into the
	// exposed set.
	MCP *MCPHost

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// now is a test hook. Defaults to time.Now.
	now func() time.Time
}

// Registry builds tool definitions from a capability snapshot and caches the
// result. Rebuilds happen lazily on the first access after the TTL expires,
// under the mutex, so concurrent readers see either the old set or the new
// one but never a partial build.
//
// All methods are safe for concurrent use.
type Registry struct {
	ttl    time.Duration
	mcp    *MCPHost
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	defs    []types.ToolDefinition
	schemas map[string]*jsonschema.Resolved
	routes  map[string]Route
	expires time.Time
	builds  int
}

// NewRegistry creates a Registry with the given configuration.
func NewRegistry(cfg RegistryConfig) *Registry {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultSchemaTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.now
	if now == nil {
		now = time.Now
	}
	return &Registry{
		ttl:    ttl,
		mcp:    cfg.MCP,
		logger: logger.With("component", "tools.registry"),
		now:    now,
	}
}

// Definitions returns the tool definitions to offer the model for the given
// snapshot, rebuilding the cached set when the TTL has lapsed.
func (r *Registry) Definitions(snap *action.CapabilitySnapshot) ([]types.ToolDefinition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.defs == nil || r.now().After(r.expires) {
		if err := r.rebuildLocked(snap); err != nil {
			return nil, err
		}
	}

	out := make([]types.ToolDefinition, len(r.defs))
	copy(out, r.defs)
	return out, nil
}

// Schema returns the resolved parameter schema for an exposed tool name.
func (r *Registry) Schema(name string) (*jsonschema.Resolved, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.schemas[name]
	return s, ok
}

// Lookup returns the route for an exposed tool name.
func (r *Registry) Lookup(name string) (Route, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, ok := r.routes[name]
	return rt, ok
}

// Invalidate drops the cached tool set so the next Definitions call rebuilds.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs = nil
	r.expires = time.Time{}
}

// rebuildLocked constructs definitions, schemas and routes from the snapshot.
// Must be called with r.mu held.
func (r *Registry) rebuildLocked(snap *action.CapabilitySnapshot) error {
	defs := make([]types.ToolDefinition, 0)
	schemas := make(map[string]*jsonschema.Resolved)
	routes := make(map[string]Route)

	for _, d := range snap.Domains {
		for _, a := range d.Actions {
			name := toolName(d.Name, a.Name)
			schema := buildActionSchema(d, a)

			resolved, err := schema.Resolve(nil)
			if err != nil {
				return fmt.Errorf("tools: resolve schema for %s: %w", name, err)
			}

			defs = append(defs, types.ToolDefinition{
				Name:        name,
				Description: actionDescription(d, a),
				Parameters:  schemaToMap(schema),
			})
			schemas[name] = resolved
			routes[name] = Route{Domain: d.Name, Action: a.Name}
		}
	}

	if r.mcp != nil {
		for _, rt := range r.mcp.Tools() {
			defs = append(defs, rt.Definition)
			routes[rt.Definition.Name] = Route{
				Server: rt.Server,
				Tool:   rt.Tool,
				Remote: true,
			}
		}
	}

	r.defs = defs
	r.schemas = schemas
	r.routes = routes
	r.expires = r.now().Add(r.ttl)
	r.builds++
	r.logger.Debug("rebuilt tool registry", "tools", len(defs), "builds", r.builds)
	return nil
}

// toolName derives the exposed tool name. Dots are not accepted in function
// names by every backend, so domain and action are joined with an underscore;
// the route map resolves the original pair, never string parsing.
func toolName(domain, act string) string {
	return domain + "_" + act
}

// actionDescription composes the tool description shown to the model.
func actionDescription(d action.Domain, a action.Action) string {
	switch {
	case a.Description != "" && d.Description != "":
		return a.Description + " (" + d.Description + ")"
	case a.Description != "":
		return a.Description
	default:
		return fmt.Sprintf("Perform %s on the %s domain.", a.Name, d.Name)
	}
}

// buildActionSchema constructs the JSON schema for one action's parameters.
// Every action takes an optional "targets" array of entity IDs plus its own
// declared parameters.
func buildActionSchema(d action.Domain, a action.Action) *jsonschema.Schema {
	props := map[string]*jsonschema.Schema{
		"targets": {
			Type:        "array",
			Description: fmt.Sprintf("IDs of the %s entities to act on.", d.Name),
			Items:       &jsonschema.Schema{Type: "string"},
		},
	}
	var required []string

	for _, p := range a.Parameters {
		ps := &jsonschema.Schema{
			Type:        p.Type,
			Description: p.Description,
			Minimum:     p.Minimum,
			Maximum:     p.Maximum,
		}
		for _, e := range p.Enum {
			ps.Enum = append(ps.Enum, e)
		}
		props[p.Name] = ps
		if p.Required {
			required = append(required, p.Name)
		}
	}

	return &jsonschema.Schema{
		Type:       "object",
		Properties: props,
		Required:   required,
	}
}

// schemaToMap converts a schema into the generic map form tool definitions
// carry on the wire.
func schemaToMap(s *jsonschema.Schema) map[string]any {
	data, err := json.Marshal(s)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}
