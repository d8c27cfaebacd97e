// Package action defines the boundary to the home-automation backend.
//
// The backend is whatever actually flips switches: it advertises its
// capabilities (domains, actions, targets) as a snapshot and accepts execution
// requests. Hearth never talks to devices directly — everything goes through
// an [Invoker].
package action

import "context"

// ParameterSpec describes one parameter an action accepts.
type ParameterSpec struct {
	Name        string   `json:"name" yaml:"name"`
	Type        string   `json:"type" yaml:"type"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Required    bool     `json:"required,omitempty" yaml:"required,omitempty"`
	Enum        []string `json:"enum,omitempty" yaml:"enum,omitempty"`
	Minimum     *float64 `json:"minimum,omitempty" yaml:"minimum,omitempty"`
	Maximum     *float64 `json:"maximum,omitempty" yaml:"maximum,omitempty"`
}

// Action is one operation a domain supports (e.g. "turn_on").
type Action struct {
	Name        string          `json:"name" yaml:"name"`
	Description string          `json:"description,omitempty" yaml:"description,omitempty"`
	Parameters  []ParameterSpec `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// Target is an addressable entity within a domain.
type Target struct {
	ID           string `json:"id" yaml:"id"`
	FriendlyName string `json:"friendly_name,omitempty" yaml:"friendly_name,omitempty"`
}

// Domain groups actions and targets of one kind (e.g. "light", "climate").
type Domain struct {
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Actions     []Action `json:"actions" yaml:"actions"`
	Targets     []Target `json:"targets,omitempty" yaml:"targets,omitempty"`
}

// CapabilitySnapshot is the backend's self-description at a point in time.
// Snapshots are immutable once taken; a new snapshot replaces the old one
// wholesale.
type CapabilitySnapshot struct {
	Domains []Domain `json:"domains" yaml:"domains"`
}

// Domain returns the named domain, or nil when absent.
func (s *CapabilitySnapshot) Domain(name string) *Domain {
	for i := range s.Domains {
		if s.Domains[i].Name == name {
			return &s.Domains[i]
		}
	}
	return nil
}

// Action returns the named action, or nil when absent.
func (d *Domain) Action(name string) *Action {
	for i := range d.Actions {
		if d.Actions[i].Name == name {
			return &d.Actions[i]
		}
	}
	return nil
}

// HasTarget reports whether the domain knows the given target ID.
func (d *Domain) HasTarget(id string) bool {
	for _, t := range d.Targets {
		if t.ID == id {
			return true
		}
	}
	return false
}

// TargetIDs returns all target IDs of the domain.
func (d *Domain) TargetIDs() []string {
	ids := make([]string, len(d.Targets))
	for i, t := range d.Targets {
		ids[i] = t.ID
	}
	return ids
}

// Request asks the backend to perform one action on zero or more targets.
type Request struct {
	Domain     string         `json:"domain"`
	Action     string         `json:"action"`
	Targets    []string       `json:"targets,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Result is the backend's answer to a Request.
type Result struct {
	// Status is "ok" or a backend-specific failure code.
	Status string `json:"status"`

	// Detail is a human-readable outcome summary, fed back to the model as
	// the tool result.
	Detail string `json:"detail,omitempty"`

	// Data carries optional structured output (sensor readings etc.).
	Data map[string]any `json:"data,omitempty"`
}

// Invoker executes actions against the automation backend.
//
// Implementations must be safe for concurrent use: the executor dispatches
// parallel tool batches against a single Invoker.
type Invoker interface {
	// Execute performs the request and returns the backend's result.
	// A non-nil error means the request could not be carried out at all;
	// partial or per-target failures are reported through Result.
	Execute(ctx context.Context, req Request) (Result, error)

	// Capabilities fetches the backend's current capability snapshot.
	Capabilities(ctx context.Context) (CapabilitySnapshot, error)
}
