package llm

import "github.com/openhearth/hearth/pkg/types"

// EventKind discriminates the variants of a [StreamEvent].
type EventKind int

const (
	// EventText carries an incremental text delta.
	EventText EventKind = iota

	// EventToolCall carries a tool-call fragment. Fragments for the same
	// Index belong to the same call: ID and Name arrive once (usually on the
	// first fragment), Arguments arrive as chunks to be concatenated in order.
	EventToolCall

	// EventDone is the final event of a successful stream. It carries the
	// finish reason and, when the backend reports it, token usage.
	EventDone

	// EventError reports a failure after the stream started. It is the last
	// event before the channel closes.
	EventError
)

// String returns the human-readable name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventText:
		return "text"
	case EventToolCall:
		return "tool_call"
	case EventDone:
		return "done"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// StreamEvent is a single event emitted by a streaming completion. Exactly one
// variant is populated, selected by Kind.
type StreamEvent struct {
	Kind EventKind

	// Text is the incremental content delta. Set when Kind is EventText.
	Text string

	// Index identifies which in-flight tool call a fragment belongs to.
	// Set when Kind is EventToolCall.
	Index int

	// ToolCall holds the fragment fields for Index. Set when Kind is
	// EventToolCall. Any of ID, Name, Arguments may be empty on a given
	// fragment.
	ToolCall types.ToolCall

	// FinishReason indicates why generation stopped. Set when Kind is
	// EventDone. Common values are "stop", "length" and "tool_calls".
	FinishReason string

	// Usage contains token accounting when the backend reports it on the
	// final event. Set when Kind is EventDone.
	Usage Usage

	// Err is the stream failure. Set when Kind is EventError.
	Err error
}

// Accumulator folds a stream of events into a complete response. It tolerates
// malformed tool-call fragments (negative index, fragments after the stream
// finished) by dropping them and counting the drop, so a single bad frame never
// kills an otherwise healthy stream.
//
// Not safe for concurrent use; feed it from the single goroutine draining the
// event channel.
type Accumulator struct {
	text    []byte
	calls   map[int]*types.ToolCall
	order   []int
	done    bool
	finish  string
	usage   Usage
	err     error
	dropped int
}

// NewAccumulator returns an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{calls: make(map[int]*types.ToolCall)}
}

// Add folds one event into the accumulated state.
func (a *Accumulator) Add(ev StreamEvent) {
	switch ev.Kind {
	case EventText:
		if a.done {
			a.dropped++
			return
		}
		a.text = append(a.text, ev.Text...)
	case EventToolCall:
		if a.done || ev.Index < 0 {
			a.dropped++
			return
		}
		existing, ok := a.calls[ev.Index]
		if !ok {
			existing = &types.ToolCall{}
			a.calls[ev.Index] = existing
			a.order = append(a.order, ev.Index)
		}
		if ev.ToolCall.ID != "" {
			existing.ID = ev.ToolCall.ID
		}
		if ev.ToolCall.Name != "" {
			existing.Name = ev.ToolCall.Name
		}
		existing.Arguments += ev.ToolCall.Arguments
	case EventDone:
		a.done = true
		a.finish = ev.FinishReason
		a.usage = ev.Usage
	case EventError:
		a.err = ev.Err
	}
}

// Dropped returns the number of malformed or late fragments discarded so far.
func (a *Accumulator) Dropped() int { return a.dropped }

// Err returns the stream error, if any event carried one.
func (a *Accumulator) Err() error { return a.err }

// FinishReason returns the finish reason of the final event, or "" if the
// stream has not finished.
func (a *Accumulator) FinishReason() string { return a.finish }

// Response assembles the accumulated state into a CompletionResponse. Tool
// calls appear in first-fragment order. Calls whose accumulated arguments are
// empty get "{}" so downstream JSON parsing sees a valid object.
func (a *Accumulator) Response() *CompletionResponse {
	resp := &CompletionResponse{
		Content: string(a.text),
		Usage:   a.usage,
	}
	for _, idx := range a.order {
		call := *a.calls[idx]
		if call.Arguments == "" {
			call.Arguments = "{}"
		}
		resp.ToolCalls = append(resp.ToolCalls, call)
	}
	return resp
}

// Drain consumes the whole event channel through an accumulator and returns
// the assembled response. It is the shared implementation behind the Complete
// methods of the concrete providers.
func Drain(events <-chan StreamEvent) (*CompletionResponse, error) {
	acc := NewAccumulator()
	for ev := range events {
		acc.Add(ev)
	}
	if err := acc.Err(); err != nil {
		return nil, &ProtocolError{Err: err}
	}
	return acc.Response(), nil
}
