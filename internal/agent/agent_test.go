package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/openhearth/hearth/internal/action"
	actionmock "github.com/openhearth/hearth/internal/action/mock"
	notifymock "github.com/openhearth/hearth/internal/notify/mock"
	"github.com/openhearth/hearth/internal/tools"
	"github.com/openhearth/hearth/internal/window"
	"github.com/openhearth/hearth/pkg/provider/llm"
	llmmock "github.com/openhearth/hearth/pkg/provider/llm/mock"
	"github.com/openhearth/hearth/pkg/types"
)

func f64(v float64) *float64 { return &v }

func testSnapshot() action.CapabilitySnapshot {
	return action.CapabilitySnapshot{Domains: []action.Domain{
		{
			Name: "light",
			Actions: []action.Action{
				{
					Name: "turn_on",
					Parameters: []action.ParameterSpec{
						{Name: "brightness", Type: "integer", Minimum: f64(0), Maximum: f64(255)},
					},
				},
				{Name: "turn_off"},
			},
			Targets: []action.Target{
				{ID: "light.kitchen_ceiling", FriendlyName: "Kitchen Ceiling"},
			},
		},
		{
			Name:    "homeassistant",
			Actions: []action.Action{{Name: "restart"}},
		},
	}}
}

func streamingCaps() types.ModelCapabilities {
	return types.ModelCapabilities{
		ContextWindow:       128_000,
		MaxOutputTokens:     4_096,
		SupportsToolCalling: true,
		SupportsStreaming:   true,
		SupportsToolRole:    true,
	}
}

func textScript(parts ...string) []llm.StreamEvent {
	var evs []llm.StreamEvent
	for _, p := range parts {
		evs = append(evs, llm.StreamEvent{Kind: llm.EventText, Text: p})
	}
	return append(evs, llm.StreamEvent{Kind: llm.EventDone, FinishReason: "stop"})
}

func toolCallScript(call types.ToolCall) []llm.StreamEvent {
	return []llm.StreamEvent{
		{Kind: llm.EventToolCall, Index: 0, ToolCall: call},
		{Kind: llm.EventDone, FinishReason: "tool_calls"},
	}
}

func newTestAgent(t *testing.T, provider llm.Provider, inv action.Invoker, opts func(*Config)) *Agent {
	t.Helper()

	win, err := window.NewManager(window.Config{MaxTokens: 8_000})
	if err != nil {
		t.Fatalf("window.NewManager: %v", err)
	}
	exec, err := tools.NewExecutor(tools.ExecutorConfig{Invoker: inv})
	if err != nil {
		t.Fatalf("tools.NewExecutor: %v", err)
	}

	cfg := Config{
		Provider:  provider,
		Window:    win,
		Registry:  tools.NewRegistry(tools.RegistryConfig{}),
		Validator: tools.NewValidator(tools.ValidatorConfig{}),
		Executor:  exec,
		Invoker:   inv,
	}
	if opts != nil {
		opts(&cfg)
	}

	a, err := New(cfg)
	if err != nil {
		t.Fatalf("agent.New: %v", err)
	}
	return a
}

func TestProcessTurn_PlainAnswer(t *testing.T) {
	provider := &llmmock.Provider{
		ModelCapabilities: streamingCaps(),
		Script: [][]llm.StreamEvent{
			textScript("The living room is ", "21 degrees."),
		},
	}
	inv := &actionmock.Invoker{Snapshot: testSnapshot()}
	a := newTestAgent(t, provider, inv, nil)

	res, err := a.ProcessTurn(context.Background(), TurnRequest{Conversation: "conv-1", Input: "how warm is it?"})
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if res.Content != "The living room is 21 degrees." {
		t.Errorf("content = %q", res.Content)
	}
	if res.Pending {
		t.Error("turn unexpectedly deferred")
	}
	if res.Iterations != 1 || res.ToolCalls != 0 {
		t.Errorf("iterations = %d, tool calls = %d", res.Iterations, res.ToolCalls)
	}

	// The completion must carry the tool definitions and the system prompt.
	if len(provider.StreamCalls) != 1 {
		t.Fatalf("provider called %d times", len(provider.StreamCalls))
	}
	req := provider.StreamCalls[0].Req
	if len(req.Tools) == 0 {
		t.Error("no tool definitions offered")
	}
	if len(req.Messages) == 0 || req.Messages[0].Role != "system" {
		t.Fatal("system prompt missing from messages")
	}
	if !strings.Contains(req.Messages[0].Content, "light.kitchen_ceiling") {
		t.Error("system prompt does not list entity IDs")
	}
}

func TestProcessTurn_ToolCallThenAnswer(t *testing.T) {
	provider := &llmmock.Provider{
		ModelCapabilities: streamingCaps(),
		Script: [][]llm.StreamEvent{
			toolCallScript(types.ToolCall{
				ID:        "call_1",
				Name:      "light_turn_on",
				Arguments: `{"targets":["light.kitchen_ceiling"],"brightness":200}`,
			}),
			textScript("Kitchen lights are on."),
		},
	}
	inv := &actionmock.Invoker{
		Snapshot:      testSnapshot(),
		ExecuteResult: action.Result{Status: "ok", Detail: "turned on"},
	}
	a := newTestAgent(t, provider, inv, nil)

	res, err := a.ProcessTurn(context.Background(), TurnRequest{Conversation: "conv-1", Input: "lights on in the kitchen"})
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if res.Content != "Kitchen lights are on." {
		t.Errorf("content = %q", res.Content)
	}
	if res.ToolCalls != 1 || res.Iterations != 2 {
		t.Errorf("tool calls = %d, iterations = %d", res.ToolCalls, res.Iterations)
	}

	calls := inv.Calls()
	if len(calls) != 1 {
		t.Fatalf("invoker called %d times, want 1", len(calls))
	}
	got := calls[0].Req
	if got.Domain != "light" || got.Action != "turn_on" {
		t.Errorf("request = %+v", got)
	}
	if len(got.Targets) != 1 || got.Targets[0] != "light.kitchen_ceiling" {
		t.Errorf("targets = %v", got.Targets)
	}
	if got.Parameters["brightness"] != float64(200) {
		t.Errorf("brightness = %v", got.Parameters["brightness"])
	}

	// The second completion must include the tool result message.
	second := provider.StreamCalls[1].Req
	var sawResult bool
	for _, m := range second.Messages {
		if m.Role == "tool" && m.ToolCallID == "call_1" {
			sawResult = true
			if !strings.Contains(m.Content, "turned on") {
				t.Errorf("tool result content = %q", m.Content)
			}
		}
	}
	if !sawResult {
		t.Error("tool result missing from second completion")
	}
}

func TestProcessTurn_RejectionFedBackToModel(t *testing.T) {
	provider := &llmmock.Provider{
		ModelCapabilities: streamingCaps(),
		Script: [][]llm.StreamEvent{
			toolCallScript(types.ToolCall{ID: "call_1", Name: "homeassistant_restart", Arguments: "{}"}),
			textScript("I can't restart the system."),
		},
	}
	inv := &actionmock.Invoker{Snapshot: testSnapshot()}
	a := newTestAgent(t, provider, inv, nil)

	res, err := a.ProcessTurn(context.Background(), TurnRequest{Conversation: "conv-1", Input: "restart home assistant"})
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if res.Content != "I can't restart the system." {
		t.Errorf("content = %q", res.Content)
	}
	if len(inv.Calls()) != 0 {
		t.Error("denied action reached the backend")
	}

	second := provider.StreamCalls[1].Req
	var sawRejection bool
	for _, m := range second.Messages {
		if m.Role == "tool" && strings.Contains(m.Content, "rejected") {
			sawRejection = true
		}
	}
	if !sawRejection {
		t.Error("rejection reason missing from second completion")
	}
}

func TestProcessTurn_UnknownToolFedBack(t *testing.T) {
	provider := &llmmock.Provider{
		ModelCapabilities: streamingCaps(),
		Script: [][]llm.StreamEvent{
			toolCallScript(types.ToolCall{ID: "call_1", Name: "teleport_home", Arguments: "{}"}),
			textScript("Sorry, I can't do that."),
		},
	}
	inv := &actionmock.Invoker{Snapshot: testSnapshot()}
	a := newTestAgent(t, provider, inv, nil)

	if _, err := a.ProcessTurn(context.Background(), TurnRequest{Conversation: "conv-1", Input: "teleport me home"}); err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}

	second := provider.StreamCalls[1].Req
	var sawUnknown bool
	for _, m := range second.Messages {
		if m.Role == "tool" && strings.Contains(m.Content, "unknown tool") {
			sawUnknown = true
		}
	}
	if !sawUnknown {
		t.Error("unknown-tool result missing from second completion")
	}
}

func TestProcessTurn_IterationCapForcesFinalAnswer(t *testing.T) {
	loopCall := toolCallScript(types.ToolCall{
		ID:        "call_1",
		Name:      "light_turn_on",
		Arguments: `{"targets":["light.kitchen_ceiling"]}`,
	})
	provider := &llmmock.Provider{
		ModelCapabilities: streamingCaps(),
		Script: [][]llm.StreamEvent{
			loopCall,
			loopCall,
			textScript("Lights are on now."),
		},
	}
	inv := &actionmock.Invoker{
		Snapshot:      testSnapshot(),
		ExecuteResult: action.Result{Status: "ok"},
	}
	a := newTestAgent(t, provider, inv, func(cfg *Config) {
		cfg.MaxIterations = 2
	})

	res, err := a.ProcessTurn(context.Background(), TurnRequest{Conversation: "conv-1", Input: "lights on"})
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if res.Content != "Lights are on now." {
		t.Errorf("content = %q", res.Content)
	}
	if res.Iterations != 2 {
		t.Errorf("iterations = %d, want 2", res.Iterations)
	}

	// The forced final round must not offer tools.
	final := provider.StreamCalls[len(provider.StreamCalls)-1].Req
	if len(final.Tools) != 0 {
		t.Errorf("final completion offered %d tools, want 0", len(final.Tools))
	}
}

func TestProcessTurn_DeadlineDefersAndNotifies(t *testing.T) {
	provider := &llmmock.Provider{
		ModelCapabilities: streamingCaps(),
		Script: [][]llm.StreamEvent{
			toolCallScript(types.ToolCall{
				ID:        "call_1",
				Name:      "light_turn_on",
				Arguments: `{"targets":["light.kitchen_ceiling"]}`,
			}),
			textScript("Done, lights are on."),
		},
	}
	inv := &actionmock.Invoker{
		Snapshot: testSnapshot(),
		ExecuteFunc: func(ctx context.Context, req action.Request) (action.Result, error) {
			time.Sleep(150 * time.Millisecond)
			return action.Result{Status: "ok"}, nil
		},
	}
	notifier := &notifymock.Notifier{}
	a := newTestAgent(t, provider, inv, func(cfg *Config) {
		cfg.ResponseDeadline = 20 * time.Millisecond
		cfg.Notifier = notifier
	})

	ctx := context.Background()
	res, err := a.ProcessTurn(ctx, TurnRequest{Conversation: "conv-1", Input: "lights on"})
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if !res.Pending {
		t.Fatal("turn finished within an impossible deadline")
	}
	if res.Token == "" {
		t.Fatal("no continuation token")
	}
	if res.Content != DefaultHoldingMessage {
		t.Errorf("content = %q, want holding message", res.Content)
	}

	// The background run keeps going; wait for the notification.
	deadline := time.Now().Add(3 * time.Second)
	for len(notifier.Sent()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("notification never arrived")
		}
		time.Sleep(10 * time.Millisecond)
	}
	sent := notifier.Sent()[0]
	if sent.Token != res.Token || sent.Conversation != "conv-1" {
		t.Errorf("notification = %+v", sent)
	}
	if sent.Content != "Done, lights are on." {
		t.Errorf("notification content = %q", sent.Content)
	}

	// The result is also retrievable by token, once.
	pr, ok := a.CollectPending(ctx, res.Token)
	if !ok || !pr.Done {
		t.Fatalf("CollectPending = %+v, %v", pr, ok)
	}
	if pr.Content != "Done, lights are on." {
		t.Errorf("pending content = %q", pr.Content)
	}
	if _, ok := a.CollectPending(ctx, res.Token); ok {
		t.Error("collected result still retrievable")
	}
}

func TestProcessTurn_CallerCancelAbortsRun(t *testing.T) {
	provider := &llmmock.Provider{
		ModelCapabilities: streamingCaps(),
		Script: [][]llm.StreamEvent{
			toolCallScript(types.ToolCall{
				ID:        "call_1",
				Name:      "light_turn_on",
				Arguments: `{"targets":["light.kitchen_ceiling"]}`,
			}),
			textScript("too late"),
		},
	}
	cancelled := make(chan struct{})
	inv := &actionmock.Invoker{
		Snapshot: testSnapshot(),
		ExecuteFunc: func(ctx context.Context, req action.Request) (action.Result, error) {
			select {
			case <-ctx.Done():
				close(cancelled)
				return action.Result{}, ctx.Err()
			case <-time.After(3 * time.Second):
				return action.Result{Status: "ok"}, nil
			}
		},
	}
	a := newTestAgent(t, provider, inv, func(cfg *Config) {
		cfg.ResponseDeadline = 5 * time.Second
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, err := a.ProcessTurn(ctx, TurnRequest{Conversation: "conv-1", Input: "lights on"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	// Cancelling the caller before the deadline must reach the work in
	// flight, not just abandon it.
	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("tool execution context never cancelled")
	}
	if provider.StreamCalls[0].Ctx.Err() == nil {
		t.Error("provider context still live after caller cancel")
	}
}

func TestProcessTurn_MaxIterationsKeepsPartialText(t *testing.T) {
	provider := &llmmock.Provider{
		ModelCapabilities: streamingCaps(),
		Script: [][]llm.StreamEvent{
			{
				{Kind: llm.EventText, Text: "Turning the lights on."},
				{Kind: llm.EventToolCall, Index: 0, ToolCall: types.ToolCall{
					ID:        "call_1",
					Name:      "light_turn_on",
					Arguments: `{"targets":["light.kitchen_ceiling"]}`,
				}},
				{Kind: llm.EventDone, FinishReason: "tool_calls"},
			},
			// The forced tool-less completion fails too.
			{{Kind: llm.EventError, Err: errors.New("backend gone")}},
		},
	}
	inv := &actionmock.Invoker{
		Snapshot:      testSnapshot(),
		ExecuteResult: action.Result{Status: "ok"},
	}
	a := newTestAgent(t, provider, inv, func(cfg *Config) {
		cfg.MaxIterations = 1
	})

	res, err := a.ProcessTurn(context.Background(), TurnRequest{Conversation: "conv-1", Input: "lights on"})
	if !errors.Is(err, ErrMaxIterations) {
		t.Fatalf("err = %v, want ErrMaxIterations", err)
	}
	if res.Content != "Turning the lights on." {
		t.Errorf("content = %q, want the last partial text", res.Content)
	}
	if res.Iterations != 1 {
		t.Errorf("iterations = %d, want 1", res.Iterations)
	}
}

func TestProcessTurn_DeferredFailureNotifies(t *testing.T) {
	provider := &llmmock.Provider{
		ModelCapabilities: streamingCaps(),
		Script: [][]llm.StreamEvent{
			toolCallScript(types.ToolCall{
				ID:        "call_1",
				Name:      "light_turn_on",
				Arguments: `{"targets":["light.kitchen_ceiling"]}`,
			}),
			{{Kind: llm.EventError, Err: errors.New("backend gone")}},
		},
	}
	inv := &actionmock.Invoker{
		Snapshot: testSnapshot(),
		ExecuteFunc: func(ctx context.Context, req action.Request) (action.Result, error) {
			time.Sleep(100 * time.Millisecond)
			return action.Result{Status: "ok"}, nil
		},
	}
	notifier := &notifymock.Notifier{}
	a := newTestAgent(t, provider, inv, func(cfg *Config) {
		cfg.ResponseDeadline = 20 * time.Millisecond
		cfg.Notifier = notifier
	})

	res, err := a.ProcessTurn(context.Background(), TurnRequest{Conversation: "conv-1", Input: "lights on"})
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if !res.Pending {
		t.Fatal("turn finished within an impossible deadline")
	}

	// A failed background run must still push a notification, carrying the
	// failure instead of content.
	deadline := time.Now().Add(3 * time.Second)
	for len(notifier.Sent()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("notification never arrived")
		}
		time.Sleep(10 * time.Millisecond)
	}
	sent := notifier.Sent()[0]
	if sent.Token != res.Token || sent.Conversation != "conv-1" {
		t.Errorf("notification = %+v", sent)
	}
	if sent.Error == "" {
		t.Error("notification carries no failure")
	}
	if sent.Content != "" {
		t.Errorf("notification content = %q, want empty on failure", sent.Content)
	}
}

func TestProcessTurn_StreamingRejectedFallsBackToComplete(t *testing.T) {
	provider := &llmmock.Provider{
		ModelCapabilities: streamingCaps(),
		StreamErr:         fmt.Errorf("start stream: %w", llm.ErrStreamingUnsupported),
		CompleteResponse:  &llm.CompletionResponse{Content: "Sure thing."},
	}
	inv := &actionmock.Invoker{Snapshot: testSnapshot()}
	a := newTestAgent(t, provider, inv, nil)

	res, err := a.ProcessTurn(context.Background(), TurnRequest{Conversation: "conv-1", Input: "hello"})
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if res.Content != "Sure thing." {
		t.Errorf("content = %q", res.Content)
	}
	if len(provider.StreamCalls) != 1 || len(provider.CompleteCalls) != 1 {
		t.Fatalf("stream calls = %d, complete calls = %d", len(provider.StreamCalls), len(provider.CompleteCalls))
	}

	// The rejection sticks: the next round goes straight to Complete.
	if _, err := a.ProcessTurn(context.Background(), TurnRequest{Conversation: "conv-1", Input: "again"}); err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if len(provider.StreamCalls) != 1 {
		t.Errorf("streaming retried after rejection: %d stream calls", len(provider.StreamCalls))
	}
	if len(provider.CompleteCalls) != 2 {
		t.Errorf("complete calls = %d, want 2", len(provider.CompleteCalls))
	}
}

func TestProcessTurn_EmptyInput(t *testing.T) {
	provider := &llmmock.Provider{ModelCapabilities: streamingCaps()}
	inv := &actionmock.Invoker{Snapshot: testSnapshot()}
	a := newTestAgent(t, provider, inv, nil)

	if _, err := a.ProcessTurn(context.Background(), TurnRequest{Conversation: "conv-1"}); err != ErrEmptyInput {
		t.Errorf("err = %v, want ErrEmptyInput", err)
	}
	if _, err := a.ProcessTurn(context.Background(), TurnRequest{Input: "hi"}); err == nil {
		t.Error("missing conversation accepted")
	}
}

func TestProcessTurn_NonStreamingProvider(t *testing.T) {
	caps := streamingCaps()
	caps.SupportsStreaming = false
	provider := &llmmock.Provider{
		ModelCapabilities: caps,
		CompleteResponse:  &llm.CompletionResponse{Content: "Certainly."},
	}
	inv := &actionmock.Invoker{Snapshot: testSnapshot()}
	a := newTestAgent(t, provider, inv, nil)

	res, err := a.ProcessTurn(context.Background(), TurnRequest{Conversation: "conv-1", Input: "hello"})
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if res.Content != "Certainly." {
		t.Errorf("content = %q", res.Content)
	}
	if len(provider.CompleteCalls) != 1 || len(provider.StreamCalls) != 0 {
		t.Errorf("complete calls = %d, stream calls = %d", len(provider.CompleteCalls), len(provider.StreamCalls))
	}
}

func TestProcessTurn_ToolRoleFallback(t *testing.T) {
	caps := streamingCaps()
	caps.SupportsToolRole = false
	provider := &llmmock.Provider{
		ModelCapabilities: caps,
		Script: [][]llm.StreamEvent{
			toolCallScript(types.ToolCall{
				ID:        "call_1",
				Name:      "light_turn_off",
				Arguments: `{"targets":["light.kitchen_ceiling"]}`,
			}),
			textScript("Lights off."),
		},
	}
	inv := &actionmock.Invoker{
		Snapshot:      testSnapshot(),
		ExecuteResult: action.Result{Status: "ok"},
	}
	a := newTestAgent(t, provider, inv, nil)

	if _, err := a.ProcessTurn(context.Background(), TurnRequest{Conversation: "conv-1", Input: "lights off"}); err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}

	second := provider.StreamCalls[1].Req
	var sawInline bool
	for _, m := range second.Messages {
		if m.Role == "user" && strings.Contains(m.Content, "[tool light_turn_off result]") {
			sawInline = true
		}
		if m.Role == "tool" {
			t.Error("tool role used despite the endpoint not supporting it")
		}
	}
	if !sawInline {
		t.Error("inline tool result missing")
	}
}

func TestAgent_ResetAndStats(t *testing.T) {
	provider := &llmmock.Provider{
		ModelCapabilities: streamingCaps(),
		Script: [][]llm.StreamEvent{
			textScript("Hello."),
		},
	}
	inv := &actionmock.Invoker{Snapshot: testSnapshot()}
	a := newTestAgent(t, provider, inv, nil)

	if _, err := a.ProcessTurn(context.Background(), TurnRequest{Conversation: "conv-1", Input: "hi"}); err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}

	stats, err := a.Stats("conv-1")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	// System prompt, user message, assistant reply.
	if stats.Messages != 3 {
		t.Errorf("messages = %d, want 3", stats.Messages)
	}

	a.Reset("conv-1")
	stats, err = a.Stats("conv-1")
	if err != nil {
		t.Fatalf("Stats after reset: %v", err)
	}
	if stats.Messages != 0 || stats.UsedTokens != 0 {
		t.Errorf("after reset: messages = %d, used tokens = %d, want 0/0", stats.Messages, stats.UsedTokens)
	}

	a.Remove(context.Background(), "conv-1")
	if _, err := a.Stats("conv-1"); err == nil {
		t.Error("stats for removed conversation succeeded")
	}
}
