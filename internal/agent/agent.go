// Package agent runs conversation turns: it feeds the windowed history to
// the model, validates and executes the tool calls the model makes, and
// loops until the model produces a final answer.
//
// A turn that cannot finish before the response deadline is answered with a
// holding message and continued in the background; the finished result is
// pushed through the notifier and retrievable by continuation token.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/openhearth/hearth/internal/action"
	"github.com/openhearth/hearth/internal/notify"
	"github.com/openhearth/hearth/internal/observe"
	"github.com/openhearth/hearth/internal/tools"
	"github.com/openhearth/hearth/internal/window"
	"github.com/openhearth/hearth/pkg/provider/llm"
)

// DefaultMaxIterations caps the completion/tool-execution rounds of one turn.
const DefaultMaxIterations = 6

// DefaultResponseDeadline is how long a turn may take before the caller gets
// a holding message and the run continues in the background.
const DefaultResponseDeadline = 8 * time.Second

// DefaultHoldingMessage is spoken when a turn goes into the background.
const DefaultHoldingMessage = "I'm still working on that. I'll let you know as soon as it's done."

// ErrEmptyInput is returned for turns with no input text.
var ErrEmptyInput = errors.New("agent: empty input")

// ErrMaxIterations is returned when a turn hits the iteration cap and even
// the forced tool-less completion fails. The TurnResult returned alongside it
// still carries the last partial text so callers can surface a degraded
// answer instead of nothing.
var ErrMaxIterations = errors.New("agent: max iterations exceeded")

// TurnRequest is one user utterance to process.
type TurnRequest struct {
	// Conversation identifies the conversation window. Must not be empty.
	Conversation string

	// Input is the user's text.
	Input string
}

// TurnResult is the agent's answer to a TurnRequest.
type TurnResult struct {
	// Content is the assistant's reply, or the holding message when Pending.
	Content string

	// Pending reports that the turn outlived the response deadline and
	// continues in the background.
	Pending bool

	// Token identifies the background run when Pending. The finished result
	// is pushed through the notifier and retrievable via CollectPending.
	Token string

	// Usage is the accumulated token usage across all completion rounds.
	Usage llm.Usage

	// ToolCalls is how many tool calls the model made during the turn.
	ToolCalls int

	// Iterations is how many completion rounds the turn took.
	Iterations int
}

// Config holds the dependencies and tunables for an [Agent].
type Config struct {
	// Provider is the LLM backend. Required.
	Provider llm.Provider

	// ProviderName labels the provider in logs and metrics.
	ProviderName string

	// Window manages conversation histories. Required.
	Window *window.Manager

	// Registry exposes the backend's capabilities as tools. Required.
	Registry *tools.Registry

	// Validator gatekeeps tool calls. Required.
	Validator *tools.Validator

	// Executor runs validated tool calls. Required.
	Executor *tools.Executor

	// Invoker supplies capability snapshots. Required.
	Invoker action.Invoker

	// Notifier receives finished background runs. Defaults to logging.
	Notifier notify.Notifier

	// SystemPrompt is appended to the built-in instructions.
	SystemPrompt string

	// MaxIterations caps completion/tool rounds per turn.
	// Defaults to [DefaultMaxIterations].
	MaxIterations int

	// ResponseDeadline bounds the synchronous part of a turn.
	// Defaults to [DefaultResponseDeadline].
	ResponseDeadline time.Duration

	// HoldingMessage replaces the answer when a turn goes into the
	// background. Defaults to [DefaultHoldingMessage].
	HoldingMessage string

	// PendingExpiry is how long uncollected background results are kept.
	// Defaults to [DefaultPendingExpiry].
	PendingExpiry time.Duration

	// Temperature and MaxTokens are passed through to the provider.
	Temperature float64
	MaxTokens   int

	Logger  *slog.Logger
	Metrics *observe.Metrics
}

// Agent orchestrates conversation turns. Turns within one conversation are
// serialised; different conversations run concurrently.
type Agent struct {
	provider     llm.Provider
	providerName string
	window       *window.Manager
	registry     *tools.Registry
	validator    *tools.Validator
	executor     *tools.Executor
	invoker      action.Invoker
	notifier     notify.Notifier

	systemPrompt  string
	maxIterations int
	deadline      time.Duration
	holdingMsg    string
	temperature   float64
	maxTokens     int

	logger  *slog.Logger
	metrics *observe.Metrics
	pending *pendingRuns

	// streamBroken is set once the endpoint rejects a streaming request at
	// runtime; later rounds go straight to Complete.
	streamBroken atomic.Bool

	mu      sync.Mutex
	turnMus map[string]*sync.Mutex
}

// New creates an Agent from cfg.
func New(cfg Config) (*Agent, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("agent: provider must not be nil")
	}
	if cfg.Window == nil {
		return nil, fmt.Errorf("agent: window manager must not be nil")
	}
	if cfg.Registry == nil || cfg.Validator == nil || cfg.Executor == nil {
		return nil, fmt.Errorf("agent: tool registry, validator and executor must not be nil")
	}
	if cfg.Invoker == nil {
		return nil, fmt.Errorf("agent: invoker must not be nil")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "agent")

	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}

	notifier := cfg.Notifier
	if notifier == nil {
		notifier = &notify.LogNotifier{Logger: logger}
	}

	a := &Agent{
		provider:      cfg.Provider,
		providerName:  cfg.ProviderName,
		window:        cfg.Window,
		registry:      cfg.Registry,
		validator:     cfg.Validator,
		executor:      cfg.Executor,
		invoker:       cfg.Invoker,
		notifier:      notifier,
		systemPrompt:  cfg.SystemPrompt,
		maxIterations: cfg.MaxIterations,
		deadline:      cfg.ResponseDeadline,
		holdingMsg:    cfg.HoldingMessage,
		temperature:   cfg.Temperature,
		maxTokens:     cfg.MaxTokens,
		logger:        logger,
		metrics:       metrics,
		pending:       newPendingRuns(cfg.PendingExpiry, logger, metrics),
		turnMus:       make(map[string]*sync.Mutex),
	}
	if a.providerName == "" {
		a.providerName = "llm"
	}
	if a.maxIterations <= 0 {
		a.maxIterations = DefaultMaxIterations
	}
	if a.deadline <= 0 {
		a.deadline = DefaultResponseDeadline
	}
	if a.holdingMsg == "" {
		a.holdingMsg = DefaultHoldingMessage
	}
	return a, nil
}

// turnMu returns the mutex serialising turns of one conversation.
func (a *Agent) turnMu(convID string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	mu, ok := a.turnMus[convID]
	if !ok {
		mu = &sync.Mutex{}
		a.turnMus[convID] = mu
	}
	return mu
}

// ProcessTurn runs one turn. It returns either the finished answer or, when
// the response deadline lapses first, the holding message with a continuation
// token while the run keeps going in the background.
func (a *Agent) ProcessTurn(ctx context.Context, req TurnRequest) (TurnResult, error) {
	if req.Conversation == "" {
		return TurnResult{}, fmt.Errorf("agent: conversation must not be empty")
	}
	if req.Input == "" {
		return TurnResult{}, ErrEmptyInput
	}

	ctx, span := observe.StartSpan(ctx, "agent.turn",
		trace.WithAttributes(attribute.String("conversation", req.Conversation)))
	defer span.End()

	mu := a.turnMu(req.Conversation)
	mu.Lock()
	defer mu.Unlock()

	start := time.Now()
	res, err := a.processLocked(ctx, req)

	status := "ok"
	switch {
	case err != nil:
		status = "error"
	case res.Pending:
		status = "deferred"
	}
	span.SetAttributes(
		attribute.String("status", status),
		attribute.Int("iterations", res.Iterations),
		attribute.Int("tool_calls", res.ToolCalls),
	)
	a.metrics.RecordTurn(ctx, time.Since(start).Seconds(), status)
	return res, err
}

func (a *Agent) processLocked(ctx context.Context, req TurnRequest) (TurnResult, error) {
	if err := a.prepare(ctx, req); err != nil {
		return TurnResult{}, err
	}

	// The run's context must survive the caller once the turn is deferred,
	// yet a caller cancellation before the deadline still has to abort the
	// model call and any tool executions in flight. So the run gets a context
	// detached from the caller's cancellation, with its own cancel that is
	// pulled only on a pre-deadline caller abort.
	runCtx, cancelRun := context.WithCancel(context.WithoutCancel(ctx))

	type outcome struct {
		res TurnResult
		err error
	}
	done := make(chan outcome, 1)
	var handoff sync.Mutex
	deferred := false
	token := ""

	go func() {
		defer cancelRun()
		res, err := a.runTurn(runCtx, req.Conversation)

		handoff.Lock()
		wasDeferred, tok := deferred, token
		handoff.Unlock()

		if !wasDeferred {
			done <- outcome{res: res, err: err}
			return
		}

		// The caller is gone; deliver through the pending store and notifier.
		if !a.pending.complete(runCtx, tok, res.Content, err) {
			a.logger.Warn("background run finished after its token expired",
				slog.String("conversation", req.Conversation), slog.String("token", tok))
			return
		}
		n := notify.Notification{
			Conversation: req.Conversation,
			Token:        tok,
			Content:      res.Content,
			CreatedAt:    time.Now(),
		}
		if err != nil {
			a.logger.Error("background run failed",
				slog.String("conversation", req.Conversation),
				slog.String("token", tok),
				slog.String("error", err.Error()))
			n.Content = ""
			n.Error = err.Error()
		}
		if nerr := a.notifier.Notify(runCtx, n); nerr != nil {
			a.logger.Warn("continuation notification failed", "error", nerr)
		}
	}()

	timer := time.NewTimer(a.deadline)
	defer timer.Stop()

	select {
	case out := <-done:
		return out.res, out.err

	case <-timer.C:
		handoff.Lock()
		// The run may have finished while the timer fired.
		select {
		case out := <-done:
			handoff.Unlock()
			return out.res, out.err
		default:
		}
		deferred = true
		token = a.pending.register(ctx, req.Conversation)
		handoff.Unlock()

		a.logger.Info("turn deferred past response deadline",
			slog.String("conversation", req.Conversation),
			slog.String("token", token))
		return TurnResult{Content: a.holdingMsg, Pending: true, Token: token}, nil

	case <-ctx.Done():
		cancelRun()
		return TurnResult{}, ctx.Err()
	}
}

// prepare refreshes the system prompt and tool budget for the conversation
// and appends the user's message to the window.
func (a *Agent) prepare(ctx context.Context, req TurnRequest) error {
	snap, err := a.invoker.Capabilities(ctx)
	if err != nil {
		return fmt.Errorf("agent: fetch capabilities: %w", err)
	}

	if err := a.window.SetSystemPrompt(ctx, req.Conversation, buildSystemPrompt(a.SystemPrompt(), &snap)); err != nil {
		return fmt.Errorf("agent: set system prompt: %w", err)
	}

	defs, err := a.registry.Definitions(&snap)
	if err != nil {
		return fmt.Errorf("agent: build tool definitions: %w", err)
	}
	if err := a.window.SetBaseToolTokens(ctx, req.Conversation, a.window.EstimateToolDefs(defs)); err != nil {
		return fmt.Errorf("agent: reserve tool tokens: %w", err)
	}

	if err := a.window.Append(ctx, req.Conversation, userMessage(req.Input)); err != nil {
		return fmt.Errorf("agent: append user message: %w", err)
	}
	return nil
}

// CollectPending returns the result of a background run by its continuation
// token. A finished result is removed on first collection.
func (a *Agent) CollectPending(ctx context.Context, token string) (PendingResult, bool) {
	return a.pending.collect(ctx, token)
}

// Reset wipes a conversation's history. The system prompt is rebuilt on the
// next turn.
func (a *Agent) Reset(convID string) {
	a.window.Reset(convID)
}

// Stats reports the conversation's window statistics.
func (a *Agent) Stats(convID string) (window.Stats, error) {
	return a.window.Stats(convID)
}

// SystemPrompt returns the extra instructions appended to the built-in prompt.
func (a *Agent) SystemPrompt() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.systemPrompt
}

// SetSystemPrompt replaces the extra instructions. Active conversations pick
// up the new prompt on their next turn.
func (a *Agent) SetSystemPrompt(prompt string) {
	a.mu.Lock()
	a.systemPrompt = prompt
	a.mu.Unlock()
}

// Remove forgets a conversation entirely.
func (a *Agent) Remove(ctx context.Context, convID string) {
	a.window.Remove(ctx, convID)
	a.mu.Lock()
	delete(a.turnMus, convID)
	a.mu.Unlock()
}
