package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openhearth/hearth/internal/action"
	"github.com/openhearth/hearth/internal/tools"
	"github.com/openhearth/hearth/pkg/provider/llm"
	"github.com/openhearth/hearth/pkg/types"
)

// runTurn drives the completion/tool loop until the model answers in plain
// text or the iteration cap forces a final answer.
func (a *Agent) runTurn(ctx context.Context, convID string) (TurnResult, error) {
	var result TurnResult
	var lastText string

	for iter := 1; iter <= a.maxIterations; iter++ {
		result.Iterations = iter

		// Capabilities are re-fetched every round so a device appearing or
		// vanishing mid-turn is reflected in the next completion.
		snap, err := a.invoker.Capabilities(ctx)
		if err != nil {
			return result, fmt.Errorf("agent: fetch capabilities: %w", err)
		}
		defs, err := a.registry.Definitions(&snap)
		if err != nil {
			return result, fmt.Errorf("agent: build tool definitions: %w", err)
		}

		resp, err := a.complete(ctx, llm.CompletionRequest{
			Messages:    a.window.Snapshot(convID),
			Tools:       defs,
			Temperature: a.temperature,
			MaxTokens:   a.maxTokens,
		})
		if err != nil {
			return result, err
		}
		addUsage(&result.Usage, resp.Usage)
		if resp.Content != "" {
			lastText = resp.Content
		}

		if len(resp.ToolCalls) == 0 {
			if err := a.window.Append(ctx, convID, assistantMessage(resp.Content, nil)); err != nil {
				return result, fmt.Errorf("agent: append assistant message: %w", err)
			}
			result.Content = resp.Content
			return result, nil
		}

		result.ToolCalls += len(resp.ToolCalls)
		if err := a.window.Append(ctx, convID, assistantMessage(resp.Content, resp.ToolCalls)); err != nil {
			return result, fmt.Errorf("agent: append assistant message: %w", err)
		}

		msgs := a.handleToolCalls(ctx, convID, &snap, resp.ToolCalls)
		for _, m := range msgs {
			if err := a.window.Append(ctx, convID, m); err != nil {
				return result, fmt.Errorf("agent: append tool result: %w", err)
			}
		}
	}

	// Iteration cap reached: one last completion without tools so the model
	// has to answer with what it has.
	a.logger.Warn("iteration cap reached, forcing final answer", slog.String("conversation", convID))
	resp, err := a.complete(ctx, llm.CompletionRequest{
		Messages:    a.window.Snapshot(convID),
		Temperature: a.temperature,
		MaxTokens:   a.maxTokens,
	})
	if err != nil {
		// Hand back whatever the model said along the way rather than
		// discarding it.
		result.Content = lastText
		return result, fmt.Errorf("%w: forced final answer failed: %v", ErrMaxIterations, err)
	}
	addUsage(&result.Usage, resp.Usage)
	if err := a.window.Append(ctx, convID, assistantMessage(resp.Content, nil)); err != nil {
		return result, fmt.Errorf("agent: append assistant message: %w", err)
	}
	result.Content = resp.Content
	return result, nil
}

// complete runs one completion round, streaming when the provider supports
// it. An endpoint that advertises streaming but rejects the request at
// runtime gets one non-streaming retry, and the agent stays non-streaming
// from then on.
func (a *Agent) complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	start := time.Now()

	var (
		resp *llm.CompletionResponse
		err  error
	)
	if a.provider.Capabilities().SupportsStreaming && !a.streamBroken.Load() {
		var events <-chan llm.StreamEvent
		events, err = a.provider.StreamCompletion(ctx, req)
		if err == nil {
			resp, err = llm.Drain(events)
		}
		if errors.Is(err, llm.ErrStreamingUnsupported) {
			a.streamBroken.Store(true)
			a.logger.Warn("endpoint rejected streaming, falling back to non-streaming", slog.Any("error", err))
			resp, err = a.provider.Complete(ctx, req)
		}
	} else {
		resp, err = a.provider.Complete(ctx, req)
	}

	elapsed := time.Since(start)
	if err != nil {
		a.metrics.RecordProviderRequest(ctx, a.providerName, "error")
		a.metrics.RecordProviderError(ctx, a.providerName, "completion")
		return nil, fmt.Errorf("agent: completion: %w", err)
	}
	a.metrics.RecordProviderRequest(ctx, a.providerName, "ok")
	a.metrics.LLMDuration.Record(ctx, elapsed.Seconds())
	return resp, nil
}

// handleToolCalls validates and executes one batch of tool calls and returns
// the tool result messages in call order. Rejections never abort the turn;
// their reasons become results the model can react to.
func (a *Agent) handleToolCalls(ctx context.Context, convID string, snap *action.CapabilitySnapshot, calls []types.ToolCall) []types.Message {
	caps := a.provider.Capabilities()

	contents := make([]string, len(calls))
	var batch []tools.ExecRequest
	batchPos := make([]int, 0, len(calls))

	for i, call := range calls {
		rt, ok := a.registry.Lookup(call.Name)
		if !ok {
			contents[i] = fmt.Sprintf("unknown tool %q", call.Name)
			a.metrics.RecordToolCall(ctx, call.Name, "unknown")
			continue
		}

		schema, _ := a.registry.Schema(call.Name)
		dec, _ := a.validator.Validate(convID, call.Name, rt, call.Arguments, schema, snap)
		if !dec.Allowed {
			contents[i] = "rejected: " + dec.Reason
			a.metrics.RecordToolCall(ctx, call.Name, "rejected")
			a.logger.Info("tool call rejected",
				slog.String("conversation", convID),
				slog.String("tool", call.Name),
				slog.String("reason", dec.Reason))
			continue
		}

		batch = append(batch, tools.ExecRequest{Call: call, Route: rt, Decision: dec})
		batchPos = append(batchPos, i)
	}

	if len(batch) > 0 {
		results := a.executor.Execute(ctx, batch)
		for j, res := range results {
			contents[batchPos[j]] = res.Content
		}
	}

	msgs := make([]types.Message, len(calls))
	for i, call := range calls {
		msgs[i] = toolResultMessage(caps, call, contents[i])
	}
	return msgs
}

func userMessage(text string) types.Message {
	return types.Message{Role: "user", Content: text}
}

func assistantMessage(content string, calls []types.ToolCall) types.Message {
	return types.Message{Role: "assistant", Content: content, ToolCalls: calls}
}

// toolResultMessage shapes a tool result for the provider. Endpoints without
// a tool role get the result as a user message with the tool named inline.
func toolResultMessage(caps types.ModelCapabilities, call types.ToolCall, content string) types.Message {
	if caps.SupportsToolRole {
		return types.Message{
			Role:       "tool",
			Content:    content,
			Name:       call.Name,
			ToolCallID: call.ID,
		}
	}
	return types.Message{
		Role:    "user",
		Content: fmt.Sprintf("[tool %s result] %s", call.Name, content),
	}
}

func addUsage(total *llm.Usage, u llm.Usage) {
	total.PromptTokens += u.PromptTokens
	total.CompletionTokens += u.CompletionTokens
	total.TotalTokens += u.TotalTokens
}
