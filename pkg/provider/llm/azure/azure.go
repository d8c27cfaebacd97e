// Package azure provides an LLM provider backed by an Azure OpenAI deployment.
//
// Azure deployments of different model families disagree on whether the token
// cap parameter is called max_tokens or max_completion_tokens. The provider
// picks an initial guess from the deployment name and, if the API rejects the
// parameter, retries the request once with the other name and remembers the
// working choice for the remainder of the process.
package azure

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	oai "github.com/openai/openai-go"
	oaiazure "github.com/openai/openai-go/azure"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/shared"

	"github.com/openhearth/hearth/pkg/provider/llm"
	"github.com/openhearth/hearth/pkg/types"
)

// tokenParam enumerates the two spellings of the completion token cap.
type tokenParam int32

const (
	paramMaxTokens tokenParam = iota
	paramMaxCompletionTokens
)

func (t tokenParam) String() string {
	if t == paramMaxCompletionTokens {
		return "max_completion_tokens"
	}
	return "max_tokens"
}

// other returns the alternative spelling.
func (t tokenParam) other() tokenParam {
	if t == paramMaxTokens {
		return paramMaxCompletionTokens
	}
	return paramMaxTokens
}

// Provider implements llm.Provider using the Azure OpenAI chat completions API.
type Provider struct {
	client     oai.Client
	deployment string
	logger     *slog.Logger

	// tokenParam holds the spelling of the token cap currently believed to
	// work for this deployment. Updated after a successful retry.
	tokenParam atomic.Int32
}

var _ llm.Provider = (*Provider)(nil)

// config holds optional configuration for the provider.
type config struct {
	timeout time.Duration
	logger  *slog.Logger
}

// Option is a functional option for Provider.
type Option func(*config)

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithLogger sets the logger used for stream-level warnings.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

// New constructs a Provider for the given Azure resource endpoint, API version
// and deployment name.
func New(endpoint, apiVersion, apiKey, deployment string, opts ...Option) (*Provider, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("azure: endpoint must not be empty")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("azure: apiKey must not be empty")
	}
	if deployment == "" {
		return nil, fmt.Errorf("azure: deployment must not be empty")
	}
	if apiVersion == "" {
		apiVersion = "2025-01-01-preview"
	}

	cfg := &config{logger: slog.Default()}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		oaiazure.WithEndpoint(endpoint, apiVersion),
		oaiazure.WithAPIKey(apiKey),
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	p := &Provider{
		client:     oai.NewClient(reqOpts...),
		deployment: deployment,
		logger:     cfg.logger.With("component", "llm.azure", "deployment", deployment),
	}
	p.tokenParam.Store(int32(initialTokenParam(deployment)))
	return p, nil
}

// initialTokenParam guesses the token cap spelling from the deployment name.
// Reasoning-family and gpt-5 deployments reject max_tokens.
func initialTokenParam(deployment string) tokenParam {
	lower := strings.ToLower(deployment)
	for _, prefix := range []string{"o1", "o3", "o4", "gpt-5"} {
		if strings.HasPrefix(lower, prefix) {
			return paramMaxCompletionTokens
		}
	}
	return paramMaxTokens
}

// unsupportedParamError reports whether err is the API complaining about the
// token cap spelling.
func unsupportedParamError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unsupported parameter") &&
		(strings.Contains(msg, "max_tokens") || strings.Contains(msg, "max_completion_tokens"))
}

// streamUnsupportedError reports whether err is the API refusing stream mode.
// o1-family deployments answer `'stream' does not support true` despite the
// chat completions surface otherwise working.
func streamUnsupportedError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	if !strings.Contains(msg, "stream") {
		return false
	}
	return strings.Contains(msg, "unsupported_value") ||
		strings.Contains(msg, "does not support") ||
		strings.Contains(msg, "not supported")
}

// StreamCompletion implements llm.Provider.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamEvent, error) {
	current := tokenParam(p.tokenParam.Load())

	stream, err := p.startStream(ctx, req, current)
	if unsupportedParamError(err) && req.MaxTokens > 0 {
		// One retry with the other spelling; remember the winner.
		flipped := current.other()
		p.logger.Warn("token parameter rejected, retrying",
			"rejected", current.String(), "using", flipped.String())
		stream, err = p.startStream(ctx, req, flipped)
		if err == nil {
			p.tokenParam.Store(int32(flipped))
		}
	}
	if err != nil {
		if streamUnsupportedError(err) {
			return nil, fmt.Errorf("%w: %v", llm.ErrStreamingUnsupported, err)
		}
		return nil, fmt.Errorf("azure: start stream: %w", err)
	}

	ch := make(chan llm.StreamEvent, 32)
	go func() {
		defer close(ch)
		defer stream.Close()

		var (
			usage    llm.Usage
			finished bool
		)

		for stream.Next() {
			chunk := stream.Current()
			if chunk.Usage.TotalTokens > 0 {
				usage = llm.Usage{
					PromptTokens:     int(chunk.Usage.PromptTokens),
					CompletionTokens: int(chunk.Usage.CompletionTokens),
					TotalTokens:      int(chunk.Usage.TotalTokens),
				}
			}
			if len(chunk.Choices) == 0 {
				// Usage-only frame, arrives after the final choice.
				continue
			}
			choice := chunk.Choices[0]
			delta := choice.Delta

			if delta.Content != "" {
				if !emit(ctx, ch, llm.StreamEvent{Kind: llm.EventText, Text: delta.Content}) {
					return
				}
			}

			for _, tc := range delta.ToolCalls {
				idx := int(tc.Index)
				if idx < 0 {
					p.logger.Warn("dropping malformed tool call fragment", "index", idx)
					continue
				}
				ev := llm.StreamEvent{
					Kind:  llm.EventToolCall,
					Index: idx,
					ToolCall: types.ToolCall{
						ID:        tc.ID,
						Name:      tc.Function.Name,
						Arguments: tc.Function.Arguments,
					},
				}
				if !emit(ctx, ch, ev) {
					return
				}
			}

			if choice.FinishReason != "" {
				finished = true
				// Hold the done event until the stream drains; the usage
				// frame trails the finish reason.
				defer func(reason string) {
					emit(ctx, ch, llm.StreamEvent{
						Kind:         llm.EventDone,
						FinishReason: reason,
						Usage:        usage,
					})
				}(choice.FinishReason)
			}
		}

		if err := stream.Err(); err != nil {
			emit(ctx, ch, llm.StreamEvent{Kind: llm.EventError, Err: fmt.Errorf("azure: stream: %w", err)})
			return
		}
		if !finished {
			emit(ctx, ch, llm.StreamEvent{Kind: llm.EventDone, FinishReason: "stop", Usage: usage})
		}
	}()

	return ch, nil
}

// emit sends ev unless ctx is cancelled first. It reports whether the send
// happened.
func emit(ctx context.Context, ch chan<- llm.StreamEvent, ev llm.StreamEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (p *Provider) startStream(ctx context.Context, req llm.CompletionRequest, tp tokenParam) (*ssestream.Stream[oai.ChatCompletionChunk], error) {
	params, err := p.buildParams(req, tp)
	if err != nil {
		return nil, err
	}
	params.StreamOptions = oai.ChatCompletionStreamOptionsParam{
		IncludeUsage: param.NewOpt(true),
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		stream.Close()
		return nil, err
	}
	return stream, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	current := tokenParam(p.tokenParam.Load())

	resp, err := p.complete(ctx, req, current)
	if unsupportedParamError(err) && req.MaxTokens > 0 {
		flipped := current.other()
		p.logger.Warn("token parameter rejected, retrying",
			"rejected", current.String(), "using", flipped.String())
		resp, err = p.complete(ctx, req, flipped)
		if err == nil {
			p.tokenParam.Store(int32(flipped))
		}
	}
	return resp, err
}

func (p *Provider) complete(ctx context.Context, req llm.CompletionRequest, tp tokenParam) (*llm.CompletionResponse, error) {
	params, err := p.buildParams(req, tp)
	if err != nil {
		return nil, fmt.Errorf("azure: build params: %w", err)
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("azure: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("azure: empty choices in response")
	}

	choice := resp.Choices[0]
	result := &llm.CompletionResponse{
		Content: choice.Message.Content,
		Usage: llm.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, types.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return result, nil
}

// CountTokens implements llm.Provider. The count is a heuristic: GPT-series
// tokenizers average roughly 4 characters per token on English text, and the
// window manager only needs a budget estimate, not an exact count.
func (p *Provider) CountTokens(messages []types.Message) (int, error) {
	total := 0
	for _, m := range messages {
		// ~4 chars per token is a rough GPT-series approximation.
		total += (len(m.Content) + 3) / 4
		// Add overhead per message (role + formatting).
		total += 4
	}
	return total, nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() types.ModelCapabilities {
	return deploymentCapabilities(p.deployment)
}

// deploymentCapabilities returns ModelCapabilities for known model families.
// Azure deployment names conventionally start with the base model name.
func deploymentCapabilities(deployment string) types.ModelCapabilities {
	caps := types.ModelCapabilities{
		SupportsToolCalling: true,
		SupportsStreaming:   true,
		SupportsToolRole:    true,
		ContextWindow:       128_000,
		MaxOutputTokens:     4_096,
	}

	lower := strings.ToLower(deployment)
	switch {
	case strings.HasPrefix(lower, "gpt-5"):
		caps.ContextWindow = 272_000
		caps.MaxOutputTokens = 128_000
	case strings.HasPrefix(lower, "gpt-4o-mini"), strings.HasPrefix(lower, "gpt-4o"):
		caps.MaxOutputTokens = 16_384
	case strings.HasPrefix(lower, "gpt-4-turbo"):
		caps.MaxOutputTokens = 4_096
	case strings.HasPrefix(lower, "gpt-4"):
		caps.ContextWindow = 8_192
	case strings.HasPrefix(lower, "gpt-35-turbo"), strings.HasPrefix(lower, "gpt-3.5-turbo"):
		caps.ContextWindow = 16_385
	case strings.HasPrefix(lower, "o1-mini"):
		caps.MaxOutputTokens = 65_536
		caps.SupportsToolCalling = false
	case strings.HasPrefix(lower, "o1"), strings.HasPrefix(lower, "o3"), strings.HasPrefix(lower, "o4"):
		caps.ContextWindow = 200_000
		caps.MaxOutputTokens = 100_000
	}
	return caps
}

// buildParams converts a CompletionRequest into OpenAI SDK params, spelling
// the token cap according to tp.
func (p *Provider) buildParams(req llm.CompletionRequest, tp tokenParam) (oai.ChatCompletionNewParams, error) {
	var messages []oai.ChatCompletionMessageParamUnion

	if req.SystemPrompt != "" {
		messages = append(messages, oai.SystemMessage(req.SystemPrompt))
	}

	for _, m := range req.Messages {
		msg, err := convertMessage(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, err
		}
		messages = append(messages, msg)
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.deployment),
		Messages: messages,
	}

	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		switch tp {
		case paramMaxCompletionTokens:
			params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
		default:
			params.MaxTokens = param.NewOpt(int64(req.MaxTokens))
		}
	}

	for _, td := range req.Tools {
		params.Tools = append(params.Tools, oai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        td.Name,
				Description: param.NewOpt(td.Description),
				Parameters:  shared.FunctionParameters(td.Parameters),
			},
		})
	}

	return params, nil
}

// convertMessage converts a types.Message to an OpenAI SDK message param.
func convertMessage(m types.Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case "system":
		return oai.SystemMessage(m.Content), nil

	case "user":
		return oai.UserMessage(m.Content), nil

	case "assistant":
		asst := oai.ChatCompletionAssistantMessageParam{}
		if m.Content != "" {
			asst.Content.OfString = oai.String(m.Content)
		}
		if m.Name != "" {
			asst.Name = oai.String(m.Name)
		}
		for _, tc := range m.ToolCalls {
			asst.ToolCalls = append(asst.ToolCalls, oai.ChatCompletionMessageToolCallParam{
				ID: tc.ID,
				Function: oai.ChatCompletionMessageToolCallFunctionParam{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		return oai.ChatCompletionMessageParamUnion{OfAssistant: &asst}, nil

	case "tool":
		return oai.ToolMessage(m.Content, m.ToolCallID), nil

	default:
		return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("azure: unknown message role %q", m.Role)
	}
}
