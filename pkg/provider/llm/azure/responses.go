package azure

import (
	"context"
	"fmt"
	"strings"

	oai "github.com/openai/openai-go"
	oaiazure "github.com/openai/openai-go/azure"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/responses"
	"github.com/openai/openai-go/shared"

	"github.com/openhearth/hearth/pkg/provider/llm"
	"github.com/openhearth/hearth/pkg/types"
)

// ResponsesProvider implements llm.Provider against the Azure OpenAI Responses
// API. Some newer deployments are only reachable through /responses and reject
// the chat completions surface entirely; this provider is the text-only
// fallback for those. It does not offer tools — callers should check
// Capabilities().SupportsToolCalling and route tool turns elsewhere.
type ResponsesProvider struct {
	client     oai.Client
	deployment string
}

var _ llm.Provider = (*ResponsesProvider)(nil)

// NewResponses constructs a ResponsesProvider for the given Azure resource.
func NewResponses(endpoint, apiVersion, apiKey, deployment string) (*ResponsesProvider, error) {
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

	client := oai.NewClient(
		oaiazure.WithEndpoint(endpoint, apiVersion),
		oaiazure.WithAPIKey(apiKey),
	)
	return &ResponsesProvider{client: client, deployment: deployment}, nil
}

// Complete implements llm.Provider.
func (p *ResponsesProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	params := responses.ResponseNewParams{
		Model: shared.ResponsesModel(p.deployment),
		Input: responses.ResponseNewParamsInputUnion{
			OfString: param.NewOpt(flattenMessages(req.Messages)),
		},
	}
	if req.SystemPrompt != "" {
		params.Instructions = param.NewOpt(req.SystemPrompt)
	}
	if req.MaxTokens > 0 {
		params.MaxOutputTokens = param.NewOpt(int64(req.MaxTokens))
	}
	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}

	resp, err := p.client.Responses.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("azure: responses: %w", err)
	}

	return &llm.CompletionResponse{
		Content: resp.OutputText(),
		Usage: llm.Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}

// StreamCompletion implements llm.Provider. The Responses surface is consumed
// non-incrementally; the full answer is synthesised into a two-event stream so
// callers written against streaming providers keep working.
func (p *ResponsesProvider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamEvent, error) {
	ch := make(chan llm.StreamEvent, 2)
	go func() {
		defer close(ch)
		resp, err := p.Complete(ctx, req)
		if err != nil {
			emit(ctx, ch, llm.StreamEvent{Kind: llm.EventError, Err: err})
			return
		}
		if resp.Content != "" {
			if !emit(ctx, ch, llm.StreamEvent{Kind: llm.EventText, Text: resp.Content}) {
				return
			}
		}
		emit(ctx, ch, llm.StreamEvent{Kind: llm.EventDone, FinishReason: "stop", Usage: resp.Usage})
	}()
	return ch, nil
}

// CountTokens implements llm.Provider.
func (p *ResponsesProvider) CountTokens(messages []types.Message) (int, error) {
	total := 0
	for _, m := range messages {
		total += (len(m.Content) + 3) / 4
		total += 4
	}
	return total, nil
}

// Capabilities implements llm.Provider.
func (p *ResponsesProvider) Capabilities() types.ModelCapabilities {
	caps := deploymentCapabilities(p.deployment)
	caps.SupportsToolCalling = false
	caps.SupportsStreaming = false
	return caps
}

// flattenMessages renders a conversation as a single input string. The
// Responses surface takes free-form input; role prefixes keep turn structure
// legible to the model.
func flattenMessages(messages []types.Message) string {
	var b strings.Builder
	for _, m := range messages {
		if m.Content == "" {
			continue
		}
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String()
}
