package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/openhearth/hearth/internal/action"
	"github.com/openhearth/hearth/internal/observe"
	"github.com/openhearth/hearth/pkg/types"
)

// DefaultCallTimeout bounds a single backend or MCP invocation.
const DefaultCallTimeout = 15 * time.Second

// ExecRequest is one validated tool call ready for execution.
type ExecRequest struct {
	Call     types.ToolCall
	Route    Route
	Decision Decision
}

// ExecResult is the outcome of one call. Content is what goes back to the
// model as the tool result; Err is kept for logging and metrics only, since
// execution failures are conversation content, not turn failures.
type ExecResult struct {
	CallID  string
	Name    string
	Content string
	Err     error
}

// ExecutorConfig configures an [Executor].
type ExecutorConfig struct {
	Invoker action.Invoker
	MCP     *MCPHost

	// Parallel runs the calls of one batch concurrently. Results still come
	// back in call order.
	Parallel bool

	// CallTimeout bounds each call. Defaults to [DefaultCallTimeout].
	CallTimeout time.Duration

	Logger  *slog.Logger
	Metrics *observe.Metrics
}

// Executor runs validated tool calls against the action backend or a remote
// MCP server. A failing call never aborts its batch; its error text becomes
// the tool result so the model can react to it.
type Executor struct {
	invoker  action.Invoker
	mcp      *MCPHost
	parallel bool
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *observe.Metrics
}

// NewExecutor creates an Executor. The invoker is required; MCP is optional.
func NewExecutor(cfg ExecutorConfig) (*Executor, error) {
	if cfg.Invoker == nil {
		return nil, fmt.Errorf("tools: executor requires an invoker")
	}
	e := &Executor{
		invoker:  cfg.Invoker,
		mcp:      cfg.MCP,
		parallel: cfg.Parallel,
		timeout:  cfg.CallTimeout,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}
	if e.timeout <= 0 {
		e.timeout = DefaultCallTimeout
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	return e, nil
}

// Execute runs a batch and returns one result per request, in request order.
func (e *Executor) Execute(ctx context.Context, reqs []ExecRequest) []ExecResult {
	results := make([]ExecResult, len(reqs))

	if !e.parallel || len(reqs) < 2 {
		for i, req := range reqs {
			results[i] = e.executeOne(ctx, req)
		}
		return results
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, req := range reqs {
		g.Go(func() error {
			results[i] = e.executeOne(gctx, req)
			return nil
		})
	}
	g.Wait() //nolint:errcheck // workers never return errors
	return results
}

func (e *Executor) executeOne(ctx context.Context, req ExecRequest) ExecResult {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	res := ExecResult{CallID: req.Call.ID, Name: req.Call.Name}

	var err error
	if req.Route.Remote {
		res.Content, err = e.mcp.Call(ctx, req.Route.Server, req.Route.Tool, req.Decision.Arguments)
	} else {
		res.Content, err = e.invoke(ctx, req.Decision.Request)
	}

	elapsed := time.Since(start)
	status := "ok"
	if err != nil {
		status = "error"
		res.Err = err
		res.Content = fmt.Sprintf("tool %s failed: %v", req.Call.Name, err)
		e.logger.Warn("tool execution failed",
			slog.String("tool", req.Call.Name),
			slog.Duration("elapsed", elapsed),
			slog.String("error", err.Error()))
	} else {
		e.logger.Debug("tool executed",
			slog.String("tool", req.Call.Name),
			slog.Duration("elapsed", elapsed))
	}

	e.metrics.RecordToolCall(ctx, req.Call.Name, status)
	e.metrics.ToolExecutionDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(observe.Attr("tool", req.Call.Name), observe.Attr("status", status)))
	return res
}

func (e *Executor) invoke(ctx context.Context, req action.Request) (string, error) {
	result, err := e.invoker.Execute(ctx, req)
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("tools: encode result: %w", err)
	}
	return string(payload), nil
}
