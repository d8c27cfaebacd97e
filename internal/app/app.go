// Package app wires all Hearth subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the HTTP API until the context is cancelled, and
// Shutdown tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithInvoker, WithNotifier, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/openhearth/hearth/internal/action"
	"github.com/openhearth/hearth/internal/agent"
	"github.com/openhearth/hearth/internal/config"
	"github.com/openhearth/hearth/internal/health"
	"github.com/openhearth/hearth/internal/httpapi"
	"github.com/openhearth/hearth/internal/notify"
	"github.com/openhearth/hearth/internal/tools"
	"github.com/openhearth/hearth/internal/window"
	"github.com/openhearth/hearth/pkg/provider/llm"
)

// shutdownGrace is how long Run waits for in-flight requests on teardown.
const shutdownGrace = 10 * time.Second

// App owns all subsystem lifetimes and serves the Hearth conversation API.
type App struct {
	cfg      *config.Config
	provider llm.Provider
	logger   *slog.Logger
	level    *slog.LevelVar

	// Subsystems — initialised in New, torn down in Shutdown.
	invoker   action.Invoker
	windowMgr *window.Manager
	registry  *tools.Registry
	validator *tools.Validator
	executor  *tools.Executor
	mcpHost   *tools.MCPHost
	notifier  notify.Notifier
	hub       *notify.Hub
	agent     *agent.Agent
	api       *httpapi.Server

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithInvoker injects a backend invoker instead of creating an HTTP one from
// config.
func WithInvoker(inv action.Invoker) Option {
	return func(a *App) { a.invoker = inv }
}

// WithNotifier injects a notifier instead of creating one from config.
func WithNotifier(n notify.Notifier) Option {
	return func(a *App) { a.notifier = n }
}

// WithMCPHost injects an MCP host instead of creating one from config.
func WithMCPHost(h *tools.MCPHost) Option {
	return func(a *App) { a.mcpHost = h }
}

// WithLogLevel attaches the level var that ApplyDiff adjusts on log-level
// changes. Usually the one backing the process logger.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// New creates an App by wiring all subsystems together. The provider comes
// from main (created via the config registry, wrapped in fallbacks when
// configured). Use Option functions to inject test doubles for any subsystem.
func New(ctx context.Context, cfg *config.Config, provider llm.Provider, opts ...Option) (*App, error) {
	if provider == nil {
		return nil, fmt.Errorf("app: llm provider is required")
	}

	a := &App{
		cfg:      cfg,
		provider: provider,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}

	if err := a.initInvoker(); err != nil {
		return nil, fmt.Errorf("app: init backend invoker: %w", err)
	}
	if err := a.initMCP(ctx); err != nil {
		return nil, fmt.Errorf("app: init mcp: %w", err)
	}
	if err := a.initWindow(); err != nil {
		return nil, fmt.Errorf("app: init context window: %w", err)
	}
	if err := a.initTools(); err != nil {
		return nil, fmt.Errorf("app: init tools: %w", err)
	}
	a.initNotifier()
	if err := a.initAgent(); err != nil {
		return nil, fmt.Errorf("app: init agent: %w", err)
	}
	if err := a.initAPI(); err != nil {
		return nil, fmt.Errorf("app: init http api: %w", err)
	}

	return a, nil
}

// initInvoker sets up the HTTP backend invoker unless one was injected.
func (a *App) initInvoker() error {
	if a.invoker != nil {
		return nil
	}

	var opts []action.HTTPOption
	if a.cfg.Backend.Token != "" {
		opts = append(opts, action.WithToken(a.cfg.Backend.Token))
	}
	if a.cfg.Backend.TimeoutSeconds > 0 {
		opts = append(opts, action.WithHTTPClient(&http.Client{
			Timeout: time.Duration(a.cfg.Backend.TimeoutSeconds) * time.Second,
		}))
	}

	inv, err := action.NewHTTPInvoker(a.cfg.Backend.URL, opts...)
	if err != nil {
		return err
	}
	a.invoker = inv
	return nil
}

// initMCP sets up the MCP host and connects the configured servers.
func (a *App) initMCP(ctx context.Context) error {
	if a.mcpHost == nil && len(a.cfg.MCP.Servers) == 0 {
		return nil
	}
	if a.mcpHost == nil {
		a.mcpHost = tools.NewMCPHost(a.logger)
		a.closers = append(a.closers, a.mcpHost.Close)
	}

	for _, srv := range a.cfg.MCP.Servers {
		err := a.mcpHost.Connect(ctx, tools.ServerConfig{
			Name:      srv.Name,
			Transport: srv.Transport,
			Command:   srv.Command,
			URL:       srv.URL,
			Env:       srv.Env,
		})
		if err != nil {
			return fmt.Errorf("connect mcp server %q: %w", srv.Name, err)
		}
		a.logger.Info("connected MCP server", "name", srv.Name, "transport", srv.Transport)
	}
	return nil
}

// initWindow creates the per-conversation context window manager.
func (a *App) initWindow() error {
	maxTokens := a.cfg.Window.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8000
	}
	mgr, err := window.NewManager(window.Config{
		MaxTokens: maxTokens,
		Logger:    a.logger,
	})
	if err != nil {
		return err
	}
	a.windowMgr = mgr
	return nil
}

// initTools creates the tool registry, validator, and executor from config.
func (a *App) initTools() error {
	a.registry = tools.NewRegistry(tools.RegistryConfig{
		TTL:    time.Duration(a.cfg.Tools.SchemaTTLSeconds) * time.Second,
		MCP:    a.mcpHost,
		Logger: a.logger,
	})

	a.validator = tools.NewValidator(tools.ValidatorConfig{
		AllowedDomains: a.cfg.Tools.AllowedDomains,
		DeniedActions:  a.cfg.Tools.DeniedActions,
		CallsPerMinute: a.cfg.Tools.CallsPerMinute,
	})

	exec, err := tools.NewExecutor(tools.ExecutorConfig{
		Invoker:     a.invoker,
		MCP:         a.mcpHost,
		Parallel:    a.cfg.Tools.Parallel,
		CallTimeout: time.Duration(a.cfg.Tools.CallTimeoutSeconds) * time.Second,
		Logger:      a.logger,
	})
	if err != nil {
		return err
	}
	a.executor = exec
	return nil
}

// initNotifier creates the deferred-result notifier unless one was injected.
func (a *App) initNotifier() {
	if a.notifier != nil {
		return
	}
	if a.cfg.Server.Notifier == config.NotifierLog {
		a.notifier = &notify.LogNotifier{Logger: a.logger}
		return
	}
	hub := notify.NewHub(a.logger, nil)
	a.hub = hub
	a.notifier = hub
	a.closers = append(a.closers, hub.Close)
}

// initAgent assembles the conversation agent from the subsystems.
func (a *App) initAgent() error {
	ag, err := agent.New(agent.Config{
		Provider:         a.provider,
		ProviderName:     a.cfg.LLM.Primary.Name,
		Window:           a.windowMgr,
		Registry:         a.registry,
		Validator:        a.validator,
		Executor:         a.executor,
		Invoker:          a.invoker,
		Notifier:         a.notifier,
		SystemPrompt:     a.cfg.Agent.SystemPrompt,
		MaxIterations:    a.cfg.Agent.MaxIterations,
		ResponseDeadline: time.Duration(a.cfg.Agent.ResponseDeadlineMillis) * time.Millisecond,
		HoldingMessage:   a.cfg.Agent.HoldingMessage,
		PendingExpiry:    time.Duration(a.cfg.Agent.PendingExpirySeconds) * time.Second,
		Temperature:      a.cfg.Agent.Temperature,
		MaxTokens:        a.cfg.Agent.MaxTokens,
		Logger:           a.logger,
	})
	if err != nil {
		return err
	}
	a.agent = ag
	return nil
}

// initAPI builds the HTTP server with health checks and the notification
// endpoint.
func (a *App) initAPI() error {
	checkers := []health.Checker{health.BackendChecker(a.invoker)}

	var notifications http.Handler
	if a.hub != nil {
		notifications = a.hub.Handler()
	}

	api, err := httpapi.New(httpapi.Config{
		Agent:         a.agent,
		Notifications: notifications,
		Health:        health.New(checkers...),
		Logger:        a.logger,
	})
	if err != nil {
		return err
	}
	a.api = api
	return nil
}

// Agent exposes the conversation agent, mainly for tests.
func (a *App) Agent() *agent.Agent {
	return a.agent
}

// Handler returns the fully wired HTTP handler.
func (a *App) Handler() http.Handler {
	return a.api.Routes()
}

// Run serves the HTTP API and blocks until ctx is cancelled or the listener
// fails. On cancellation the server drains in-flight requests for up to
// [shutdownGrace].
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	a.logger.Info("listening", "addr", a.cfg.Server.ListenAddr, "tls", a.cfg.Server.TLS != nil)

	select {
	case err := <-errCh:
		return fmt.Errorf("app: serve: %w", err)
	case <-ctx.Done():
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		a.logger.Warn("http drain incomplete", "err", err)
	}
	return ctx.Err()
}

// ApplyDiff applies a hot-reloadable config change to the running subsystems.
// Fields outside the diff still require a restart.
func (a *App) ApplyDiff(new *config.Config, diff config.ConfigDiff) {
	if !diff.Any() {
		return
	}

	if diff.LogLevelChanged && a.level != nil {
		a.level.Set(slogLevel(diff.NewLogLevel))
		a.logger.Info("log level changed", "level", diff.NewLogLevel)
	}
	if diff.SystemPromptChanged {
		a.agent.SetSystemPrompt(diff.NewSystemPrompt)
		a.logger.Info("system prompt updated")
	}
	if diff.ToolPolicyChanged {
		a.validator.UpdatePolicy(tools.ValidatorConfig{
			AllowedDomains: new.Tools.AllowedDomains,
			DeniedActions:  new.Tools.DeniedActions,
			CallsPerMinute: new.Tools.CallsPerMinute,
		})
		a.logger.Info("tool policy updated",
			"allowed_domains", len(new.Tools.AllowedDomains),
			"denied_actions", len(new.Tools.DeniedActions),
		)
	}
	if diff.WindowChanged {
		a.windowMgr.SetBudget(diff.NewWindowBudget)
		a.logger.Info("window budget updated", "max_tokens", diff.NewWindowBudget)
	}
}

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.logger.Info("shutting down", "closers", len(a.closers))

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				a.logger.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				a.logger.Warn("closer error", "index", i, "err", err)
			}
		}

		a.logger.Info("shutdown complete")
	})
	return shutdownErr
}

// slogLevel converts a config.LogLevel to slog.Level.
func slogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
