// Package notify delivers continuation results to front-end clients.
//
// When a turn cannot finish before the assistant's response deadline, the
// agent answers with a holding message and keeps working in the background.
// The finished result is pushed through a [Notifier] so the front end can
// speak or display it when it arrives.
package notify

import (
	"context"
	"log/slog"
	"time"
)

// Notification is one completed continuation pushed to clients.
type Notification struct {
	// Conversation identifies the conversation the result belongs to.
	Conversation string `json:"conversation"`

	// Token is the continuation token handed out with the holding message.
	Token string `json:"token"`

	// Content is the assistant's finished answer. Empty when the run failed.
	Content string `json:"content"`

	// Error describes a failed run. Clients should surface it instead of
	// waiting for content that will never come.
	Error string `json:"error,omitempty"`

	// CreatedAt is when the background run finished.
	CreatedAt time.Time `json:"created_at"`
}

// Notifier pushes completed continuations to whoever is listening.
//
// Implementations must be safe for concurrent use.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the log. It is the fallback when no
// push channel is configured; results are still retrievable by token through
// the HTTP API.
type LogNotifier struct {
	Logger *slog.Logger
}

var _ Notifier = (*LogNotifier)(nil)

// Notify implements Notifier.
func (l *LogNotifier) Notify(ctx context.Context, n Notification) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if n.Error != "" {
		logger.WarnContext(ctx, "continuation failed",
			slog.String("conversation", n.Conversation),
			slog.String("token", n.Token),
			slog.String("error", n.Error))
		return nil
	}
	logger.InfoContext(ctx, "continuation finished",
		slog.String("conversation", n.Conversation),
		slog.String("token", n.Token),
		slog.Int("content_length", len(n.Content)))
	return nil
}
