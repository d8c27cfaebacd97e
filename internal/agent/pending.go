package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openhearth/hearth/internal/observe"
)

// DefaultPendingExpiry is how long an uncollected continuation result is kept.
const DefaultPendingExpiry = 10 * time.Minute

// PendingResult is the outcome of a turn that finished after its deadline.
type PendingResult struct {
	Conversation string
	Content      string
	Err          error
	Done         bool
	CreatedAt    time.Time
}

type pendingRun struct {
	conversation string
	content      string
	err          error
	done         bool
	created      time.Time
}

// pendingRuns tracks turns that outlived their response deadline. Each gets a
// token the caller can poll; completed results are removed on first
// collection and expire if never collected.
type pendingRuns struct {
	expiry  time.Duration
	logger  *slog.Logger
	metrics *observe.Metrics
	now     func() time.Time

	mu   sync.Mutex
	runs map[string]*pendingRun
}

func newPendingRuns(expiry time.Duration, logger *slog.Logger, metrics *observe.Metrics) *pendingRuns {
	if expiry <= 0 {
		expiry = DefaultPendingExpiry
	}
	return &pendingRuns{
		expiry:  expiry,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
		runs:    make(map[string]*pendingRun),
	}
}

// register creates a token for a turn that is going into the background.
func (p *pendingRuns) register(ctx context.Context, conversation string) string {
	token := uuid.NewString()

	p.mu.Lock()
	p.purgeLocked(ctx)
	p.runs[token] = &pendingRun{conversation: conversation, created: p.now()}
	p.mu.Unlock()

	p.metrics.PendingRuns.Add(ctx, 1)
	return token
}

// complete stores the finished result for a registered token. It reports
// whether the token was still known (false means it already expired).
func (p *pendingRuns) complete(ctx context.Context, token, content string, err error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	run, ok := p.runs[token]
	if !ok {
		return false
	}
	run.content = content
	run.err = err
	run.done = true
	return true
}

// collect returns the result for a token. A finished result is removed on
// collection; an in-flight one is reported with Done set to false.
func (p *pendingRuns) collect(ctx context.Context, token string) (PendingResult, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.purgeLocked(ctx)
	run, ok := p.runs[token]
	if !ok {
		return PendingResult{}, false
	}

	res := PendingResult{
		Conversation: run.conversation,
		Content:      run.content,
		Err:          run.err,
		Done:         run.done,
		CreatedAt:    run.created,
	}
	if run.done {
		delete(p.runs, token)
		p.metrics.PendingRuns.Add(ctx, -1)
	}
	return res, true
}

// purgeLocked drops runs past the expiry window. Must be called with p.mu held.
func (p *pendingRuns) purgeLocked(ctx context.Context) {
	cutoff := p.now().Add(-p.expiry)
	for token, run := range p.runs {
		if run.created.Before(cutoff) {
			delete(p.runs, token)
			p.metrics.PendingRuns.Add(ctx, -1)
			p.logger.Debug("expired pending run",
				slog.String("token", token),
				slog.String("conversation", run.conversation))
		}
	}
}
