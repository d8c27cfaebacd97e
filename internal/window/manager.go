// Package window maintains token-budgeted conversation histories.
//
// Each conversation owns an ordered list of messages with estimated token
// costs. Appending past the budget evicts the oldest evictable messages first
// (FIFO); system messages are pinned and never evicted. When nothing can be
// evicted to make room, the append fails with [ErrWindowTooSmall] — that is a
// configuration problem, not a transient condition.
package window

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/openhearth/hearth/internal/observe"
	"github.com/openhearth/hearth/pkg/types"
)

// ErrWindowTooSmall reports that the token budget cannot hold the pinned
// messages plus the message being appended, even after evicting everything
// evictable. Callers must treat it as fatal for the turn.
var ErrWindowTooSmall = errors.New("window: token budget too small")

// ErrUnknownConversation is returned by read operations on a conversation ID
// that has never been written to.
var ErrUnknownConversation = errors.New("window: unknown conversation")

// Config configures a [Manager].
type Config struct {
	// MaxTokens is the per-conversation token budget. Must be positive.
	MaxTokens int

	// PreserveSystem pins system-role messages so eviction skips them.
	// Defaults to true; set PreserveSystemOff to disable.
	PreserveSystemOff bool

	// Estimator computes message costs. Defaults to [HeuristicEstimator].
	Estimator Estimator

	// Logger receives eviction debug logs. Defaults to slog.Default().
	Logger *slog.Logger

	// Metrics receives eviction and active-conversation metrics. Optional.
	Metrics *observe.Metrics
}

// entry is a message plus its bookkeeping.
type entry struct {
	msg  types.Message
	cost int
	seq  uint64
}

// conversation is the per-ID window state. Guarded by the Manager mutex.
type conversation struct {
	entries        []entry
	baseToolTokens int
	evictions      int
	nextSeq        uint64
}

// used returns the current token total including the tool schema overhead.
func (c *conversation) used() int {
	total := c.baseToolTokens
	for _, e := range c.entries {
		total += e.cost
	}
	return total
}

// Stats describes the current state of one conversation window.
type Stats struct {
	Messages        int            `json:"messages"`
	UsedTokens      int            `json:"used_tokens"`
	BudgetTokens    int            `json:"budget_tokens"`
	BaseToolTokens  int            `json:"base_tool_tokens"`
	Utilization     float64        `json:"utilization"`
	Evictions       int            `json:"evictions"`
	TagDistribution map[string]int `json:"tag_distribution,omitempty"`
}

// Manager tracks conversation windows keyed by conversation ID.
// All methods are safe for concurrent use.
type Manager struct {
	budget         int
	preserveSystem bool
	estimator      Estimator
	logger         *slog.Logger
	metrics        *observe.Metrics

	mu    sync.Mutex
	convs map[string]*conversation
}

// NewManager creates a Manager with the given configuration.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.MaxTokens <= 0 {
		return nil, fmt.Errorf("window: MaxTokens must be positive, got %d", cfg.MaxTokens)
	}
	est := cfg.Estimator
	if est == nil {
		est = HeuristicEstimator{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		budget:         cfg.MaxTokens,
		preserveSystem: !cfg.PreserveSystemOff,
		estimator:      est,
		logger:         logger.With("component", "window"),
		metrics:        cfg.Metrics,
		convs:          make(map[string]*conversation),
	}, nil
}

// SetBudget replaces the token budget. Conversations over the new budget are
// trimmed on their next append. Budgets below 1 are ignored.
func (m *Manager) SetBudget(maxTokens int) {
	if maxTokens <= 0 {
		return
	}
	m.mu.Lock()
	m.budget = maxTokens
	m.mu.Unlock()
}

// conv returns the conversation for id, creating it on first use.
// Must be called with m.mu held.
func (m *Manager) conv(ctx context.Context, id string) *conversation {
	c, ok := m.convs[id]
	if !ok {
		c = &conversation{}
		m.convs[id] = c
		if m.metrics != nil {
			m.metrics.ActiveConversations.Add(ctx, 1)
		}
	}
	return c
}

// Append estimates the cost of msg, adds it to the conversation and evicts
// the oldest evictable messages until the window fits the budget again.
// The freshly appended message is never evicted; if the budget cannot hold it
// alongside the pinned messages, the append is rolled back and
// [ErrWindowTooSmall] is returned.
func (m *Manager) Append(ctx context.Context, convID string, msg types.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.conv(ctx, convID)
	e := entry{msg: msg, cost: m.estimator.EstimateMessage(msg), seq: c.nextSeq}
	c.nextSeq++
	c.entries = append(c.entries, e)

	if err := m.evictLocked(ctx, convID, c); err != nil {
		c.entries = c.entries[:len(c.entries)-1]
		return err
	}
	return nil
}

// evictLocked drops the oldest evictable messages until the window fits.
// The last entry (the one just appended) is protected. Must be called with
// m.mu held.
func (m *Manager) evictLocked(ctx context.Context, convID string, c *conversation) error {
	evicted := 0
	for c.used() > m.budget {
		idx := -1
		for i := 0; i < len(c.entries)-1; i++ {
			if m.preserveSystem && c.entries[i].msg.Role == "system" {
				continue
			}
			idx = i
			break
		}
		if idx < 0 {
			return fmt.Errorf("%w: %d tokens needed, budget %d (conversation %s)",
				ErrWindowTooSmall, c.used(), m.budget, convID)
		}
		victim := c.entries[idx]
		c.entries = append(c.entries[:idx], c.entries[idx+1:]...)
		c.evictions++
		evicted++
		m.logger.Debug("evicted message",
			"conversation", convID,
			"role", victim.msg.Role,
			"seq", victim.seq,
			"tokens", victim.cost)
	}
	if evicted > 0 && m.metrics != nil {
		m.metrics.RecordEviction(ctx, int64(evicted))
	}
	return nil
}

// SetSystemPrompt inserts or updates the pinned system message at position 0.
// Growing the prompt can push the window over budget; older evictable
// messages are dropped to compensate, and [ErrWindowTooSmall] is returned if
// the prompt alone no longer fits.
func (m *Manager) SetSystemPrompt(ctx context.Context, convID, prompt string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.conv(ctx, convID)
	msg := types.Message{Role: "system", Content: prompt}
	e := entry{msg: msg, cost: m.estimator.EstimateMessage(msg)}

	var prev *entry
	if len(c.entries) > 0 && c.entries[0].msg.Role == "system" {
		old := c.entries[0]
		prev = &old
		e.seq = old.seq
		c.entries[0] = e
	} else {
		e.seq = c.nextSeq
		c.nextSeq++
		c.entries = append([]entry{e}, c.entries...)
	}

	if err := m.trimTailLocked(ctx, convID, c); err != nil {
		if prev != nil {
			c.entries[0] = *prev
		} else {
			c.entries = c.entries[1:]
		}
		return err
	}
	return nil
}

// SetBaseToolTokens records the token overhead of the tool schemas offered on
// every request for this conversation. The overhead counts against the budget.
func (m *Manager) SetBaseToolTokens(ctx context.Context, convID string, tokens int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.conv(ctx, convID)
	prev := c.baseToolTokens
	c.baseToolTokens = tokens
	if err := m.trimTailLocked(ctx, convID, c); err != nil {
		c.baseToolTokens = prev
		return err
	}
	return nil
}

// trimTailLocked is evictLocked without a protected last entry: any
// non-pinned message may go. Used when the overhead grows rather than when a
// message arrives. Must be called with m.mu held.
func (m *Manager) trimTailLocked(ctx context.Context, convID string, c *conversation) error {
	evicted := 0
	for c.used() > m.budget {
		idx := -1
		for i := 0; i < len(c.entries); i++ {
			if m.preserveSystem && c.entries[i].msg.Role == "system" {
				continue
			}
			idx = i
			break
		}
		if idx < 0 {
			return fmt.Errorf("%w: %d tokens needed, budget %d (conversation %s)",
				ErrWindowTooSmall, c.used(), m.budget, convID)
		}
		victim := c.entries[idx]
		c.entries = append(c.entries[:idx], c.entries[idx+1:]...)
		c.evictions++
		evicted++
		m.logger.Debug("evicted message",
			"conversation", convID,
			"role", victim.msg.Role,
			"seq", victim.seq,
			"tokens", victim.cost)
	}
	if evicted > 0 && m.metrics != nil {
		m.metrics.RecordEviction(ctx, int64(evicted))
	}
	return nil
}

// Snapshot returns a copy of the conversation history in order. When tags are
// given, non-system messages are filtered to those sharing at least one tag;
// system messages are always included. The returned slice is the caller's to
// mutate.
func (m *Manager) Snapshot(convID string, tags ...string) []types.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.convs[convID]
	if !ok {
		return nil
	}

	out := make([]types.Message, 0, len(c.entries))
	for _, e := range c.entries {
		if len(tags) > 0 && e.msg.Role != "system" && !hasAnyTag(e.msg, tags) {
			continue
		}
		out = append(out, e.msg)
	}
	return out
}

func hasAnyTag(m types.Message, tags []string) bool {
	for _, t := range tags {
		if m.HasTag(t) {
			return true
		}
	}
	return false
}

// Stats returns usage statistics for the conversation.
func (m *Manager) Stats(convID string) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.convs[convID]
	if !ok {
		return Stats{}, fmt.Errorf("%w: %s", ErrUnknownConversation, convID)
	}

	s := Stats{
		Messages:       len(c.entries),
		UsedTokens:     c.used(),
		BudgetTokens:   m.budget,
		BaseToolTokens: c.baseToolTokens,
		Evictions:      c.evictions,
	}
	s.Utilization = float64(s.UsedTokens) / float64(m.budget)

	for _, e := range c.entries {
		for _, tag := range e.msg.Tags {
			if s.TagDistribution == nil {
				s.TagDistribution = make(map[string]int)
			}
			s.TagDistribution[tag]++
		}
	}
	return s, nil
}

// Reset wipes the conversation: messages, system prompt, tool token overhead
// and counters all go. The agent re-establishes the system prompt on the next
// turn.
func (m *Manager) Reset(convID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.convs[convID]
	if !ok {
		return
	}
	c.entries = nil
	c.baseToolTokens = 0
	c.evictions = 0
}

// Remove forgets the conversation entirely.
func (m *Manager) Remove(ctx context.Context, convID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.convs[convID]; !ok {
		return
	}
	delete(m.convs, convID)
	if m.metrics != nil {
		m.metrics.ActiveConversations.Add(ctx, -1)
	}
}

// EstimateToolDefs exposes the estimator so callers can compute the base
// tool token overhead from the definitions they are about to offer.
func (m *Manager) EstimateToolDefs(defs []types.ToolDefinition) int {
	return m.estimator.EstimateToolDefs(defs)
}
