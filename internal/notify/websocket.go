package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/openhearth/hearth/internal/observe"
)

// writeTimeout bounds a single push to one subscriber. A stalled client must
// not hold up delivery to the others.
const writeTimeout = 5 * time.Second

// subscriberBuffer is the per-subscriber queue depth. When it overflows the
// subscriber is considered too slow and disconnected.
const subscriberBuffer = 16

type subscriber struct {
	msgs chan []byte
	// closeSlow disconnects a subscriber that cannot keep up.
	closeSlow func()
}

// Hub is a WebSocket push channel. Clients connect to the handler and receive
// every notification as a JSON text message.
type Hub struct {
	logger  *slog.Logger
	metrics *observe.Metrics

	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
	closed      bool
}

var _ Notifier = (*Hub)(nil)

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger, metrics *observe.Metrics) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Hub{
		logger:      logger.With("component", "notify.hub"),
		metrics:     metrics,
		subscribers: make(map[*subscriber]struct{}),
	}
}

// Handler returns the HTTP handler that upgrades connections and streams
// notifications until the client disconnects.
func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			h.logger.Warn("websocket accept failed", "error", err)
			return
		}
		defer conn.CloseNow()

		sub := &subscriber{msgs: make(chan []byte, subscriberBuffer)}
		sub.closeSlow = func() {
			conn.Close(websocket.StatusPolicyViolation, "subscriber too slow to keep up")
		}

		if err := h.add(sub); err != nil {
			conn.Close(websocket.StatusGoingAway, "hub closed")
			return
		}
		defer h.remove(sub)

		ctx := r.Context()
		for {
			select {
			case msg, ok := <-sub.msgs:
				if !ok {
					conn.Close(websocket.StatusGoingAway, "hub closed")
					return
				}
				wctx, cancel := context.WithTimeout(ctx, writeTimeout)
				err := conn.Write(wctx, websocket.MessageText, msg)
				cancel()
				if err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	})
}

// Notify implements Notifier. Delivery is best effort per subscriber: a full
// queue disconnects that subscriber, everyone else still gets the message.
func (h *Hub) Notify(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("notify: encode notification: %w", err)
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return fmt.Errorf("notify: hub is closed")
	}
	subs := make([]*subscriber, 0, len(h.subscribers))
	for s := range h.subscribers {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	delivered := 0
	for _, s := range subs {
		select {
		case s.msgs <- payload:
			delivered++
		default:
			s.closeSlow()
		}
	}

	status := "delivered"
	if delivered == 0 {
		status = "no_subscribers"
		h.logger.Debug("no subscribers for notification",
			slog.String("conversation", n.Conversation), slog.String("token", n.Token))
	}
	h.metrics.RecordNotification(ctx, status)
	return nil
}

// Subscribers returns the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// Close disconnects all subscribers and rejects future ones.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for s := range h.subscribers {
		close(s.msgs)
		delete(h.subscribers, s)
	}
	return nil
}

func (h *Hub) add(s *subscriber) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return fmt.Errorf("notify: hub is closed")
	}
	h.subscribers[s] = struct{}{}
	return nil
}

func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subscribers, s)
}
