package flowd

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"rootbot/observability/logging"
	"rootbot/settlement"
)

const (
	wsWriteTimeout   = 10 * time.Second
	subscriberBuffer = 16
)

type notificationPayload struct {
	ID        string `json:"id"`
	TxID      string `json:"txId"`
	Block     uint64 `json:"block"`
	BlockHash string `json:"blockHash,omitempty"`
	Status    string `json:"status"`
	At        string `json:"at"`
}

func notificationPayloadFrom(n settlement.Notification) notificationPayload {
	payload := notificationPayload{
		ID:     n.ID,
		TxID:   n.TxID.Hex(),
		Block:  n.Block.Number,
		Status: n.Status.String(),
		At:     n.At.UTC().Format(time.RFC3339Nano),
	}
	if (n.Block.Hash != common.Hash{}) {
		payload.BlockHash = n.Block.Hash.Hex()
	}
	return payload
}

// Hub relays settlement notifications to connected websocket subscribers.
// Slow subscribers lose notifications rather than stall the tracker.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[string]chan settlement.Notification
	logger *slog.Logger
}

// NewHub returns an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{subs: make(map[string]map[string]chan settlement.Notification), logger: logger}
}

// Notify implements settlement.Notifier.
func (h *Hub) Notify(_ context.Context, n settlement.Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs[n.UserID] {
		select {
		case ch <- n:
		default:
			h.logger.Warn("notification dropped",
				logging.MaskField("user", n.UserID),
				slog.String("subscriber", id),
				slog.String("tx", n.TxID.Hex()))
		}
	}
}

// Subscribe registers a subscriber for userID. The returned cancel function
// is idempotent.
func (h *Hub) Subscribe(userID string) (<-chan settlement.Notification, func()) {
	id := uuid.NewString()
	ch := make(chan settlement.Notification, subscriberBuffer)
	h.mu.Lock()
	if h.subs[userID] == nil {
		h.subs[userID] = make(map[string]chan settlement.Notification)
	}
	h.subs[userID][id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[userID], id)
			if len(h.subs[userID]) == 0 {
				delete(h.subs, userID)
			}
			close(ch)
		})
	}
}

// Subscribers reports how many streams are open for userID.
func (h *Hub) Subscribers(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[userID])
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.originPatterns})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	// Clients never send; CloseRead cancels ctx once the peer goes away.
	ctx := conn.CloseRead(r.Context())
	if err := s.streamNotifications(ctx, conn, userID); err != nil {
		if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamNotifications(ctx context.Context, conn *websocket.Conn, userID string) error {
	updates, cancel := s.hub.Subscribe(userID)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-updates:
			if !ok {
				return nil
			}
			if err := writeNotification(ctx, conn, n); err != nil {
				return err
			}
		}
	}
}

func writeNotification(ctx context.Context, conn *websocket.Conn, n settlement.Notification) error {
	data, err := json.Marshal(notificationPayloadFrom(n))
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

var _ settlement.Notifier = (*Hub)(nil)
