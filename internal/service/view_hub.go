package service

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"telemedsync/internal/models"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"
)

// ViewHub streams the reconciled appointment view to websocket subscribers.
// Every completed sync cycle publishes a snapshot; slow subscribers only ever
// miss intermediate snapshots, never the latest one.
type ViewHub struct {
	logger *logrus.Logger

	mu          sync.Mutex
	subscribers map[chan []byte]struct{}
	latest      []byte
}

type viewEvent struct {
	Type         string               `json:"type"`
	Appointments []models.Appointment `json:"appointments"`
	PublishedAt  time.Time            `json:"publishedAt"`
}

func NewViewHub(logger *logrus.Logger) *ViewHub {
	return &ViewHub{
		logger:      logger,
		subscribers: make(map[chan []byte]struct{}),
	}
}

// Publish fans a fresh view snapshot out to all subscribers.
func (h *ViewHub) Publish(view []models.Appointment) {
	data, err := json.Marshal(viewEvent{
		Type:         "appointments",
		Appointments: view,
		PublishedAt:  time.Now().UTC(),
	})
	if err != nil {
		h.logger.WithError(err).Error("Failed to encode view snapshot")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.latest = data
	for ch := range h.subscribers {
		select {
		case ch <- data:
		default:
			// Drop the stale snapshot waiting in the buffer, then queue the
			// fresh one.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- data:
			default:
			}
		}
	}
}

// ServeHTTP upgrades the request and streams snapshots until the client
// disconnects.
func (h *ViewHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.WithError(err).Warn("Websocket upgrade failed")
		return
	}
	defer func() { _ = conn.Close(websocket.StatusInternalError, "stream closed") }()

	ctx := conn.CloseRead(r.Context())

	ch, initial := h.subscribe()
	defer h.unsubscribe(ch)

	if initial != nil {
		if err := h.write(ctx, conn, initial); err != nil {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case data := <-ch:
			if err := h.write(ctx, conn, data); err != nil {
				return
			}
		}
	}
}

func (h *ViewHub) write(ctx context.Context, conn *websocket.Conn, data []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func (h *ViewHub) subscribe() (chan []byte, []byte) {
	ch := make(chan []byte, 1)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribers[ch] = struct{}{}
	return ch, h.latest
}

func (h *ViewHub) unsubscribe(ch chan []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subscribers, ch)
}
