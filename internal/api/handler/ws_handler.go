package handler

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/cuongbtq/job-engine/internal/events"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

// EventsHandler upgrades clients to websockets and subscribes them to the
// local event bus
type EventsHandler struct {
	logger     *slog.Logger
	events     EventHub
	subsystems StatusSource
	upgrader   websocket.Upgrader
}

// NewEventsHandler creates a new EventsHandler instance
func NewEventsHandler(deps *Dependencies) *EventsHandler {
	h := &EventsHandler{
		logger:     deps.Logger,
		events:     deps.Events,
		subsystems: deps.Subsystems,
	}
	origins := deps.AllowedOrigins
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(origins) == 0 || slices.Contains(origins, "*") {
				return true
			}
			return slices.Contains(origins, r.Header.Get("Origin"))
		},
	}
	return h
}

// wsSubscriber serializes writes to one websocket connection
type wsSubscriber struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// Send implements events.Subscriber
func (s *wsSubscriber) Send(_ context.Context, env events.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return s.conn.WriteJSON(env)
}

func (s *wsSubscriber) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

// Stream handles GET /ws
// Sends the current subsystem statuses, then every envelope broadcast on
// this instance until the client disconnects
func (h *EventsHandler) Stream(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	sub := &wsSubscriber{conn: conn}
	ctx := c.Request.Context()

	if h.subsystems != nil {
		for _, s := range h.subsystems.List() {
			env := events.NewEnvelope(events.StatusPayload{
				SubsystemID: s.ID,
				Status:      string(s.Status),
				Progress:    s.Progress,
				Message:     s.Message,
			})
			if err := sub.Send(ctx, env); err != nil {
				return
			}
		}
	}

	bus := h.events.Local()
	id := bus.Subscribe(sub)
	defer bus.Unsubscribe(id)

	h.logger.Info("Websocket client connected",
		slog.String("subscriber_id", id),
		slog.String("remote_addr", c.ClientIP()),
	)

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := sub.ping(); err != nil {
					return
				}
			}
		}
	}()

	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	// Client messages are ignored; reading drives pong handling and
	// detects disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	}

	h.logger.Info("Websocket client disconnected", slog.String("subscriber_id", id))
}
