package websocket

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/loomlab/loom/kernel/internal/domain/entity"
	"github.com/loomlab/loom/kernel/internal/infrastructure/eventbus"
)

// EventStream fans kernel events (token usage, turn completion) out to
// websocket clients. Slow clients are dropped rather than back-pressuring
// the bus.
type EventStream struct {
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan wireEvent
}

type wireEvent struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// NewEventStream subscribes to the bus and returns the stream handler.
func NewEventStream(bus *eventbus.Bus, logger *zap.Logger) *EventStream {
	s := &EventStream{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:  logger.With(zap.String("component", "event-stream")),
		clients: make(map[*client]struct{}),
	}

	forward := func(_ context.Context, event eventbus.Event) {
		s.broadcast(wireEvent{Type: event.Type, Payload: event.Payload})
	}
	bus.Subscribe(entity.EventTokenUsage, forward)
	bus.Subscribe(entity.EventTurnCompleted, forward)
	return s
}

// Handle upgrades the connection and streams events until the client
// disconnects.
func (s *EventStream) Handle(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}

	cl := &client{conn: conn, send: make(chan wireEvent, 32)}
	s.mu.Lock()
	s.clients[cl] = struct{}{}
	s.mu.Unlock()

	go s.writeLoop(cl)
	s.readLoop(cl)
}

func (s *EventStream) broadcast(event wireEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for cl := range s.clients {
		select {
		case cl.send <- event:
		default:
			// Slow client: drop it.
			delete(s.clients, cl)
			close(cl.send)
		}
	}
}

func (s *EventStream) writeLoop(cl *client) {
	defer cl.conn.Close()
	for event := range cl.send {
		cl.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := cl.conn.WriteJSON(event); err != nil {
			s.remove(cl)
			return
		}
	}
}

// readLoop drains client frames so pings are answered; the stream is
// one-directional.
func (s *EventStream) readLoop(cl *client) {
	defer s.remove(cl)
	cl.conn.SetReadLimit(1024)
	for {
		if _, _, err := cl.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *EventStream) remove(cl *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[cl]; ok {
		delete(s.clients, cl)
		close(cl.send)
	}
	cl.conn.Close()
}
