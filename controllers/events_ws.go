package controller

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"

	"replyflow/events"
)

// clientBuffer is how many events a slow client may fall behind before
// events are dropped for it.
const clientBuffer = 64

// EventHub fans engine events out to websocket clients.
type EventHub struct {
	mu      sync.Mutex
	clients map[chan events.Event]struct{}
	logger  logrus.FieldLogger
}

func NewEventHub(logger logrus.FieldLogger) *EventHub {
	return &EventHub{
		clients: make(map[chan events.Event]struct{}),
		logger:  logger,
	}
}

// Handler subscribes the hub to a bus. It never blocks the bus.
func (h *EventHub) Handler() events.Handler {
	return func(e events.Event) {
		h.mu.Lock()
		defer h.mu.Unlock()
		for ch := range h.clients {
			select {
			case ch <- e:
			default:
				h.logger.WithField("type", e.Type).Warn("Websocket client lagging, event dropped")
			}
		}
	}
}

func (h *EventHub) add() chan events.Event {
	ch := make(chan events.Event, clientBuffer)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *EventHub) remove(ch chan events.Event) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
}

// Clients returns the number of connected clients.
func (h *EventHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Upgrade rejects plain HTTP requests to the websocket route.
func (h *EventHub) Upgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// Serve streams events to one client until it disconnects.
func (h *EventHub) Serve(conn *websocket.Conn) {
	defer conn.Close()

	ch := h.add()
	defer h.remove(ch)
	h.logger.WithField("remote", conn.RemoteAddr().String()).Debug("Websocket client connected")

	// Reads only detect the close; clients do not send anything.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case e := <-ch:
			if err := conn.WriteJSON(e); err != nil {
				h.logger.WithError(err).Debug("Websocket write failed")
				return
			}
		}
	}
}
