// Package events carries engine side effects to observers without letting
// them slow down or fail the operation that produced them.
package events

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"replyflow/models"
)

// Event types.
const (
	EmailQueued      = "email_queued"
	EmailSent        = "email_sent"
	EmailFailed      = "email_failed"
	EmailBounced     = "email_bounced"
	ResponseReceived = "response_received"
)

// Event is a single engine side effect.
type Event struct {
	Type       string            `json:"type"`
	CampaignID uint              `json:"campaign_id,omitempty"`
	MailboxID  uint              `json:"mailbox_id,omitempty"`
	Count      int               `json:"count,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	SentEmail  *models.SentEmail `json:"sent_email,omitempty"`
	Response   *models.Response  `json:"response,omitempty"`
	At         time.Time         `json:"at"`
}

// Emitter is what the engine publishes to.
type Emitter interface {
	Publish(Event)
}

// Handler consumes events. It runs on the bus goroutine.
type Handler func(Event)

// Bus is an unbounded fan-out queue. Publish never blocks.
type Bus struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queue    []Event
	handlers []Handler
	closed   bool
	done     chan struct{}
	log      logrus.FieldLogger
}

// NewBus starts the dispatch goroutine.
func NewBus(log logrus.FieldLogger) *Bus {
	b := &Bus{
		done: make(chan struct{}),
		log:  log,
	}
	b.cond = sync.NewCond(&b.mu)
	go b.run()
	return b
}

// Subscribe registers h for every event published afterwards.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	b.handlers = append(b.handlers, h)
	b.mu.Unlock()
}

// Publish enqueues e. Events published after Close are dropped.
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	b.mu.Lock()
	if !b.closed {
		b.queue = append(b.queue, e)
		b.cond.Signal()
	}
	b.mu.Unlock()
}

// Close drains queued events and stops the dispatch goroutine.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.done
		return
	}
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()
	<-b.done
}

func (b *Bus) run() {
	defer close(b.done)
	for {
		b.mu.Lock()
		for len(b.queue) == 0 && !b.closed {
			b.cond.Wait()
		}
		if len(b.queue) == 0 && b.closed {
			b.mu.Unlock()
			return
		}
		e := b.queue[0]
		b.queue[0] = Event{}
		b.queue = b.queue[1:]
		handlers := append([]Handler(nil), b.handlers...)
		b.mu.Unlock()

		for _, h := range handlers {
			b.deliver(h, e)
		}
	}
}

func (b *Bus) deliver(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.WithFields(logrus.Fields{
				"event_type": e.Type,
				"panic":      r,
			}).Error("Event handler panicked")
		}
	}()
	h(e)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(Event) {}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the recorded events of type t.
func (r *Recorder) OfType(t string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
