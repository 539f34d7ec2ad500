// Package mailertest provides in-memory mail transports for tests.
package mailertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"replyflow/mailer"
)

// Sender records outbound messages. Err, when set, fails every send.
type Sender struct {
	mu   sync.Mutex
	Err  error
	Sent []mailer.OutboundMessage
	// Block makes SendMessage wait for ctx, simulating a hung server.
	Block bool
}

func (s *Sender) SendMessage(ctx context.Context, creds mailer.SMTPCredentials, msg mailer.OutboundMessage) error {
	if s.Block {
		<-ctx.Done()
		return fmt.Errorf("smtp send aborted, %w: %w", mailer.ErrDeliveryUnknown, ctx.Err())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.Sent = append(s.Sent, msg)
	return nil
}

// Messages returns a copy of what has been sent.
func (s *Sender) Messages() []mailer.OutboundMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]mailer.OutboundMessage(nil), s.Sent...)
}

// Receiver serves Messages from a single fake inbox.
type Receiver struct {
	mu         sync.Mutex
	Messages   []mailer.InboundMessage
	ConnectErr error
	FetchErr   error

	seen     map[uint32]bool
	Since    time.Time
	Connects int
}

func (r *Receiver) Connect(ctx context.Context, creds mailer.IMAPCredentials) (mailer.Inbox, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Connects++
	if r.ConnectErr != nil {
		return nil, r.ConnectErr
	}
	return &inbox{r: r}, nil
}

// Seen reports whether the message with uid was marked seen.
func (r *Receiver) Seen(uid uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seen[uid]
}

type inbox struct {
	r *Receiver
}

func (in *inbox) FetchUnseenSince(ctx context.Context, folder string, since time.Time) ([]mailer.InboundMessage, error) {
	in.r.mu.Lock()
	defer in.r.mu.Unlock()
	in.r.Since = since
	if in.r.FetchErr != nil {
		return nil, in.r.FetchErr
	}
	var out []mailer.InboundMessage
	for _, m := range in.r.Messages {
		if in.r.seen[m.UID] {
			continue
		}
		if !m.Date.IsZero() && m.Date.Before(since) {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (in *inbox) MarkSeen(ctx context.Context, msg mailer.InboundMessage) error {
	in.r.mu.Lock()
	defer in.r.mu.Unlock()
	if in.r.seen == nil {
		in.r.seen = map[uint32]bool{}
	}
	in.r.seen[msg.UID] = true
	return nil
}

func (in *inbox) Close() error { return nil }
