package mailer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/gomail.v2"
)

// ErrDeliveryUnknown means the send was abandoned mid-session. The server
// may still accept the message after the caller has given up on it.
var ErrDeliveryUnknown = errors.New("delivery unknown")

// SMTPSender sends through the mailbox's own SMTP server with gomail.
type SMTPSender struct {
	// LocalName is sent in HELO/EHLO. Empty uses the From domain.
	LocalName string
}

func NewSMTPSender() *SMTPSender {
	return &SMTPSender{}
}

func (s *SMTPSender) SendMessage(ctx context.Context, creds SMTPCredentials, msg OutboundMessage) error {
	m := buildMessage(msg)

	dialer := gomail.NewDialer(creds.Host, creds.Port, creds.Username, creds.Password)
	dialer.SSL = creds.Port == 465 || strings.EqualFold(creds.Encryption, "SSL")
	dialer.TLSConfig = &tls.Config{ServerName: creds.Host}
	dialer.LocalName = s.LocalName
	if dialer.LocalName == "" {
		if at := strings.LastIndex(msg.From, "@"); at >= 0 {
			dialer.LocalName = msg.From[at+1:]
		}
	}

	// gomail only bounds the dial. On ctx expiry the session goroutine is
	// abandoned and may still deliver, so the error says so.
	done := make(chan error, 1)
	go func() {
		done <- dialer.DialAndSend(m)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("smtp send failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("smtp send aborted, %w: %w", ErrDeliveryUnknown, ctx.Err())
	}
}

func buildMessage(msg OutboundMessage) *gomail.Message {
	m := gomail.NewMessage()
	m.SetAddressHeader("From", msg.From, msg.FromName)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", msg.MessageID)
	if msg.InReplyTo != "" {
		m.SetHeader("In-Reply-To", msg.InReplyTo)
	}
	if len(msg.References) > 0 {
		m.SetHeader("References", strings.Join(msg.References, " "))
	}
	m.SetBody("text/html", msg.HTMLBody)
	return m
}
