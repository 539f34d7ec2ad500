// Package mailer is the mail transport the engine talks to: outbound SMTP
// and inbound IMAP, plus parsing raw messages into InboundMessage values.
package mailer

import (
	"context"
	"net/textproto"
	"strings"
	"time"
)

// SMTPCredentials are the decrypted outbound settings of a mailbox.
type SMTPCredentials struct {
	Host       string
	Port       int
	Username   string
	Password   string
	Encryption string // SSL, TLS, STARTTLS
}

// IMAPCredentials are the decrypted inbound settings of a mailbox.
type IMAPCredentials struct {
	Host       string
	Port       int
	Username   string
	Password   string
	Encryption string // SSL, TLS, STARTTLS, NONE
}

// OutboundMessage is one message handed to the SMTP server.
type OutboundMessage struct {
	From       string
	FromName   string
	To         string
	Subject    string
	HTMLBody   string
	MessageID  string
	InReplyTo  string
	References []string
}

// InboundMessage is the transport-neutral view of a fetched message.
type InboundMessage struct {
	UID        uint32
	MessageID  string
	InReplyTo  string
	References []string
	Headers    map[string]string
	Subject    string
	From       string
	Date       time.Time
	TextBody   string
	HTMLBody   string
}

// Header returns the named header, matched case-insensitively.
func (m InboundMessage) Header(name string) string {
	return m.Headers[textproto.CanonicalMIMEHeaderKey(name)]
}

// Sender delivers outbound mail. Implementations must honour ctx.
type Sender interface {
	SendMessage(ctx context.Context, creds SMTPCredentials, msg OutboundMessage) error
}

// Inbox is one open session against a mailbox folder.
type Inbox interface {
	FetchUnseenSince(ctx context.Context, folder string, since time.Time) ([]InboundMessage, error)
	MarkSeen(ctx context.Context, msg InboundMessage) error
	Close() error
}

// Receiver opens inbox sessions.
type Receiver interface {
	Connect(ctx context.Context, creds IMAPCredentials) (Inbox, error)
}

// LocalPart returns the part of an address before '@', lowercased.
func LocalPart(address string) string {
	at := strings.LastIndex(address, "@")
	if at < 0 {
		return strings.ToLower(address)
	}
	return strings.ToLower(address[:at])
}
