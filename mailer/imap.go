package mailer

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
)

// imapClient is the subset of *client.Client the inbox uses.
type imapClient interface {
	Login(username, password string) error
	Select(name string, readOnly bool) (*imap.MailboxStatus, error)
	UidSearch(criteria *imap.SearchCriteria) ([]uint32, error)
	UidFetch(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error
	UidStore(seqset *imap.SeqSet, item imap.StoreItem, value interface{}, ch chan *imap.Message) error
	Logout() error
}

// IMAPReceiver opens go-imap sessions against a mailbox's IMAP server.
type IMAPReceiver struct {
	Timeout time.Duration

	dial func(ctx context.Context, creds IMAPCredentials, timeout time.Duration) (imapClient, error)
}

func NewIMAPReceiver(timeout time.Duration) *IMAPReceiver {
	return &IMAPReceiver{Timeout: timeout, dial: dialIMAP}
}

func (r *IMAPReceiver) Connect(ctx context.Context, creds IMAPCredentials) (Inbox, error) {
	c, err := r.dial(ctx, creds, r.Timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to IMAP server: %w", err)
	}

	if err := c.Login(creds.Username, creds.Password); err != nil {
		c.Logout()
		return nil, fmt.Errorf("failed to login to IMAP server: %w", err)
	}

	return &imapInbox{c: c}, nil
}

func dialIMAP(ctx context.Context, creds IMAPCredentials, timeout time.Duration) (imapClient, error) {
	addr := fmt.Sprintf("%s:%d", creds.Host, creds.Port)
	dialer := &net.Dialer{Timeout: timeout}
	tlsConfig := &tls.Config{ServerName: creds.Host}

	if deadline, ok := ctx.Deadline(); ok {
		dialer.Deadline = deadline
	}

	var (
		c   *client.Client
		err error
	)
	switch strings.ToUpper(creds.Encryption) {
	case "SSL", "TLS":
		c, err = client.DialWithDialerTLS(dialer, addr, tlsConfig)
	case "STARTTLS":
		c, err = client.DialWithDialer(dialer, addr)
		if err == nil {
			if err = c.StartTLS(tlsConfig); err != nil {
				c.Logout()
			}
		}
	default:
		c, err = client.DialWithDialer(dialer, addr)
	}
	if err != nil {
		return nil, err
	}

	c.Timeout = timeout
	return c, nil
}

type imapInbox struct {
	c imapClient
}

func (in *imapInbox) FetchUnseenSince(ctx context.Context, folder string, since time.Time) ([]InboundMessage, error) {
	if folder == "" {
		folder = "INBOX"
	}
	if _, err := in.c.Select(folder, false); err != nil {
		return nil, fmt.Errorf("failed to select mailbox %s: %w", folder, err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	criteria.Since = since
	uids, err := in.c.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}
	if len(uids) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, imap.FetchInternalDate, section.FetchItem()}

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- in.c.UidFetch(seqset, items, messages)
	}()

	var out []InboundMessage
	for msg := range messages {
		// An unreadable message is skipped and stays unseen.
		parsed, err := parseFetched(msg)
		if err != nil {
			continue
		}
		out = append(out, parsed)
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("error during fetch: %w", err)
	}

	return out, nil
}

func parseFetched(msg *imap.Message) (InboundMessage, error) {
	// Only the whole-message section is requested, so the first literal is it.
	var literal imap.Literal
	for _, l := range msg.Body {
		literal = l
		break
	}
	if literal == nil {
		return InboundMessage{}, fmt.Errorf("message body not found")
	}

	parsed, err := ParseMessage(literal)
	if err != nil {
		return InboundMessage{}, err
	}
	parsed.UID = msg.Uid
	if parsed.Date.IsZero() {
		parsed.Date = msg.InternalDate
	}
	return parsed, nil
}

func (in *imapInbox) MarkSeen(ctx context.Context, msg InboundMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	seqset := new(imap.SeqSet)
	seqset.AddNum(msg.UID)
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := in.c.UidStore(seqset, item, []interface{}{imap.SeenFlag}, nil); err != nil {
		return fmt.Errorf("failed to mark uid %d seen: %w", msg.UID, err)
	}
	return nil
}

func (in *imapInbox) Close() error {
	return in.c.Logout()
}
