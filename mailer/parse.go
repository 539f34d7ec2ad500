package mailer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/textproto"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// ParseMessage reads a raw RFC 5322 message. Text and delivery-status parts
// are joined into TextBody; HTML parts go to HTMLBody; attachments are
// skipped. A missing Message-ID is replaced with a stable synthetic one.
func ParseMessage(r io.Reader) (InboundMessage, error) {
	mr, err := mail.CreateReader(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return InboundMessage{}, fmt.Errorf("failed to create message reader: %w", err)
	}

	out := InboundMessage{Headers: map[string]string{}}
	fields := mr.Header.Fields()
	for fields.Next() {
		key := textproto.CanonicalMIMEHeaderKey(fields.Key())
		if _, seen := out.Headers[key]; seen {
			continue
		}
		value, err := fields.Text()
		if err != nil {
			value = fields.Value()
		}
		out.Headers[key] = strings.TrimSpace(value)
	}

	out.Subject, _ = mr.Header.Subject()
	out.Date, _ = mr.Header.Date()
	out.MessageID = strings.TrimSpace(mr.Header.Get("Message-Id"))
	out.InReplyTo = strings.TrimSpace(mr.Header.Get("In-Reply-To"))
	out.References = strings.Fields(mr.Header.Get("References"))

	if addrs, err := mr.Header.AddressList("From"); err == nil && len(addrs) > 0 {
		out.From = strings.ToLower(addrs[0].Address)
	} else {
		out.From = strings.ToLower(bareAddress(mr.Header.Get("From")))
	}

	var text, html strings.Builder
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		} else if err != nil {
			if message.IsUnknownCharset(err) {
				continue
			}
			return InboundMessage{}, fmt.Errorf("failed to read next part: %w", err)
		}

		var contentType string
		switch h := p.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ = h.ContentType()
		case *mail.AttachmentHeader:
			// Delivery reports arrive as attachment parts.
			contentType, _, _ = h.ContentType()
			if !isReportPart(contentType) {
				continue
			}
		default:
			continue
		}
		b, err := io.ReadAll(p.Body)
		if err != nil {
			return InboundMessage{}, fmt.Errorf("failed to read body: %w", err)
		}

		switch {
		case strings.Contains(contentType, "text/html"):
			html.Write(b)
		case strings.HasPrefix(contentType, "text/"), isReportPart(contentType):
			if text.Len() > 0 {
				text.WriteString("\n")
			}
			text.Write(b)
		}
	}
	out.TextBody = text.String()
	out.HTMLBody = html.String()

	if out.MessageID == "" {
		out.MessageID = SyntheticMessageID(out.From, mr.Header.Get("Date"), out.Subject)
	}

	return out, nil
}

// isReportPart matches the machine-readable parts of a delivery report.
func isReportPart(contentType string) bool {
	switch strings.ToLower(contentType) {
	case "message/delivery-status", "message/global-delivery-status", "text/rfc822-headers":
		return true
	}
	return false
}

// SyntheticMessageID derives an id from sender, date and subject so the
// same headerless message always maps to the same value.
func SyntheticMessageID(from, date, subject string) string {
	sum := sha256.Sum256([]byte(from + "\x00" + date + "\x00" + subject))
	return "<" + hex.EncodeToString(sum[:16]) + "@synthetic.local>"
}

func bareAddress(raw string) string {
	raw = strings.TrimSpace(raw)
	if start := strings.LastIndex(raw, "<"); start >= 0 {
		if end := strings.Index(raw[start:], ">"); end > 0 {
			return raw[start+1 : start+end]
		}
	}
	return raw
}
