package engine

import (
	"regexp"
	"strings"

	"replyflow/mailer"
	"replyflow/models"
)

var bouncePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^\s*undeliverable`),
	regexp.MustCompile(`(?i)^\s*undelivered mail`),
	regexp.MustCompile(`(?i)^\s*mail delivery failed`),
	regexp.MustCompile(`(?i)^\s*returned mail`),
	regexp.MustCompile(`(?i)^\s*failure notice`),
	regexp.MustCompile(`(?i)^\s*delivery status notification \(failure\)`),
	regexp.MustCompile(`(?i)^\s*delivery failure`),
}

var bounceSenders = map[string]bool{
	"mailer-daemon": true,
	"postmaster":    true,
}

var autoReplyHeaders = []string{
	"X-Autoreply",
	"X-Autorespond",
	"Auto-Submitted",
	"X-Auto-Reply",
}

var autoReplySubject = regexp.MustCompile(`(?i)(out of (the )?office|auto(matic)?[- ]?reply|autoreply|away from (the )?office|vacation|on leave|abwesenheit)`)

var (
	finalRecipient    = regexp.MustCompile(`(?im)^\s*final-recipient:\s*(?:rfc822;)?\s*<?([^\s<>;]+@[^\s<>;]+)>?`)
	originalRecipient = regexp.MustCompile(`(?im)^\s*original-recipient:\s*(?:rfc822;)?\s*<?([^\s<>;]+@[^\s<>;]+)>?`)
	dsnStatus         = regexp.MustCompile(`(?im)^\s*status:\s*([245])\.\d{1,3}\.\d{1,3}`)
)

// IsBounce reports a delivery failure notice by subject or sender.
func IsBounce(subject, fromAddress string) bool {
	for _, p := range bouncePatterns {
		if p.MatchString(subject) {
			return true
		}
	}
	return bounceSenders[mailer.LocalPart(strings.TrimSpace(fromAddress))]
}

// IsAutoReply reports an automated response by header or subject.
func IsAutoReply(msg mailer.InboundMessage) bool {
	for _, name := range autoReplyHeaders {
		if strings.TrimSpace(msg.Header(name)) != "" {
			return true
		}
	}
	return autoReplySubject.MatchString(msg.Subject)
}

// BouncedRecipient extracts the failed address of a delivery report.
func BouncedRecipient(msg mailer.InboundMessage) string {
	body := msg.TextBody
	if body == "" {
		body = msg.HTMLBody
	}
	for _, p := range []*regexp.Regexp{finalRecipient, originalRecipient} {
		if m := p.FindStringSubmatch(body); m != nil {
			return strings.ToLower(m[1])
		}
	}
	if h := msg.Header("X-Failed-Recipients"); h != "" {
		first := strings.TrimSpace(strings.Split(h, ",")[0])
		return strings.ToLower(strings.Trim(first, "<>"))
	}
	return ""
}

// BounceType is soft for a 4.x.x DSN status and hard otherwise.
func BounceType(msg mailer.InboundMessage) string {
	if m := dsnStatus.FindStringSubmatch(msg.TextBody); m != nil && m[1] == "4" {
		return models.BounceSoft
	}
	return models.BounceHard
}
