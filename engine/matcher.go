package engine

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"gorm.io/gorm"

	"replyflow/models"
)

var replyPrefix = regexp.MustCompile(`(?i)^\s*(re|fwd):`)

// cleanSubject strips one leading Re: or Fwd: and surrounding whitespace.
func cleanSubject(subject string) string {
	return strings.TrimSpace(replyPrefix.ReplaceAllString(subject, ""))
}

// MatchInput is what the matcher needs from an inbound message.
type MatchInput struct {
	InReplyTo   string
	References  []string
	Subject     string
	FromAddress string
}

// Matcher finds the SentEmail an inbound message replies to.
type Matcher struct {
	db *gorm.DB
}

// Match tries, in order: In-Reply-To against our message ids, each
// References entry against recorded thread references and then our message
// ids, and finally the cleaned subject plus sender address against the
// most recently sent rows. It returns nil when nothing matches.
func (m *Matcher) Match(ctx context.Context, in MatchInput, mb *models.Mailbox) (*models.SentEmail, error) {
	db := m.db.WithContext(ctx)

	if id := strings.TrimSpace(in.InReplyTo); id != "" {
		se, err := m.byMessageID(db, id, mb.ID)
		if se != nil || err != nil {
			return se, err
		}
	}

	for _, ref := range in.References {
		for _, id := range strings.Fields(ref) {
			se, err := m.byReference(db, id, mb.ID)
			if se != nil || err != nil {
				return se, err
			}
			se, err = m.byMessageID(db, id, mb.ID)
			if se != nil || err != nil {
				return se, err
			}
		}
	}

	return m.bySubject(db, in.Subject, in.FromAddress, mb.ID)
}

func found(se *models.SentEmail, err error) (*models.SentEmail, error) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return se, nil
}

func (m *Matcher) byMessageID(db *gorm.DB, id string, mailboxID uint) (*models.SentEmail, error) {
	var se models.SentEmail
	err := db.Where("mailbox_id = ? AND message_id = ?", mailboxID, id).Take(&se).Error
	return found(&se, err)
}

// byReference returns the newest row in the mailbox whose recorded thread
// includes id.
func (m *Matcher) byReference(db *gorm.DB, id string, mailboxID uint) (*models.SentEmail, error) {
	var se models.SentEmail
	err := db.Joins("JOIN message_references ON message_references.sent_email_id = sent_emails.id AND message_references.deleted_at IS NULL").
		Where("message_references.reference_message_id = ? AND sent_emails.mailbox_id = ?", id, mailboxID).
		Order("sent_emails.id DESC").
		Take(&se).Error
	return found(&se, err)
}

func (m *Matcher) bySubject(db *gorm.DB, subject, from string, mailboxID uint) (*models.SentEmail, error) {
	cleaned := cleanSubject(subject)
	from = strings.ToLower(strings.TrimSpace(from))
	if cleaned == "" || from == "" {
		return nil, nil
	}

	var candidates []models.SentEmail
	err := db.Joins("JOIN leads ON leads.id = sent_emails.lead_id").
		Where("sent_emails.mailbox_id = ? AND sent_emails.sent_at IS NOT NULL AND LOWER(leads.email) = ?", mailboxID, from).
		Order("sent_emails.sent_at DESC").
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}

	for i := range candidates {
		if cleanSubject(candidates[i].Subject) == cleaned {
			return &candidates[i], nil
		}
	}
	return nil, nil
}
