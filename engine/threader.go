package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/badoux/checkmail"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"replyflow/models"
)

// ThreadHeaders are the threading headers of an outbound message.
type ThreadHeaders struct {
	InReplyTo  string
	References []string
}

// Threader assigns message ids and links follow-ups to earlier messages.
type Threader struct {
	db *gorm.DB
}

// GenerateMessageID returns a new <uuid@domain> id for the mailbox. A
// malformed sender address falls back to localhost.
func (t *Threader) GenerateMessageID(mb *models.Mailbox) string {
	domain := "localhost"
	if err := checkmail.ValidateFormat(mb.FromEmail); err == nil {
		if d := mb.Domain(); d != "" {
			domain = strings.ToLower(d)
		}
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
}

// BuildThreadHeaders links se to the messages already sent to its lead in
// the same campaign and records one MessageReference per prior message.
func (t *Threader) BuildThreadHeaders(ctx context.Context, se *models.SentEmail) (ThreadHeaders, error) {
	var headers ThreadHeaders
	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		headers, err = t.buildThreadHeaders(tx, se)
		return err
	})
	return headers, err
}

func (t *Threader) buildThreadHeaders(tx *gorm.DB, se *models.SentEmail) (ThreadHeaders, error) {
	var prior []models.SentEmail
	err := tx.Where("lead_id = ? AND campaign_id = ? AND status = ? AND sequence_step < ? AND id <> ?",
		se.LeadID, se.CampaignID, models.EmailSent, se.SequenceStep, se.ID).
		Order("sequence_step ASC").
		Find(&prior).Error
	if err != nil {
		return ThreadHeaders{}, fmt.Errorf("failed to load prior messages: %w", err)
	}
	if len(prior) == 0 {
		return ThreadHeaders{}, nil
	}

	headers := ThreadHeaders{InReplyTo: prior[len(prior)-1].MessageID}
	refs := make([]models.MessageReference, 0, len(prior))
	for i, p := range prior {
		headers.References = append(headers.References, p.MessageID)
		refs = append(refs, models.MessageReference{
			SentEmailID:        se.ID,
			ReferenceMessageID: p.MessageID,
			Position:           i + 1,
		})
	}

	if err := tx.Unscoped().Where("sent_email_id = ?", se.ID).Delete(&models.MessageReference{}).Error; err != nil {
		return ThreadHeaders{}, fmt.Errorf("failed to clear message references: %w", err)
	}
	if err := tx.Create(&refs).Error; err != nil {
		return ThreadHeaders{}, fmt.Errorf("failed to save message references: %w", err)
	}
	return headers, nil
}
