package models

import (
	"time"

	"gorm.io/gorm"
)

// SentEmail status values.
const (
	EmailPending = "pending"
	EmailQueued  = "queued"
	EmailSending = "sending"
	EmailSent    = "sent"
	EmailFailed  = "failed"
	EmailBounced = "bounced"
)

// Bounce types.
const (
	BounceHard = "hard"
	BounceSoft = "soft"
)

// CancelledMessage is stored on rows cancelled by a bounce.
const CancelledMessage = "Cancelled"

// SentEmail is one outbound message instance of a campaign sequence
type SentEmail struct {
	gorm.Model
	CampaignID uint `gorm:"not null;index" json:"campaign_id"`
	LeadID     uint `gorm:"not null;index" json:"lead_id"`
	MailboxID  uint `gorm:"not null;index" json:"mailbox_id"`
	TemplateID uint `gorm:"index" json:"template_id"`

	MessageID    string `gorm:"not null;uniqueIndex" json:"message_id"`
	Subject      string `gorm:"not null" json:"subject"`
	Body         string `gorm:"type:text" json:"body"`
	SequenceStep int    `gorm:"not null" json:"sequence_step"`

	Status       string     `gorm:"default:'pending';index" json:"status"`
	ScheduledFor *time.Time `gorm:"index" json:"scheduled_for"`
	SentAt       *time.Time `json:"sent_at"`
	BouncedAt    *time.Time `json:"bounced_at"`
	BounceType   string     `json:"bounce_type"` // hard, soft
	ErrorMessage string     `gorm:"type:text" json:"error_message"`

	// Relations
	Lead       Lead               `json:"-"`
	References []MessageReference `gorm:"foreignKey:SentEmailID;constraint:OnDelete:CASCADE" json:"references,omitempty"`
}

// IsSendable reports whether a send attempt may start.
func (e *SentEmail) IsSendable() bool {
	return e.Status == EmailPending || e.Status == EmailQueued
}

// IsDue reports whether the row may be sent at now. A nil ScheduledFor is due.
func (e *SentEmail) IsDue(now time.Time) bool {
	return e.ScheduledFor == nil || !e.ScheduledFor.After(now)
}

// MessageReference records one prior message id a sent email threads from
type MessageReference struct {
	gorm.Model
	SentEmailID        uint   `gorm:"not null;index" json:"sent_email_id"`
	ReferenceMessageID string `gorm:"not null;index" json:"reference_message_id"`
	Position           int    `gorm:"not null" json:"position"` // 1-based
}
