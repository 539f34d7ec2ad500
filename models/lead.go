package models

import (
	"time"

	"gorm.io/gorm"
)

// Lead status values.
const (
	LeadPending      = "pending"
	LeadQueued       = "queued"
	LeadContacted    = "contacted"
	LeadReplied      = "replied"
	LeadCallBooked   = "call_booked"
	LeadConverted    = "converted"
	LeadUnsubscribed = "unsubscribed"
	LeadBounced      = "bounced"
)

// leadRank orders the progressive statuses. Terminal statuses are absent.
var leadRank = map[string]int{
	LeadPending:    0,
	LeadQueued:     1,
	LeadContacted:  2,
	LeadReplied:    3,
	LeadCallBooked: 4,
	LeadConverted:  5,
}

// Lead represents a single recipient inside a campaign
type Lead struct {
	gorm.Model
	CampaignID uint `gorm:"not null;uniqueIndex:idx_lead_email_campaign" json:"campaign_id"`

	Email     string `gorm:"not null;uniqueIndex:idx_lead_email_campaign" json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Company   string `json:"company"`
	Role      string `json:"role"`

	CustomField1 string `json:"custom_field_1"`
	CustomField2 string `json:"custom_field_2"`
	CustomField3 string `json:"custom_field_3"`
	CustomField4 string `json:"custom_field_4"`
	CustomField5 string `json:"custom_field_5"`

	// Status
	Status              string     `gorm:"default:'pending';index" json:"status"`
	CurrentSequenceStep int        `gorm:"default:0" json:"current_sequence_step"`
	LastContactedAt     *time.Time `json:"last_contacted_at"`
	RepliedAt           *time.Time `json:"replied_at"`
	BouncedAt           *time.Time `json:"bounced_at"`

	// Relations
	Campaign Campaign `json:"-"`
}

// IsTerminal reports whether the lead has left the sequence for good.
func (l *Lead) IsTerminal() bool {
	return l.Status == LeadBounced || l.Status == LeadUnsubscribed
}

// InSequence reports whether the lead may still receive sequence mail.
func (l *Lead) InSequence() bool {
	rank, ok := leadRank[l.Status]
	return ok && rank <= leadRank[LeadContacted]
}

// CanAdvanceTo reports whether moving to status would be a forward move.
// Bounced and unsubscribed are reachable from any non-terminal status.
func (l *Lead) CanAdvanceTo(status string) bool {
	if l.IsTerminal() {
		return false
	}
	if status == LeadBounced || status == LeadUnsubscribed {
		return true
	}
	next, ok := leadRank[status]
	if !ok {
		return false
	}
	return next > leadRank[l.Status]
}
