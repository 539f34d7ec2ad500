package models

import (
	"gorm.io/gorm"
)

// Campaign status values.
const (
	CampaignDraft     = "draft"
	CampaignActive    = "active"
	CampaignPaused    = "paused"
	CampaignCompleted = "completed"
)

// Template delay types.
const (
	DelayBusiness = "business"
	DelayCalendar = "calendar"
)

// Campaign represents an outreach sequence sent from one mailbox
type Campaign struct {
	gorm.Model
	MailboxID *uint `gorm:"index" json:"mailbox_id"`

	Name   string `gorm:"not null" json:"name"`
	Status string `gorm:"default:'draft';index" json:"status"` // draft, active, paused, completed

	// Relations
	Mailbox   *Mailbox        `json:"mailbox,omitempty"`
	Templates []EmailTemplate `gorm:"foreignKey:CampaignID;constraint:OnDelete:CASCADE" json:"templates,omitempty"`
	Leads     []Lead          `gorm:"foreignKey:CampaignID;constraint:OnDelete:CASCADE" json:"leads,omitempty"`
}

// IsActive reports whether scheduling and sending may happen.
func (c *Campaign) IsActive() bool {
	return c.Status == CampaignActive
}

// EmailTemplate is one step of a campaign sequence
type EmailTemplate struct {
	gorm.Model
	CampaignID uint `gorm:"not null;index" json:"campaign_id"`

	SequenceOrder int    `gorm:"not null" json:"sequence_order"` // 1..N
	Subject       string `gorm:"not null" json:"subject"`
	Body          string `gorm:"type:text" json:"body"` // HTML
	DelayDays     int    `gorm:"default:0" json:"delay_days"`
	DelayType     string `gorm:"default:'business'" json:"delay_type"` // business, calendar
}
