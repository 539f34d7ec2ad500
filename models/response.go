package models

import (
	"time"

	"gorm.io/gorm"
)

// Analysis status values. The analysis pipeline advances these.
const (
	AnalysisPending   = "pending"
	AnalysisCompleted = "completed"
	AnalysisFailed    = "failed"
)

// Review status values.
const (
	ReviewUnreviewed = "unreviewed"
	ReviewReviewed   = "reviewed"
)

// Response represents an inbound message matched to a sent email
type Response struct {
	gorm.Model
	SentEmailID uint `gorm:"not null;index" json:"sent_email_id"`
	LeadID      uint `gorm:"not null;index" json:"lead_id"`
	CampaignID  uint `gorm:"not null;index" json:"campaign_id"`
	MailboxID   uint `gorm:"not null;index" json:"mailbox_id"`

	MessageID   string    `gorm:"not null;uniqueIndex" json:"message_id"`
	InReplyTo   string    `json:"in_reply_to"`
	References  string    `gorm:"type:text" json:"references"`
	FromAddress string    `gorm:"not null" json:"from_address"`
	Subject     string    `json:"subject"`
	BodyText    string    `gorm:"type:text" json:"body_text"`
	BodyHTML    string    `gorm:"type:text" json:"body_html"`
	ReceivedAt  time.Time `gorm:"not null" json:"received_at"`

	IsAutoReply    bool   `gorm:"default:false" json:"is_auto_reply"`
	AnalysisStatus string `gorm:"default:'pending';index" json:"analysis_status"`
	ReviewStatus   string `gorm:"default:'unreviewed'" json:"review_status"`

	// Relations
	SentEmail SentEmail `json:"-"`
}

// NeedsAnalysis reports whether the analysis pipeline should pick this up.
func (r *Response) NeedsAnalysis() bool {
	return r.AnalysisStatus == AnalysisPending && !r.IsAutoReply
}
