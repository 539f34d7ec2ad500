package models

import (
	"time"

	"gorm.io/gorm"
)

// Mailbox status values.
const (
	MailboxActive = "active"
	MailboxPaused = "paused"
	MailboxError  = "error"
	MailboxWarmup = "warmup"
)

// WarmupDays is the length of the warm-up ramp.
const WarmupDays = 14

// Mailbox represents a sending and receiving identity
type Mailbox struct {
	gorm.Model

	// Basic identification
	Name      string `gorm:"not null" json:"name"`
	FromEmail string `gorm:"not null;index" json:"from_email"`
	FromName  string `json:"from_name"`

	// ========= SMTP Configuration =========
	SMTPHost     string `gorm:"not null" json:"smtp_host"`
	SMTPPort     int    `gorm:"not null" json:"smtp_port"`
	SMTPUsername string `gorm:"not null" json:"smtp_username"`
	SMTPPassword string `gorm:"not null" json:"-"`                  // Encrypted in application layer
	Encryption   string `gorm:"default:'STARTTLS'" json:"encryption"` // SSL, TLS, STARTTLS

	// ========= IMAP Configuration =========
	IMAPHost       string `json:"imap_host"`
	IMAPPort       int    `json:"imap_port" gorm:"default:993"`
	IMAPUsername   string `json:"imap_username"`
	IMAPPassword   string `json:"-"` // Encrypted in application layer
	IMAPEncryption string `json:"imap_encryption" gorm:"default:'SSL'"`
	IMAPMailbox    string `json:"imap_mailbox" gorm:"default:'INBOX'"`

	// ========= Status =========
	Status       string     `gorm:"not null;default:'active';index" json:"status"`
	ErrorMessage *string    `json:"error_message"`
	LastErrorAt  *time.Time `json:"last_error_at"`
	LastPolledAt *time.Time `json:"last_polled_at"`

	// ========= Limits & Warmup =========
	DailyLimit    int  `gorm:"default:50" json:"daily_limit"`
	WarmupEnabled bool `gorm:"default:false" json:"warmup_enabled"`
	WarmupDay     int  `gorm:"default:0" json:"warmup_day"`

	// ========= Send Window =========
	SendWindowStart string `gorm:"default:'09:00'" json:"send_window_start"` // HH:MM, mailbox-local
	SendWindowEnd   string `gorm:"default:'17:00'" json:"send_window_end"`
	SkipWeekends    bool   `json:"skip_weekends"`
	Timezone        string `gorm:"default:'UTC'" json:"timezone"`

	// Relations
	Campaigns []Campaign `gorm:"foreignKey:MailboxID;constraint:OnDelete:CASCADE" json:"campaigns,omitempty"`
}

// Sanitize strips credentials before the mailbox leaves the process.
func (m *Mailbox) Sanitize() {
	m.SMTPPassword = ""
	m.IMAPPassword = ""
}

// CanSend reports whether the mailbox is allowed to send or poll.
func (m *Mailbox) CanSend() bool {
	return m.Status != MailboxError && m.Status != MailboxPaused
}

// HasInbox reports whether IMAP is configured.
func (m *Mailbox) HasInbox() bool {
	return m.IMAPHost != ""
}

// ResumeStatus is the status a mailbox returns to after pause or error.
func (m *Mailbox) ResumeStatus() string {
	if m.WarmupEnabled && m.WarmupDay <= WarmupDays {
		return MailboxWarmup
	}
	return MailboxActive
}

// Domain returns the part of FromEmail after the last '@'.
func (m *Mailbox) Domain() string {
	for i := len(m.FromEmail) - 1; i >= 0; i-- {
		if m.FromEmail[i] == '@' {
			return m.FromEmail[i+1:]
		}
	}
	return ""
}

// MailboxSendingStat is a per-day counter row for one mailbox
type MailboxSendingStat struct {
	gorm.Model
	MailboxID uint   `gorm:"not null;uniqueIndex:idx_mailbox_stat_day" json:"mailbox_id"`
	Date      string `gorm:"type:varchar(10);not null;uniqueIndex:idx_mailbox_stat_day" json:"date"` // YYYY-MM-DD, mailbox-local

	EmailsSent          int `gorm:"default:0" json:"emails_sent"`
	EmailsBounced       int `gorm:"default:0" json:"emails_bounced"`
	EmailsFailed        int `gorm:"default:0" json:"emails_failed"`
	RepliesReceived     int `gorm:"default:0" json:"replies_received"`
	AutoRepliesReceived int `gorm:"default:0" json:"auto_replies_received"`
}
