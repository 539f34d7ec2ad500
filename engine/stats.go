package engine

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"replyflow/models"
)

// Sending stat columns.
const (
	statSent        = "emails_sent"
	statBounced     = "emails_bounced"
	statFailed      = "emails_failed"
	statReplies     = "replies_received"
	statAutoReplies = "auto_replies_received"
)

// statDate is the mailbox-local calendar day the stat row is keyed on.
func statDate(mb *models.Mailbox, now time.Time) string {
	loc, err := mailboxLocation(mb)
	if err != nil {
		loc = time.UTC
	}
	return now.In(loc).Format("2006-01-02")
}

// incrementStat atomically adds by to column on today's row, creating it.
func incrementStat(tx *gorm.DB, mb *models.Mailbox, now time.Time, column string, by int) error {
	date := statDate(mb, now)
	row := models.MailboxSendingStat{MailboxID: mb.ID, Date: date}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to create sending stat: %w", err)
	}

	err := tx.Model(&models.MailboxSendingStat{}).
		Where("mailbox_id = ? AND date = ?", mb.ID, date).
		UpdateColumn(column, gorm.Expr(column+" + ?", by)).Error
	if err != nil {
		return fmt.Errorf("failed to increment %s: %w", column, err)
	}
	return nil
}

// sentToday is today's emails_sent for the mailbox.
func sentToday(tx *gorm.DB, mb *models.Mailbox, now time.Time) (int, error) {
	var sent int
	err := tx.Model(&models.MailboxSendingStat{}).
		Where("mailbox_id = ? AND date = ?", mb.ID, statDate(mb, now)).
		Select("COALESCE(SUM(emails_sent), 0)").
		Scan(&sent).Error
	if err != nil {
		return 0, fmt.Errorf("failed to read sending stat: %w", err)
	}
	return sent, nil
}

// TodayStat returns today's stat row for the mailbox, zero if none exists.
func (e *Engine) TodayStat(tx *gorm.DB, mb *models.Mailbox) (models.MailboxSendingStat, error) {
	var stat models.MailboxSendingStat
	err := tx.Where("mailbox_id = ? AND date = ?", mb.ID, statDate(mb, e.now())).
		Limit(1).Find(&stat).Error
	return stat, err
}

// RemainingToday is how many more messages the mailbox may send today.
func (e *Engine) RemainingToday(ctx context.Context, mb *models.Mailbox) (int, error) {
	sent, err := sentToday(e.db.WithContext(ctx), mb, e.now())
	if err != nil {
		return 0, err
	}
	remaining := e.Warmup.CurrentDailyLimit(mb) - sent
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// Now is the engine clock, in UTC.
func (e *Engine) Now() time.Time {
	return e.now()
}
