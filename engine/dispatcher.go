package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"replyflow/events"
	"replyflow/mailer"
	"replyflow/models"
	"replyflow/utils"
)

// Dispatcher sends queued rows and owns the SentEmail state machine.
type Dispatcher struct {
	db       *gorm.DB
	log      logrus.FieldLogger
	events   events.Emitter
	cipher   *utils.Cipher
	sender   mailer.Sender
	threader *Threader
	timeout  time.Duration
	now      func() time.Time
}

// Send makes one delivery attempt for se. It reports whether the message
// was sent. Transport failures are recorded on the row and the mailbox and
// never returned.
func (d *Dispatcher) Send(ctx context.Context, se *models.SentEmail) bool {
	// Bookkeeping after the attempt must survive caller cancellation.
	bg := context.WithoutCancel(ctx)
	db := d.db.WithContext(bg)
	log := d.log.WithFields(logrus.Fields{
		"sent_email_id": se.ID,
		"lead_id":       se.LeadID,
		"mailbox_id":    se.MailboxID,
	})

	if !se.IsSendable() {
		log.WithField("status", se.Status).Debug("Email not sendable")
		return false
	}

	var mb models.Mailbox
	if err := db.First(&mb, se.MailboxID).Error; err != nil {
		utils.LogError(log, "dispatch_load_mailbox", err, nil)
		return false
	}
	if !mb.CanSend() {
		log.WithField("status", mb.Status).Debug("Mailbox unavailable, not sending")
		return false
	}

	var lead models.Lead
	if err := db.First(&lead, se.LeadID).Error; err != nil {
		utils.LogError(log, "dispatch_load_lead", err, nil)
		return false
	}
	if !lead.InSequence() {
		log.WithField("lead_status", lead.Status).Debug("Lead left the sequence, not sending")
		return false
	}

	res := db.Model(&models.SentEmail{}).
		Where("id = ? AND status IN ?", se.ID, []string{models.EmailPending, models.EmailQueued}).
		Updates(map[string]interface{}{
			"status":     models.EmailSending,
			"updated_at": d.now(),
		})
	if res.Error != nil {
		utils.LogError(log, "dispatch_claim", res.Error, nil)
		return false
	}
	if res.RowsAffected == 0 {
		// Another worker claimed it, or it is no longer sendable.
		return false
	}
	se.Status = models.EmailSending

	headers, err := d.threader.BuildThreadHeaders(bg, se)
	if err != nil {
		return d.fail(bg, se, &mb, err, false)
	}

	creds, err := smtpCredentials(&mb, d.cipher)
	if err != nil {
		return d.fail(bg, se, &mb, err, true)
	}

	msg := mailer.OutboundMessage{
		From:       mb.FromEmail,
		FromName:   mb.FromName,
		To:         lead.Email,
		Subject:    se.Subject,
		HTMLBody:   se.Body,
		MessageID:  se.MessageID,
		InReplyTo:  headers.InReplyTo,
		References: headers.References,
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.sender.SendMessage(sendCtx, creds, msg); err != nil {
		return d.fail(bg, se, &mb, err, true)
	}

	if err := d.markSent(bg, se, &mb, &lead); err != nil {
		utils.LogError(log, "dispatch_mark_sent", err, map[string]interface{}{
			"message_id": se.MessageID,
		})
		return false
	}

	log.WithField("message_id", se.MessageID).Info("Email sent")
	d.events.Publish(events.Event{
		Type:       events.EmailSent,
		CampaignID: se.CampaignID,
		MailboxID:  se.MailboxID,
		SentEmail:  snapshot(se),
	})
	return true
}

func (d *Dispatcher) markSent(ctx context.Context, se *models.SentEmail, mb *models.Mailbox, lead *models.Lead) error {
	now := d.now()
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.SentEmail{}).
			Where("id = ? AND status = ?", se.ID, models.EmailSending).
			Updates(map[string]interface{}{
				"status":        models.EmailSent,
				"sent_at":       now,
				"error_message": "",
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: email %d left sending during transport", ErrInvalidTransition, se.ID)
		}

		if err := incrementStat(tx, mb, now, statSent, 1); err != nil {
			return err
		}

		err := tx.Model(&models.Lead{}).
			Where("id = ?", lead.ID).
			Updates(map[string]interface{}{
				"current_sequence_step": gorm.Expr("current_sequence_step + ?", 1),
				"last_contacted_at":     now,
			}).Error
		if err != nil {
			return fmt.Errorf("failed to advance lead: %w", err)
		}
		if lead.CanAdvanceTo(models.LeadContacted) {
			err = tx.Model(&models.Lead{}).
				Where("id = ? AND status = ?", lead.ID, lead.Status).
				Update("status", models.LeadContacted).Error
			if err != nil {
				return fmt.Errorf("failed to mark lead contacted: %w", err)
			}
		}

		se.Status = models.EmailSent
		se.SentAt = &now
		se.ErrorMessage = ""
		return nil
	})
}

// fail records a failed attempt. A mailbox fault also trips the mailbox
// into the error status.
func (d *Dispatcher) fail(ctx context.Context, se *models.SentEmail, mb *models.Mailbox, cause error, mailboxFault bool) bool {
	now := d.now()
	reason := cause.Error()

	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&models.SentEmail{}).
			Where("id = ? AND status = ?", se.ID, models.EmailSending).
			Updates(map[string]interface{}{
				"status":        models.EmailFailed,
				"error_message": reason,
			}).Error
		if err != nil {
			return err
		}

		if mailboxFault {
			if err := markMailboxError(tx, mb.ID, reason, now); err != nil {
				return err
			}
		}
		return incrementStat(tx, mb, now, statFailed, 1)
	})

	se.Status = models.EmailFailed
	se.ErrorMessage = reason

	fields := map[string]interface{}{
		"sent_email_id": se.ID,
		"mailbox_id":    mb.ID,
		"lead_id":       se.LeadID,
	}
	utils.LogError(d.log, "send_failed", cause, fields)
	if errors.Is(cause, mailer.ErrDeliveryUnknown) {
		d.log.WithFields(fields).Warn("Timed-out send may still have been delivered")
	}
	if err != nil {
		utils.LogError(d.log, "send_failed_record", err, fields)
	}

	d.events.Publish(events.Event{
		Type:       events.EmailFailed,
		CampaignID: se.CampaignID,
		MailboxID:  se.MailboxID,
		Reason:     reason,
		SentEmail:  snapshot(se),
	})
	return false
}

// InterruptedMessage is stored on rows whose send attempt never finished.
const InterruptedMessage = "Send interrupted"

// FailStale fails rows stuck in sending for longer than olderThan, which
// happens when the process dies mid-attempt. It returns how many it failed.
func (d *Dispatcher) FailStale(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan < d.timeout {
		olderThan = d.timeout
	}
	cutoff := d.now().Add(-olderThan)
	db := d.db.WithContext(ctx)

	var stale []models.SentEmail
	err := db.Where("status = ? AND updated_at < ?", models.EmailSending, cutoff).
		Order("id").
		Find(&stale).Error
	if err != nil {
		return 0, fmt.Errorf("failed to load stale emails: %w", err)
	}

	failed := 0
	for i := range stale {
		se := &stale[i]
		res := db.Model(&models.SentEmail{}).
			Where("id = ? AND status = ?", se.ID, models.EmailSending).
			Updates(map[string]interface{}{
				"status":        models.EmailFailed,
				"error_message": InterruptedMessage,
			})
		if res.Error != nil {
			return failed, fmt.Errorf("failed to fail email %d: %w", se.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			continue
		}
		failed++
		se.Status = models.EmailFailed
		se.ErrorMessage = InterruptedMessage

		d.log.WithFields(logrus.Fields{
			"sent_email_id": se.ID,
			"lead_id":       se.LeadID,
			"mailbox_id":    se.MailboxID,
		}).Warn("Failing interrupted send")
		d.events.Publish(events.Event{
			Type:       events.EmailFailed,
			CampaignID: se.CampaignID,
			MailboxID:  se.MailboxID,
			Reason:     InterruptedMessage,
			SentEmail:  snapshot(se),
		})
	}
	return failed, nil
}

// markMailboxError trips an active or warming mailbox into error.
func markMailboxError(tx *gorm.DB, mailboxID uint, reason string, now time.Time) error {
	err := tx.Model(&models.Mailbox{}).
		Where("id = ? AND status IN ?", mailboxID, []string{models.MailboxActive, models.MailboxWarmup}).
		Updates(map[string]interface{}{
			"status":        models.MailboxError,
			"error_message": reason,
			"last_error_at": now,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to mark mailbox %d error: %w", mailboxID, err)
	}
	return nil
}

// HandleBounce moves a sent row to bounced, bounces its lead and cancels the
// lead's remaining unsent rows, all in one transaction. A row that already
// bounced is left alone.
func (d *Dispatcher) HandleBounce(ctx context.Context, se *models.SentEmail, bounceType string) error {
	if bounceType != models.BounceHard && bounceType != models.BounceSoft {
		bounceType = models.BounceHard
	}
	now := d.now()
	already := false

	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var lead models.Lead
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&lead, se.LeadID).Error; err != nil {
			return fmt.Errorf("failed to lock lead %d: %w", se.LeadID, err)
		}

		var current models.SentEmail
		if err := tx.First(&current, se.ID).Error; err != nil {
			return err
		}
		if current.Status == models.EmailBounced {
			already = true
			return nil
		}

		res := tx.Model(&models.SentEmail{}).
			Where("id = ? AND status = ?", se.ID, models.EmailSent).
			Updates(map[string]interface{}{
				"status":      models.EmailBounced,
				"bounced_at":  now,
				"bounce_type": bounceType,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: email %d is %s, not sent", ErrInvalidTransition, se.ID, current.Status)
		}

		err := tx.Model(&models.Lead{}).
			Where("id = ? AND status NOT IN ?", lead.ID, []string{models.LeadBounced, models.LeadUnsubscribed}).
			Updates(map[string]interface{}{
				"status":     models.LeadBounced,
				"bounced_at": now,
			}).Error
		if err != nil {
			return fmt.Errorf("failed to bounce lead: %w", err)
		}

		err = tx.Model(&models.SentEmail{}).
			Where("lead_id = ? AND id <> ? AND status IN ?", lead.ID, se.ID, []string{models.EmailPending, models.EmailQueued}).
			Updates(map[string]interface{}{
				"status":        models.EmailFailed,
				"error_message": models.CancelledMessage,
			}).Error
		if err != nil {
			return fmt.Errorf("failed to cancel remaining emails: %w", err)
		}

		var mb models.Mailbox
		if err := tx.First(&mb, current.MailboxID).Error; err != nil {
			return err
		}
		return incrementStat(tx, &mb, now, statBounced, 1)
	})
	if err != nil {
		return err
	}
	if already {
		return nil
	}

	se.Status = models.EmailBounced
	se.BouncedAt = &now
	se.BounceType = bounceType

	utils.LogEvent(d.log, "email_bounced", map[string]interface{}{
		"sent_email_id": se.ID,
		"lead_id":       se.LeadID,
		"bounce_type":   bounceType,
	})
	d.events.Publish(events.Event{
		Type:       events.EmailBounced,
		CampaignID: se.CampaignID,
		MailboxID:  se.MailboxID,
		Reason:     bounceType,
		SentEmail:  snapshot(se),
	})
	return nil
}

// snapshot copies se so subscribers never share the caller's row.
func snapshot(se *models.SentEmail) *models.SentEmail {
	cp := *se
	cp.References = nil
	cp.Lead = models.Lead{}
	return &cp
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
