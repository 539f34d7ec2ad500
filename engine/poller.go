package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"replyflow/events"
	"replyflow/mailer"
	"replyflow/models"
	"replyflow/utils"
)

// PollResult summarises one pass over a mailbox.
type PollResult struct {
	Fetched     int  `json:"fetched"`
	Replies     int  `json:"replies"`
	AutoReplies int  `json:"auto_replies"`
	Bounces     int  `json:"bounces"`
	Unmatched   int  `json:"unmatched"`
	Skipped     bool `json:"skipped"`
	// TransportError is set when the pass aborted and the mailbox was
	// moved to the error status.
	TransportError string `json:"transport_error,omitempty"`
}

// Poller pulls inbound mail for one mailbox and records replies.
type Poller struct {
	db         *gorm.DB
	log        logrus.FieldLogger
	events     events.Emitter
	cipher     *utils.Cipher
	receiver   mailer.Receiver
	matcher    *Matcher
	dispatcher *Dispatcher
	timeout    time.Duration
	lookback   time.Duration
	now        func() time.Time
}

// Poll runs one pass. A paused or errored mailbox is skipped. Transport
// failures are recorded on the mailbox and reported in the result; the
// returned error is for storage faults only.
func (p *Poller) Poll(ctx context.Context, mailboxID uint) (PollResult, error) {
	var result PollResult
	db := p.db.WithContext(ctx)

	var mb models.Mailbox
	if err := db.First(&mb, mailboxID).Error; err != nil {
		return result, fmt.Errorf("failed to load mailbox %d: %w", mailboxID, err)
	}
	if !mb.CanSend() || !mb.HasInbox() {
		result.Skipped = true
		return result, nil
	}

	log := p.log.WithField("mailbox_id", mb.ID)
	started := p.now()
	since := started.Add(-p.lookback)
	if mb.LastPolledAt != nil {
		since = mb.LastPolledAt.UTC()
	}

	creds, err := imapCredentials(&mb, p.cipher)
	if err != nil {
		return p.abort(ctx, &mb, result, err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, p.timeout)
	inbox, err := p.receiver.Connect(connectCtx, creds)
	cancel()
	if err != nil {
		return p.abort(ctx, &mb, result, err)
	}
	defer inbox.Close()

	fetchCtx, cancel := context.WithTimeout(ctx, p.timeout)
	msgs, err := inbox.FetchUnseenSince(fetchCtx, mb.IMAPMailbox, since)
	cancel()
	if err != nil {
		return p.abort(ctx, &mb, result, err)
	}
	result.Fetched = len(msgs)

	for _, msg := range msgs {
		seen, err := p.process(ctx, &mb, msg, &result)
		if err != nil {
			utils.LogError(log, "poll_process", err, map[string]interface{}{
				"message_id": msg.MessageID,
			})
			continue
		}
		if !seen {
			continue
		}

		markCtx, cancel := context.WithTimeout(ctx, p.timeout)
		err = inbox.MarkSeen(markCtx, msg)
		cancel()
		if err != nil {
			return p.abort(ctx, &mb, result, err)
		}
	}

	err = db.Model(&models.Mailbox{}).Where("id = ?", mb.ID).Update("last_polled_at", started).Error
	if err != nil {
		return result, fmt.Errorf("failed to stamp last_polled_at: %w", err)
	}

	log.WithFields(logrus.Fields{
		"fetched":      result.Fetched,
		"replies":      result.Replies,
		"auto_replies": result.AutoReplies,
		"bounces":      result.Bounces,
		"unmatched":    result.Unmatched,
	}).Info("Mailbox polled")
	return result, nil
}

// abort moves the mailbox to error and leaves last_polled_at untouched.
func (p *Poller) abort(ctx context.Context, mb *models.Mailbox, result PollResult, cause error) (PollResult, error) {
	result.TransportError = cause.Error()
	utils.LogError(p.log, "poll_failed", cause, map[string]interface{}{"mailbox_id": mb.ID})

	db := p.db.WithContext(context.WithoutCancel(ctx))
	if err := markMailboxError(db, mb.ID, cause.Error(), p.now()); err != nil {
		return result, err
	}
	return result, nil
}

// process handles one message and reports whether it should be marked seen.
func (p *Poller) process(ctx context.Context, mb *models.Mailbox, msg mailer.InboundMessage, result *PollResult) (bool, error) {
	if IsBounce(msg.Subject, msg.From) {
		if err := p.processBounce(ctx, mb, msg); err != nil {
			return false, err
		}
		result.Bounces++
		return true, nil
	}

	db := p.db.WithContext(ctx)
	var dup int64
	if err := db.Model(&models.Response{}).Where("message_id = ?", msg.MessageID).Count(&dup).Error; err != nil {
		return false, err
	}
	if dup > 0 {
		return true, nil
	}

	se, err := p.matcher.Match(ctx, matchInput(msg), mb)
	if err != nil {
		return false, err
	}
	if se == nil {
		result.Unmatched++
		return false, nil
	}

	resp, created, err := p.record(ctx, mb, se, msg)
	if err != nil {
		return false, err
	}
	if !created {
		return true, nil
	}
	if resp.IsAutoReply {
		result.AutoReplies++
	} else {
		result.Replies++
	}

	p.events.Publish(events.Event{
		Type:       events.ResponseReceived,
		CampaignID: resp.CampaignID,
		MailboxID:  resp.MailboxID,
		Response:   resp,
	})
	return true, nil
}

func matchInput(msg mailer.InboundMessage) MatchInput {
	return MatchInput{
		InReplyTo:   msg.InReplyTo,
		References:  msg.References,
		Subject:     msg.Subject,
		FromAddress: msg.From,
	}
}

// record stores the Response and, for a human reply, advances the lead.
func (p *Poller) record(ctx context.Context, mb *models.Mailbox, se *models.SentEmail, msg mailer.InboundMessage) (*models.Response, bool, error) {
	now := p.now()
	received := msg.Date.UTC()
	if msg.Date.IsZero() {
		received = now
	}

	resp := &models.Response{
		SentEmailID:    se.ID,
		LeadID:         se.LeadID,
		CampaignID:     se.CampaignID,
		MailboxID:      mb.ID,
		MessageID:      msg.MessageID,
		InReplyTo:      msg.InReplyTo,
		References:     strings.Join(msg.References, " "),
		FromAddress:    msg.From,
		Subject:        msg.Subject,
		BodyText:       msg.TextBody,
		BodyHTML:       msg.HTMLBody,
		ReceivedAt:     received,
		IsAutoReply:    IsAutoReply(msg),
		AnalysisStatus: models.AnalysisPending,
		ReviewStatus:   models.ReviewUnreviewed,
	}

	created := false
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "message_id"}},
			DoNothing: true,
		}).Create(resp)
		if res.Error != nil {
			return fmt.Errorf("failed to save response: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}
		created = true

		column := statReplies
		if resp.IsAutoReply {
			column = statAutoReplies
		} else {
			var lead models.Lead
			if err := tx.First(&lead, se.LeadID).Error; err != nil {
				return fmt.Errorf("failed to load lead %d: %w", se.LeadID, err)
			}
			if lead.CanAdvanceTo(models.LeadReplied) {
				err := tx.Model(&models.Lead{}).
					Where("id = ? AND status = ?", lead.ID, lead.Status).
					Updates(map[string]interface{}{
						"status":     models.LeadReplied,
						"replied_at": now,
					}).Error
				if err != nil {
					return fmt.Errorf("failed to mark lead replied: %w", err)
				}
			}
		}
		return incrementStat(tx, mb, now, column, 1)
	})
	return resp, created, err
}

// processBounce finds the sent row a delivery report refers to and bounces
// it. Reports that cannot be tied to a row are dropped.
func (p *Poller) processBounce(ctx context.Context, mb *models.Mailbox, msg mailer.InboundMessage) error {
	se, err := p.bouncedEmail(ctx, mb, msg)
	if err != nil {
		return err
	}
	if se == nil {
		p.log.WithFields(logrus.Fields{
			"mailbox_id": mb.ID,
			"subject":    msg.Subject,
		}).Warn("Bounce did not match any sent email")
		return nil
	}

	err = p.dispatcher.HandleBounce(ctx, se, BounceType(msg))
	if errors.Is(err, ErrInvalidTransition) {
		p.log.WithError(err).Debug("Ignoring bounce")
		return nil
	}
	return err
}

func (p *Poller) bouncedEmail(ctx context.Context, mb *models.Mailbox, msg mailer.InboundMessage) (*models.SentEmail, error) {
	if recipient := BouncedRecipient(msg); recipient != "" {
		var se models.SentEmail
		err := p.db.WithContext(ctx).
			Joins("JOIN leads ON leads.id = sent_emails.lead_id").
			Where("sent_emails.mailbox_id = ? AND sent_emails.status = ? AND LOWER(leads.email) = ?", mb.ID, models.EmailSent, recipient).
			Order("sent_emails.sent_at DESC").
			Take(&se).Error
		if s, err := found(&se, err); s != nil || err != nil {
			return s, err
		}
	}

	// Reports that quote the original headers can still be threaded.
	in := matchInput(msg)
	in.Subject = ""
	se, err := p.matcher.Match(ctx, in, mb)
	if err != nil || se == nil || se.Status != models.EmailSent {
		return nil, err
	}
	return se, nil
}
