package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rickar/cal/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"replyflow/events"
	"replyflow/models"
)

// SequenceScheduler creates the queued SentEmail rows of a campaign.
type SequenceScheduler struct {
	db       *gorm.DB
	log      logrus.FieldLogger
	events   events.Emitter
	warmup   WarmupPolicy
	calendar *cal.BusinessCalendar
	threader *Threader
	now      func() time.Time
}

// loadSchedulable loads an active campaign with its mailbox.
func loadSchedulable(tx *gorm.DB, campaignID uint) (*models.Campaign, error) {
	var campaign models.Campaign
	if err := tx.Preload("Mailbox").First(&campaign, campaignID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("campaign %d: %w", campaignID, ErrCampaignInactive)
		}
		return nil, err
	}
	if !campaign.IsActive() {
		return nil, fmt.Errorf("campaign %d: %w", campaignID, ErrCampaignInactive)
	}
	if campaign.MailboxID == nil || campaign.Mailbox == nil {
		return nil, fmt.Errorf("campaign %d: %w", campaignID, ErrNoMailbox)
	}
	return &campaign, nil
}

// QueueInitialBatch queues the first sequence step for as many pending
// leads as the mailbox has quota left for today. Quota already claimed by
// queued rows due today counts as used.
func (s *SequenceScheduler) QueueInitialBatch(ctx context.Context, campaignID uint) (int, error) {
	var (
		queued   int
		campaign *models.Campaign
	)
	now := s.now()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		campaign, err = loadSchedulable(tx, campaignID)
		if err != nil {
			return err
		}

		// Serialize quota claims on the mailbox row.
		var mb models.Mailbox
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&mb, *campaign.MailboxID).Error; err != nil {
			return err
		}

		var tpl models.EmailTemplate
		err = tx.Where("campaign_id = ? AND sequence_order = ?", campaign.ID, 1).Take(&tpl).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		} else if err != nil {
			return fmt.Errorf("failed to load first template: %w", err)
		}

		sent, err := sentToday(tx, &mb, now)
		if err != nil {
			return err
		}
		claimed, err := outstandingOn(tx, &mb, now, true)
		if err != nil {
			return err
		}
		remaining := s.warmup.CurrentDailyLimit(&mb) - sent - claimed
		if remaining <= 0 {
			return nil
		}

		var leads []models.Lead
		err = tx.Where("campaign_id = ? AND status = ?", campaign.ID, models.LeadPending).
			Order("id ASC").
			Limit(remaining).
			Find(&leads).Error
		if err != nil {
			return fmt.Errorf("failed to load pending leads: %w", err)
		}

		for i := range leads {
			lead := &leads[i]
			se := models.SentEmail{
				CampaignID:   campaign.ID,
				LeadID:       lead.ID,
				MailboxID:    mb.ID,
				TemplateID:   tpl.ID,
				MessageID:    s.threader.GenerateMessageID(&mb),
				Subject:      Render(tpl.Subject, lead),
				Body:         Render(tpl.Body, lead),
				SequenceStep: 1,
				Status:       models.EmailQueued,
			}
			if err := tx.Create(&se).Error; err != nil {
				return fmt.Errorf("failed to queue email for lead %d: %w", lead.ID, err)
			}

			err := tx.Model(&models.Lead{}).
				Where("id = ? AND status = ?", lead.ID, models.LeadPending).
				Update("status", models.LeadQueued).Error
			if err != nil {
				return fmt.Errorf("failed to update lead %d: %w", lead.ID, err)
			}
			queued++
		}
		return nil
	})
	if err != nil {
		if isConfigError(err) {
			s.log.WithError(err).Debug("Skipping initial batch")
			return 0, nil
		}
		return 0, err
	}

	if queued > 0 {
		s.events.Publish(events.Event{
			Type:       events.EmailQueued,
			CampaignID: campaign.ID,
			MailboxID:  *campaign.MailboxID,
			Count:      queued,
		})
	}
	return queued, nil
}

// localDay returns the bounds of the mailbox-local calendar day holding t.
func localDay(t time.Time, mb *models.Mailbox) (start, end time.Time, err error) {
	loc, err := mailboxLocation(mb)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	y, m, d := t.In(loc).Date()
	start = time.Date(y, m, d, 0, 0, 0, 0, loc).UTC()
	end = time.Date(y, m, d+1, 0, 0, 0, 0, loc).UTC()
	return start, end, nil
}

// outstandingOn counts the mailbox's unsent rows that will go out on the
// local day holding t: rows due before the day ends, unscheduled rows when
// withUnscheduled is set, and rows claimed for sending during that day.
func outstandingOn(tx *gorm.DB, mb *models.Mailbox, t time.Time, withUnscheduled bool) (int, error) {
	start, end, err := localDay(t, mb)
	if err != nil {
		return 0, err
	}

	due := "scheduled_for < ?"
	if withUnscheduled {
		due = "(scheduled_for IS NULL OR scheduled_for < ?)"
	}
	var n int64
	err = tx.Model(&models.SentEmail{}).
		Where("mailbox_id = ?", mb.ID).
		Where("((status IN ? AND "+due+") OR (status = ? AND updated_at >= ?))",
			[]string{models.EmailPending, models.EmailQueued}, end, models.EmailSending, start).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count outstanding emails: %w", err)
	}
	return int(n), nil
}

// QueueNext queues the lead's next sequence step after its delay. It
// returns nil when the lead is not contacted, the sequence is finished or
// the step is already queued.
func (s *SequenceScheduler) QueueNext(ctx context.Context, lead *models.Lead) (*models.SentEmail, error) {
	db := s.db.WithContext(ctx)

	var current models.Lead
	if err := db.First(&current, lead.ID).Error; err != nil {
		return nil, fmt.Errorf("failed to load lead %d: %w", lead.ID, err)
	}
	if current.Status != models.LeadContacted {
		return nil, nil
	}

	campaign, err := loadSchedulable(db, current.CampaignID)
	if err != nil {
		if isConfigError(err) {
			s.log.WithError(err).WithField("lead_id", current.ID).Debug("Skipping follow-up")
			return nil, nil
		}
		return nil, err
	}
	mb := campaign.Mailbox

	nextStep := current.CurrentSequenceStep + 1
	var tpl models.EmailTemplate
	err = db.Where("campaign_id = ? AND sequence_order = ?", campaign.ID, nextStep).Take(&tpl).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to load template %d: %w", nextStep, err)
	}

	var existing int64
	err = db.Model(&models.SentEmail{}).
		Where("lead_id = ? AND campaign_id = ? AND sequence_step = ?", current.ID, campaign.ID, nextStep).
		Count(&existing).Error
	if err != nil {
		return nil, fmt.Errorf("failed to check existing step: %w", err)
	}
	if existing > 0 {
		return nil, nil
	}

	base := s.now()
	if current.LastContactedAt != nil {
		base = current.LastContactedAt.UTC()
	}
	at, err := s.sendTime(base, tpl, mb)
	if err != nil {
		return nil, err
	}

	se := &models.SentEmail{
		CampaignID:   campaign.ID,
		LeadID:       current.ID,
		MailboxID:    mb.ID,
		TemplateID:   tpl.ID,
		MessageID:    s.threader.GenerateMessageID(mb),
		Subject:      Render(tpl.Subject, &current),
		Body:         Render(tpl.Body, &current),
		SequenceStep: nextStep,
		Status:       models.EmailQueued,
		ScheduledFor: &at,
	}
	if err := db.Create(se).Error; err != nil {
		return nil, fmt.Errorf("failed to queue step %d for lead %d: %w", nextStep, current.ID, err)
	}

	s.events.Publish(events.Event{
		Type:       events.EmailQueued,
		CampaignID: campaign.ID,
		MailboxID:  mb.ID,
		Count:      1,
	})
	return se, nil
}

// sendTime applies the template delay to base and clamps into the window.
func (s *SequenceScheduler) sendTime(base time.Time, tpl models.EmailTemplate, mb *models.Mailbox) (time.Time, error) {
	var (
		at  time.Time
		err error
	)
	if tpl.DelayType == models.DelayCalendar {
		at = base.AddDate(0, 0, tpl.DelayDays)
	} else {
		at, err = addBusinessDays(base, tpl.DelayDays, mb, s.calendar)
		if err != nil {
			return time.Time{}, err
		}
	}
	w, err := s.Window(mb)
	if err != nil {
		return time.Time{}, err
	}
	return w.Adjust(at)
}

// Window is the mailbox's send window with the scheduler's holidays.
func (s *SequenceScheduler) Window(mb *models.Mailbox) (*SendWindow, error) {
	return NewSendWindow(mb, s.calendar)
}

// QueueFollowUps runs QueueNext for every contacted lead of the campaign.
func (s *SequenceScheduler) QueueFollowUps(ctx context.Context, campaignID uint) (int, error) {
	var leads []models.Lead
	err := s.db.WithContext(ctx).
		Where("campaign_id = ? AND status = ?", campaignID, models.LeadContacted).
		Order("id ASC").
		Find(&leads).Error
	if err != nil {
		return 0, fmt.Errorf("failed to load contacted leads: %w", err)
	}

	queued := 0
	for i := range leads {
		se, err := s.QueueNext(ctx, &leads[i])
		if err != nil {
			return queued, err
		}
		if se != nil {
			queued++
		}
	}
	return queued, nil
}

// ScheduleQueued assigns send times to the mailbox's queued rows that have
// none, spread over the rest of the next open window. Rows already due on
// that day count against the quota.
func (s *SequenceScheduler) ScheduleQueued(ctx context.Context, mb *models.Mailbox) (int, error) {
	w, err := s.Window(mb)
	if err != nil {
		return 0, err
	}
	day, err := w.Adjust(s.now())
	if err != nil {
		return 0, err
	}
	assigned := 0

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sent, err := sentToday(tx, mb, day)
		if err != nil {
			return err
		}
		claimed, err := outstandingOn(tx, mb, day, false)
		if err != nil {
			return err
		}
		limit := s.warmup.CurrentDailyLimit(mb) - sent - claimed
		if limit <= 0 {
			return nil
		}

		var rows []models.SentEmail
		err = tx.Where("mailbox_id = ? AND status = ? AND scheduled_for IS NULL", mb.ID, models.EmailQueued).
			Order("id ASC").
			Limit(limit).
			Find(&rows).Error
		if err != nil {
			return fmt.Errorf("failed to load unscheduled emails: %w", err)
		}

		assigned, err = w.Distribute(rows, limit, day)
		if err != nil {
			return err
		}
		for i := 0; i < assigned; i++ {
			err := tx.Model(&models.SentEmail{}).
				Where("id = ? AND status = ? AND scheduled_for IS NULL", rows[i].ID, models.EmailQueued).
				Update("scheduled_for", rows[i].ScheduledFor).Error
			if err != nil {
				return fmt.Errorf("failed to schedule email %d: %w", rows[i].ID, err)
			}
		}
		return nil
	})
	return assigned, err
}

// DeferToWindow pushes the given queued rows to the next window opening
// when now is outside the mailbox's window. It reports whether the window
// is open, and when it is not, the instant it opens.
func (s *SequenceScheduler) DeferToWindow(ctx context.Context, mb *models.Mailbox, ids []uint) (time.Time, bool, error) {
	w, err := s.Window(mb)
	if err != nil {
		return time.Time{}, false, err
	}
	next, open, err := w.Open(s.now())
	if err != nil || open || len(ids) == 0 {
		return next, open, err
	}

	err = s.db.WithContext(ctx).Model(&models.SentEmail{}).
		Where("id IN ? AND status = ?", ids, models.EmailQueued).
		Update("scheduled_for", next).Error
	if err != nil {
		return next, false, fmt.Errorf("failed to defer emails: %w", err)
	}
	return next, false, nil
}
