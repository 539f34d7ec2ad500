package engine

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"replyflow/models"
)

// MailboxSummary is a mailbox with its derived sending state.
type MailboxSummary struct {
	Mailbox           models.Mailbox            `json:"mailbox"`
	CurrentDailyLimit int                       `json:"current_daily_limit"`
	WarmupProgress    int                       `json:"warmup_progress"`
	Today             models.MailboxSendingStat `json:"today"`
}

// DB exposes the engine's database handle to the HTTP layer.
func (e *Engine) DB() *gorm.DB {
	return e.db
}

// MailboxSummary loads a mailbox with limits and today's counters.
func (e *Engine) MailboxSummary(ctx context.Context, id uint) (*MailboxSummary, error) {
	db := e.db.WithContext(ctx)
	var mb models.Mailbox
	if err := db.First(&mb, id).Error; err != nil {
		return nil, err
	}
	stat, err := e.TodayStat(db, &mb)
	if err != nil {
		return nil, err
	}
	mb.Sanitize()
	return &MailboxSummary{
		Mailbox:           mb,
		CurrentDailyLimit: e.Warmup.CurrentDailyLimit(&mb),
		WarmupProgress:    e.Warmup.ProgressPercent(&mb),
		Today:             stat,
	}, nil
}

// setMailboxStatus moves a mailbox from one of from to the status chosen
// by to, inside a row-locked read-modify-write.
func (e *Engine) setMailboxStatus(ctx context.Context, id uint, from []string, to func(*models.Mailbox) string, clearError bool) (*models.Mailbox, error) {
	var mb models.Mailbox
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&mb, id).Error; err != nil {
			return err
		}
		if !containsString(from, mb.Status) {
			return fmt.Errorf("%w: mailbox %d is %s", ErrInvalidTransition, id, mb.Status)
		}

		updates := map[string]interface{}{"status": to(&mb)}
		if clearError {
			updates["error_message"] = nil
		}
		res := tx.Model(&models.Mailbox{}).Where("id = ? AND status = ?", id, mb.Status).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: mailbox %d changed concurrently", ErrInvalidTransition, id)
		}
		return tx.First(&mb, id).Error
	})
	if err != nil {
		return nil, err
	}
	mb.Sanitize()
	return &mb, nil
}

func paused(*models.Mailbox) string { return models.MailboxPaused }

func resumed(mb *models.Mailbox) string { return mb.ResumeStatus() }

// PauseMailbox stops sending and polling for the mailbox.
func (e *Engine) PauseMailbox(ctx context.Context, id uint) (*models.Mailbox, error) {
	return e.setMailboxStatus(ctx, id,
		[]string{models.MailboxActive, models.MailboxWarmup, models.MailboxError, models.MailboxPaused},
		paused, false)
}

// ResumeMailbox returns a paused or errored mailbox to active or warmup.
func (e *Engine) ResumeMailbox(ctx context.Context, id uint) (*models.Mailbox, error) {
	return e.setMailboxStatus(ctx, id,
		[]string{models.MailboxPaused, models.MailboxError},
		resumed, true)
}

// ClearMailboxError returns an errored mailbox to active or warmup.
func (e *Engine) ClearMailboxError(ctx context.Context, id uint) (*models.Mailbox, error) {
	return e.setMailboxStatus(ctx, id, []string{models.MailboxError}, resumed, true)
}

// AdvanceWarmup moves every warming mailbox one day along the ramp and
// promotes those past the last day to active. It returns how many
// mailboxes were advanced.
func (e *Engine) AdvanceWarmup(ctx context.Context) (int, error) {
	var advanced int64
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Mailbox{}).
			Where("warmup_enabled = ? AND status = ? AND warmup_day <= ?", true, models.MailboxWarmup, models.WarmupDays).
			UpdateColumn("warmup_day", gorm.Expr("warmup_day + ?", 1))
		if res.Error != nil {
			return fmt.Errorf("failed to advance warm-up day: %w", res.Error)
		}
		advanced = res.RowsAffected

		err := tx.Model(&models.Mailbox{}).
			Where("status = ? AND warmup_day > ?", models.MailboxWarmup, models.WarmupDays).
			Update("status", models.MailboxActive).Error
		if err != nil {
			return fmt.Errorf("failed to finish warm-up: %w", err)
		}
		return nil
	})
	return int(advanced), err
}

// ActivateCampaign starts a draft or paused campaign and queues its first
// batch.
func (e *Engine) ActivateCampaign(ctx context.Context, id uint) (int, error) {
	db := e.db.WithContext(ctx)
	var campaign models.Campaign
	if err := db.First(&campaign, id).Error; err != nil {
		return 0, err
	}
	if campaign.MailboxID == nil {
		return 0, fmt.Errorf("campaign %d: %w", id, ErrNoMailbox)
	}
	if campaign.Status != models.CampaignActive {
		if campaign.Status != models.CampaignDraft && campaign.Status != models.CampaignPaused {
			return 0, fmt.Errorf("%w: campaign %d is %s", ErrInvalidTransition, id, campaign.Status)
		}
		res := db.Model(&models.Campaign{}).
			Where("id = ? AND status = ?", id, campaign.Status).
			Update("status", models.CampaignActive)
		if res.Error != nil {
			return 0, res.Error
		}
		if res.RowsAffected == 0 {
			return 0, fmt.Errorf("%w: campaign %d changed concurrently", ErrInvalidTransition, id)
		}
	}
	return e.Sequence.QueueInitialBatch(ctx, id)
}

// PauseCampaign stops scheduling and sending for an active campaign.
func (e *Engine) PauseCampaign(ctx context.Context, id uint) error {
	res := e.db.WithContext(ctx).Model(&models.Campaign{}).
		Where("id = ? AND status = ?", id, models.CampaignActive).
		Update("status", models.CampaignPaused)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var campaign models.Campaign
		if err := e.db.WithContext(ctx).First(&campaign, id).Error; err != nil {
			return err
		}
		if campaign.Status != models.CampaignPaused {
			return fmt.Errorf("%w: campaign %d is %s", ErrInvalidTransition, id, campaign.Status)
		}
	}
	return nil
}
