package worker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"replyflow/lock"
	"replyflow/models"
	"replyflow/utils"
)

// staleSendAfter is how long a row may sit in sending before it is failed.
const staleSendAfter = 15 * time.Minute

// SchedulerWorker queues initial batches and follow-ups for active
// campaigns and assigns send times to unscheduled rows.
type SchedulerWorker struct {
	Deps
	Interval time.Duration
}

func NewSchedulerWorker(deps Deps, interval time.Duration) *SchedulerWorker {
	deps.Logger = deps.Logger.WithField("worker", "scheduler")
	return &SchedulerWorker{Deps: deps, Interval: interval}
}

func (w *SchedulerWorker) Start(ctx context.Context) {
	runEvery(ctx, w.Logger, "Scheduler", w.Interval, func(ctx context.Context) {
		if _, err := w.RunOnce(ctx); err != nil {
			utils.LogError(w.Logger, "scheduler_pass", err, nil)
		}
	})
}

// RunOnce makes a single pass and returns how many rows were queued.
func (w *SchedulerWorker) RunOnce(ctx context.Context) (int, error) {
	if n, err := w.Engine.Dispatcher.FailStale(ctx, staleSendAfter); err != nil {
		utils.LogError(w.Logger, "fail_stale", err, nil)
	} else if n > 0 {
		w.Logger.WithField("count", n).Warn("Failed interrupted sends")
	}

	var campaigns []models.Campaign
	err := w.DB.WithContext(ctx).
		Preload("Mailbox").
		Where("status = ? AND mailbox_id IS NOT NULL", models.CampaignActive).
		Order("id").
		Find(&campaigns).Error
	if err != nil {
		return 0, err
	}

	byMailbox := map[uint][]models.Campaign{}
	var order []uint
	for _, c := range campaigns {
		if c.Mailbox == nil {
			continue
		}
		if _, ok := byMailbox[c.Mailbox.ID]; !ok {
			order = append(order, c.Mailbox.ID)
		}
		byMailbox[c.Mailbox.ID] = append(byMailbox[c.Mailbox.ID], c)
	}

	var queued int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency())
	for _, id := range order {
		list := byMailbox[id]
		g.Go(func() error {
			n := w.scheduleMailbox(gctx, list)
			atomic.AddInt64(&queued, int64(n))
			return nil
		})
	}
	err = g.Wait()
	return int(queued), err
}

func (w *SchedulerWorker) scheduleMailbox(ctx context.Context, campaigns []models.Campaign) int {
	mb := campaigns[0].Mailbox
	log := w.Logger.WithField("mailbox_id", mb.ID)
	queued := 0

	err := w.withLock(ctx, lock.SendKey(mb.ID), func() error {
		var fresh models.Mailbox
		if err := w.DB.WithContext(ctx).First(&fresh, mb.ID).Error; err != nil {
			return err
		}
		if !fresh.CanSend() {
			return nil
		}

		for _, c := range campaigns {
			n, err := w.Engine.Sequence.QueueInitialBatch(ctx, c.ID)
			if err != nil {
				utils.LogError(log, "queue_initial_batch", err, map[string]interface{}{"campaign_id": c.ID})
			}
			queued += n

			n, err = w.Engine.Sequence.QueueFollowUps(ctx, c.ID)
			if err != nil {
				utils.LogError(log, "queue_follow_ups", err, map[string]interface{}{"campaign_id": c.ID})
			}
			queued += n
		}

		scheduled, err := w.Engine.Sequence.ScheduleQueued(ctx, &fresh)
		if err != nil {
			return err
		}
		if queued > 0 || scheduled > 0 {
			log.WithFields(logrus.Fields{
				"queued":    queued,
				"scheduled": scheduled,
			}).Info("Mailbox scheduled")
		}
		return nil
	})
	if err != nil {
		utils.LogError(log, "schedule_mailbox", err, nil)
	}
	return queued
}
