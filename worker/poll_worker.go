package worker

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"replyflow/engine"
	"replyflow/lock"
	"replyflow/models"
	"replyflow/utils"
)

// PollWorker polls every mailbox with an inbox configured.
type PollWorker struct {
	Deps
	Interval time.Duration
}

func NewPollWorker(deps Deps, interval time.Duration) *PollWorker {
	deps.Logger = deps.Logger.WithField("worker", "poll")
	return &PollWorker{Deps: deps, Interval: interval}
}

func (w *PollWorker) Start(ctx context.Context) {
	runEvery(ctx, w.Logger, "Poll", w.Interval, func(ctx context.Context) {
		if _, err := w.RunOnce(ctx); err != nil {
			utils.LogError(w.Logger, "poll_pass", err, nil)
		}
	})
}

// RunOnce polls each eligible mailbox and returns how many were polled.
func (w *PollWorker) RunOnce(ctx context.Context) (int, error) {
	var mailboxes []models.Mailbox
	err := w.DB.WithContext(ctx).
		Where("status IN ? AND imap_host <> ''", []string{models.MailboxActive, models.MailboxWarmup}).
		Order("id").
		Find(&mailboxes).Error
	if err != nil {
		return 0, err
	}

	var polled int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency())
	for _, mb := range mailboxes {
		id := mb.ID
		g.Go(func() error {
			if w.PollMailbox(gctx, id) {
				atomic.AddInt64(&polled, 1)
			}
			return nil
		})
	}
	err = g.Wait()
	return int(polled), err
}

// PollMailbox runs one pass under the mailbox poll lock. It reports
// whether a pass ran.
func (w *PollWorker) PollMailbox(ctx context.Context, mailboxID uint) bool {
	log := w.Logger.WithField("mailbox_id", mailboxID)
	ran := false
	err := w.withLock(ctx, lock.PollKey(mailboxID), func() error {
		res, err := w.Engine.Poller.Poll(ctx, mailboxID)
		ran = !res.Skipped
		return err
	})
	if err != nil {
		utils.LogError(log, "poll_mailbox", err, nil)
	}
	return ran
}

// PollNow runs a pass on demand and reports its result. It fails with
// engine.ErrMailboxUnavailable when another pass holds the mailbox or the
// mailbox cannot be polled.
func (w *PollWorker) PollNow(ctx context.Context, mailboxID uint) (engine.PollResult, error) {
	var res engine.PollResult

	lockCtx, cancel := context.WithTimeout(ctx, w.lockWait())
	unlock, err := w.Locker.Lock(lockCtx, lock.PollKey(mailboxID))
	cancel()
	if err != nil {
		return res, fmt.Errorf("mailbox %d is busy: %w", mailboxID, engine.ErrMailboxUnavailable)
	}
	defer unlock()

	res, err = w.Engine.Poller.Poll(ctx, mailboxID)
	if err != nil {
		return res, err
	}
	if res.Skipped {
		return res, fmt.Errorf("mailbox %d: %w", mailboxID, engine.ErrMailboxUnavailable)
	}
	return res, nil
}
