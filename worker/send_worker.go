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

// SendWorker dispatches due rows, serially per mailbox and in parallel
// across mailboxes.
type SendWorker struct {
	Deps
	Interval time.Duration
}

func NewSendWorker(deps Deps, interval time.Duration) *SendWorker {
	deps.Logger = deps.Logger.WithField("worker", "send")
	return &SendWorker{Deps: deps, Interval: interval}
}

func (w *SendWorker) Start(ctx context.Context) {
	runEvery(ctx, w.Logger, "Send", w.Interval, func(ctx context.Context) {
		if _, err := w.RunOnce(ctx); err != nil {
			utils.LogError(w.Logger, "send_pass", err, nil)
		}
	})
}

// dueEmails returns queued rows whose time has come, from active campaigns
// and mailboxes, to leads still in the sequence. A nil scheduled_for is due.
func (w *SendWorker) dueEmails(ctx context.Context) ([]models.SentEmail, error) {
	var due []models.SentEmail
	err := w.DB.WithContext(ctx).
		Joins("JOIN campaigns ON campaigns.id = sent_emails.campaign_id AND campaigns.deleted_at IS NULL").
		Joins("JOIN mailboxes ON mailboxes.id = sent_emails.mailbox_id AND mailboxes.deleted_at IS NULL").
		Joins("JOIN leads ON leads.id = sent_emails.lead_id AND leads.deleted_at IS NULL").
		Where("campaigns.status = ?", models.CampaignActive).
		Where("mailboxes.status IN ?", []string{models.MailboxActive, models.MailboxWarmup}).
		Where("leads.status IN ?", []string{models.LeadPending, models.LeadQueued, models.LeadContacted}).
		Where("sent_emails.status = ?", models.EmailQueued).
		Where("(sent_emails.scheduled_for IS NULL OR sent_emails.scheduled_for <= ?)", w.Engine.Now()).
		Order("sent_emails.mailbox_id, sent_emails.sequence_step, sent_emails.id").
		Find(&due).Error
	return due, err
}

// RunOnce sends what is due and returns how many messages went out.
func (w *SendWorker) RunOnce(ctx context.Context) (int, error) {
	due, err := w.dueEmails(ctx)
	if err != nil {
		return 0, err
	}

	byMailbox := map[uint][]models.SentEmail{}
	var order []uint
	for _, se := range due {
		if _, ok := byMailbox[se.MailboxID]; !ok {
			order = append(order, se.MailboxID)
		}
		byMailbox[se.MailboxID] = append(byMailbox[se.MailboxID], se)
	}

	var sent int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency())
	for _, id := range order {
		id, rows := id, byMailbox[id]
		g.Go(func() error {
			n := w.sendMailbox(gctx, id, rows)
			atomic.AddInt64(&sent, int64(n))
			return nil
		})
	}
	err = g.Wait()
	return int(sent), err
}

func (w *SendWorker) sendMailbox(ctx context.Context, mailboxID uint, rows []models.SentEmail) int {
	log := w.Logger.WithField("mailbox_id", mailboxID)
	sent := 0

	err := w.withLock(ctx, lock.SendKey(mailboxID), func() error {
		var mb models.Mailbox
		if err := w.DB.WithContext(ctx).First(&mb, mailboxID).Error; err != nil {
			return err
		}
		now := w.Engine.Now()
		ids := make([]uint, 0, len(rows))
		for _, se := range rows {
			if se.IsDue(now) {
				ids = append(ids, se.ID)
			}
		}
		next, open, err := w.Engine.Sequence.DeferToWindow(ctx, &mb, ids)
		if err != nil {
			return err
		}
		if !open {
			log.WithFields(logrus.Fields{
				"deferred": len(ids),
				"opens_at": next,
				"opens_in": utils.FormatDuration(next.Sub(now)),
			}).Debug("Outside send window")
			return nil
		}

		remaining, err := w.Engine.RemainingToday(ctx, &mb)
		if err != nil {
			return err
		}

		for i := range rows {
			if remaining <= 0 {
				log.Debug("Daily limit reached")
				break
			}
			if ctx.Err() != nil {
				break
			}

			se := &rows[i]
			if !se.IsDue(now) {
				continue
			}
			if !w.Engine.Dispatcher.Send(ctx, se) {
				// A failed send may have tripped the mailbox.
				if err := w.DB.WithContext(ctx).First(&mb, mailboxID).Error; err != nil {
					return err
				}
				if !mb.CanSend() {
					break
				}
				continue
			}
			sent++
			remaining--

			lead := models.Lead{}
			lead.ID = se.LeadID
			if _, err := w.Engine.Sequence.QueueNext(ctx, &lead); err != nil {
				utils.LogError(log, "queue_next", err, map[string]interface{}{"lead_id": se.LeadID})
			}
		}
		return nil
	})
	if err != nil {
		utils.LogError(log, "send_mailbox", err, nil)
	}
	return sent
}
