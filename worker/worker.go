// Package worker runs the engine on timers: scheduling, sending, polling
// and the daily warm-up step.
package worker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"replyflow/engine"
	"replyflow/lock"
	"replyflow/utils"
)

// Deps are shared by every worker.
type Deps struct {
	DB          *gorm.DB
	Engine      *engine.Engine
	Locker      lock.Locker
	Logger      logrus.FieldLogger
	Concurrency int
	// LockWait bounds how long a pass waits for a busy mailbox.
	LockWait time.Duration
}

func (d Deps) concurrency() int {
	if d.Concurrency <= 0 {
		return 1
	}
	return d.Concurrency
}

func (d Deps) lockWait() time.Duration {
	if d.LockWait <= 0 {
		return 5 * time.Second
	}
	return d.LockWait
}

// withLock runs fn while holding key. A mailbox that stays locked past
// LockWait is skipped this pass.
func (d Deps) withLock(ctx context.Context, key string, fn func() error) error {
	lockCtx, cancel := context.WithTimeout(ctx, d.lockWait())
	unlock, err := d.Locker.Lock(lockCtx, key)
	cancel()
	if err != nil {
		d.Logger.WithField("key", key).WithError(err).Debug("Mailbox busy, skipping")
		return nil
	}
	defer unlock()
	return fn()
}

// runEvery calls fn once immediately and then on every tick until ctx ends.
func runEvery(ctx context.Context, log logrus.FieldLogger, name string, interval time.Duration, fn func(context.Context)) {
	log.WithField("interval", utils.FormatDuration(interval)).Infof("%s worker started", name)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	fn(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Infof("%s worker shutting down...", name)
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}
