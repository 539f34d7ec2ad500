package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"replyflow/utils"
)

// WarmupWorker advances warm-up mailboxes one ramp day on a cron schedule.
type WarmupWorker struct {
	Deps
	cron *cron.Cron
}

// NewWarmupWorker validates spec, a standard cron expression or descriptor
// such as @daily, evaluated in UTC.
func NewWarmupWorker(deps Deps, spec string) (*WarmupWorker, error) {
	deps.Logger = deps.Logger.WithField("worker", "warmup")
	w := &WarmupWorker{
		Deps: deps,
		cron: cron.New(cron.WithLocation(time.UTC)),
	}
	if _, err := w.cron.AddFunc(spec, func() { w.RunOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid warm-up schedule %q: %w", spec, err)
	}
	return w, nil
}

func (w *WarmupWorker) Start(ctx context.Context) {
	w.Logger.Info("Warmup worker started")
	w.cron.Start()

	<-ctx.Done()
	w.Logger.Info("Warmup worker shutting down...")
	<-w.cron.Stop().Done()
}

// RunOnce advances every warming mailbox by one day.
func (w *WarmupWorker) RunOnce(ctx context.Context) int {
	n, err := w.Engine.AdvanceWarmup(ctx)
	if err != nil {
		utils.LogError(w.Logger, "warmup_advance", err, nil)
		return 0
	}
	utils.LogEvent(w.Logger, "warmup_advanced", map[string]interface{}{"mailboxes": n})
	return n
}
