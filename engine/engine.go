// Package engine schedules outbound sequence mail, dispatches it, and
// matches inbound replies back to the messages that caused them.
package engine

import (
	"time"

	"github.com/rickar/cal/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"replyflow/events"
	"replyflow/mailer"
	"replyflow/utils"
)

// Options wires the engine to its collaborators. DB, Cipher, Sender and
// Receiver are required; the rest have defaults.
type Options struct {
	DB       *gorm.DB
	Log      logrus.FieldLogger
	Events   events.Emitter
	Cipher   *utils.Cipher
	Sender   mailer.Sender
	Receiver mailer.Receiver

	// Ramp overrides DefaultRamp.
	Ramp map[int]int
	// Calendar supplies holidays for business-day delays and send windows
	// of mailboxes that skip weekends.
	Calendar *cal.BusinessCalendar

	TransportTimeout time.Duration
	PollLookback     time.Duration

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// Engine bundles the components sharing one database and clock.
type Engine struct {
	Warmup     WarmupPolicy
	Sequence   *SequenceScheduler
	Threader   *Threader
	Dispatcher *Dispatcher
	Matcher    *Matcher
	Poller     *Poller

	db  *gorm.DB
	log logrus.FieldLogger
	now func() time.Time
}

func New(opts Options) *Engine {
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	if opts.Events == nil {
		opts.Events = events.Discard{}
	}
	if opts.Calendar == nil {
		opts.Calendar = NewBusinessCalendar()
	}
	if opts.TransportTimeout <= 0 {
		opts.TransportTimeout = 60 * time.Second
	}
	if opts.PollLookback <= 0 {
		opts.PollLookback = 7 * 24 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	clock := func() time.Time { return opts.Now().UTC() }

	warmup := NewWarmupPolicy(opts.Ramp)
	threader := &Threader{db: opts.DB}
	dispatcher := &Dispatcher{
		db:       opts.DB,
		log:      opts.Log.WithField("component", "dispatcher"),
		events:   opts.Events,
		cipher:   opts.Cipher,
		sender:   opts.Sender,
		threader: threader,
		timeout:  opts.TransportTimeout,
		now:      clock,
	}
	matcher := &Matcher{db: opts.DB}

	return &Engine{
		Warmup: warmup,
		Sequence: &SequenceScheduler{
			db:       opts.DB,
			log:      opts.Log.WithField("component", "sequence"),
			events:   opts.Events,
			warmup:   warmup,
			calendar: opts.Calendar,
			threader: threader,
			now:      clock,
		},
		Threader:   threader,
		Dispatcher: dispatcher,
		Matcher:    matcher,
		Poller: &Poller{
			db:         opts.DB,
			log:        opts.Log.WithField("component", "poller"),
			events:     opts.Events,
			cipher:     opts.Cipher,
			receiver:   opts.Receiver,
			matcher:    matcher,
			dispatcher: dispatcher,
			timeout:    opts.TransportTimeout,
			lookback:   opts.PollLookback,
			now:        clock,
		},
		db:  opts.DB,
		log: opts.Log,
		now: clock,
	}
}
