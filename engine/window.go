package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/rickar/cal/v2"

	"replyflow/models"
)

// maxWindowSearchDays bounds the search for the next sending day.
const maxWindowSearchDays = 366

// ErrNoSendDay means the calendar has no sending day in the next year.
var ErrNoSendDay = errors.New("no sending day within a year")

// SendWindow is a mailbox's send window expressed as a business calendar:
// the window is the work hours, and the workdays are every day, or Monday
// to Friday minus holidays when the mailbox skips weekends.
type SendWindow struct {
	loc *time.Location
	cal *cal.BusinessCalendar
}

func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid send window time %q: %w", s, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func mailboxLocation(mb *models.Mailbox) (*time.Location, error) {
	tz := mb.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid mailbox timezone %q: %w", tz, err)
	}
	return loc, nil
}

// mailboxCalendar builds the workday calendar of a mailbox. Holidays of
// base only apply when the mailbox skips weekends.
func mailboxCalendar(mb *models.Mailbox, base *cal.BusinessCalendar) *cal.BusinessCalendar {
	c := cal.NewBusinessCalendar()
	if !mb.SkipWeekends {
		c.SetWorkday(time.Saturday, true)
		c.SetWorkday(time.Sunday, true)
		return c
	}
	if base != nil {
		c.AddHoliday(base.Holidays...)
	}
	return c
}

// NewSendWindow resolves the mailbox's timezone and window. base supplies
// holidays and may be nil.
func NewSendWindow(mb *models.Mailbox, base *cal.BusinessCalendar) (*SendWindow, error) {
	loc, err := mailboxLocation(mb)
	if err != nil {
		return nil, err
	}
	start, err := parseClock(mb.SendWindowStart)
	if err != nil {
		return nil, err
	}
	end, err := parseClock(mb.SendWindowEnd)
	if err != nil {
		return nil, err
	}
	if end < start {
		return nil, fmt.Errorf("send window %s-%s ends before it starts", mb.SendWindowStart, mb.SendWindowEnd)
	}

	c := mailboxCalendar(mb, base)
	c.SetWorkHours(start, end)
	return &SendWindow{loc: loc, cal: c}, nil
}

// Adjust returns the first instant at or after t inside the window, in
// UTC. The window end is inclusive.
func (w *SendWindow) Adjust(t time.Time) (time.Time, error) {
	local := t.In(w.loc)
	if w.cal.IsWorkday(local) {
		start := w.cal.WorkdayStart(local)
		if local.Before(start) {
			return start.UTC(), nil
		}
		if !local.After(w.cal.WorkdayEnd(local)) {
			return local.UTC(), nil
		}
	}
	return w.nextStart(local)
}

// nextStart is the window start of the first sending day after local.
func (w *SendWindow) nextStart(local time.Time) (time.Time, error) {
	y, m, d := local.Date()
	for i := 1; i <= maxWindowSearchDays; i++ {
		day := time.Date(y, m, d+i, 12, 0, 0, 0, w.loc)
		if w.cal.IsWorkday(day) {
			return w.cal.WorkdayStart(day).UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("after %s: %w", local.Format(time.RFC3339), ErrNoSendDay)
}

// Open reports whether t is inside the window. When it is not, next is the
// instant the window opens again.
func (w *SendWindow) Open(t time.Time) (next time.Time, open bool, err error) {
	next, err = w.Adjust(t)
	if err != nil {
		return time.Time{}, false, err
	}
	return next, !next.After(t), nil
}

// Distribute spreads emails evenly over what is left of the window,
// starting at Adjust(now). At most limit emails are assigned; the rest keep
// a nil ScheduledFor. It returns the number assigned.
func (w *SendWindow) Distribute(emails []models.SentEmail, limit int, now time.Time) (int, error) {
	count := len(emails)
	if count > limit {
		count = limit
	}
	if count <= 0 {
		return 0, nil
	}

	start, err := w.Adjust(now)
	if err != nil {
		return 0, err
	}
	end := w.cal.WorkdayEnd(start.In(w.loc))

	var interval time.Duration
	if count > 1 {
		if span := end.Sub(start); span > 0 {
			interval = span / time.Duration(count-1)
		}
	}

	for i := 0; i < count; i++ {
		at := start.Add(time.Duration(i) * interval).UTC()
		emails[i].ScheduledFor = &at
	}
	return count, nil
}

// AdjustToWindow clamps t into the mailbox's window, ignoring holidays.
func AdjustToWindow(t time.Time, mb *models.Mailbox) (time.Time, error) {
	w, err := NewSendWindow(mb, nil)
	if err != nil {
		return time.Time{}, err
	}
	return w.Adjust(t)
}

// DistributeAcrossWindow spreads emails over the rest of the mailbox's
// window, ignoring holidays. See SendWindow.Distribute.
func DistributeAcrossWindow(emails []models.SentEmail, mb *models.Mailbox, limit int, now time.Time) (int, error) {
	w, err := NewSendWindow(mb, nil)
	if err != nil {
		return 0, err
	}
	return w.Distribute(emails, limit, now)
}
