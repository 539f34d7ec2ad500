package engine

import (
	"time"

	"github.com/rickar/cal/v2"

	"replyflow/models"
)

// NewBusinessCalendar is a Monday to Friday calendar with no holidays.
func NewBusinessCalendar() *cal.BusinessCalendar {
	return cal.NewBusinessCalendar()
}

// addBusinessDays moves t forward by days, one local day at a time. When
// the mailbox skips weekends, only workdays that are not holidays in c
// count towards days.
func addBusinessDays(t time.Time, days int, mb *models.Mailbox, c *cal.BusinessCalendar) (time.Time, error) {
	loc, err := mailboxLocation(mb)
	if err != nil {
		return time.Time{}, err
	}
	local := t.In(loc)

	if !mb.SkipWeekends {
		return local.AddDate(0, 0, days).UTC(), nil
	}

	workdays := mailboxCalendar(mb, c)
	for remaining := days; remaining > 0; {
		local = local.AddDate(0, 0, 1)
		if workdays.IsWorkday(local) {
			remaining--
		}
	}
	return local.UTC(), nil
}
