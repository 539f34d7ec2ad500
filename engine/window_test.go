package engine

import (
	"testing"
	"time"

	"github.com/rickar/cal/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replyflow/models"
)

func windowMailbox() *models.Mailbox {
	return &models.Mailbox{
		SendWindowStart: "09:00",
		SendWindowEnd:   "17:00",
		Timezone:        "UTC",
	}
}

func utc(month time.Month, day, hour, minute int) time.Time {
	return time.Date(2026, month, day, hour, minute, 0, 0, time.UTC)
}

func TestAdjustToWindow(t *testing.T) {
	tests := []struct {
		name  string
		in    time.Time
		skip  bool
		want  time.Time
	}{
		{"before window snaps to start", utc(10, 13, 7, 30), false, utc(10, 13, 9, 0)},
		{"inside window unchanged", utc(10, 13, 11, 15), false, utc(10, 13, 11, 15)},
		{"end is inclusive", utc(10, 13, 17, 0), false, utc(10, 13, 17, 0)},
		{"after window moves to next start", utc(10, 13, 17, 1), false, utc(10, 14, 9, 0)},
		{"saturday kept without skip", utc(10, 17, 10, 0), false, utc(10, 17, 10, 0)},
		{"saturday skips to monday", utc(10, 17, 10, 0), true, utc(10, 19, 9, 0)},
		{"friday evening skips to monday", utc(10, 16, 18, 0), true, utc(10, 19, 9, 0)},
		{"sunday early skips to monday", utc(10, 18, 6, 0), true, utc(10, 19, 9, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mb := windowMailbox()
			mb.SkipWeekends = tt.skip
			got, err := AdjustToWindow(tt.in, mb)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, time.UTC, got.Location())
		})
	}
}

func TestAdjustToWindowTimezone(t *testing.T) {
	mb := windowMailbox()
	mb.Timezone = "America/New_York"

	// 12:00 UTC is 08:00 in New York during daylight saving time.
	got, err := AdjustToWindow(utc(10, 13, 12, 0), mb)
	require.NoError(t, err)
	assert.Equal(t, utc(10, 13, 13, 0), got)

	// 22:00 UTC is 18:00 local, after the window.
	got, err = AdjustToWindow(utc(10, 13, 22, 0), mb)
	require.NoError(t, err)
	assert.Equal(t, utc(10, 14, 13, 0), got)
}

func TestAdjustToWindowIdempotent(t *testing.T) {
	mb := windowMailbox()
	mb.SkipWeekends = true
	mb.Timezone = "Europe/Berlin"

	for h := 0; h < 24*7; h += 5 {
		in := utc(10, 12, 0, 0).Add(time.Duration(h) * time.Hour)
		once, err := AdjustToWindow(in, mb)
		require.NoError(t, err)
		twice, err := AdjustToWindow(once, mb)
		require.NoError(t, err)
		assert.Equal(t, once, twice, "input %s", in)
		assert.False(t, once.Before(in), "input %s", in)
	}
}

func TestAdjustToWindowFaults(t *testing.T) {
	mb := windowMailbox()
	mb.Timezone = "Mars/Olympus"
	_, err := AdjustToWindow(tuesday, mb)
	assert.ErrorContains(t, err, "invalid mailbox timezone")

	mb = windowMailbox()
	mb.SendWindowStart = "9am"
	_, err = AdjustToWindow(tuesday, mb)
	assert.ErrorContains(t, err, "invalid send window time")

	mb = windowMailbox()
	mb.SendWindowStart, mb.SendWindowEnd = "18:00", "08:00"
	_, err = AdjustToWindow(tuesday, mb)
	assert.ErrorContains(t, err, "ends before it starts")
}

func TestDistributeAcrossWindow(t *testing.T) {
	mb := windowMailbox()
	emails := make([]models.SentEmail, 5)

	// 13:00 leaves a four hour window for three emails.
	n, err := DistributeAcrossWindow(emails, mb, 3, utc(10, 13, 13, 0))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.NotNil(t, emails[0].ScheduledFor)
	assert.Equal(t, utc(10, 13, 13, 0), *emails[0].ScheduledFor)
	assert.Equal(t, utc(10, 13, 15, 0), *emails[1].ScheduledFor)
	assert.Equal(t, utc(10, 13, 17, 0), *emails[2].ScheduledFor)
	assert.Nil(t, emails[3].ScheduledFor)
	assert.Nil(t, emails[4].ScheduledFor)
}

func TestDistributeAcrossWindowSingle(t *testing.T) {
	mb := windowMailbox()
	emails := make([]models.SentEmail, 1)

	n, err := DistributeAcrossWindow(emails, mb, 10, utc(10, 13, 6, 0))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, utc(10, 13, 9, 0), *emails[0].ScheduledFor)
}

func TestDistributeAcrossWindowAfterHours(t *testing.T) {
	mb := windowMailbox()
	emails := make([]models.SentEmail, 2)

	n, err := DistributeAcrossWindow(emails, mb, 10, utc(10, 13, 20, 0))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, utc(10, 14, 9, 0), *emails[0].ScheduledFor)
	assert.Equal(t, utc(10, 14, 17, 0), *emails[1].ScheduledFor)
}

func TestDistributeAcrossWindowZeroLimit(t *testing.T) {
	emails := make([]models.SentEmail, 2)
	n, err := DistributeAcrossWindow(emails, windowMailbox(), 0, tuesday)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Nil(t, emails[0].ScheduledFor)
}

func TestSendWindowHolidays(t *testing.T) {
	base := NewBusinessCalendar()
	base.AddHoliday(&cal.Holiday{
		Name:  "Company day",
		Type:  cal.ObservancePublic,
		Month: time.October,
		Day:   14,
		Func:  cal.CalcDayOfMonth,
	})

	mb := windowMailbox()
	mb.SkipWeekends = true
	w, err := NewSendWindow(mb, base)
	require.NoError(t, err)

	// Wednesday is a holiday, so Tuesday evening moves to Thursday.
	got, err := w.Adjust(utc(10, 13, 18, 0))
	require.NoError(t, err)
	assert.Equal(t, utc(10, 15, 9, 0), got)

	got, err = w.Adjust(utc(10, 14, 8, 0))
	require.NoError(t, err)
	assert.Equal(t, utc(10, 15, 9, 0), got)

	// Holidays only apply to mailboxes that keep business days.
	mb.SkipWeekends = false
	w, err = NewSendWindow(mb, base)
	require.NoError(t, err)
	got, err = w.Adjust(utc(10, 14, 8, 0))
	require.NoError(t, err)
	assert.Equal(t, utc(10, 14, 9, 0), got)
}

func TestSendWindowOpen(t *testing.T) {
	w, err := NewSendWindow(windowMailbox(), nil)
	require.NoError(t, err)

	next, open, err := w.Open(utc(10, 13, 12, 0))
	require.NoError(t, err)
	assert.True(t, open)
	assert.Equal(t, utc(10, 13, 12, 0), next)

	next, open, err = w.Open(utc(10, 14, 0, 30))
	require.NoError(t, err)
	assert.False(t, open)
	assert.Equal(t, utc(10, 14, 9, 0), next)
}
