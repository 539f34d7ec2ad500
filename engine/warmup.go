package engine

import (
	"math"

	"replyflow/models"
)

// DefaultRamp is the daily quota for each warm-up day.
func DefaultRamp() map[int]int {
	return map[int]int{
		1: 10, 2: 15, 3: 20, 4: 25, 5: 30, 6: 35, 7: 40,
		8: 50, 9: 60, 10: 65, 11: 70, 12: 80, 13: 90, 14: 100,
	}
}

// WarmupPolicy computes a mailbox's effective daily quota.
type WarmupPolicy struct {
	ramp map[int]int
	days int
}

// NewWarmupPolicy copies ramp so later changes to the map have no effect.
// A nil ramp uses DefaultRamp.
func NewWarmupPolicy(ramp map[int]int) WarmupPolicy {
	if ramp == nil {
		ramp = DefaultRamp()
	}
	p := WarmupPolicy{ramp: make(map[int]int, len(ramp))}
	for day, limit := range ramp {
		p.ramp[day] = limit
		if day > p.days {
			p.days = day
		}
	}
	return p
}

// CurrentDailyLimit is the number of messages the mailbox may send today.
func (p WarmupPolicy) CurrentDailyLimit(mb *models.Mailbox) int {
	if !mb.WarmupEnabled {
		return mb.DailyLimit
	}
	day := mb.WarmupDay
	if day > p.days {
		return mb.DailyLimit
	}
	if day < 1 {
		day = 1
	}
	return p.ramp[day]
}

// ProgressPercent is how far through the ramp the mailbox is, 0..100.
func (p WarmupPolicy) ProgressPercent(mb *models.Mailbox) int {
	if !mb.WarmupEnabled || p.days == 0 {
		return 100
	}
	day := mb.WarmupDay
	if day > p.days {
		day = p.days
	}
	if day < 0 {
		day = 0
	}
	return int(math.Round(float64(day) / float64(p.days) * 100))
}
