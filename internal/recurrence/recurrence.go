// Package recurrence computes the next occurrence of a reminder.
//
// Calendar frequencies (daily, weekly, dose patterns) are evaluated with
// RFC 5545 rules in the reminder's own zone, so a daily 08:00 stays 08:00
// across daylight-saving changes. Custom intervals are absolute durations.
//
// Missed occurrences are never back-filled: the result is always strictly
// after now, and Skipped counts the slots that were jumped over.
package recurrence

import (
	"fmt"
	"time"

	"github.com/teambition/rrule-go"

	"medremind/internal/reminder"
)

// Outcome is the result of Next.
type Outcome struct {
	Next     time.Time
	Terminal bool
	// Skipped counts occurrences t with occurrence < t <= now.
	Skipped int
}

// maxSkipScan bounds the skip count after very long outages.
const maxSkipScan = 100000

// Next returns the occurrence following occurrence, given the current time.
// loc is the reminder's zone; nil means occurrence's own zone.
func Next(f reminder.Frequency, occurrence, now time.Time, loc *time.Location) (Outcome, error) {
	if loc == nil {
		loc = occurrence.Location()
	}
	occ := occurrence.In(loc).Truncate(time.Second)

	switch f.Kind {
	case "", reminder.FreqNone:
		return Outcome{Terminal: true}, nil
	case reminder.FreqInterval:
		return nextInterval(f.Every, occ, now)
	case reminder.FreqDaily, reminder.FreqWeekly, reminder.FreqDoses:
		rule, err := Rule(f, occ)
		if err != nil {
			return Outcome{}, err
		}
		return nextFromRule(rule, occ, now), nil
	default:
		return Outcome{}, reminder.Invalid("frequency", "unsupported kind %q", f.Kind)
	}
}

// ForReminder is Next over a stored reminder, evaluated at its current occurrence.
func ForReminder(r reminder.Reminder, now time.Time) (Outcome, error) {
	return Next(r.Frequency, r.NextDueAt, now, r.Location())
}

// Rule builds the RFC 5545 rule for a calendar frequency anchored at occ.
func Rule(f reminder.Frequency, occ time.Time) (*rrule.RRule, error) {
	opt := rrule.ROption{Dtstart: occ}
	switch f.Kind {
	case reminder.FreqDaily:
		opt.Freq = rrule.DAILY
		opt.Interval = 1
	case reminder.FreqWeekly:
		opt.Freq = rrule.WEEKLY
		opt.Interval = 1
	case reminder.FreqDoses:
		opt.Freq = rrule.DAILY
		opt.Interval = 1
		// Anchor at local midnight so every enabled slot of occ's day exists.
		y, m, d := occ.Date()
		opt.Dtstart = time.Date(y, m, d, 0, 0, 0, 0, occ.Location())
		for i, n := range f.Doses {
			if n > 0 {
				opt.Byhour = append(opt.Byhour, reminder.DoseSlots[i].Hour)
			}
		}
		if len(opt.Byhour) == 0 {
			return nil, reminder.Invalid("frequency", "dose pattern has no doses")
		}
		opt.Byminute = []int{reminder.DoseSlots[0].Minute}
		opt.Bysecond = []int{0}
	default:
		return nil, fmt.Errorf("no calendar rule for %q", f.Kind)
	}
	rule, err := rrule.NewRRule(opt)
	if err != nil {
		return nil, fmt.Errorf("build rule: %w", err)
	}
	return rule, nil
}

func nextFromRule(rule *rrule.RRule, occ, now time.Time) Outcome {
	// The first candidate must follow occ even when the clock is behind it.
	from := occ
	if now.After(from) {
		from = now
	}
	next := rule.After(from, false)
	if next.IsZero() {
		return Outcome{Terminal: true}
	}

	skipped := 0
	if now.After(occ) {
		it := rule.Iterator()
		for i := 0; i < maxSkipScan; i++ {
			t, ok := it()
			if !ok || t.After(now) {
				break
			}
			if t.After(occ) {
				skipped++
			}
		}
	}
	return Outcome{Next: next.In(occ.Location()), Skipped: skipped}
}

func nextInterval(every time.Duration, occ, now time.Time) (Outcome, error) {
	if every <= 0 {
		return Outcome{}, reminder.Invalid("frequency", "custom interval must be > 0")
	}
	next := occ.Add(every)
	skipped := 0
	if !next.After(now) {
		// k slots fit in (occ, now]; jump straight past them.
		k := int64(now.Sub(occ) / every)
		next = occ.Add(time.Duration(k+1) * every)
		skipped = int(k)
	}
	return Outcome{Next: next.Truncate(time.Second), Skipped: skipped}, nil
}
