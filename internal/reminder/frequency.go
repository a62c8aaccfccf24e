package reminder

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"medremind/internal/schedule"
)

// FrequencyKind enumerates the accepted recurrence policies.
type FrequencyKind string

const (
	FreqNone     FrequencyKind = "none"
	FreqDaily    FrequencyKind = "daily"
	FreqWeekly   FrequencyKind = "weekly"
	FreqInterval FrequencyKind = "custom-interval"
	// FreqDoses is a morning-noon-night pill pattern such as "1-0-1".
	FreqDoses FrequencyKind = "doses"
)

// DoseSlots are the wall-clock times of the morning, noon and night doses.
var DoseSlots = [3]struct{ Hour, Minute int }{
	{8, 0},
	{13, 0},
	{20, 0},
}

// MinInterval keeps custom intervals from hammering the sender.
const MinInterval = time.Minute

// Frequency is a parsed recurrence policy.
type Frequency struct {
	Kind FrequencyKind
	// Every is set for FreqInterval.
	Every time.Duration
	// Doses holds the per-slot pill count for FreqDoses.
	Doses [3]int
}

var reDoses = regexp.MustCompile(`^([0-9])-([0-9])-([0-9])$`)

// ParseFrequency validates a stored or user-supplied frequency string.
//
// Accepted forms:
//   - "" or "none" (also "once")
//   - "daily", "weekly"
//   - "custom-interval:<dur>", "every:<dur>", "interval:<dur>" where <dur> is
//     a Go duration ("6h") or HH:MM ("06:00")
//   - dose pattern "M-N-E" ("1-0-1")
//
// Any other value is an ErrValidation.
func ParseFrequency(raw string) (Frequency, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	switch s {
	case "", "none", "once":
		return Frequency{Kind: FreqNone}, nil
	case "daily":
		return Frequency{Kind: FreqDaily}, nil
	case "weekly":
		return Frequency{Kind: FreqWeekly}, nil
	}

	for _, p := range []string{"custom-interval:", "every:", "interval:"} {
		if !strings.HasPrefix(s, p) {
			continue
		}
		d, _, err := schedule.ParseInterval(s[len(p):])
		if err != nil {
			return Frequency{}, Invalid("frequency", "%v", err)
		}
		if d < MinInterval {
			return Frequency{}, Invalid("frequency", "interval %s is shorter than %s", d, MinInterval)
		}
		return Frequency{Kind: FreqInterval, Every: d}, nil
	}

	if m := reDoses.FindStringSubmatch(s); m != nil {
		f := Frequency{Kind: FreqDoses}
		has := false
		for i := 0; i < 3; i++ {
			f.Doses[i] = int(m[i+1][0] - '0')
			if f.Doses[i] > 0 {
				has = true
			}
		}
		if !has {
			return Frequency{}, Invalid("frequency", "dose pattern %q has no doses", raw)
		}
		return f, nil
	}

	return Frequency{}, Invalid("frequency", "unknown value %q (want none, daily, weekly, custom-interval:<dur> or M-N-E)", raw)
}

// MustFrequency is ParseFrequency for literals.
func MustFrequency(raw string) Frequency {
	f, err := ParseFrequency(raw)
	if err != nil {
		panic(err)
	}
	return f
}

func (f Frequency) Recurring() bool { return f.Kind != "" && f.Kind != FreqNone }

// String returns the canonical stored form.
func (f Frequency) String() string {
	switch f.Kind {
	case FreqDaily, FreqWeekly:
		return string(f.Kind)
	case FreqInterval:
		return fmt.Sprintf("%s:%s", FreqInterval, f.Every)
	case FreqDoses:
		return fmt.Sprintf("%d-%d-%d", f.Doses[0], f.Doses[1], f.Doses[2])
	default:
		return string(FreqNone)
	}
}

func (f Frequency) MarshalText() ([]byte, error) { return []byte(f.String()), nil }

func (f *Frequency) UnmarshalText(b []byte) error {
	v, err := ParseFrequency(string(b))
	if err != nil {
		return err
	}
	*f = v
	return nil
}
