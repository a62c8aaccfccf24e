package recurrence

import (
	"errors"
	"testing"
	"time"

	"medremind/internal/reminder"
)

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatal(err)
	}
	return loc
}

func TestNextTable(t *testing.T) {
	t.Parallel()
	ny := mustLoc(t, "America/New_York")
	d := func(day, h, m int) time.Time { return time.Date(2024, 1, day, h, m, 0, 0, ny) }

	tests := []struct {
		name     string
		freq     string
		occ      time.Time
		now      time.Time
		next     time.Time
		terminal bool
		skipped  int
	}{
		{name: "none is terminal", freq: "none", occ: d(1, 8, 0), now: d(1, 8, 1), terminal: true},
		{name: "empty is terminal", freq: "", occ: d(1, 8, 0), now: d(1, 8, 1), terminal: true},
		{name: "daily on time", freq: "daily", occ: d(1, 8, 0), now: time.Date(2024, 1, 1, 8, 0, 30, 0, ny), next: d(2, 8, 0)},
		{name: "daily clock behind", freq: "daily", occ: d(1, 8, 0), now: d(1, 7, 0), next: d(2, 8, 0)},
		{name: "daily after outage", freq: "daily", occ: d(1, 8, 0), now: d(4, 8, 30), next: d(5, 8, 0), skipped: 3},
		{name: "daily exactly on slot", freq: "daily", occ: d(1, 8, 0), now: d(3, 8, 0), next: d(4, 8, 0), skipped: 2},
		{name: "weekly", freq: "weekly", occ: d(1, 9, 15), now: d(1, 9, 16), next: d(8, 9, 15)},
		{name: "weekly after outage", freq: "weekly", occ: d(1, 9, 15), now: d(20, 0, 0), next: d(22, 9, 15), skipped: 2},
		{name: "interval", freq: "custom-interval:6h", occ: d(1, 8, 0), now: d(1, 8, 1), next: d(1, 14, 0)},
		{name: "interval after outage", freq: "every:6h", occ: d(1, 8, 0), now: d(2, 9, 0), next: d(2, 14, 0), skipped: 4},
		{name: "doses morning to night", freq: "1-0-1", occ: d(1, 8, 0), now: d(1, 8, 1), next: d(1, 20, 0)},
		{name: "doses night to morning", freq: "1-0-1", occ: d(1, 20, 0), now: d(1, 20, 1), next: d(2, 8, 0)},
		{name: "doses noon only", freq: "0-1-0", occ: d(1, 13, 0), now: d(1, 13, 0), next: d(2, 13, 0)},
		{name: "doses after outage", freq: "1-1-1", occ: d(1, 8, 0), now: d(2, 14, 0), next: d(2, 20, 0), skipped: 4},
		{name: "doses off-slot start", freq: "1-0-1", occ: d(1, 9, 30), now: d(1, 9, 31), next: d(1, 20, 0)},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f, err := reminder.ParseFrequency(tt.freq)
			if err != nil {
				t.Fatalf("ParseFrequency(%q): %v", tt.freq, err)
			}
			got, err := Next(f, tt.occ, tt.now, ny)
			if err != nil {
				t.Fatalf("Next error: %v", err)
			}
			if got.Terminal != tt.terminal {
				t.Fatalf("Terminal = %v, want %v", got.Terminal, tt.terminal)
			}
			if tt.terminal {
				return
			}
			if !got.Next.Equal(tt.next) {
				t.Fatalf("Next = %v, want %v", got.Next, tt.next)
			}
			if got.Skipped != tt.skipped {
				t.Fatalf("Skipped = %d, want %d", got.Skipped, tt.skipped)
			}
			if !got.Next.After(tt.now) {
				t.Fatalf("Next %v is not after now %v", got.Next, tt.now)
			}
		})
	}
}

func TestDailyAcrossDaylightSaving(t *testing.T) {
	t.Parallel()
	ny := mustLoc(t, "America/New_York")
	daily := reminder.MustFrequency("daily")

	tests := []struct {
		name   string
		occ    time.Time
		want   time.Time
		offset int // UTC offset of want, seconds
		gap    time.Duration
	}{
		{
			name:   "spring forward",
			occ:    time.Date(2024, 3, 9, 8, 0, 0, 0, ny),
			want:   time.Date(2024, 3, 10, 8, 0, 0, 0, ny),
			offset: -4 * 3600,
			gap:    23 * time.Hour,
		},
		{
			name:   "fall back",
			occ:    time.Date(2024, 11, 2, 8, 0, 0, 0, ny),
			want:   time.Date(2024, 11, 3, 8, 0, 0, 0, ny),
			offset: -5 * 3600,
			gap:    25 * time.Hour,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Next(daily, tt.occ, tt.occ.Add(30*time.Second), ny)
			if err != nil {
				t.Fatal(err)
			}
			if !got.Next.Equal(tt.want) {
				t.Fatalf("Next = %v, want %v", got.Next, tt.want)
			}
			if h, m, _ := got.Next.Clock(); h != 8 || m != 0 {
				t.Fatalf("wall clock drifted to %02d:%02d", h, m)
			}
			if _, off := got.Next.Zone(); off != tt.offset {
				t.Fatalf("offset = %d, want %d", off, tt.offset)
			}
			if gap := got.Next.Sub(tt.occ); gap != tt.gap {
				t.Fatalf("gap = %v, want %v", gap, tt.gap)
			}
		})
	}
}

func TestNextUsesReminderZone(t *testing.T) {
	t.Parallel()
	ny := mustLoc(t, "America/New_York")
	r := reminder.Reminder{
		Frequency: reminder.MustFrequency("daily"),
		// stored as UTC but the reminder lives in New York
		NextDueAt: time.Date(2024, 3, 9, 13, 0, 0, 0, time.UTC),
		Timezone:  "America/New_York",
	}
	got, err := ForReminder(r, r.NextDueAt.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2024, 3, 10, 8, 0, 0, 0, ny)
	if !got.Next.Equal(want) {
		t.Fatalf("Next = %v, want %v", got.Next, want)
	}
}

func TestNextRejectsUnknownKind(t *testing.T) {
	t.Parallel()
	_, err := Next(reminder.Frequency{Kind: "monthly"}, time.Now(), time.Now(), nil)
	if !errors.Is(err, reminder.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}
