// Package clock supplies the current time in one canonical timezone.
package clock

import (
	"fmt"
	"strings"
	"sync"
	"time"
	_ "time/tzdata" // bundled zone database for minimal containers
)

// Clock is the time source used by the dispatch pipeline.
type Clock interface {
	Now() time.Time
	Location() *time.Location
}

type system struct{ loc *time.Location }

// System returns a wall clock reporting times in loc.
func System(loc *time.Location) Clock {
	if loc == nil {
		loc = time.UTC
	}
	return system{loc: loc}
}

func (s system) Now() time.Time           { return time.Now().In(s.loc) }
func (s system) Location() *time.Location { return s.loc }

// LoadLocation resolves an IANA name. Empty means UTC.
func LoadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", name, err)
	}
	return loc, nil
}

// Fake is a manually driven clock for tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
	loc *time.Location
}

func NewFake(now time.Time) *Fake {
	return &Fake{now: now, loc: now.Location()}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Location() *time.Location { return f.loc }

// Set moves the clock to t (backwards is allowed).
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.now = t.In(f.loc)
	f.mu.Unlock()
}

// Advance moves the clock forward by d and returns the new time.
func (f *Fake) Advance(d time.Duration) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	return f.now
}
