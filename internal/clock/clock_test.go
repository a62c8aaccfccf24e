package clock

import (
	"testing"
	"time"
)

func TestFakeAdvance(t *testing.T) {
	t.Parallel()
	loc, err := LoadLocation("America/New_York")
	if err != nil {
		t.Fatal(err)
	}
	start := time.Date(2024, 1, 1, 8, 0, 0, 0, loc)
	f := NewFake(start)
	if got := f.Advance(90 * time.Second); !got.Equal(start.Add(90 * time.Second)) {
		t.Fatalf("Advance = %v", got)
	}
	f.Set(start.UTC())
	if f.Now().Location() != loc {
		t.Fatalf("Set() should keep the canonical zone, got %v", f.Now().Location())
	}
}

func TestSystemLocation(t *testing.T) {
	t.Parallel()
	loc, err := LoadLocation("Europe/Berlin")
	if err != nil {
		t.Fatal(err)
	}
	c := System(loc)
	if c.Now().Location() != loc {
		t.Fatalf("Now() zone = %v, want %v", c.Now().Location(), loc)
	}
	if System(nil).Location() != time.UTC {
		t.Fatal("nil location should fall back to UTC")
	}
}

func TestLoadLocationInvalid(t *testing.T) {
	t.Parallel()
	if _, err := LoadLocation("Mars/Olympus"); err == nil {
		t.Fatal("expected error for unknown zone")
	}
	if loc, err := LoadLocation(""); err != nil || loc != time.UTC {
		t.Fatalf("empty zone = %v, %v", loc, err)
	}
}
