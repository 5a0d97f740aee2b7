package cronparser_test

import (
	"errors"
	"testing"
	"time"

	"github.com/basket/taskscheduler/internal/apperr"
	"github.com/basket/taskscheduler/internal/cronparser"
)

func mustParse(t *testing.T, expr string) cronparser.Expr {
	t.Helper()
	e, err := cronparser.Parse(expr)
	if err != nil {
		t.Fatalf("Parse(%q): %v", expr, err)
	}
	return e
}

func TestParse_RejectsWrongFieldCount(t *testing.T) {
	_, err := cronparser.Parse("* * * *")
	if !errors.Is(err, apperr.ValidationFailed) {
		t.Fatalf("got %v, want apperr.ValidationFailed", err)
	}
}

func TestParse_RejectsOutOfRangeValue(t *testing.T) {
	_, err := cronparser.Parse("60 * * * *")
	if !errors.Is(err, apperr.ValidationFailed) {
		t.Fatalf("got %v, want apperr.ValidationFailed", err)
	}
}

func TestParse_AcceptsStepRangeListWildcard(t *testing.T) {
	if _, err := cronparser.Parse("*/15 0-6 1,15 * *"); err != nil {
		t.Fatalf("Parse: %v", err)
	}
}

// S1 — cron next fire.
func TestNextAfter_EveryFifteenMinutes(t *testing.T) {
	e := mustParse(t, "*/15 * * * *")
	now := time.Date(2025, 1, 1, 10, 7, 30, 0, time.UTC)

	got, ok := cronparser.NextAfter(e, now, cronparser.DefaultHorizonMonths)
	if !ok {
		t.Fatal("NextAfter returned no match")
	}
	want := time.Date(2025, 1, 1, 10, 15, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("NextAfter = %v, want %v", got, want)
	}
}

func TestNextAfter_OnExactBoundaryReturnsNextOccurrence(t *testing.T) {
	e := mustParse(t, "0 * * * *")
	now := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

	got, ok := cronparser.NextAfter(e, now, cronparser.DefaultHorizonMonths)
	if !ok {
		t.Fatal("NextAfter returned no match")
	}
	want := time.Date(2025, 1, 1, 11, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("NextAfter = %v, want %v (strictly greater than t)", got, want)
	}
}

// Day-of-month OR day-of-week: the project's 0=Monday..6=Sunday convention.
func TestMatchesDay_DisjunctionWhenBothRestricted(t *testing.T) {
	// day-of-month=1, day-of-week=0 (Monday). A day that is either the 1st
	// of the month OR a Monday should match.
	e := mustParse(t, "0 9 1 * 0")

	monday := time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC) // a Monday, not the 1st
	if monday.Weekday() != time.Monday {
		t.Fatalf("test fixture error: %v is not a Monday", monday)
	}
	firstOfMonth := time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC) // 1st, not a Monday
	if firstOfMonth.Weekday() == time.Monday {
		t.Fatalf("test fixture error: %v is a Monday", firstOfMonth)
	}

	before := monday.Add(-time.Minute)
	got, ok := cronparser.NextAfter(e, before, cronparser.DefaultHorizonMonths)
	if !ok || !got.Equal(monday) {
		t.Fatalf("NextAfter = %v, ok=%v, want Monday match at %v", got, ok, monday)
	}
}

func TestMatchesDay_ProjectConventionZeroIsMonday(t *testing.T) {
	// day-of-week 6 means Sunday under this project's convention.
	e := mustParse(t, "0 9 * * 6")
	sunday := time.Date(2025, 1, 5, 9, 0, 0, 0, time.UTC)
	if sunday.Weekday() != time.Sunday {
		t.Fatalf("test fixture error: %v is not a Sunday", sunday)
	}
	got, ok := cronparser.NextAfter(e, sunday.Add(-time.Minute), cronparser.DefaultHorizonMonths)
	if !ok || !got.Equal(sunday) {
		t.Fatalf("NextAfter = %v, ok=%v, want Sunday match at %v", got, ok, sunday)
	}
}

func TestNextAfter_ReturnsFalseWhenHorizonExhausted(t *testing.T) {
	// Feb 30th never exists; day-of-month=30 with month restricted to
	// February alone never matches within any horizon.
	e := mustParse(t, "0 0 30 2 *")
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	_, ok := cronparser.NextAfter(e, now, 6)
	if ok {
		t.Fatal("NextAfter should report no match for an impossible date")
	}
}

func TestNextTimes_MonotonicallyIncreasingAndMatching(t *testing.T) {
	e := mustParse(t, "0 */6 * * *")
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	times := cronparser.NextTimes(e, now, 5, cronparser.DefaultHorizonMonths)
	if len(times) != 5 {
		t.Fatalf("NextTimes returned %d entries, want 5", len(times))
	}
	prev := now
	for _, ts := range times {
		if !ts.After(prev) {
			t.Fatalf("NextTimes not monotonically increasing: %v after %v", ts, prev)
		}
		if ts.Minute() != 0 || ts.Hour()%6 != 0 {
			t.Fatalf("time %v does not satisfy expression */6 hours", ts)
		}
		prev = ts
	}
}
