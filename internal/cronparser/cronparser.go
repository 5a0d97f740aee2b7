// Package cronparser parses the scheduler's 5-field cron expressions and
// computes fire times from them. It deliberately does not use
// github.com/robfig/cron: that package (and every other cron library in
// the example pack) hardcodes the POSIX day-of-week convention
// (0=Sunday), while this project's stored expressions use 0=Monday. There
// is no way to configure that origin in a third-party parser, so the
// field parsing and next-fire-time search are implemented directly
// against time.Time instead.
package cronparser

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/basket/taskscheduler/internal/apperr"
)

// DefaultHorizonMonths bounds how far into the future next_after will
// search before giving up and reporting the task as dormant (spec §4.2).
const DefaultHorizonMonths = 36

// Expr is a parsed 5-field cron expression.
type Expr struct {
	raw     string
	minute  fieldSet
	hour    fieldSet
	dom     fieldSet
	month   fieldSet
	dow     fieldSet
	domWild bool
	dowWild bool
}

// fieldSet is the set of values (within a field's valid range) that
// satisfy one cron field.
type fieldSet map[int]struct{}

func (f fieldSet) has(v int) bool {
	_, ok := f[v]
	return ok
}

// Parse validates and compiles a 5-field cron expression. Day-of-week
// values are 0=Monday..6=Sunday, the project's convention, not POSIX's.
func Parse(expr string) (Expr, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return Expr{}, fmt.Errorf("cron expression %q: expected 5 fields, got %d: %w", expr, len(fields), apperr.ValidationFailed)
	}

	minute, err := parseField(fields[0], 0, 59)
	if err != nil {
		return Expr{}, fmt.Errorf("minute field %q: %w", fields[0], err)
	}
	hour, err := parseField(fields[1], 0, 23)
	if err != nil {
		return Expr{}, fmt.Errorf("hour field %q: %w", fields[1], err)
	}
	dom, err := parseField(fields[2], 1, 31)
	if err != nil {
		return Expr{}, fmt.Errorf("day-of-month field %q: %w", fields[2], err)
	}
	month, err := parseField(fields[3], 1, 12)
	if err != nil {
		return Expr{}, fmt.Errorf("month field %q: %w", fields[3], err)
	}
	dow, err := parseField(fields[4], 0, 6)
	if err != nil {
		return Expr{}, fmt.Errorf("day-of-week field %q: %w", fields[4], err)
	}

	return Expr{
		raw:     expr,
		minute:  minute,
		hour:    hour,
		dom:     dom,
		month:   month,
		dow:     dow,
		domWild: fields[2] == "*",
		dowWild: fields[4] == "*",
	}, nil
}

// String returns the original expression text.
func (e Expr) String() string { return e.raw }

func parseField(raw string, lo, hi int) (fieldSet, error) {
	set := fieldSet{}
	for _, part := range strings.Split(raw, ",") {
		if err := parsePart(part, lo, hi, set); err != nil {
			return nil, err
		}
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("empty field: %w", apperr.ValidationFailed)
	}
	return set, nil
}

func parsePart(part string, lo, hi int, set fieldSet) error {
	step := 1
	base := part
	if idx := strings.IndexByte(part, '/'); idx >= 0 {
		base = part[:idx]
		n, err := strconv.Atoi(part[idx+1:])
		if err != nil || n <= 0 {
			return fmt.Errorf("bad step %q: %w", part, apperr.ValidationFailed)
		}
		step = n
	}

	var rangeLo, rangeHi int
	switch {
	case base == "*":
		rangeLo, rangeHi = lo, hi
	case strings.Contains(base, "-"):
		bounds := strings.SplitN(base, "-", 2)
		a, errA := strconv.Atoi(bounds[0])
		b, errB := strconv.Atoi(bounds[1])
		if errA != nil || errB != nil || a > b {
			return fmt.Errorf("bad range %q: %w", base, apperr.ValidationFailed)
		}
		rangeLo, rangeHi = a, b
	default:
		v, err := strconv.Atoi(base)
		if err != nil {
			return fmt.Errorf("bad value %q: %w", base, apperr.ValidationFailed)
		}
		rangeLo, rangeHi = v, v
		if step != 1 {
			return fmt.Errorf("step without range or wildcard %q: %w", part, apperr.ValidationFailed)
		}
	}

	if rangeLo < lo || rangeHi > hi {
		return fmt.Errorf("value %q out of range [%d,%d]: %w", part, lo, hi, apperr.ValidationFailed)
	}

	for v := rangeLo; v <= rangeHi; v += step {
		set[v] = struct{}{}
	}
	return nil
}

// goWeekdayToProject converts Go's time.Weekday (0=Sunday) into the
// project's day-of-week convention (0=Monday..6=Sunday).
func goWeekdayToProject(wd time.Weekday) int {
	return (int(wd) + 6) % 7
}

// matchesDay applies the day-of-month ∨ day-of-week disjunction rule: if
// either field is restricted (not "*"), a day satisfying EITHER field
// matches; if both are "*" the day always matches and minute/hour/month
// alone drive the result.
func (e Expr) matchesDay(t time.Time) bool {
	if e.domWild && e.dowWild {
		return true
	}
	domMatch := e.dom.has(t.Day())
	dowMatch := e.dow.has(goWeekdayToProject(t.Weekday()))
	if e.domWild {
		return dowMatch
	}
	if e.dowWild {
		return domMatch
	}
	return domMatch || dowMatch
}

func (e Expr) matches(t time.Time) bool {
	return e.minute.has(t.Minute()) &&
		e.hour.has(t.Hour()) &&
		e.month.has(int(t.Month())) &&
		e.matchesDay(t)
}

// NextAfter returns the smallest whole-minute instant strictly greater
// than t that satisfies expr, searching up to horizonMonths into the
// future. A zero time and false are returned if the horizon is exhausted
// without a match (the dispatcher then treats the task as dormant).
func NextAfter(e Expr, t time.Time, horizonMonths int) (time.Time, bool) {
	if horizonMonths <= 0 {
		horizonMonths = DefaultHorizonMonths
	}
	// t.Truncate rounds down to the minute boundary at or before t, so
	// adding a minute always lands strictly after t.
	cursor := t.Truncate(time.Minute).Add(time.Minute)
	deadline := t.AddDate(0, horizonMonths, 0)

	for !cursor.After(deadline) {
		if e.matches(cursor) {
			return cursor, true
		}
		cursor = cursor.Add(time.Minute)
	}
	return time.Time{}, false
}

// NextTimes returns the first k fire times strictly after now, used to
// preview a schedule before saving it (spec §4.2).
func NextTimes(e Expr, now time.Time, k int, horizonMonths int) []time.Time {
	if k <= 0 {
		return nil
	}
	out := make([]time.Time, 0, k)
	cursor := now
	for len(out) < k {
		next, ok := NextAfter(e, cursor, horizonMonths)
		if !ok {
			break
		}
		out = append(out, next)
		cursor = next
	}
	return out
}

// sortedInts is a small helper kept for callers that want to print a
// field's resolved values (e.g. a config-validation diagnostic).
func (f fieldSet) sortedInts() []int {
	out := make([]int, 0, len(f))
	for v := range f {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}
