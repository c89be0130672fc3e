package cron

import (
	"errors"
	"fmt"
	"math/bits"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrInvalidExpression is returned for malformed or out-of-range expressions.
	ErrInvalidExpression = errors.New("invalid cron expression")
	// ErrNoMatch is returned when no activation exists within the search horizon.
	ErrNoMatch = errors.New("cron: no matching time within search horizon")
)

// Schedule yields successive activation times.
type Schedule interface {
	Next(after time.Time) (time.Time, error)
}

// field bounds, inclusive.
type bounds struct{ min, max int }

var (
	minuteBounds = bounds{0, 59}
	hourBounds   = bounds{0, 23}
	domBounds    = bounds{1, 31}
	monthBounds  = bounds{1, 12}
	dowBounds    = bounds{0, 6}
)

var shorthands = map[string]string{
	"@hourly":   "0 * * * *",
	"@daily":    "0 0 * * *",
	"@midnight": "0 0 * * *",
	"@weekly":   "0 0 * * 0",
	"@monthly":  "0 0 1 * *",
}

// Parse returns the Schedule for expr.
func Parse(expr string) (Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrInvalidExpression)
	}

	if rest, ok := strings.CutPrefix(expr, "@every "); ok {
		d, err := time.ParseDuration(strings.TrimSpace(rest))
		if err != nil || d < time.Second {
			return nil, fmt.Errorf("%w: @every needs a duration of at least 1s, got %q", ErrInvalidExpression, rest)
		}

		return Every(d), nil
	}

	if full, ok := shorthands[expr]; ok {
		expr = full
	}

	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("%w: expected 5 fields, got %d", ErrInvalidExpression, len(fields))
	}

	var (
		spec fieldSpec
		err  error
	)

	if spec.minutes, err = parseField(fields[0], minuteBounds); err != nil {
		return nil, fmt.Errorf("minute: %w", err)
	}

	if spec.hours, err = parseField(fields[1], hourBounds); err != nil {
		return nil, fmt.Errorf("hour: %w", err)
	}

	if spec.doms, err = parseField(fields[2], domBounds); err != nil {
		return nil, fmt.Errorf("day-of-month: %w", err)
	}

	if spec.months, err = parseField(fields[3], monthBounds); err != nil {
		return nil, fmt.Errorf("month: %w", err)
	}

	if spec.dows, err = parseField(fields[4], dowBounds); err != nil {
		return nil, fmt.Errorf("day-of-week: %w", err)
	}

	spec.domStar = fields[2] == "*"
	spec.dowStar = fields[4] == "*"

	return &spec, nil
}

// Every returns a fixed-interval schedule aligned to whole seconds.
func Every(interval time.Duration) Schedule {
	return everySchedule(interval.Truncate(time.Second))
}

type everySchedule time.Duration

func (every everySchedule) Next(after time.Time) (time.Time, error) {
	return after.Truncate(time.Second).Add(time.Duration(every)), nil
}

// fieldSpec holds one bit per allowed value.
type fieldSpec struct {
	minutes, hours, doms, months, dows uint64
	domStar, dowStar                   bool
}

// Next returns the first activation strictly after the given time, in UTC.
func (spec *fieldSpec) Next(after time.Time) (time.Time, error) {
	t := after.UTC().Truncate(time.Minute).Add(time.Minute)
	horizon := t.AddDate(5, 0, 0)

	for t.Before(horizon) {
		if !has(spec.months, int(t.Month())) {
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC)
			continue
		}

		if !spec.dayMatches(t) {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, time.UTC)
			continue
		}

		if !has(spec.hours, t.Hour()) {
			t = t.Truncate(time.Hour).Add(time.Hour)
			continue
		}

		if !has(spec.minutes, t.Minute()) {
			t = t.Add(time.Minute)
			continue
		}

		return t, nil
	}

	return time.Time{}, ErrNoMatch
}

// dayMatches follows classic cron: when both day fields are restricted either may match.
func (spec *fieldSpec) dayMatches(t time.Time) bool {
	dom := has(spec.doms, t.Day())
	dow := has(spec.dows, int(t.Weekday()))

	if spec.domStar || spec.dowStar {
		return dom && dow
	}

	return dom || dow
}

func has(set uint64, v int) bool {
	return set&(1<<uint(v)) != 0
}

func parseField(field string, b bounds) (uint64, error) {
	var set uint64

	for part := range strings.SplitSeq(field, ",") {
		bitsOf, err := parsePart(part, b)
		if err != nil {
			return 0, err
		}

		set |= bitsOf
	}

	if bits.OnesCount64(set) == 0 {
		return 0, fmt.Errorf("%w: empty field %q", ErrInvalidExpression, field)
	}

	return set, nil
}

func parsePart(part string, b bounds) (uint64, error) {
	rangeExpr, stepExpr, hasStep := strings.Cut(part, "/")

	step := 1
	if hasStep {
		s, err := strconv.Atoi(stepExpr)
		if err != nil || s <= 0 {
			return 0, fmt.Errorf("%w: invalid step %q", ErrInvalidExpression, stepExpr)
		}

		step = s
	}

	lo, hi := b.min, b.max

	switch {
	case rangeExpr == "*":
	case strings.Contains(rangeExpr, "-"):
		loExpr, hiExpr, _ := strings.Cut(rangeExpr, "-")

		var err error
		if lo, err = atoiIn(loExpr, b); err != nil {
			return 0, err
		}

		if hi, err = atoiIn(hiExpr, b); err != nil {
			return 0, err
		}

		if lo > hi {
			return 0, fmt.Errorf("%w: inverted range %q", ErrInvalidExpression, rangeExpr)
		}
	default:
		v, err := atoiIn(rangeExpr, b)
		if err != nil {
			return 0, err
		}

		lo = v
		if !hasStep {
			hi = v
		}
	}

	var set uint64
	for v := lo; v <= hi; v += step {
		set |= 1 << uint(v)
	}

	return set, nil
}

func atoiIn(raw string, b bounds) (int, error) {
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid value %q", ErrInvalidExpression, raw)
	}

	if v < b.min || v > b.max {
		return 0, fmt.Errorf("%w: %d outside [%d, %d]", ErrInvalidExpression, v, b.min, b.max)
	}

	return v, nil
}
