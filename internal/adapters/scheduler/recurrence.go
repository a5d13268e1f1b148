package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Recurrence is a parsed ISO-8601 repeating interval ("R5/PT10M"): an
// optional repetition cap and the period between firings. Repetitions of
// zero means unbounded.
type Recurrence struct {
	Repetitions int
	Interval    time.Duration
}

// ParseRecurrence parses an ISO-8601 repeating interval expression. The
// period part accepts the duration designators days, hours, minutes and
// seconds plus weeks ("P2W").
func ParseRecurrence(expr string) (Recurrence, error) {
	parts := strings.SplitN(expr, "/", 2)
	if len(parts) != 2 || !strings.HasPrefix(parts[0], "R") {
		return Recurrence{}, fmt.Errorf("recurrence %q: expected R<n>/<ISO-8601 duration>", expr)
	}

	var rec Recurrence
	if count := parts[0][1:]; count != "" {
		n, err := strconv.Atoi(count)
		if err != nil || n < 0 {
			return Recurrence{}, fmt.Errorf("recurrence %q: bad repetition count", expr)
		}
		rec.Repetitions = n
	}

	interval, err := ParseISODuration(parts[1])
	if err != nil {
		return Recurrence{}, fmt.Errorf("recurrence %q: %w", expr, err)
	}
	if interval <= 0 {
		return Recurrence{}, fmt.Errorf("recurrence %q: interval must be positive", expr)
	}
	rec.Interval = interval
	return rec, nil
}

// ParseISODuration parses an ISO-8601 duration ("P1DT2H30M", "PT45S",
// "P2W") into a time.Duration. Years and months are rejected: they have no
// fixed length.
func ParseISODuration(expr string) (time.Duration, error) {
	if !strings.HasPrefix(expr, "P") || len(expr) < 2 {
		return 0, fmt.Errorf("duration %q: expected ISO-8601 duration", expr)
	}

	body := expr[1:]
	inTime := false
	pairs := 0
	var total time.Duration
	var number strings.Builder

	for _, r := range body {
		switch {
		case r >= '0' && r <= '9' || r == '.':
			number.WriteRune(r)
		case r == 'T':
			if inTime || number.Len() > 0 {
				return 0, fmt.Errorf("duration %q: misplaced T designator", expr)
			}
			inTime = true
		default:
			if number.Len() == 0 {
				return 0, fmt.Errorf("duration %q: designator %c without a value", expr, r)
			}
			value, err := strconv.ParseFloat(number.String(), 64)
			if err != nil {
				return 0, fmt.Errorf("duration %q: %w", expr, err)
			}
			number.Reset()

			var unit time.Duration
			switch {
			case !inTime && r == 'W':
				unit = 7 * 24 * time.Hour
			case !inTime && r == 'D':
				unit = 24 * time.Hour
			case inTime && r == 'H':
				unit = time.Hour
			case inTime && r == 'M':
				unit = time.Minute
			case inTime && r == 'S':
				unit = time.Second
			case !inTime && (r == 'Y' || r == 'M'):
				return 0, fmt.Errorf("duration %q: calendar designator %c is not supported", expr, r)
			default:
				return 0, fmt.Errorf("duration %q: unknown designator %c", expr, r)
			}
			total += time.Duration(value * float64(unit))
			pairs++
		}
	}

	if number.Len() > 0 {
		return 0, fmt.Errorf("duration %q: trailing value without a designator", expr)
	}
	if pairs == 0 {
		return 0, fmt.Errorf("duration %q: no value components", expr)
	}
	return total, nil
}
