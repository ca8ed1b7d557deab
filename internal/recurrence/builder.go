package recurrence

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Error variables for schedule builders
var (
	ErrInvalidTimeOfDay  = errors.New("time must look like HH:MM")
	ErrInvalidWeekday    = errors.New("unknown weekday")
	ErrNoWeekdays        = errors.New("at least one weekday is required")
	ErrInvalidDayOfMonth = errors.New("day of month must be between 1 and 31")
)

var weekdayCodes = [...]string{"SUN", "MON", "TUE", "WED", "THU", "FRI", "SAT"}

var weekdayNames = map[string][]time.Weekday{
	"sun": {time.Sunday}, "sunday": {time.Sunday},
	"mon": {time.Monday}, "monday": {time.Monday},
	"tue": {time.Tuesday}, "tues": {time.Tuesday}, "tuesday": {time.Tuesday},
	"wed": {time.Wednesday}, "wednesday": {time.Wednesday},
	"thu": {time.Thursday}, "thur": {time.Thursday}, "thurs": {time.Thursday}, "thursday": {time.Thursday},
	"fri": {time.Friday}, "friday": {time.Friday},
	"sat": {time.Saturday}, "saturday": {time.Saturday},
	"weekdays": {time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
	"weekends": {time.Saturday, time.Sunday},
}

// TimeOfDay is an hour and minute on a 24-hour clock.
type TimeOfDay struct {
	Hour   int
	Minute int
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// ParseTimeOfDay parses "HH:MM" (24-hour) or "H".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	s = strings.TrimSpace(s)
	hh, mm, found := strings.Cut(s, ":")
	if !found {
		mm = "0"
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return TimeOfDay{}, ErrInvalidTimeOfDay
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 || (found && len(mm) != 2) {
		return TimeOfDay{}, ErrInvalidTimeOfDay
	}
	return TimeOfDay{Hour: h, Minute: m}, nil
}

// ParseWeekdays parses a comma or space separated list such as "mon, wed"
// or "weekdays". The result is sorted Sunday first and has no duplicates.
func ParseWeekdays(s string) ([]time.Weekday, error) {
	seen := make(map[time.Weekday]bool)
	for _, tok := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool { return r == ',' || r == ' ' || r == ';' }) {
		days, ok := weekdayNames[tok]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrInvalidWeekday, tok)
		}
		for _, d := range days {
			seen[d] = true
		}
	}
	if len(seen) == 0 {
		return nil, ErrNoWeekdays
	}
	out := make([]time.Weekday, 0, len(seen))
	for d := range seen {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// ParseDayOfMonth parses a day number between 1 and 31.
func ParseDayOfMonth(s string) (int, error) {
	d, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || d < 1 || d > 31 {
		return 0, ErrInvalidDayOfMonth
	}
	return d, nil
}

// Daily fires every day at t.
func Daily(t TimeOfDay) string {
	return fmt.Sprintf("0 %d %d * * %s", t.Minute, t.Hour, Unconstrained)
}

// Weekly fires at t on each of days.
func Weekly(days []time.Weekday, t TimeOfDay) (string, error) {
	if len(days) == 0 {
		return "", ErrNoWeekdays
	}
	codes := make([]string, 0, len(days))
	for _, d := range days {
		codes = append(codes, weekdayCodes[d])
	}
	return fmt.Sprintf("0 %d %d %s * %s", t.Minute, t.Hour, Unconstrained, strings.Join(codes, ",")), nil
}

// Monthly fires at t on the given day of every month. Months without that
// day are skipped.
func Monthly(day int, t TimeOfDay) (string, error) {
	if day < 1 || day > 31 {
		return "", ErrInvalidDayOfMonth
	}
	return fmt.Sprintf("0 %d %d %d * %s", t.Minute, t.Hour, day, Unconstrained), nil
}
