// Package recurrence converts user-supplied schedules into the six-field
// cron dialect the reminder scheduler runs on.
//
// The dialect is seconds, minutes, hours, day-of-month, month, day-of-week.
// Exactly one of the two day fields is "?" (unconstrained); the other one
// carries the constraint, or "*" for every day.
package recurrence

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Unconstrained is the day-field marker meaning "no constraint here".
const Unconstrained = "?"

// Error variables for schedule parsing
var (
	ErrEmptyExpression     = errors.New("schedule expression is empty")
	ErrFieldCount          = errors.New("schedule expression must have 5 or 6 fields")
	ErrBothDaysConstrained = errors.New("day-of-month and day-of-week cannot both be constrained")
	ErrInvalidExpression   = errors.New("invalid schedule expression")
)

// Parser parses the normalized dialect. It is safe for concurrent use.
var Parser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var descriptors = map[string]string{
	"@yearly":   "0 0 0 1 1 ?",
	"@annually": "0 0 0 1 1 ?",
	"@monthly":  "0 0 0 1 * ?",
	"@weekly":   "0 0 0 ? * SUN",
	"@daily":    "0 0 0 * * ?",
	"@midnight": "0 0 0 * * ?",
	"@hourly":   "0 0 * * * ?",
}

const (
	fieldSecond = iota
	fieldMinute
	fieldHour
	fieldDom
	fieldMonth
	fieldDow
)

func unconstrained(field string) bool {
	return field == "*" || field == Unconstrained
}

// Normalize converts a five- or six-field cron expression (or a descriptor
// such as @daily) into the scheduler dialect and validates it.
func Normalize(expr string) (string, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return "", ErrEmptyExpression
	}
	if d, ok := descriptors[strings.ToLower(expr)]; ok {
		return d, nil
	}

	fields := strings.Fields(expr)
	switch len(fields) {
	case 5:
		fields = append([]string{"0"}, fields...)
	case 6:
	default:
		return "", fmt.Errorf("%w: got %d", ErrFieldCount, len(fields))
	}

	dom, dow := fields[fieldDom], fields[fieldDow]
	switch {
	case unconstrained(dom) && unconstrained(dow):
		fields[fieldDom], fields[fieldDow] = "*", Unconstrained
	case unconstrained(dow):
		fields[fieldDow] = Unconstrained
	case unconstrained(dom):
		fields[fieldDom] = Unconstrained
	default:
		return "", ErrBothDaysConstrained
	}

	normalized := strings.Join(fields, " ")
	if _, err := Parser.Parse(normalized); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidExpression, err)
	}
	return normalized, nil
}

// Spec prefixes a normalized expression with its time zone so that the
// scheduler evaluates it in that zone.
func Spec(expr, timeZone string) string {
	if timeZone == "" {
		return expr
	}
	return "CRON_TZ=" + timeZone + " " + expr
}

// Next returns the first activation of expr in timeZone strictly after t.
func Next(expr, timeZone string, t time.Time) (time.Time, error) {
	sched, err := Parser.Parse(Spec(expr, timeZone))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidExpression, err)
	}
	next := sched.Next(t)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w: schedule never fires", ErrInvalidExpression)
	}
	return next, nil
}

// Describe renders a normalized expression for people. Expressions the
// builders did not produce are returned as they are.
func Describe(expr string) string {
	fields := strings.Fields(expr)
	if len(fields) != 6 || fields[fieldSecond] != "0" || !isNumber(fields[fieldMinute]) || !isNumber(fields[fieldHour]) || fields[fieldMonth] != "*" {
		return expr
	}
	hour, _ := strconv.Atoi(fields[fieldHour])
	minute, _ := strconv.Atoi(fields[fieldMinute])
	at := fmt.Sprintf("at %02d:%02d", hour, minute)
	switch {
	case fields[fieldDom] == "*" && fields[fieldDow] == Unconstrained:
		return "every day " + at
	case fields[fieldDom] == Unconstrained:
		return "every " + strings.ReplaceAll(fields[fieldDow], ",", ", ") + " " + at
	case fields[fieldDow] == Unconstrained && isNumber(fields[fieldDom]):
		return "on day " + fields[fieldDom] + " of every month " + at
	}
	return expr
}

func isNumber(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
