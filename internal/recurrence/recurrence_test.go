package recurrence

import (
	"errors"
	"strings"
	"testing"
	"time"
	_ "time/tzdata"
)

func exactlyOneUnconstrainedDay(t *testing.T, expr string) {
	t.Helper()
	fields := strings.Fields(expr)
	if len(fields) != 6 {
		t.Fatalf("%q: expected 6 fields, got %d", expr, len(fields))
	}
	domQ := fields[fieldDom] == Unconstrained
	dowQ := fields[fieldDow] == Unconstrained
	if domQ == dowQ {
		t.Errorf("%q: expected exactly one of day-of-month/day-of-week to be %q", expr, Unconstrained)
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"30 9 * * *", "0 30 9 * * ?"},
		{"0 30 9 * * *", "0 30 9 * * ?"},
		{"0 9 * * MON,FRI", "0 0 9 ? * MON,FRI"},
		{"0 9 15 * *", "0 0 9 15 * ?"},
		{"0 0 9 ? * ?", "0 0 9 * * ?"},
		{"0 0 9 15 * ?", "0 0 9 15 * ?"},
		{"@daily", "0 0 0 * * ?"},
		{"@weekly", "0 0 0 ? * SUN"},
	}
	for _, tt := range tests {
		got, err := Normalize(tt.in)
		if err != nil {
			t.Errorf("Normalize(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
		exactlyOneUnconstrainedDay(t, got)
	}
}

func TestNormalize_Errors(t *testing.T) {
	tests := []struct {
		in   string
		want error
	}{
		{"", ErrEmptyExpression},
		{"* * *", ErrFieldCount},
		{"0 9 15 * MON", ErrBothDaysConstrained},
		{"0 99 * * *", ErrInvalidExpression},
	}
	for _, tt := range tests {
		if _, err := Normalize(tt.in); !errors.Is(err, tt.want) {
			t.Errorf("Normalize(%q) error = %v, want %v", tt.in, err, tt.want)
		}
	}
}

func TestBuilders(t *testing.T) {
	at := TimeOfDay{Hour: 7, Minute: 5}

	daily := Daily(at)
	if daily != "0 5 7 * * ?" {
		t.Errorf("Daily = %q", daily)
	}

	weekly, err := Weekly([]time.Weekday{time.Monday, time.Wednesday}, at)
	if err != nil {
		t.Fatalf("Weekly error: %v", err)
	}
	if weekly != "0 5 7 ? * MON,WED" {
		t.Errorf("Weekly = %q", weekly)
	}

	monthly, err := Monthly(31, at)
	if err != nil {
		t.Fatalf("Monthly error: %v", err)
	}
	if monthly != "0 5 7 31 * ?" {
		t.Errorf("Monthly = %q", monthly)
	}

	for _, expr := range []string{daily, weekly, monthly} {
		exactlyOneUnconstrainedDay(t, expr)
		if _, err := Parser.Parse(expr); err != nil {
			t.Errorf("Parser rejected %q: %v", expr, err)
		}
	}

	if _, err := Weekly(nil, at); !errors.Is(err, ErrNoWeekdays) {
		t.Errorf("Weekly(nil) error = %v", err)
	}
	if _, err := Monthly(0, at); !errors.Is(err, ErrInvalidDayOfMonth) {
		t.Errorf("Monthly(0) error = %v", err)
	}
}

func TestParseTimeOfDay(t *testing.T) {
	good := map[string]TimeOfDay{
		"09:30": {9, 30},
		"9:30":  {9, 30},
		"23:59": {23, 59},
		"7":     {7, 0},
	}
	for in, want := range good {
		got, err := ParseTimeOfDay(in)
		if err != nil || got != want {
			t.Errorf("ParseTimeOfDay(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	for _, in := range []string{"24:00", "12:60", "12:5", "noon", ""} {
		if _, err := ParseTimeOfDay(in); !errors.Is(err, ErrInvalidTimeOfDay) {
			t.Errorf("ParseTimeOfDay(%q) error = %v", in, err)
		}
	}
}

func TestParseWeekdays(t *testing.T) {
	days, err := ParseWeekdays("wed, Mon mon")
	if err != nil {
		t.Fatalf("ParseWeekdays error: %v", err)
	}
	if len(days) != 2 || days[0] != time.Monday || days[1] != time.Wednesday {
		t.Errorf("ParseWeekdays = %v", days)
	}

	days, err = ParseWeekdays("weekends")
	if err != nil || len(days) != 2 || days[0] != time.Sunday || days[1] != time.Saturday {
		t.Errorf("ParseWeekdays(weekends) = %v, %v", days, err)
	}

	if _, err := ParseWeekdays("funday"); !errors.Is(err, ErrInvalidWeekday) {
		t.Errorf("expected ErrInvalidWeekday, got %v", err)
	}
	if _, err := ParseWeekdays(" , "); !errors.Is(err, ErrNoWeekdays) {
		t.Errorf("expected ErrNoWeekdays, got %v", err)
	}
}

func TestNextHonorsTimeZone(t *testing.T) {
	from := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	next, err := Next("0 0 9 * * ?", "America/New_York", from)
	if err != nil {
		t.Fatalf("Next error: %v", err)
	}
	loc, _ := time.LoadLocation("America/New_York")
	local := next.In(loc)
	if local.Hour() != 9 || local.Minute() != 0 {
		t.Errorf("next = %v, want 09:00 New York time", local)
	}
	if !next.After(from) {
		t.Errorf("next %v is not after %v", next, from)
	}
}

func TestDescribe(t *testing.T) {
	tests := map[string]string{
		"0 30 9 * * ?":       "every day at 09:30",
		"0 0 18 ? * MON,WED": "every MON, WED at 18:00",
		"0 0 8 1 * ?":        "on day 1 of every month at 08:00",
		"0 */5 * * * ?":      "0 */5 * * * ?",
	}
	for in, want := range tests {
		if got := Describe(in); got != want {
			t.Errorf("Describe(%q) = %q, want %q", in, got, want)
		}
	}
}
