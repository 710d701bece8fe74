// Package datetime implements the calendar-aware temporal arithmetic of the
// cube grid: ISO-8601 periods, unit truncation, interval stepping and labels.
//
// Month and year steps are always computed from the origin (t0 + k*d), never
// iteratively, and clamp to the last valid day of the target month. Hence
// 2020-01-31 + P1M = 2020-02-29 while 2020-01-31 + P2M = 2020-03-31.
package datetime

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

// Unit is the precision of a datetime or the unit of a period.
type Unit int

const (
	Second Unit = iota
	Minute
	Hour
	Day
	Week
	Month
	Year
)

var unitNames = map[Unit]string{
	Second: "second",
	Minute: "minute",
	Hour:   "hour",
	Day:    "day",
	Week:   "week",
	Month:  "month",
	Year:   "year",
}

func (u Unit) String() string {
	if s, ok := unitNames[u]; ok {
		return s
	}
	return fmt.Sprintf("unit(%d)", int(u))
}

// ParseUnit accepts the unit names and their one-letter ISO designators.
func ParseUnit(s string) (Unit, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "second", "s":
		return Second, nil
	case "minute", "min":
		return Minute, nil
	case "hour", "h":
		return Hour, nil
	case "day", "d":
		return Day, nil
	case "week", "w":
		return Week, nil
	case "month", "m":
		return Month, nil
	case "year", "y":
		return Year, nil
	}
	return Second, fmt.Errorf("unknown datetime unit %q", s)
}

// calendar reports whether steps of the unit depend on month lengths.
func (u Unit) calendar() bool { return u == Month || u == Year }

func (u Unit) fixed() time.Duration {
	switch u {
	case Second:
		return time.Second
	case Minute:
		return time.Minute
	case Hour:
		return time.Hour
	case Day:
		return 24 * time.Hour
	case Week:
		return 7 * 24 * time.Hour
	}
	return 0
}

// Duration is a single-unit ISO-8601 period such as P1M or PT6H.
type Duration struct {
	N    int
	Unit Unit
}

// ParseDuration parses a single-component ISO-8601 period.
func ParseDuration(s string) (Duration, error) {
	in := strings.ToUpper(strings.TrimSpace(s))
	if len(in) < 3 || in[0] != 'P' {
		return Duration{}, fmt.Errorf("invalid period %q: must look like P1M or PT6H", s)
	}
	body := in[1:]
	timePart := false
	if body[0] == 'T' {
		timePart = true
		body = body[1:]
	}
	if len(body) < 2 {
		return Duration{}, fmt.Errorf("invalid period %q", s)
	}
	designator := body[len(body)-1]
	n, err := strconv.Atoi(body[:len(body)-1])
	if err != nil {
		return Duration{}, fmt.Errorf("invalid period %q: only single-unit periods are supported", s)
	}
	if n <= 0 {
		return Duration{}, fmt.Errorf("invalid period %q: must be positive", s)
	}
	var u Unit
	switch {
	case timePart && designator == 'H':
		u = Hour
	case timePart && designator == 'M':
		u = Minute
	case timePart && designator == 'S':
		u = Second
	case !timePart && designator == 'Y':
		u = Year
	case !timePart && designator == 'M':
		u = Month
	case !timePart && designator == 'W':
		u = Week
	case !timePart && designator == 'D':
		u = Day
	default:
		return Duration{}, fmt.Errorf("invalid period %q: unknown designator %q", s, designator)
	}
	return Duration{N: n, Unit: u}, nil
}

// MustParseDuration is ParseDuration for literals known to be valid.
func MustParseDuration(s string) Duration {
	d, err := ParseDuration(s)
	if err != nil {
		panic(err)
	}
	return d
}

// String renders the period in ISO-8601 form.
func (d Duration) String() string {
	switch d.Unit {
	case Second:
		return fmt.Sprintf("PT%dS", d.N)
	case Minute:
		return fmt.Sprintf("PT%dM", d.N)
	case Hour:
		return fmt.Sprintf("PT%dH", d.N)
	case Day:
		return fmt.Sprintf("P%dD", d.N)
	case Week:
		return fmt.Sprintf("P%dW", d.N)
	case Month:
		return fmt.Sprintf("P%dM", d.N)
	default:
		return fmt.Sprintf("P%dY", d.N)
	}
}

// IsZero reports whether the duration is unset.
func (d Duration) IsZero() bool { return d.N == 0 }

// MarshalText encodes the period in ISO-8601 form; the zero period is empty.
func (d Duration) MarshalText() ([]byte, error) {
	if d.IsZero() {
		return nil, nil
	}
	return []byte(d.String()), nil
}

// UnmarshalText parses an ISO-8601 period.
func (d *Duration) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*d = Duration{}
		return nil
	}
	v, err := ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// Add returns t + k*d. Calendar units clamp the day of month.
func Add(t time.Time, d Duration, k int) time.Time {
	n := d.N * k
	switch d.Unit {
	case Month:
		return addMonths(t, n)
	case Year:
		return addMonths(t, 12*n)
	default:
		return t.Add(time.Duration(n) * d.Unit.fixed())
	}
}

func addMonths(t time.Time, n int) time.Time {
	y, m, day := t.Date()
	total := int(m) - 1 + n
	ny := y + floorDiv(total, 12)
	nm := time.Month(total-12*floorDiv(total, 12)) + 1
	if last := daysIn(ny, nm); day > last {
		day = last
	}
	h, mi, s := t.Clock()
	return time.Date(ny, nm, day, h, mi, s, t.Nanosecond(), t.Location())
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func daysIn(y int, m time.Month) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// Truncate drops everything finer than the unit. Weeks truncate to days.
func Truncate(t time.Time, u Unit) time.Time {
	y, m, d := t.Date()
	h, mi, s := t.Clock()
	switch u {
	case Year:
		return time.Date(y, 1, 1, 0, 0, 0, 0, t.Location())
	case Month:
		return time.Date(y, m, 1, 0, 0, 0, 0, t.Location())
	case Day, Week:
		return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
	case Hour:
		return time.Date(y, m, d, h, 0, 0, 0, t.Location())
	case Minute:
		return time.Date(y, m, d, h, mi, 0, 0, t.Location())
	default:
		return time.Date(y, m, d, h, mi, s, 0, t.Location())
	}
}

// Steps returns the number of contiguous intervals of length d, starting at
// t0, needed to cover the closed range [t0, t1].
func Steps(t0, t1 time.Time, d Duration) int {
	if d.IsZero() || t1.Before(t0) {
		return 0
	}
	var k int
	if d.Unit.calendar() {
		months := d.N
		if d.Unit == Year {
			months *= 12
		}
		y0, m0, _ := t0.Date()
		y1, m1, _ := t1.Date()
		k = ((y1-y0)*12 + int(m1) - int(m0)) / months
	} else {
		k = int(t1.Sub(t0) / (time.Duration(d.N) * d.Unit.fixed()))
	}
	if k < 0 {
		k = 0
	}
	for k > 0 && Add(t0, d, k).After(t1) {
		k--
	}
	for !Add(t0, d, k+1).After(t1) {
		k++
	}
	return k + 1
}

var layouts = []struct {
	layout string
	unit   Unit
}{
	{"2006", Year},
	{"2006-01", Month},
	{"2006-01-02", Day},
	{"20060102", Day},
	{"2006-01-02T15", Hour},
	{"2006-01-02T15:04", Minute},
	{"2006-01-02T15:04:05", Second},
	{"2006-01-02 15:04:05", Second},
	{"20060102T150405", Second},
	{time.RFC3339, Second},
	{time.RFC3339Nano, Second},
}

// Parse reads a datetime in one of the common ISO layouts, falling back to
// dateparse for anything else. It also reports the precision of the input.
// Values without a zone are UTC.
func Parse(s string) (time.Time, Unit, error) {
	s = strings.TrimSpace(s)
	for _, l := range layouts {
		if t, err := time.ParseInLocation(l.layout, s, time.UTC); err == nil {
			return t.UTC(), l.unit, nil
		}
	}
	t, err := dateparse.ParseIn(s, time.UTC)
	if err != nil {
		return time.Time{}, Second, fmt.Errorf("cannot parse datetime %q: %w", s, err)
	}
	return t.UTC(), Second, nil
}

// ParseLayout parses s using a Go reference layout, or Parse if layout is empty.
func ParseLayout(s, layout string) (time.Time, error) {
	if layout == "" {
		t, _, err := Parse(s)
		return t, err
	}
	t, err := time.ParseInLocation(layout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("cannot parse datetime %q with layout %q: %w", s, layout, err)
	}
	return t.UTC(), nil
}

// Format renders t at the precision of u.
func Format(t time.Time, u Unit) string {
	t = t.UTC()
	switch u {
	case Year:
		return t.Format("2006")
	case Month:
		return t.Format("2006-01")
	case Day, Week:
		return t.Format("2006-01-02")
	case Hour:
		return t.Format("2006-01-02T15")
	case Minute:
		return t.Format("2006-01-02T15:04")
	default:
		return t.Format("2006-01-02T15:04:05")
	}
}
