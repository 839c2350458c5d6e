package answer

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// TimeKind selects how a request restricts time buckets.
type TimeKind string

// Time selections.
const (
	TimeLatest TimeKind = "latest" // most recent bucket with data in scope
	TimeAll    TimeKind = "all"    // every bucket
	TimePoint  TimeKind = "point"  // the bucket containing At
	TimeRange  TimeKind = "range"  // buckets from From through To, inclusive
	TimeNamed  TimeKind = "named"  // a window relative to the clock
)

// TimeSpec is the time component of a request. The zero value means latest.
type TimeSpec struct {
	Kind   TimeKind
	At     time.Time
	From   time.Time
	To     time.Time
	Domain string
}

// Latest selects the most recent bucket.
func Latest() TimeSpec { return TimeSpec{Kind: TimeLatest} }

// All selects every bucket.
func All() TimeSpec { return TimeSpec{Kind: TimeAll} }

// At selects the bucket containing t.
func At(t time.Time) TimeSpec { return TimeSpec{Kind: TimePoint, At: t} }

// Between selects the buckets containing from through to.
func Between(from, to time.Time) TimeSpec { return TimeSpec{Kind: TimeRange, From: from, To: to} }

// Named selects a window such as "last-month" or "past-year".
func Named(domain string) TimeSpec { return TimeSpec{Kind: TimeNamed, Domain: domain} }

func (t TimeSpec) kind() TimeKind {
	if t.Kind == "" {
		return TimeLatest
	}
	return t.Kind
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02",
	"2006-01",
	"2006",
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, eris.Errorf("answer: cannot parse time %q", s)
}

// ParseTime parses the textual time forms accepted by the CLI and API:
// "latest" (or empty), "all", a named domain ("current", "past-<period>",
// "last-hour", "last-day", "last-week", "last-month", "last-year"), a date,
// or an inclusive range "<date>/<date>".
func ParseTime(s string) (TimeSpec, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "" || s == string(TimeLatest):
		return Latest(), nil
	case s == string(TimeAll):
		return All(), nil
	case isNamedDomain(s):
		return Named(s), nil
	}
	if from, to, ok := strings.Cut(s, "/"); ok {
		start, err := parseDate(from)
		if err != nil {
			return TimeSpec{}, err
		}
		end, err := parseDate(to)
		if err != nil {
			return TimeSpec{}, err
		}
		if end.Before(start) {
			return TimeSpec{}, eris.Errorf("answer: time range %q ends before it starts", s)
		}
		return Between(start, end), nil
	}
	t, err := parseDate(s)
	if err != nil {
		return TimeSpec{}, err
	}
	return At(t), nil
}

// String renders t in the form ParseTime accepts.
func (t TimeSpec) String() string {
	switch t.kind() {
	case TimePoint:
		return t.At.Format(time.RFC3339)
	case TimeRange:
		return t.From.Format(time.RFC3339) + "/" + t.To.Format(time.RFC3339)
	case TimeNamed:
		return t.Domain
	}
	return string(t.kind())
}

// MarshalText implements encoding.TextMarshaler.
func (t TimeSpec) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *TimeSpec) UnmarshalText(b []byte) error {
	parsed, err := ParseTime(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

const day = 24 * time.Hour

var periods = map[string]time.Duration{
	"minute":  time.Minute,
	"hour":    time.Hour,
	"day":     day,
	"week":    7 * day,
	"month":   30 * day,
	"quarter": 90 * day,
	"year":    365 * day,
	"decade":  3652*day + 12*time.Hour,
}

// PeriodDuration returns the nominal length of a period name. Plural names
// are accepted.
func PeriodDuration(name string) (time.Duration, bool) {
	d, ok := periods[strings.TrimSuffix(name, "s")]
	return d, ok
}

func isNamedDomain(s string) bool {
	switch s {
	case "current", "last-hour", "last-day", "last-week", "last-month", "last-year":
		return true
	}
	_, ok := strings.CutPrefix(s, "past-")
	return ok
}

// window is a half-open interval [from, to) over raw observation times.
// A zero to leaves the window open-ended.
type window struct {
	from time.Time
	to   time.Time
}

// namedWindow resolves a named domain against now. resolution is the
// source's bucket size, used by "current".
func namedWindow(domain, resolution string, now time.Time) (window, error) {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	switch domain {
	case "current":
		d, ok := PeriodDuration(resolution)
		if !ok {
			return window{}, eris.Errorf("no period for resolution %q", resolution)
		}
		return window{from: now.Add(-d)}, nil
	case "last-hour":
		hour := now.Truncate(time.Hour)
		return window{from: hour.Add(-time.Hour), to: hour}, nil
	case "last-day":
		return window{from: midnight.AddDate(0, 0, -1), to: midnight}, nil
	case "last-week":
		monday := midnight.AddDate(0, 0, -((int(now.Weekday()) + 6) % 7))
		return window{from: monday.AddDate(0, 0, -7), to: monday}, nil
	case "last-month":
		first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
		return window{from: first.AddDate(0, -1, 0), to: first}, nil
	case "last-year":
		jan := time.Date(now.Year(), time.January, 1, 0, 0, 0, 0, now.Location())
		return window{from: jan.AddDate(-1, 0, 0), to: jan}, nil
	}
	if name, ok := strings.CutPrefix(domain, "past-"); ok {
		d, ok := PeriodDuration(name)
		if !ok {
			return window{}, eris.Errorf("unknown period %q", name)
		}
		return window{from: now.Add(-d)}, nil
	}
	return window{}, eris.Errorf("unknown time domain %q", domain)
}
