// Package timezone converts event timestamps between canonical UTC storage
// and the user's display timezone. It is applied once, at the API edge.
package timezone

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sekia-ai/calhub/internal/model"
)

// DateLayout is the wire form of all-day values.
const DateLayout = "2006-01-02"

// naiveLayouts are wall-clock forms interpreted in the display location.
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04",
}

// LoadLocation resolves an IANA zone name. Empty means UTC.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, model.Invalid("unknown timezone %q", name)
	}
	return loc, nil
}

// ToDisplay renders an instant as RFC3339 in loc.
func ToDisplay(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(time.RFC3339Nano)
}

// ToUTC parses a display timestamp. Strings with an explicit offset keep it;
// wall-clock strings are interpreted in loc.
func ToUTC(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", model.ErrInvalidTimestamp, s)
}

// DateToDisplay renders an all-day value. No zone conversion is applied.
func DateToDisplay(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

// DateToUTC parses an all-day value into UTC midnight of that date.
func DateToUTC(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", model.ErrInvalidTimestamp, s)
	}
	return t, nil
}

// IsDate reports whether s is a date-only value.
func IsDate(s string) bool {
	_, err := time.Parse(DateLayout, strings.TrimSpace(s))
	return err == nil
}

// Parse accepts either a date-only or a timestamp value and reports which.
func Parse(s string, loc *time.Location) (t time.Time, allDay bool, err error) {
	if IsDate(s) {
		t, err = DateToUTC(s)
		return t, true, err
	}
	t, err = ToUTC(s, loc)
	return t, false, err
}

// Format renders a stored value for display, honouring all-day semantics.
func Format(t time.Time, allDay bool, loc *time.Location) string {
	if allDay {
		return DateToDisplay(t)
	}
	return ToDisplay(t, loc)
}

// Zone holds the configured display location. Safe for concurrent use;
// config reloads swap it in place.
type Zone struct {
	loc atomic.Pointer[time.Location]
}

// NewZone returns a Zone set to loc (UTC when nil).
func NewZone(loc *time.Location) *Zone {
	z := &Zone{}
	z.Set(loc)
	return z
}

// Location returns the current display location.
func (z *Zone) Location() *time.Location {
	return z.loc.Load()
}

// Set replaces the display location.
func (z *Zone) Set(loc *time.Location) {
	if loc == nil {
		loc = time.UTC
	}
	z.loc.Store(loc)
}
