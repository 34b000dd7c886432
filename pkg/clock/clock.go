// Package clock provides the UTC time source and the timestamp text handling
// shared by the queue: ISO 8601 formatting with an explicit offset, and
// localization of naive timestamps through a configured zone.
package clock

import (
	"time"

	"github.com/pkg/errors"
)

// Clock yields the current instant. The queue never calls time.Now directly
// so tests can pin the clock.
type Clock interface {
	Now() time.Time
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }

// UTC is the production clock.
var UTC Clock = utcClock{}

// Fixed returns a clock frozen at t.
func Fixed(t time.Time) Clock { return fixedClock(t.UTC()) }

type fixedClock time.Time

func (c fixedClock) Now() time.Time { return time.Time(c) }

// isoFormat renders UTC instants with a "+00:00" suffix, matching the stored
// record format.
const isoFormat = "2006-01-02T15:04:05.999999-07:00"

// zoned layouts carry an offset; naive layouts do not and are interpreted in
// the caller's local zone.
var (
	zonedLayouts = []string{
		isoFormat,
		time.RFC3339Nano,
		time.RFC3339,
	}
	naiveLayouts = []string{
		"2006-01-02T15:04:05.999999",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05.999999",
		"2006-01-02 15:04:05",
	}
)

// FormatISO renders t as stored: UTC, ISO 8601, explicit offset.
func FormatISO(t time.Time) string {
	return t.UTC().Format(isoFormat)
}

// ParseISO parses an ISO 8601 timestamp. A timestamp without an offset is
// naive: it is localized with loc first. The result is always UTC.
func ParseISO(text string, loc *time.Location) (time.Time, error) {
	for _, layout := range zonedLayouts {
		if t, err := time.Parse(layout, text); err == nil {
			return t.UTC(), nil
		}
	}
	if loc == nil {
		loc = time.Local
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, text, loc); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errors.Errorf("clock: unparseable timestamp %q", text)
}

// ParseISOUTC parses a stored timestamp, which always carries an offset.
func ParseISOUTC(text string) (time.Time, error) {
	return ParseISO(text, time.UTC)
}

// LoadZone resolves a zone name ("America/New_York"). Empty or "Local" means
// the process zone.
func LoadZone(name string) (*time.Location, error) {
	if name == "" || name == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, errors.Wrapf(err, "clock: unknown zone %q", name)
	}
	return loc, nil
}

// Seconds converts a fractional second count into a duration.
func Seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
