// Package schedule implements the two recurring-schedule forms a task may
// carry: a fixed interval ("every N seconds") and a five-field cron
// expression. Both round-trip through their text form bit-exactly, since the
// text is what gets stored in the task record.
package schedule

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
)

// Spec is a recurring schedule. IsDue reports whether the next fire relative
// to ref has arrived at now, and how many seconds remain until it.
type Spec interface {
	IsDue(ref, now time.Time) (due bool, remaining float64)
	String() string
}

var intervalPattern = regexp.MustCompile(`^every\s*(\d+\.?\d*|\d*\.?\d+)\s*seconds?$`)

// cronParser accepts the classic five fields: minute, hour, day of month,
// month, day of week.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Parse reads a schedule from its stored text form.
func Parse(text string) (Spec, error) {
	text = strings.TrimSpace(text)
	if m := intervalPattern.FindStringSubmatch(text); m != nil {
		seconds, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return nil, errors.Wrapf(err, "schedule: bad interval %q", text)
		}
		return Every(seconds), nil
	}
	fields := strings.Fields(text)
	if len(fields) != 5 {
		return nil, errors.Errorf("schedule: %q is neither an interval nor a 5-field cron expression", text)
	}
	return NewCron(fields[0], fields[1], fields[2], fields[3], fields[4])
}

// Interval fires every Seconds seconds after the reference time.
type Interval struct {
	Seconds float64
}

// Every builds an interval schedule.
func Every(seconds float64) Interval {
	return Interval{Seconds: seconds}
}

func (iv Interval) IsDue(ref, now time.Time) (bool, float64) {
	next := ref.Add(time.Duration(iv.Seconds * float64(time.Second)))
	if !next.After(now) {
		return true, 0
	}
	return false, next.Sub(now).Seconds()
}

func (iv Interval) String() string {
	return "every " + strconv.FormatFloat(iv.Seconds, 'f', -1, 64) + " seconds"
}

// Cron fires on a classic five-field cron expression. The original field
// strings are retained so the stored form survives a round trip.
type Cron struct {
	minute      string
	hour        string
	dayOfMonth  string
	monthOfYear string
	dayOfWeek   string
	sched       cron.Schedule
}

// NewCron builds a cron schedule from its five fields.
func NewCron(minute, hour, dayOfMonth, monthOfYear, dayOfWeek string) (*Cron, error) {
	expr := strings.Join([]string{minute, hour, dayOfMonth, monthOfYear, dayOfWeek}, " ")
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, errors.Wrapf(err, "schedule: bad cron expression %q", expr)
	}
	return &Cron{
		minute:      minute,
		hour:        hour,
		dayOfMonth:  dayOfMonth,
		monthOfYear: monthOfYear,
		dayOfWeek:   dayOfWeek,
		sched:       sched,
	}, nil
}

func (c *Cron) IsDue(ref, now time.Time) (bool, float64) {
	next := c.sched.Next(ref)
	return !now.Before(next), next.Sub(now).Seconds()
}

func (c *Cron) String() string {
	return strings.Join([]string{
		c.minute, c.hour, c.dayOfMonth, c.monthOfYear, c.dayOfWeek}, " ")
}
