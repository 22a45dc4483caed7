package clinic

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// Clock is a time of day in whole minutes since midnight.
type Clock int

const (
	minutesPerDay = 24 * 60
	microsPerMin  = int64(time.Minute / time.Microsecond)
)

// EndOfDay is 24:00. It is only valid as the end of a schedule interval.
const EndOfDay = Clock(minutesPerDay)

func NewClock(hour, minute int) Clock {
	return Clock(hour*60 + minute)
}

// ParseClock accepts "15:04" or "15:04:05"; seconds are dropped. "24:00"
// parses to EndOfDay.
func ParseClock(s string) (Clock, error) {
	if s == "24:00" || s == "24:00:00" {
		return EndOfDay, nil
	}
	for _, layout := range []string{"15:04", "15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return NewClock(t.Hour(), t.Minute()), nil
		}
	}
	return 0, fmt.Errorf("invalid time of day %q, want HH:MM", s)
}

// ClockOf returns the time of day of t in t's location.
func ClockOf(t time.Time) Clock {
	return NewClock(t.Hour(), t.Minute())
}

func (c Clock) Hour() int   { return int(c) / 60 }
func (c Clock) Minute() int { return int(c) % 60 }

func (c Clock) Add(d time.Duration) Clock {
	return c + Clock(d/time.Minute)
}

func (c Clock) Valid() bool {
	return c >= 0 && c < minutesPerDay
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour(), c.Minute())
}

// On places the clock on the calendar day of date.
func (c Clock) On(date time.Time) time.Time {
	y, m, d := date.Date()
	return time.Date(y, m, d, c.Hour(), c.Minute(), 0, 0, date.Location())
}

func (c Clock) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Clock) UnmarshalText(b []byte) error {
	v, err := ParseClock(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// PgTime converts to the pgx TIME representation.
func (c Clock) PgTime() pgtype.Time {
	return pgtype.Time{Microseconds: int64(c) * microsPerMin, Valid: true}
}

func ClockFromPg(t pgtype.Time) Clock {
	return Clock(t.Microseconds / microsPerMin)
}

// ISOWeekday maps Monday..Sunday to 1..7.
func ISOWeekday(t time.Time) int {
	wd := int(t.Weekday())
	if wd == 0 {
		return 7
	}
	return wd
}

// DateOf truncates t to midnight in loc.
func DateOf(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

func SameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
