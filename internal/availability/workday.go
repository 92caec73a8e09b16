package availability

import (
	"fmt"
	"time"
)

const DateLayout = "2006-01-02"

// Workday describes business hours in a fixed location.
type Workday struct {
	StartHour int
	EndHour   int
	Location  *time.Location
}

func (w Workday) location() *time.Location {
	if w.Location == nil {
		return time.UTC
	}
	return w.Location
}

// Window returns the working interval for a YYYY-MM-DD date.
func (w Workday) Window(date string) (Interval, error) {
	day, err := time.ParseInLocation(DateLayout, date, w.location())
	if err != nil {
		return Interval{}, fmt.Errorf("parse date %q: %w", date, err)
	}
	return w.WindowFor(day), nil
}

// WindowFor returns the working interval on the calendar day of t, read in
// the workday location.
func (w Workday) WindowFor(t time.Time) Interval {
	loc := w.location()
	t = t.In(loc)
	y, m, d := t.Date()
	return Interval{
		Start: time.Date(y, m, d, w.StartHour, 0, 0, 0, loc),
		End:   time.Date(y, m, d, w.EndHour, 0, 0, 0, loc),
	}
}

// DayBounds returns the whole calendar day for date in the workday location.
func (w Workday) DayBounds(date string) (Interval, error) {
	day, err := time.ParseInLocation(DateLayout, date, w.location())
	if err != nil {
		return Interval{}, fmt.Errorf("parse date %q: %w", date, err)
	}
	return Interval{Start: day, End: day.AddDate(0, 0, 1)}, nil
}
