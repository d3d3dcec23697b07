package dispatcher

import (
	"fmt"
	"time"

	"github.com/voicepay-hq/voicepay/pkg/models"
)

// advanceNextRun returns the run time following current for the given
// cadence. The result is always strictly after current.
func advanceNextRun(current time.Time, interval models.Interval, intervalMs int64) time.Time {
	switch interval {
	case models.IntervalCustom:
		if intervalMs > 0 {
			return current.Add(time.Duration(intervalMs) * time.Millisecond)
		}
		return current.AddDate(0, 0, 1)
	case models.IntervalWeekly:
		return current.AddDate(0, 0, 7)
	case models.IntervalMonthly:
		return addMonthsClamped(current, 1)
	case models.IntervalYearly:
		return addMonthsClamped(current, 12)
	default:
		// Unknown or empty interval defaults to daily.
		return current.AddDate(0, 0, 1)
	}
}

// addMonthsClamped advances by whole calendar months, clamping the
// day-of-month to the target month's length. Jan 31 advances to Feb 28,
// and from there to Mar 28: the nominal day is not re-anchored.
func addMonthsClamped(t time.Time, months int) time.Time {
	year, month, day := t.Date()
	first := time.Date(year, month, 1, 0, 0, 0, 0, t.Location()).AddDate(0, months, 0)

	last := daysInMonth(first.Year(), first.Month())
	if day > last {
		day = last
	}

	hour, minute, sec := t.Clock()
	return time.Date(first.Year(), first.Month(), day, hour, minute, sec, t.Nanosecond(), t.Location())
}

// daysInMonth returns the number of days in the given month.
func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// combineStartDate builds the initial nextRun from a start date and an
// optional time of day, interpreted in UTC.
func combineStartDate(startDate, timeOfDay string) (time.Time, error) {
	day, err := time.ParseInLocation("2006-01-02", startDate, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid start_date %q: %v", startDate, err)
	}
	if timeOfDay == "" {
		return day, nil
	}

	var tod time.Time
	for _, layout := range []string{"15:04:05", "15:04"} {
		tod, err = time.Parse(layout, timeOfDay)
		if err == nil {
			return day.Add(time.Duration(tod.Hour())*time.Hour +
				time.Duration(tod.Minute())*time.Minute +
				time.Duration(tod.Second())*time.Second), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time_of_day %q", timeOfDay)
}
