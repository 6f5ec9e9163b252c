package nlu

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrUnparsableDate is returned for date expressions that name no real calendar day
var ErrUnparsableDate = errors.New("unparsable date expression")

// explicit calendar dates are scheduled at this hour
const defaultEventHour = 9

var (
	numericDate = regexp.MustCompile(`^(\d{1,2})[/-](\d{1,2})[/-](\d{2,4})$`)
	monthDay    = regexp.MustCompile(`^(` + monthNames + `)\s+(\d{1,2})(?:st|nd|rd|th)?$`)
	dayMonth    = regexp.MustCompile(`^(\d{1,2})(?:st|nd|rd|th)?\s+(?:of\s+)?(` + monthNames + `)$`)
)

// ResolveDate turns a date entity into an absolute time relative to now.
// Numeric dates are read month first.
func ResolveDate(expr string, now time.Time) (time.Time, error) {
	expr = strings.ToLower(strings.TrimSpace(expr))
	switch expr {
	case "today":
		return now, nil
	case "tomorrow":
		return now.AddDate(0, 0, 1), nil
	case "next week":
		return now.AddDate(0, 0, 7), nil
	case "next month":
		return now.AddDate(0, 1, 0), nil
	}

	if m := numericDate.FindStringSubmatch(expr); m != nil {
		month, _ := strconv.Atoi(m[1])
		day, _ := strconv.Atoi(m[2])
		year, _ := strconv.Atoi(m[3])
		switch {
		case len(m[3]) == 2:
			year += 2000
		case len(m[3]) != 4:
			return time.Time{}, fmt.Errorf("%w: %q", ErrUnparsableDate, expr)
		}
		return calendarDate(year, month, day, now.Location(), expr)
	}

	if m := monthDay.FindStringSubmatch(expr); m != nil {
		day, _ := strconv.Atoi(m[2])
		return nextOccurrence(monthIndex(m[1]), day, now, expr)
	}
	if m := dayMonth.FindStringSubmatch(expr); m != nil {
		day, _ := strconv.Atoi(m[1])
		return nextOccurrence(monthIndex(m[2]), day, now, expr)
	}

	return time.Time{}, fmt.Errorf("%w: %q", ErrUnparsableDate, expr)
}

// nextOccurrence picks this year's date, or next year's when it has already passed
func nextOccurrence(month, day int, now time.Time, expr string) (time.Time, error) {
	t, err := calendarDate(now.Year(), month, day, now.Location(), expr)
	if err != nil {
		return t, err
	}
	startOfToday := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	if t.Before(startOfToday) {
		return calendarDate(now.Year()+1, month, day, now.Location(), expr)
	}
	return t, nil
}

// calendarDate rejects values that time.Date would silently normalise
func calendarDate(year, month, day int, loc *time.Location, expr string) (time.Time, error) {
	if month < 1 || month > 12 || day < 1 {
		return time.Time{}, fmt.Errorf("%w: %q", ErrUnparsableDate, expr)
	}
	t := time.Date(year, time.Month(month), day, defaultEventHour, 0, 0, 0, loc)
	if t.Day() != day || int(t.Month()) != month {
		return time.Time{}, fmt.Errorf("%w: %q", ErrUnparsableDate, expr)
	}
	return t, nil
}

func monthIndex(name string) int {
	for i, m := range strings.Split(monthNames, "|") {
		if m == name {
			return i + 1
		}
	}
	return 0
}
