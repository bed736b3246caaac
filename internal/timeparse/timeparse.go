// Package timeparse turns the time arguments of chat commands into absolute
// due times.
//
// Accepted forms:
//
//	HH:MM             today, or tomorrow if that minute already passed
//	YYYY-MM-DD HH:MM  an absolute date and time
//	N                 a delay of N minutes
//	1h30m             a Go duration delay
package timeparse

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrFormat = errors.New("unrecognized time format")
	ErrPast   = errors.New("time has already passed")
	ErrEmpty  = errors.New("reminder text is empty")
)

const (
	clockLayout = "15:04"
	dateLayout  = "2006-01-02"
	// MaxDelay caps relative delays.
	MaxDelay = 5 * 365 * 24 * time.Hour
)

// Absolute parses the leading time tokens of fields and returns the due time
// and the remaining text.
func Absolute(fields []string, now time.Time, loc *time.Location) (time.Time, string, error) {
	if loc == nil {
		loc = time.Local
	}
	if len(fields) == 0 {
		return time.Time{}, "", ErrFormat
	}
	now = now.In(loc)

	if clock, err := time.ParseInLocation(clockLayout, fields[0], loc); err == nil && len(fields[0]) == len(clockLayout) {
		due := time.Date(now.Year(), now.Month(), now.Day(), clock.Hour(), clock.Minute(), 0, 0, loc)
		if !due.After(now) {
			due = due.AddDate(0, 0, 1)
		}
		text, err := rest(fields[1:])
		return due, text, err
	}

	if len(fields) < 2 {
		return time.Time{}, "", ErrFormat
	}
	due, err := time.ParseInLocation(dateLayout+" "+clockLayout, fields[0]+" "+fields[1], loc)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: %q", ErrFormat, fields[0]+" "+fields[1])
	}
	if !due.After(now) {
		return time.Time{}, "", ErrPast
	}
	text, err := rest(fields[2:])
	return due, text, err
}

// Delay parses a relative delay: a positive integer number of minutes or a
// Go duration such as "90s" or "1h30m".
func Delay(arg string) (time.Duration, error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return 0, ErrFormat
	}
	var d time.Duration
	if n, err := strconv.Atoi(arg); err == nil {
		if n > int(MaxDelay/time.Minute) {
			return 0, fmt.Errorf("%w: delay too long", ErrFormat)
		}
		d = time.Duration(n) * time.Minute
	} else if d, err = time.ParseDuration(arg); err != nil {
		return 0, fmt.Errorf("%w: %q", ErrFormat, arg)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%w: delay must be positive", ErrFormat)
	}
	if d > MaxDelay {
		return 0, fmt.Errorf("%w: delay too long", ErrFormat)
	}
	return d, nil
}

// Relative parses "<delay> text..." and resolves the delay against now.
func Relative(fields []string, now time.Time) (time.Time, string, error) {
	if len(fields) == 0 {
		return time.Time{}, "", ErrFormat
	}
	d, err := Delay(fields[0])
	if err != nil {
		return time.Time{}, "", err
	}
	text, err := rest(fields[1:])
	return now.Add(d), text, err
}

func rest(fields []string) (string, error) {
	text := strings.TrimSpace(strings.Join(fields, " "))
	if text == "" {
		return "", ErrEmpty
	}
	return text, nil
}
