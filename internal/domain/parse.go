package domain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrUnknownDay  = errors.New("unknown day name")
	ErrInvalidTime = errors.New("invalid time of day")
)

// dayNames maps Spanish day names to 0=Monday..6=Sunday. Accent-less
// variants are accepted because phone keyboards often drop them.
var dayNames = map[string]int{
	"lunes":     0,
	"martes":    1,
	"miércoles": 2,
	"miercoles": 2,
	"jueves":    3,
	"viernes":   4,
	"sábado":    5,
	"sabado":    5,
	"domingo":   6,
}

// spanishDays gives the display name for a stored day-of-week value.
var spanishDays = [7]string{"Lunes", "Martes", "Miércoles", "Jueves", "Viernes", "Sábado", "Domingo"}

// ParseDay translates a free-text day name into a day-of-week value.
func ParseDay(s string) (int, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	d, ok := dayNames[key]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownDay, s)
	}
	return d, nil
}

// DayName returns the Spanish name for a day-of-week value.
func DayName(dayOfWeek int) string {
	if dayOfWeek < 0 || dayOfWeek > 6 {
		return "día desconocido"
	}
	return spanishDays[dayOfWeek]
}

// ParseTimeOfDay parses "HH:MM" (canonical) or a bare hour "HH" into
// hour/minute. A bare hour implies minute zero.
func ParseTimeOfDay(s string) (hour, minute int, err error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, 0, fmt.Errorf("%w: empty", ErrInvalidTime)
	}

	var hs, ms string
	if i := strings.IndexByte(s, ':'); i >= 0 {
		hs, ms = s[:i], s[i+1:]
	} else {
		hs, ms = s, "0"
	}

	hour, err = strconv.Atoi(hs)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("%w: hour %q", ErrInvalidTime, hs)
	}
	minute, err = strconv.Atoi(ms)
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("%w: minute %q", ErrInvalidTime, ms)
	}
	return hour, minute, nil
}

// FormatTimeOfDay renders hour/minute as HH:MM.
func FormatTimeOfDay(hour, minute int) string {
	return fmt.Sprintf("%02d:%02d", hour, minute)
}
