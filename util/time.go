package util

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SlotDuration is the width of one polling / accrual slot.
const SlotDuration = 15 * time.Minute

// MustParseDuration converts a config string into a duration, panicking on bad input
func MustParseDuration(s string) time.Duration {
	value, err := time.ParseDuration(s)
	if err != nil {
		panic("Can't parse duration `" + s + "`: " + err.Error())
	}
	return value
}

// SlotStart returns the start of the slot containing t, in UTC.
// Truncate works on absolute time, so every instance agrees on the grid.
func SlotStart(t time.Time) time.Time {
	return t.UTC().Truncate(SlotDuration)
}

// SlotHours is the billable amount credited for one online slot.
func SlotHours() float64 {
	return SlotDuration.Hours()
}

// ParseClock parses "HH:MM" into hour and minute.
func ParseClock(s string) (int, int, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid clock %q, want HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
