package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseDuration extends time.ParseDuration with the day/week units the
// CLI's human-readable expiration flag needs ("1 day", "2 weeks"),
// falling back to the standard parser for anything it doesn't
// recognize ("90m", "1h30m").
func ParseDuration(s string) (time.Duration, error) {
	trimmed := strings.TrimSpace(s)
	if d, err := time.ParseDuration(strings.ReplaceAll(trimmed, " ", "")); err == nil {
		return d, nil
	}

	fields := strings.Fields(trimmed)
	if len(fields) != 2 {
		return 0, fmt.Errorf("unrecognized duration %q", s)
	}
	n, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, fmt.Errorf("unrecognized duration %q: %w", s, err)
	}

	var unit time.Duration
	switch strings.ToLower(strings.TrimSuffix(fields[1], "s")) {
	case "second", "sec":
		unit = time.Second
	case "minute", "min":
		unit = time.Minute
	case "hour", "hr":
		unit = time.Hour
	case "day":
		unit = 24 * time.Hour
	case "week":
		unit = 7 * 24 * time.Hour
	default:
		return 0, fmt.Errorf("unrecognized duration unit in %q", s)
	}
	return time.Duration(n * float64(unit)), nil
}
