// Package timespec turns the CLI's --since/--until values into operation
// action times (Unix milliseconds).
package timespec

import (
	"fmt"
	"strconv"
	"time"
)

// Parse resolves spec against the current time. See ParseAt.
func Parse(spec string) (int64, error) {
	return ParseAt(spec, time.Now())
}

// ParseAt resolves spec to Unix milliseconds. Accepted forms:
//   - a duration looking back from now: "1h", "90s", "2h45m"
//   - an RFC3339 timestamp: "2025-10-29T13:00:00Z"
//   - a raw action time as printed by `tandem ops --output jsonl`: "1761742800000"
func ParseAt(spec string, now time.Time) (int64, error) {
	if spec == "" {
		return 0, fmt.Errorf("empty time specification")
	}

	if ms, err := strconv.ParseInt(spec, 10, 64); err == nil {
		if ms <= 0 {
			return 0, fmt.Errorf("invalid time specification: %s (action times are positive)", spec)
		}
		return ms, nil
	}

	if d, err := time.ParseDuration(spec); err == nil {
		if d < 0 {
			return 0, fmt.Errorf("invalid time specification: %s (durations look back and must be positive)", spec)
		}
		return now.Add(-d).UnixMilli(), nil
	}

	if t, err := time.Parse(time.RFC3339, spec); err == nil {
		return t.UnixMilli(), nil
	}

	return 0, fmt.Errorf("invalid time specification: %s (use '1h30m', '2025-10-29T13:00:00Z' or an action time in ms)", spec)
}

// ParseRange resolves the --since and --until flags against one instant.
// An empty flag yields 0, meaning that end is open.
func ParseRange(since, until string) (sinceMS, untilMS int64, err error) {
	now := time.Now()

	if since != "" {
		if sinceMS, err = ParseAt(since, now); err != nil {
			return 0, 0, fmt.Errorf("invalid --since: %w", err)
		}
	}
	if until != "" {
		if untilMS, err = ParseAt(until, now); err != nil {
			return 0, 0, fmt.Errorf("invalid --until: %w", err)
		}
	}

	if sinceMS > 0 && untilMS > 0 && sinceMS >= untilMS {
		return 0, 0, fmt.Errorf("--since must be before --until")
	}
	return sinceMS, untilMS, nil
}
