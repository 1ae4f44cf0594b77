package runner

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	cadenceParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	reHHMM        = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)
)

// ParseCadence turns a sweep cadence into a cron.Schedule.
//
// Accepted forms:
//   - Cron, with optional seconds: "*/30 * * * * *", "0 */5 * * * *", "@hourly", "@every 60s"
//   - Go duration: "30s", "5m"
//   - HH:MM interval: "00:05" (five minutes)
//   - Explicit prefixes "cron:" and "interval:"
func ParseCadence(raw string) (cron.Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, fmt.Errorf("cadence required")
	}
	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return parseCron(strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "interval:"):
		d, err := parseInterval(strings.TrimSpace(s[len("interval:"):]))
		if err != nil {
			return nil, err
		}
		return cron.Every(d), nil
	case strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t"):
		return parseCron(s)
	}
	d, err := parseInterval(s)
	if err != nil {
		return nil, fmt.Errorf("invalid cadence %q (use cron like '@every 30s', HH:MM like '00:05', or a duration like '30s')", raw)
	}
	return cron.Every(d), nil
}

func parseCron(expr string) (cron.Schedule, error) {
	if expr == "" {
		return nil, fmt.Errorf("cron expression required")
	}
	sch, err := cadenceParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return sch, nil
}

func parseInterval(v string) (time.Duration, error) {
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return 0, fmt.Errorf("invalid minutes in %q", v)
		}
		d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		if d <= 0 {
			return 0, fmt.Errorf("interval must be > 0")
		}
		return d, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q", v)
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}
