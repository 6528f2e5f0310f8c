package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Kind is the normalized kind of a schedule string.
type Kind int

const (
	KindCron Kind = iota
	KindInterval
)

func (k Kind) String() string {
	if k == KindInterval {
		return "interval"
	}
	return "cron"
}

// Trigger is a parsed schedule.
//
// Accepted forms:
//   - cron: "*/5 * * * *", "0 30 2 * * *" (seconds optional), "@hourly", "@every 1m"
//   - Go duration: "10m", "2h30m"
//   - HH:MM interval: "00:50" is every 50 minutes, "02:30" every 2h30m
//
// A "cron:" prefix forces cron, "interval:" or "every:" force an interval.
type Trigger struct {
	Kind   Kind
	Cron   string
	Every  time.Duration
	Source string // cron, duration or hhmm
}

// Spec returns the expression handed to the cron runner.
func (t Trigger) Spec() string {
	if t.Kind == KindInterval {
		return "@every " + t.Every.String()
	}
	return t.Cron
}

var hhmmRe = regexp.MustCompile(`^(\d{1,3}):(\d{2})$`)

// ParseSchedule classifies raw. Cron expressions are not validated here;
// Service.Apply runs them through the cron parser.
func ParseSchedule(raw string) (Trigger, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Trigger{}, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return Trigger{}, fmt.Errorf("cron expression required after 'cron:'")
		}
		return Trigger{Kind: KindCron, Cron: expr, Source: "cron"}, nil
	case strings.HasPrefix(low, "interval:"):
		return parseInterval(s[len("interval:"):])
	case strings.HasPrefix(low, "every:"):
		return parseInterval(s[len("every:"):])
	case strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t"):
		return Trigger{Kind: KindCron, Cron: s, Source: "cron"}, nil
	}

	t, err := parseInterval(s)
	if err != nil {
		return Trigger{}, fmt.Errorf("invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '02:30', or a duration like '10m')", raw)
	}
	return t, nil
}

func parseInterval(v string) (Trigger, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return Trigger{}, fmt.Errorf("interval required")
	}
	if m := hhmmRe.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return Trigger{}, fmt.Errorf("invalid minutes in %q", v)
		}
		d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		if d <= 0 {
			return Trigger{}, fmt.Errorf("interval must be > 0")
		}
		return Trigger{Kind: KindInterval, Every: d, Source: "hhmm"}, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return Trigger{}, fmt.Errorf("invalid interval %q: %w", v, err)
	}
	if d <= 0 {
		return Trigger{}, fmt.Errorf("interval must be > 0")
	}
	return Trigger{Kind: KindInterval, Every: d, Source: "duration"}, nil
}
