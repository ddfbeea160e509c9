package periodic

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Spec is a parsed schedule: either a cron expression or a fixed interval.
type Spec struct {
	Cron  string
	Every time.Duration
}

func (s Spec) IsInterval() bool { return s.Every > 0 }

func (s Spec) String() string {
	if s.IsInterval() {
		return "@every " + s.Every.String()
	}
	return s.Cron
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseSpec accepts cron ("*/5 * * * *", "@daily"), "@every 10m", a Go
// duration ("10m") or HH:MM as an interval ("02:30").
func ParseSpec(raw string) (Spec, error) {
	s := strings.TrimSpace(raw)
	switch {
	case s == "":
		return Spec{}, fmt.Errorf("schedule required")
	case strings.HasPrefix(s, "@every "):
		d, err := parseInterval(strings.TrimSpace(s[len("@every "):]))
		return Spec{Every: d}, err
	case strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t"):
		return Spec{Cron: s}, nil
	}
	d, err := parseInterval(s)
	if err != nil {
		return Spec{}, fmt.Errorf("invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '02:30', or duration like '10m')", raw)
	}
	return Spec{Every: d}, nil
}

func parseInterval(v string) (time.Duration, error) {
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return 0, fmt.Errorf("invalid minutes in %q", v)
		}
		v = (time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute).String()
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
