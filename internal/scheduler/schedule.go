package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule is a parsed job schedule: a standard 5-field cron expression, a
// descriptor such as @daily, optionally prefixed with CRON_TZ=<zone>.
type Schedule struct {
	Source string
	sched  cron.Schedule
}

// ParseSchedule parses expr. @every is rejected: jobs fire on minute
// boundaries, not on intervals from process start.
func ParseSchedule(expr string) (*Schedule, error) {
	spec := strings.TrimSpace(expr)
	if spec == "" {
		return nil, errors.New("empty schedule")
	}
	if strings.HasPrefix(spec, "@") {
		spec = strings.ToLower(spec)
		if strings.HasPrefix(spec, "@every") {
			return nil, fmt.Errorf("schedule %q: @every is not supported", expr)
		}
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("schedule %q: %w", expr, err)
	}
	return &Schedule{Source: expr, sched: sched}, nil
}

func (s *Schedule) String() string { return s.Source }

// Next is the first activation strictly after t.
func (s *Schedule) Next(t time.Time) time.Time { return s.sched.Next(t) }

// Matches reports whether the schedule fires in the minute containing t.
func (s *Schedule) Matches(t time.Time) bool {
	minute := t.Truncate(time.Minute)
	return s.sched.Next(minute.Add(-time.Second)).Equal(minute)
}
