// Package schedule parses objective schedules and computes run times.
// Three forms are accepted: a cron expression, "@every <duration>" for fixed
// intervals, and "@at <RFC3339>" for a one-shot run.
package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

var (
	ErrInvalidSchedule = errors.New("invalid schedule")
	// ErrExhausted means a one-shot schedule has already fired.
	ErrExhausted = errors.New("schedule exhausted")
)

type Kind string

const (
	KindCron     Kind = "cron"
	KindInterval Kind = "interval"
	KindOnce     Kind = "once"
)

type Schedule struct {
	Kind     Kind
	Expr     string
	Interval time.Duration
	At       time.Time
}

// Parse validates a schedule expression and classifies it.
func Parse(expr string) (Schedule, error) {
	expr = strings.TrimSpace(expr)
	switch {
	case strings.HasPrefix(expr, "@every "):
		d, err := time.ParseDuration(strings.TrimSpace(strings.TrimPrefix(expr, "@every ")))
		if err != nil {
			return Schedule{}, fmt.Errorf("%w: %q: %v", ErrInvalidSchedule, expr, err)
		}
		if d <= 0 {
			return Schedule{}, fmt.Errorf("%w: interval must be positive", ErrInvalidSchedule)
		}
		return Schedule{Kind: KindInterval, Expr: expr, Interval: d}, nil

	case strings.HasPrefix(expr, "@at "):
		at, err := time.Parse(time.RFC3339, strings.TrimSpace(strings.TrimPrefix(expr, "@at ")))
		if err != nil {
			return Schedule{}, fmt.Errorf("%w: %q: %v", ErrInvalidSchedule, expr, err)
		}
		return Schedule{Kind: KindOnce, Expr: expr, At: at}, nil

	default:
		if !gronx.New().IsValid(expr) {
			return Schedule{}, fmt.Errorf("%w: %q is not a cron expression", ErrInvalidSchedule, expr)
		}
		return Schedule{Kind: KindCron, Expr: expr}, nil
	}
}

// NextRun computes the first run strictly after the reference time.
func (s Schedule) NextRun(after time.Time) (time.Time, error) {
	switch s.Kind {
	case KindCron:
		next, err := gronx.NextTickAfter(s.Expr, after, false)
		if err != nil {
			return time.Time{}, fmt.Errorf("next cron tick: %w", err)
		}
		return next, nil
	case KindInterval:
		return after.Add(s.Interval), nil
	case KindOnce:
		if after.Before(s.At) {
			return s.At, nil
		}
		return time.Time{}, ErrExhausted
	default:
		return time.Time{}, fmt.Errorf("%w: kind %q", ErrInvalidSchedule, s.Kind)
	}
}
