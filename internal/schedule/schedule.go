// Package schedule defines when recurring work runs. A Schedule is one of
// three kinds: a cron expression, a fixed repeat interval or a single
// instant. Schedules round-trip through a compact JSON form so digest
// configuration and persisted state share one format.
package schedule

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

const (
	KindCron     = "cron"
	KindInterval = "interval"
	KindOnce     = "once"
)

// Schedule is a value type. Construct with Cron, Interval or Once, or
// Parse a JSON/cron string. The zero value is invalid.
type Schedule struct {
	Kind  string
	Expr  string        // cron expression, Kind == KindCron
	Every time.Duration // repeat interval, Kind == KindInterval
	At    time.Time     // firing instant, Kind == KindOnce
}

func Cron(expr string) Schedule { return Schedule{Kind: KindCron, Expr: expr} }

func Interval(every time.Duration) Schedule { return Schedule{Kind: KindInterval, Every: every} }

func Once(at time.Time) Schedule { return Schedule{Kind: KindOnce, At: at} }

// Parse accepts either the JSON form or a bare cron expression and returns
// a validated schedule.
func Parse(raw string) (Schedule, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "{") {
		var s Schedule
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return Schedule{}, fmt.Errorf("parse schedule: %w", err)
		}
		return s, s.Validate()
	}
	s := Cron(raw)
	return s, s.Validate()
}

func (s Schedule) Validate() error {
	switch s.Kind {
	case KindCron:
		if !gronx.New().IsValid(s.Expr) {
			return fmt.Errorf("invalid cron expression %q", s.Expr)
		}
	case KindInterval:
		if s.Every <= 0 {
			return errors.New("interval must be positive")
		}
	case KindOnce:
		if s.At.IsZero() {
			return errors.New("once schedule needs an instant")
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
	return nil
}

// NextRun returns the first run strictly after the given instant. ok is
// false when the schedule has nothing left to do: a once that already
// fired, or an invalid schedule.
func (s Schedule) NextRun(after time.Time) (next time.Time, ok bool) {
	switch s.Kind {
	case KindCron:
		next, err := gronx.NextTickAfter(s.Expr, after, false)
		if err != nil {
			return time.Time{}, false
		}
		return next, true
	case KindInterval:
		if s.Every <= 0 {
			return time.Time{}, false
		}
		return after.Add(s.Every), true
	case KindOnce:
		if s.At.After(after) {
			return s.At, true
		}
		return time.Time{}, false
	}
	return time.Time{}, false
}

// String gives a short human description for logs and the status API.
func (s Schedule) String() string {
	switch s.Kind {
	case KindCron:
		return "cron " + s.Expr
	case KindInterval:
		return "every " + s.Every.String()
	case KindOnce:
		return "once at " + s.At.Format(time.RFC3339)
	}
	return "invalid schedule"
}

// wire is the JSON form: durations and instants as integer milliseconds,
// stable across languages.
type wire struct {
	Kind    string `json:"kind"`
	Expr    string `json:"expr,omitempty"`
	EveryMs int64  `json:"every_ms,omitempty"`
	AtMs    int64  `json:"at_ms,omitempty"`
}

func (s Schedule) MarshalJSON() ([]byte, error) {
	w := wire{Kind: s.Kind, Expr: s.Expr}
	if s.Every > 0 {
		w.EveryMs = s.Every.Milliseconds()
	}
	if !s.At.IsZero() {
		w.AtMs = s.At.UnixMilli()
	}
	return json.Marshal(w)
}

func (s *Schedule) UnmarshalJSON(data []byte) error {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	s.Kind = w.Kind
	s.Expr = w.Expr
	s.Every = time.Duration(w.EveryMs) * time.Millisecond
	if w.AtMs > 0 {
		s.At = time.UnixMilli(w.AtMs)
	} else {
		s.At = time.Time{}
	}
	return nil
}
