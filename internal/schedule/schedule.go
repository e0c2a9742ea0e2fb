// Package schedule translates the engine's interval shorthand into cron
// expressions and computes next-occurrence times (spec §8 schedule
// shorthand rules), shared by internal/scheduler (workflow-level cadence)
// and internal/session (per-producer frequency within a run plan).
package schedule

import (
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/r3e-network/workflowengine/internal/model"
	"github.com/r3e-network/workflowengine/internal/taxonomy"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Translate converts an interval shorthand into its cron equivalent.
// Shorthand not recognized here (an explicit cron string, or anything
// internal/policy didn't reject) passes through unchanged.
func Translate(shorthand string) string {
	switch shorthand {
	case "1m":
		return "* * * * *"
	case "5m":
		return "*/5 * * * *"
	case "1h":
		return "0 * * * *"
	case "1d":
		return "0 0 * * *"
	}
	if d, err := time.ParseDuration(shorthand); err == nil && d > 0 && d < time.Minute {
		return "* * * * *"
	}
	return shorthand
}

// Expr returns the cron expression for a ScheduleSpec, preferring an
// explicit Cron field over Interval shorthand translation.
func Expr(spec model.ScheduleSpec) string {
	if spec.Cron != "" {
		return spec.Cron
	}
	return Translate(spec.Interval)
}

// Next returns the next occurrence of spec strictly after 'after', or nil
// if spec has no schedule at all.
func Next(spec model.ScheduleSpec, after time.Time) (*time.Time, error) {
	expr := strings.TrimSpace(Expr(spec))
	if expr == "" {
		return nil, nil
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, taxonomy.Wrap(taxonomy.Logic, err, "parse schedule expression")
	}
	next := sched.Next(after)
	return &next, nil
}
