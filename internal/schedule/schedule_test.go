package schedule_test

import (
	"testing"
	"time"

	"github.com/r3e-network/workflowengine/internal/model"
	"github.com/r3e-network/workflowengine/internal/schedule"
)

func TestTranslateShorthand(t *testing.T) {
	cases := map[string]string{
		"1m": "* * * * *",
		"5m": "*/5 * * * *",
		"1h": "0 * * * *",
		"1d": "0 0 * * *",
	}
	for in, want := range cases {
		if got := schedule.Translate(in); got != want {
			t.Errorf("Translate(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestTranslateSubMinuteCollapsesToEveryMinute(t *testing.T) {
	if got := schedule.Translate("30s"); got != "* * * * *" {
		t.Errorf("expected sub-minute collapse, got %q", got)
	}
}

func TestNextHonorsExplicitCronOverInterval(t *testing.T) {
	spec := model.ScheduleSpec{Interval: "1d", Cron: "*/5 * * * *"}
	after := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	next, err := schedule.Next(spec, after)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if next == nil || next.Sub(after) > 5*time.Minute {
		t.Fatalf("expected the explicit cron to win, got %v", next)
	}
}

func TestNextNilWhenNoSchedule(t *testing.T) {
	next, err := schedule.Next(model.ScheduleSpec{}, time.Now())
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if next != nil {
		t.Fatal("expected nil next occurrence for an empty schedule spec")
	}
}
