package calendar

import (
	"context"
	"testing"
	"time"
)

func TestBlockingEventWindow(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	eventAt := func(offset time.Duration) []Event {
		return []Event{{Name: "CPI", Impact: "HIGH", Time: now.Add(offset)}}
	}

	cases := []struct {
		name     string
		offset   time.Duration
		blocking bool
	}{
		{"29min before release", 29 * time.Minute, true},
		{"exactly 30min before", 30 * time.Minute, true},
		{"31min before release", 31 * time.Minute, false},
		{"at release", 0, true},
		{"59min after release", -59 * time.Minute, true},
		{"exactly 60min after", -60 * time.Minute, true},
		{"61min after release", -61 * time.Minute, false},
	}
	for _, tc := range cases {
		got := blockingEvent(eventAt(tc.offset), now)
		if (got != nil) != tc.blocking {
			t.Errorf("%s: blocking = %v, want %v", tc.name, got != nil, tc.blocking)
		}
	}
}

func TestLowImpactEventsIgnored(t *testing.T) {
	now := time.Now()
	provider := &StaticProvider{
		Events: []Event{
			{Name: "Minor Release", Impact: "LOW", Time: now.Add(10 * time.Minute)},
			{Name: "Medium Release", Impact: "MEDIUM", Time: now},
		},
	}
	ev, err := provider.UpcomingHighImpactEvent(context.Background())
	if err != nil {
		t.Fatalf("UpcomingHighImpactEvent failed: %v", err)
	}
	if ev != nil {
		t.Errorf("non-HIGH events must not gate trading, got %q", ev.Name)
	}
}
