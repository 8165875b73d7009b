package command

import (
	"errors"
	"testing"
	"time"

	"remindbot/internal/trigger"
)

func TestParseTriggerOneShot(t *testing.T) {
	t.Parallel()
	berlin, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Fatalf("LoadLocation: %v", err)
	}
	now := time.Date(2026, 1, 2, 12, 0, 0, 0, berlin)

	tests := []struct {
		name string
		args string
		at   time.Time
		text string
	}{
		{name: "duration", args: "10m; drink tea", at: now.Add(10 * time.Minute), text: "drink tea"},
		{name: "in prefix", args: "in 2h30m; stand up", at: now.Add(2*time.Hour + 30*time.Minute), text: "stand up"},
		{name: "hhmm later today", args: "18:30; dinner", at: time.Date(2026, 1, 2, 18, 30, 0, 0, berlin), text: "dinner"},
		{name: "hhmm already passed rolls over", args: "08:00; breakfast", at: time.Date(2026, 1, 3, 8, 0, 0, 0, berlin), text: "breakfast"},
		{name: "full date", args: "2026-03-01 09:15; dentist", at: time.Date(2026, 3, 1, 9, 15, 0, 0, berlin), text: "dentist"},
		{name: "semicolon in text", args: "10m; do this; then that", at: now.Add(10 * time.Minute), text: "do this; then that"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			tr, text, err := ParseTrigger(tt.args, now, berlin)
			if err != nil {
				t.Fatalf("ParseTrigger(%q) error: %v", tt.args, err)
			}
			if tr.Kind() != trigger.OneShot {
				t.Fatalf("Kind = %v, want one-shot", tr.Kind())
			}
			if !tr.At().Equal(tt.at) {
				t.Fatalf("At = %v, want %v", tr.At(), tt.at)
			}
			if text != tt.text {
				t.Fatalf("text = %q, want %q", text, tt.text)
			}
		})
	}
}

func TestParseTriggerDurationAnchorsInLocation(t *testing.T) {
	t.Parallel()
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		t.Fatalf("LoadLocation: %v", err)
	}
	now := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)

	tr, _, err := ParseTrigger("10m; tea", now, tokyo)
	if err != nil {
		t.Fatalf("ParseTrigger error: %v", err)
	}
	// Same instant, but carried in the configured zone so the wall-clock
	// form persists and reloads without shifting.
	if at := tr.At(); !at.Equal(now.Add(10*time.Minute)) || at.Location() != tokyo {
		t.Fatalf("At = %v (%v), want instant %v in %v", at, at.Location(), now.Add(10*time.Minute), tokyo)
	}
}

func TestParseTriggerEvery(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)

	tr, text, err := ParseTrigger("every 1h; 10m; hydrate", now, time.UTC)
	if err != nil {
		t.Fatalf("ParseTrigger error: %v", err)
	}
	if tr.Kind() != trigger.Interval {
		t.Fatalf("Kind = %v, want interval", tr.Kind())
	}
	if tr.Every() != time.Hour {
		t.Fatalf("Every = %v, want 1h", tr.Every())
	}
	if want := now.Add(10 * time.Minute); !tr.FirstAt().Equal(want) {
		t.Fatalf("FirstAt = %v, want %v", tr.FirstAt(), want)
	}
	if text != "hydrate" {
		t.Fatalf("text = %q, want hydrate", text)
	}
}

func TestParseTriggerCron(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)

	tr, text, err := ParseTrigger("cron 0 9 * * 1-5; standup", now, time.UTC)
	if err != nil {
		t.Fatalf("ParseTrigger error: %v", err)
	}
	if tr.Kind() != trigger.Cron {
		t.Fatalf("Kind = %v, want cron", tr.Kind())
	}
	if tr.Expr() != "0 9 * * 1-5" {
		t.Fatalf("Expr = %q", tr.Expr())
	}
	if text != "standup" {
		t.Fatalf("text = %q, want standup", text)
	}
}

func TestParseTriggerErrors(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		args string
		want error
	}{
		{name: "missing semicolon", args: "10m drink tea", want: ErrSyntax},
		{name: "empty text", args: "10m; ", want: ErrSyntax},
		{name: "unparseable time", args: "soonish; tea", want: ErrSyntax},
		{name: "negative duration", args: "-10m; tea", want: ErrSyntax},
		{name: "past date", args: "2020-01-01 00:00; tea", want: trigger.ErrPastTime},
		{name: "every bad duration", args: "every nope; 10m; tea", want: ErrSyntax},
		{name: "every sub-second", args: "every 500ms; 10m; tea", want: ErrSyntax},
		{name: "every missing start", args: "every 1h; tea", want: ErrSyntax},
		{name: "bad cron", args: "cron 9 * *; tea", want: trigger.ErrInvalidCron},
		{name: "cron without text", args: "cron 0 9 * * *;", want: ErrSyntax},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ParseTrigger(tt.args, now, time.UTC)
			if !errors.Is(err, tt.want) {
				t.Fatalf("ParseTrigger(%q) error = %v, want %v", tt.args, err, tt.want)
			}
		})
	}
}
