package reminder

import (
	"time"

	"remindbot/internal/trigger"
)

// Reminder is a live scheduled notification. It owns exactly one timer
// engine job (MainJobID) and, while escalating, a second one (AlarmJobID).
//
// All field mutation happens under the Manager's mutex.
type Reminder struct {
	RoomID     string
	Text       string // original casing, preserved for display
	Trigger    trigger.Trigger
	Timezone   string
	TargetUser string // empty means notify the whole room
	HasAlarm   bool

	MainJobID  string
	AlarmJobID string // set iff an alarm is currently escalating
}

// Snapshot is a read-only view of a reminder for listing.
type Snapshot struct {
	Text       string
	Kind       trigger.Kind
	At         time.Time     // one-shot instant (zero otherwise)
	Every      time.Duration // interval period (zero otherwise)
	CronExpr   string        // cron expression (empty otherwise)
	Timezone   string
	TargetUser string
	HasAlarm   bool
	NextRun    time.Time // next due instant, zero if unknown
	Alarming   bool      // an alarm is currently escalating
}
