package trigger

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	// ErrPastTime rejects one-shot triggers whose instant is not strictly in the future.
	ErrPastTime = errors.New("time is in the past")
	// ErrInvalidCron rejects malformed cron expressions at construction time.
	ErrInvalidCron = errors.New("invalid cron expression")
	// ErrBadInterval rejects non-positive interval periods.
	ErrBadInterval = errors.New("interval must be positive")
)

// Kind tags the closed set of trigger variants. Exactly one variant is
// active per trigger; behavior that differs per variant switches on Kind
// exhaustively.
type Kind int

const (
	OneShot Kind = iota
	Interval
	Cron
)

func (k Kind) String() string {
	switch k {
	case OneShot:
		return "one-shot"
	case Interval:
		return "interval"
	case Cron:
		return "cron"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// parser accepts the classic five-field crontab layout
// (minute, hour, day-of-month, month, day-of-week).
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Trigger describes when a reminder fires. Values are immutable once
// constructed; Next never mutates the receiver.
type Trigger struct {
	kind Kind

	at      time.Time     // OneShot
	firstAt time.Time     // Interval anchor
	every   time.Duration // Interval period
	expr    string        // Cron

	sched cron.Schedule
	loc   *time.Location
}

// NewOneShot builds a trigger that fires exactly once at the given instant.
func NewOneShot(at, now time.Time) (Trigger, error) {
	if !at.After(now) {
		return Trigger{}, fmt.Errorf("%w: %s", ErrPastTime, at.Format(time.RFC3339))
	}
	return Trigger{kind: OneShot, at: at, loc: at.Location()}, nil
}

// NewInterval builds a trigger firing at firstAt, firstAt+every, firstAt+2·every, ...
func NewInterval(firstAt time.Time, every time.Duration) (Trigger, error) {
	if every <= 0 {
		return Trigger{}, fmt.Errorf("%w: %s", ErrBadInterval, every)
	}
	return Trigger{kind: Interval, firstAt: firstAt, every: every, loc: firstAt.Location()}, nil
}

// NewCron builds a trigger from a five-field cron expression evaluated in loc.
func NewCron(expr string, loc *time.Location) (Trigger, error) {
	if loc == nil {
		loc = time.Local
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return Trigger{}, fmt.Errorf("%w: %q: %v", ErrInvalidCron, expr, err)
	}
	return Trigger{kind: Cron, expr: expr, sched: sched, loc: loc}, nil
}

func (t Trigger) Kind() Kind { return t.kind }

// At returns the one-shot instant (zero for other kinds).
func (t Trigger) At() time.Time { return t.at }

// FirstAt returns the interval anchor (zero for other kinds).
func (t Trigger) FirstAt() time.Time { return t.firstAt }

// Every returns the interval period (zero for other kinds).
func (t Trigger) Every() time.Duration { return t.every }

// Expr returns the cron expression (empty for other kinds).
func (t Trigger) Expr() string { return t.expr }

// Location returns the civil timezone the trigger is evaluated in.
func (t Trigger) Location() *time.Location { return t.loc }

// Repeats reports whether the trigger can fire more than once.
func (t Trigger) Repeats() bool { return t.kind != OneShot }

// Next computes the first due instant strictly after now, or ok=false when
// the trigger has no further occurrences (an exhausted one-shot).
func (t Trigger) Next(now time.Time) (next time.Time, ok bool) {
	switch t.kind {
	case OneShot:
		if t.at.After(now) {
			return t.at, true
		}
		return time.Time{}, false
	case Interval:
		if t.firstAt.After(now) {
			return t.firstAt, true
		}
		elapsed := now.Sub(t.firstAt)
		n := elapsed/t.every + 1
		return t.firstAt.Add(n * t.every), true
	case Cron:
		n := t.sched.Next(now.In(t.loc))
		if n.IsZero() {
			return time.Time{}, false
		}
		return n, true
	default:
		return time.Time{}, false
	}
}
