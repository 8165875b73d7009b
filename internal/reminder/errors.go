package reminder

import "errors"

var (
	// ErrDuplicate means a live reminder with the same room and
	// (case-insensitive) text already exists.
	ErrDuplicate = errors.New("a similar reminder already exists")

	// ErrUnknownReminder means no live reminder matched the given key.
	ErrUnknownReminder = errors.New("unknown reminder")

	// ErrUnknownReminderOrAlarm means neither a live reminder nor a live
	// alarm matched the given key.
	ErrUnknownReminderOrAlarm = errors.New("unknown reminder or alarm")

	// ErrStorage wraps store write/delete failures so callers can tell a
	// durability problem from a validation problem.
	ErrStorage = errors.New("storage failure")
)
