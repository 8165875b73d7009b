// Package registry indexes live reminders and live alarm jobs by their
// room + normalized-text key. It is plain dictionary state; the invariant
// that an entry exists iff a corresponding timer job is active is owned by
// the reminder manager, which serializes every mutation.
package registry

import (
	"strings"
	"sync"
)

// Key identifies a reminder within a room. Text comparison is
// case-insensitive; NewKey normalizes it.
type Key struct {
	RoomID string
	Text   string
}

func NewKey(roomID, text string) Key {
	return Key{RoomID: roomID, Text: strings.ToUpper(text)}
}

// Registry holds the two process-wide indices: live reminders and live
// alarm job ids. R is the reminder type; the registry never inspects it.
type Registry[R any] struct {
	mu        sync.RWMutex
	reminders map[Key]R
	alarms    map[Key]string
}

func New[R any]() *Registry[R] {
	return &Registry[R]{
		reminders: map[Key]R{},
		alarms:    map[Key]string{},
	}
}

// Reminder looks up the live reminder for k.
func (r *Registry[R]) Reminder(k Key) (R, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.reminders[k]
	return v, ok
}

// PutReminder inserts v if k is absent and reports whether it inserted.
func (r *Registry[R]) PutReminder(k Key, v R) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.reminders[k]; ok {
		return false
	}
	r.reminders[k] = v
	return true
}

func (r *Registry[R]) RemoveReminder(k Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.reminders, k)
}

// AlarmJob looks up the live alarm job id for k.
func (r *Registry[R]) AlarmJob(k Key) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.alarms[k]
	return id, ok
}

// PutAlarmJob inserts jobID if k has no alarm yet and reports whether it
// inserted.
func (r *Registry[R]) PutAlarmJob(k Key, jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.alarms[k]; ok {
		return false
	}
	r.alarms[k] = jobID
	return true
}

// RemoveAlarmJob removes and returns the alarm job id for k.
func (r *Registry[R]) RemoveAlarmJob(k Key) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.alarms[k]
	if ok {
		delete(r.alarms, k)
	}
	return id, ok
}

// RoomReminders snapshots all live reminders for a room.
func (r *Registry[R]) RoomReminders(roomID string) []R {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []R
	for k, v := range r.reminders {
		if k.RoomID == roomID {
			out = append(out, v)
		}
	}
	return out
}

// FirstRoomAlarm returns some alarm currently registered for the room.
// "First" is map iteration order: unordered and best-effort, which is the
// documented behavior when several alarms ring in one room at once.
func (r *Registry[R]) FirstRoomAlarm(roomID string) (Key, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for k, id := range r.alarms {
		if k.RoomID == roomID {
			return k, id, true
		}
	}
	return Key{}, "", false
}

// Len returns the number of live reminders.
func (r *Registry[R]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.reminders)
}
