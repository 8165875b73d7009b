package reminder

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"remindbot/internal/registry"
	"remindbot/internal/store"
	"remindbot/internal/timer"
	"remindbot/internal/transport"
	"remindbot/internal/trigger"
	"remindbot/pkg/logx"
)

// DefaultAlarmEvery is how often an escalating alarm repeats after the
// reminder it is attached to fires.
const DefaultAlarmEvery = 5 * time.Minute

// Manager owns the reminder lifecycle: create, fire, escalate, silence,
// cancel, and startup recovery. One mutex serializes every mutation of
// registry, store, and job state for a key; notification sends happen
// outside the lock so distinct reminders still fire concurrently.
type Manager struct {
	mu sync.Mutex

	engine *timer.Engine
	reg    *registry.Registry[*Reminder]
	st     *store.Store
	sender transport.Sender
	log    logx.Logger

	alarmEvery  time.Duration
	silenceHint string // user-facing silence command, e.g. "!silence"
}

type ManagerConfig struct {
	AlarmEvery  time.Duration
	SilenceHint string
}

func NewManager(engine *timer.Engine, reg *registry.Registry[*Reminder], st *store.Store, sender transport.Sender, cfg ManagerConfig, log logx.Logger) *Manager {
	if cfg.AlarmEvery <= 0 {
		cfg.AlarmEvery = DefaultAlarmEvery
	}
	if cfg.SilenceHint == "" {
		cfg.SilenceHint = "!silence"
	}
	return &Manager{
		engine:      engine,
		reg:         reg,
		st:          st,
		sender:      sender,
		log:         log,
		alarmEvery:  cfg.AlarmEvery,
		silenceHint: cfg.SilenceHint,
	}
}

// CreateParams carries an already-validated trigger; time-string parsing
// belongs to the command layer, never to the core.
type CreateParams struct {
	RoomID     string
	Text       string
	Trigger    trigger.Trigger
	Timezone   string
	TargetUser string
	HasAlarm   bool
}

// Create schedules, registers, and persists a new reminder. The three
// steps succeed together or are unwound: a reminder that exists in memory
// but not in storage would fire now and vanish on the next restart.
func (m *Manager) Create(ctx context.Context, p CreateParams) (*Reminder, error) {
	key := registry.NewKey(p.RoomID, p.Text)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.reg.Reminder(key); ok {
		return nil, ErrDuplicate
	}

	r := &Reminder{
		RoomID:     p.RoomID,
		Text:       p.Text,
		Trigger:    p.Trigger,
		Timezone:   p.Timezone,
		TargetUser: p.TargetUser,
		HasAlarm:   p.HasAlarm,
	}
	r.MainJobID = m.engine.Schedule(p.Trigger, func(ctx context.Context) { m.fire(ctx, r) })
	m.reg.PutReminder(key, r)

	if err := m.st.InsertReminder(ctx, rowFromReminder(r)); err != nil {
		m.engine.Cancel(r.MainJobID)
		m.reg.RemoveReminder(key)
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	m.log.Info("reminder created",
		logx.String("room", r.RoomID),
		logx.String("trigger", r.Trigger.Kind().String()),
		logx.Bool("alarm", r.HasAlarm))
	return r, nil
}

// Cancel removes a reminder and any escalating alarm it owns.
func (m *Manager) Cancel(ctx context.Context, roomID, text string) error {
	key := registry.NewKey(roomID, text)

	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.reg.Reminder(key)
	if !ok {
		return ErrUnknownReminder
	}

	// Delete the row before touching live state. If storage fails the
	// reminder stays fully active; tearing down first would leave a row
	// that resurrects the reminder on the next restart.
	if err := m.st.DeleteReminder(ctx, roomID, text); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}

	if m.engine.IsActive(r.MainJobID) {
		m.engine.Cancel(r.MainJobID)
	}
	if id, ok := m.reg.RemoveAlarmJob(key); ok {
		m.engine.Cancel(id)
	}
	r.AlarmJobID = ""
	m.reg.RemoveReminder(key)
	m.log.Info("reminder cancelled", logx.String("room", roomID))
	return nil
}

// SilenceResult reports what Silence did. Silenced=false with a nil error
// means "nothing is currently alarming" — an informational no-op.
type SilenceResult struct {
	Silenced bool
	Text     string // display text of the silenced (or matched) reminder
}

// Silence stops an escalating alarm without touching the base schedule.
// With empty text it picks some alarm in the room; the pick is map
// iteration order and therefore unordered, best-effort.
func (m *Manager) Silence(ctx context.Context, roomID, text string) (SilenceResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if text != "" {
		key := registry.NewKey(roomID, text)
		if id, ok := m.reg.RemoveAlarmJob(key); ok {
			m.engine.Cancel(id)
			display := text
			if r, ok := m.reg.Reminder(key); ok {
				r.AlarmJobID = ""
				display = r.Text
			}
			m.log.Info("alarm silenced", logx.String("room", roomID))
			return SilenceResult{Silenced: true, Text: display}, nil
		}
		if r, ok := m.reg.Reminder(key); ok {
			// Known reminder, but no alarm going off: informational, not an error.
			return SilenceResult{Silenced: false, Text: r.Text}, nil
		}
		return SilenceResult{}, ErrUnknownReminderOrAlarm
	}

	k, id, ok := m.reg.FirstRoomAlarm(roomID)
	if !ok {
		return SilenceResult{Silenced: false}, nil
	}
	m.reg.RemoveAlarmJob(k)
	m.engine.Cancel(id)
	display := k.Text
	if r, ok := m.reg.Reminder(k); ok {
		r.AlarmJobID = ""
		display = r.Text
	}
	m.log.Info("alarm silenced", logx.String("room", roomID))
	return SilenceResult{Silenced: true, Text: display}, nil
}

// List returns a read-only snapshot of the room's reminders, sorted by
// text for stable display. Grouping by trigger kind is the caller's job.
func (m *Manager) List(roomID string) []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	live := m.reg.RoomReminders(roomID)
	out := make([]Snapshot, 0, len(live))
	for _, r := range live {
		s := Snapshot{
			Text:       r.Text,
			Kind:       r.Trigger.Kind(),
			At:         r.Trigger.At(),
			Every:      r.Trigger.Every(),
			CronExpr:   r.Trigger.Expr(),
			Timezone:   r.Timezone,
			TargetUser: r.TargetUser,
			HasAlarm:   r.HasAlarm,
			Alarming:   r.AlarmJobID != "",
		}
		if next, ok := m.engine.Next(r.MainJobID); ok {
			s.NextRun = next
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Text < out[j].Text })
	return out
}

// fire runs when the timer engine invokes a reminder's main job.
func (m *Manager) fire(ctx context.Context, r *Reminder) {
	key := registry.NewKey(r.RoomID, r.Text)
	m.log.Debug("reminder fired", logx.String("room", r.RoomID), logx.String("text", r.Text))

	text := r.Text
	if r.HasAlarm {
		text += " (This reminder has an alarm. It will go off in 5m)."

		m.mu.Lock()
		// A repeating reminder can fire again while a previous alarm is
		// still escalating; never stack a second alarm on the same key.
		if _, ok := m.reg.AlarmJob(key); !ok {
			tr, err := trigger.NewInterval(time.Now().Add(m.alarmEvery), m.alarmEvery)
			if err == nil {
				id := m.engine.Schedule(tr, func(ctx context.Context) { m.fireAlarm(ctx, r) })
				m.reg.PutAlarmJob(key, id)
				r.AlarmJobID = id
				m.log.Debug("alarm escalation started", logx.String("room", r.RoomID))
			}
		}
		m.mu.Unlock()
	}

	// Send outside the lock; a slow or failing send must not serialize
	// other reminders or affect this one's schedule.
	if err := m.sender.Send(ctx, r.RoomID, text, r.TargetUser == "", r.TargetUser); err != nil {
		m.log.Warn("reminder send failed", logx.String("room", r.RoomID), logx.Err(err))
	}

	if !r.Trigger.Repeats() {
		// One-shot: terminate, but leave a just-started alarm escalating
		// until it is explicitly silenced.
		m.mu.Lock()
		if m.engine.IsActive(r.MainJobID) {
			m.engine.Cancel(r.MainJobID)
		}
		m.reg.RemoveReminder(key)
		if err := m.st.DeleteReminder(ctx, r.RoomID, r.Text); err != nil {
			m.log.Error("failed deleting fired one-shot reminder", logx.String("room", r.RoomID), logx.Err(err))
		}
		m.mu.Unlock()
	}
}

// fireAlarm runs on every repetition of an escalating alarm.
func (m *Manager) fireAlarm(ctx context.Context, r *Reminder) {
	m.log.Debug("alarm fired", logx.String("room", r.RoomID), logx.String("text", r.Text))
	text := fmt.Sprintf("Alarm: %s (Use `%s` to silence).", r.Text, m.silenceHint)
	if err := m.sender.Send(ctx, r.RoomID, text, r.TargetUser == "", r.TargetUser); err != nil {
		m.log.Warn("alarm send failed", logx.String("room", r.RoomID), logx.Err(err))
	}
}

func rowFromReminder(r *Reminder) store.Row {
	row := store.Row{
		Text:       r.Text,
		Timezone:   r.Timezone,
		RoomID:     r.RoomID,
		TargetUser: r.TargetUser,
		HasAlarm:   r.HasAlarm,
	}
	// start_time is stored as naive wall-clock text and reparsed in the
	// row's timezone on recovery; convert here so the round trip lands on
	// the same instant even when the trigger was built in another zone.
	loc := time.UTC
	if r.Timezone != "" {
		if l, err := time.LoadLocation(r.Timezone); err == nil {
			loc = l
		}
	}
	switch r.Trigger.Kind() {
	case trigger.OneShot:
		row.StartTime = r.Trigger.At().In(loc)
	case trigger.Interval:
		row.StartTime = r.Trigger.FirstAt().In(loc)
		row.Recurrence = r.Trigger.Every()
	case trigger.Cron:
		row.CronExpr = r.Trigger.Expr()
	}
	return row
}
