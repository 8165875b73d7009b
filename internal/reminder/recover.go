package reminder

import (
	"context"
	"fmt"
	"time"

	"remindbot/internal/registry"
	"remindbot/internal/store"
	"remindbot/internal/trigger"
	"remindbot/pkg/logx"
)

// Recover rebuilds registry entries and timer jobs from the store. It must
// run before the timer engine starts, so every job exists before the first
// callback is allowed to fire.
//
// One-shot rows whose instant has already passed can never fire correctly;
// they are deleted and skipped, not fired late. Interval and cron rows are
// always rebuilt: their next occurrence is computable from any anchor.
func (m *Manager) Recover(ctx context.Context) error {
	rows, err := m.st.ListReminders(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	restored, purged := 0, 0
	for _, row := range rows {
		loc := time.UTC
		if row.Timezone != "" {
			l, err := time.LoadLocation(row.Timezone)
			if err != nil {
				m.log.Warn("stored reminder has unknown timezone; using UTC",
					logx.String("room", row.RoomID), logx.String("tz", row.Timezone))
			} else {
				loc = l
			}
		}

		tr, ok, err := triggerFromRow(row, loc)
		if err != nil {
			m.log.Warn("skipping unrecoverable reminder row",
				logx.String("room", row.RoomID), logx.String("text", row.Text), logx.Err(err))
			continue
		}
		if !ok {
			// Missed one-shot: silent purge, documented behavior.
			m.log.Debug("deleting missed one-shot reminder",
				logx.String("room", row.RoomID), logx.String("text", row.Text),
				logx.Time("was_due", row.StartTime))
			if err := m.st.DeleteReminder(ctx, row.RoomID, row.Text); err != nil {
				m.log.Warn("failed deleting stale reminder row", logx.Err(err))
			}
			purged++
			continue
		}

		r := &Reminder{
			RoomID:     row.RoomID,
			Text:       row.Text,
			Trigger:    tr,
			Timezone:   row.Timezone,
			TargetUser: row.TargetUser,
			HasAlarm:   row.HasAlarm,
		}
		key := registry.NewKey(r.RoomID, r.Text)
		r.MainJobID = m.engine.Schedule(tr, func(ctx context.Context) { m.fire(ctx, r) })
		if !m.reg.PutReminder(key, r) {
			// Should be impossible given the store's unique index.
			m.engine.Cancel(r.MainJobID)
			continue
		}
		restored++
	}

	m.log.Info("reminders recovered", logx.Int("restored", restored), logx.Int("purged", purged))
	return nil
}

// triggerFromRow reconstructs the trigger variant from whichever columns
// are populated. ok=false marks a one-shot whose instant already passed.
func triggerFromRow(row store.Row, loc *time.Location) (trigger.Trigger, bool, error) {
	now := time.Now().In(loc)
	switch {
	case row.CronExpr != "":
		tr, err := trigger.NewCron(row.CronExpr, loc)
		return tr, err == nil, err
	case row.Recurrence > 0:
		if row.StartTime.IsZero() {
			return trigger.Trigger{}, false, fmt.Errorf("interval row missing start_time")
		}
		tr, err := trigger.NewInterval(row.StartTime, row.Recurrence)
		return tr, err == nil, err
	default:
		if row.StartTime.IsZero() {
			return trigger.Trigger{}, false, fmt.Errorf("row has no trigger columns")
		}
		if !row.StartTime.After(now) {
			return trigger.Trigger{}, false, nil
		}
		tr, err := trigger.NewOneShot(row.StartTime, now)
		return tr, err == nil, err
	}
}
