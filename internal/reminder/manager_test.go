package reminder

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"remindbot/internal/registry"
	"remindbot/internal/store"
	"remindbot/internal/timer"
	"remindbot/internal/trigger"
	"remindbot/pkg/logx"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMsg
}

type sentMsg struct {
	roomID string
	text   string
	user   string
}

func (f *fakeSender) Send(_ context.Context, roomID, text string, _ bool, mentionUser string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMsg{roomID: roomID, text: text, user: mentionUser})
	return nil
}

func (f *fakeSender) snapshot() []sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentMsg, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeSender) count(substr string) int {
	n := 0
	for _, m := range f.snapshot() {
		if strings.Contains(m.text, substr) {
			n++
		}
	}
	return n
}

type testEnv struct {
	mgr    *Manager
	engine *timer.Engine
	st     *store.Store
	sender *fakeSender
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.Open(store.Config{
		Path:            filepath.Join(t.TempDir(), "bot.db"),
		DefaultTimezone: "Etc/UTC",
	}, logx.Nop())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	engine := timer.New(logx.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		engine.Stop(ctx)
	})

	sender := &fakeSender{}
	mgr := NewManager(engine, registry.New[*Reminder](), st, sender, ManagerConfig{
		AlarmEvery:  60 * time.Millisecond,
		SilenceHint: "!silence",
	}, logx.Nop())
	return &testEnv{mgr: mgr, engine: engine, st: st, sender: sender}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func mustOneShot(t *testing.T, in time.Duration) trigger.Trigger {
	t.Helper()
	tr, err := trigger.NewOneShot(time.Now().Add(in), time.Now())
	if err != nil {
		t.Fatalf("NewOneShot: %v", err)
	}
	return tr
}

func TestCreateRejectsDuplicates(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	p := CreateParams{RoomID: "!room:server", Text: "Tea Time", Trigger: mustOneShot(t, time.Hour), Timezone: "Etc/UTC"}
	if _, err := env.mgr.Create(ctx, p); err != nil {
		t.Fatalf("first create: %v", err)
	}

	// Duplicate detection is case-insensitive.
	p.Text = "tea time"
	if _, err := env.mgr.Create(ctx, p); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("duplicate create error = %v, want ErrDuplicate", err)
	}
}

func TestOneShotFiresOnceAndIsGone(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	env.engine.Start(ctx)

	if _, err := env.mgr.Create(ctx, CreateParams{
		RoomID: "!room:server", Text: "stretch", Trigger: mustOneShot(t, 40*time.Millisecond),
		Timezone: "Etc/UTC", TargetUser: "@me:server",
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return env.sender.count("stretch") >= 1 })
	time.Sleep(120 * time.Millisecond)
	if got := env.sender.count("stretch"); got != 1 {
		t.Fatalf("one-shot delivered %d times, want 1", got)
	}
	if msgs := env.sender.snapshot(); msgs[0].user != "@me:server" {
		t.Fatalf("fire lost target user: %+v", msgs[0])
	}

	if snaps := env.mgr.List("!room:server"); len(snaps) != 0 {
		t.Fatalf("fired one-shot still listed: %+v", snaps)
	}
	rows, err := env.st.ListReminders(ctx)
	if err != nil {
		t.Fatalf("list rows: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("fired one-shot still stored: %+v", rows)
	}
}

func TestCreateFailsClosedOnStorageError(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	// Seed the row behind the manager's back so the insert collides.
	if err := env.st.InsertReminder(ctx, store.Row{
		Text: "sneaky", StartTime: time.Now().Add(time.Hour).UTC(), Timezone: "Etc/UTC", RoomID: "!room:server",
	}); err != nil {
		t.Fatalf("seed insert: %v", err)
	}

	_, err := env.mgr.Create(ctx, CreateParams{
		RoomID: "!room:server", Text: "sneaky", Trigger: mustOneShot(t, time.Hour), Timezone: "Etc/UTC",
	})
	if !errors.Is(err, ErrStorage) {
		t.Fatalf("create error = %v, want ErrStorage", err)
	}
	// The rollback must leave no registry entry and no job behind.
	if snaps := env.mgr.List("!room:server"); len(snaps) != 0 {
		t.Fatalf("failed create left reminders: %+v", snaps)
	}
	if env.engine.Len() != 0 {
		t.Fatalf("failed create left %d jobs", env.engine.Len())
	}
}

func TestCancelRemovesReminderAndAlarm(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	env.engine.Start(ctx)

	if _, err := env.mgr.Create(ctx, CreateParams{
		RoomID: "!room:server", Text: "meds", Trigger: mustOneShot(t, 30*time.Millisecond),
		Timezone: "Etc/UTC", HasAlarm: true,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Wait for the base fire and the first alarm repetition.
	waitFor(t, 2*time.Second, func() bool { return env.sender.count("Alarm:") >= 1 })

	// The one-shot itself is gone, so plain Cancel reports unknown; the
	// alarm is silenced separately.
	err := env.mgr.Cancel(ctx, "!room:server", "meds")
	if !errors.Is(err, ErrUnknownReminder) {
		t.Fatalf("cancel after fire = %v, want ErrUnknownReminder", err)
	}

	res, err := env.mgr.Silence(ctx, "!room:server", "meds")
	if err != nil {
		t.Fatalf("silence: %v", err)
	}
	if !res.Silenced {
		t.Fatal("expected the alarm to be silenced")
	}

	before := env.sender.count("Alarm:")
	time.Sleep(200 * time.Millisecond)
	if after := env.sender.count("Alarm:"); after != before {
		t.Fatalf("alarm kept firing after silence (%d -> %d)", before, after)
	}
}

func TestCancelBeforeFire(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	env.engine.Start(ctx)

	if _, err := env.mgr.Create(ctx, CreateParams{
		RoomID: "!room:server", Text: "call mom", Trigger: mustOneShot(t, time.Hour), Timezone: "Etc/UTC",
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := env.mgr.Cancel(ctx, "!room:server", "CALL MOM"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if err := env.mgr.Cancel(ctx, "!room:server", "call mom"); !errors.Is(err, ErrUnknownReminder) {
		t.Fatalf("second cancel = %v, want ErrUnknownReminder", err)
	}
	rows, err := env.st.ListReminders(ctx)
	if err != nil {
		t.Fatalf("list rows: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("cancelled reminder still stored: %+v", rows)
	}
}

func TestSilenceStatesWithoutAlarm(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.mgr.Create(ctx, CreateParams{
		RoomID: "!room:server", Text: "quiet one", Trigger: mustOneShot(t, time.Hour), Timezone: "Etc/UTC",
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Known reminder, nothing alarming: informational no-op.
	res, err := env.mgr.Silence(ctx, "!room:server", "quiet one")
	if err != nil {
		t.Fatalf("silence: %v", err)
	}
	if res.Silenced || res.Text != "quiet one" {
		t.Fatalf("Silence = %+v, want not-silenced with text", res)
	}

	// Unknown name: error.
	if _, err := env.mgr.Silence(ctx, "!room:server", "nothing here"); !errors.Is(err, ErrUnknownReminderOrAlarm) {
		t.Fatalf("silence unknown = %v, want ErrUnknownReminderOrAlarm", err)
	}

	// No text, no alarms in the room: quiet no-op.
	res, err = env.mgr.Silence(ctx, "!room:server", "")
	if err != nil {
		t.Fatalf("silence empty: %v", err)
	}
	if res.Silenced {
		t.Fatal("nothing was alarming, Silenced must be false")
	}
}

func TestRepeatingReminderSurvivesFiring(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	env.engine.Start(ctx)

	tr, err := trigger.NewInterval(time.Now().Add(30*time.Millisecond), 50*time.Millisecond)
	if err != nil {
		t.Fatalf("NewInterval: %v", err)
	}
	if _, err := env.mgr.Create(ctx, CreateParams{
		RoomID: "!room:server", Text: "hydrate", Trigger: tr, Timezone: "Etc/UTC",
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool { return env.sender.count("hydrate") >= 2 })
	if snaps := env.mgr.List("!room:server"); len(snaps) != 1 {
		t.Fatalf("repeating reminder disappeared: %+v", snaps)
	}
	rows, err := env.st.ListReminders(ctx)
	if err != nil {
		t.Fatalf("list rows: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("repeating reminder dropped from store: %+v", rows)
	}
}

func TestRecoverRestoresAndPurges(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	// A missed one-shot, a future one-shot, and a cron row.
	rows := []store.Row{
		{Text: "stale", StartTime: time.Now().UTC().Add(-time.Hour), Timezone: "Etc/UTC", RoomID: "!room:server"},
		{Text: "future", StartTime: time.Now().UTC().Add(2 * time.Hour), Timezone: "Etc/UTC", RoomID: "!room:server"},
		{Text: "standup", CronExpr: "0 9 * * 1-5", Timezone: "Etc/UTC", RoomID: "!room:server", HasAlarm: true},
	}
	for _, r := range rows {
		if err := env.st.InsertReminder(ctx, r); err != nil {
			t.Fatalf("seed %q: %v", r.Text, err)
		}
	}

	if err := env.mgr.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	snaps := env.mgr.List("!room:server")
	if len(snaps) != 2 {
		t.Fatalf("recovered %d reminders, want 2: %+v", len(snaps), snaps)
	}
	for _, s := range snaps {
		if s.Text == "stale" {
			t.Fatal("missed one-shot must be purged, not restored")
		}
	}

	left, err := env.st.ListReminders(ctx)
	if err != nil {
		t.Fatalf("list rows: %v", err)
	}
	if len(left) != 2 {
		t.Fatalf("purge left %d rows, want 2: %+v", len(left), left)
	}
	if env.engine.Len() != 2 {
		t.Fatalf("engine has %d jobs, want 2", env.engine.Len())
	}
}

func TestRecoverPreservesInstantsAcrossZones(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	// Instants authored in UTC but stored under other timezones. The
	// naive wall-clock text in the store must be written in the row's
	// zone so a restart reparses the same instant regardless of the
	// zone the process runs in.
	now := time.Now()
	atNY := now.Add(90 * time.Minute).UTC().Truncate(time.Second)
	atTokyo := now.Add(time.Hour).UTC().Truncate(time.Second)

	oneNY, err := trigger.NewOneShot(atNY, now)
	if err != nil {
		t.Fatalf("NewOneShot: %v", err)
	}
	oneTokyo, err := trigger.NewOneShot(atTokyo, now)
	if err != nil {
		t.Fatalf("NewOneShot: %v", err)
	}
	iv, err := trigger.NewInterval(atNY, 45*time.Minute)
	if err != nil {
		t.Fatalf("NewInterval: %v", err)
	}

	for _, p := range []CreateParams{
		{RoomID: "!room:server", Text: "offsite", Trigger: oneNY, Timezone: "America/New_York", TargetUser: "@me:server", HasAlarm: true},
		{RoomID: "!room:server", Text: "early call", Trigger: oneTokyo, Timezone: "Asia/Tokyo"},
		{RoomID: "!room:server", Text: "sync up", Trigger: iv, Timezone: "America/New_York"},
	} {
		if _, err := env.mgr.Create(ctx, p); err != nil {
			t.Fatalf("create %q: %v", p.Text, err)
		}
	}

	// Fresh engine and registry over the same store, as after a restart.
	engine2 := timer.New(logx.Nop())
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		engine2.Stop(sctx)
	})
	mgr2 := NewManager(engine2, registry.New[*Reminder](), env.st, &fakeSender{}, ManagerConfig{}, logx.Nop())
	if err := mgr2.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	snaps := mgr2.List("!room:server")
	if len(snaps) != 3 {
		t.Fatalf("recovered %d reminders, want 3: %+v", len(snaps), snaps)
	}
	byText := make(map[string]Snapshot, len(snaps))
	for _, s := range snaps {
		byText[s.Text] = s
	}

	if s := byText["offsite"]; s.Kind != trigger.OneShot || !s.At.Equal(atNY) {
		t.Fatalf("offsite came back shifted: got %v, want %v", s.At, atNY)
	}
	if s := byText["offsite"]; s.TargetUser != "@me:server" || !s.HasAlarm {
		t.Fatalf("offsite lost target or alarm flag: %+v", s)
	}
	// Tokyo is ahead of UTC; a reparse in the wrong zone would land this
	// one in the past and purge it instead of restoring it.
	if s := byText["early call"]; s.Kind != trigger.OneShot || !s.At.Equal(atTokyo) {
		t.Fatalf("early call came back shifted: got %v, want %v", s.At, atTokyo)
	}
	if s := byText["sync up"]; s.Kind != trigger.Interval || s.Every != 45*time.Minute {
		t.Fatalf("sync up lost its interval: %+v", s)
	}
}

func TestCancelKeepsReminderWhenStorageFails(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.mgr.Create(ctx, CreateParams{
		RoomID: "!room:server", Text: "durable", Trigger: mustOneShot(t, time.Hour), Timezone: "Etc/UTC",
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Closing the store makes the delete fail.
	if err := env.st.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	if err := env.mgr.Cancel(ctx, "!room:server", "durable"); !errors.Is(err, ErrStorage) {
		t.Fatalf("cancel error = %v, want ErrStorage", err)
	}

	// The reminder stays fully live: the row is still on disk, and a
	// half-cancelled entry would resurrect on the next restart.
	if snaps := env.mgr.List("!room:server"); len(snaps) != 1 {
		t.Fatalf("failed cancel tore down the reminder: %+v", snaps)
	}
	if env.engine.Len() != 1 {
		t.Fatalf("failed cancel left %d jobs, want 1", env.engine.Len())
	}
}

func TestListSnapshots(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	env.engine.Start(ctx)

	at := time.Now().Add(time.Hour)
	one, err := trigger.NewOneShot(at, time.Now())
	if err != nil {
		t.Fatalf("NewOneShot: %v", err)
	}
	cr, err := trigger.NewCron("*/10 * * * *", time.UTC)
	if err != nil {
		t.Fatalf("NewCron: %v", err)
	}

	for _, p := range []CreateParams{
		{RoomID: "!room:server", Text: "beta", Trigger: cr, Timezone: "Etc/UTC", HasAlarm: true},
		{RoomID: "!room:server", Text: "alpha", Trigger: one, Timezone: "Etc/UTC"},
		{RoomID: "!other:server", Text: "elsewhere", Trigger: one, Timezone: "Etc/UTC"},
	} {
		if _, err := env.mgr.Create(ctx, p); err != nil {
			t.Fatalf("create %q: %v", p.Text, err)
		}
	}

	snaps := env.mgr.List("!room:server")
	if len(snaps) != 2 {
		t.Fatalf("List returned %d snapshots, want 2", len(snaps))
	}
	if snaps[0].Text != "alpha" || snaps[1].Text != "beta" {
		t.Fatalf("snapshots not sorted by text: %+v", snaps)
	}
	if snaps[0].Kind != trigger.OneShot || !snaps[0].NextRun.Equal(at) {
		t.Fatalf("alpha snapshot wrong: %+v", snaps[0])
	}
	if snaps[1].Kind != trigger.Cron || !snaps[1].HasAlarm || snaps[1].NextRun.IsZero() {
		t.Fatalf("beta snapshot wrong: %+v", snaps[1])
	}
}
