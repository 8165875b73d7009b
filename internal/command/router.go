// Package command routes room messages to reminder operations and renders
// the replies. It owns all user-facing text; the reminder core never
// formats messages for rooms.
package command

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"remindbot/internal/config"
	"remindbot/internal/reminder"
	"remindbot/internal/transport"
	"remindbot/internal/trigger"
	"remindbot/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) (string, error)

type Command struct {
	Route       string
	Aliases     []string
	Description string
	Usage       string
	Handle      HandlerFunc
}

// Request is one parsed command invocation.
type Request struct {
	RoomID string
	Sender string
	Args   string // everything after the command word, untrimmed of inner spaces
}

type Router struct {
	mgr    *reminder.Manager
	sender transport.Sender
	log    logx.Logger

	prefix   string
	filters  config.Filters
	loc      *time.Location
	timezone string

	commands []*Command
	byName   map[string]*Command
}

type RouterConfig struct {
	Prefix   string
	Filters  config.Filters
	Timezone string // IANA name, already validated by config
}

func NewRouter(mgr *reminder.Manager, sender transport.Sender, cfg RouterConfig, log logx.Logger) (*Router, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = "!"
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", cfg.Timezone, err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		mgr:      mgr,
		sender:   sender,
		log:      log,
		prefix:   cfg.Prefix,
		filters:  cfg.Filters,
		loc:      loc,
		timezone: cfg.Timezone,
		byName:   make(map[string]*Command),
	}
	r.register()
	return r, nil
}

func (r *Router) register() {
	add := func(c *Command) {
		r.commands = append(r.commands, c)
		r.byName[c.Route] = c
		for _, a := range c.Aliases {
			r.byName[a] = c
		}
	}

	add(&Command{
		Route:       "remindme",
		Aliases:     []string{"remind", "r"},
		Description: "Remind yourself about something",
		Usage:       "remindme <time>; <text>",
		Handle:      r.handleRemind(false, false),
	})
	add(&Command{
		Route:       "remindroom",
		Aliases:     []string{"rr"},
		Description: "Remind the whole room about something",
		Usage:       "remindroom <time>; <text>",
		Handle:      r.handleRemind(true, false),
	})
	add(&Command{
		Route:       "alarmme",
		Aliases:     []string{"alarm", "a"},
		Description: "Same as remindme, but repeats loudly until silenced",
		Usage:       "alarmme <time>; <text>",
		Handle:      r.handleRemind(false, true),
	})
	add(&Command{
		Route:       "alarmroom",
		Aliases:     []string{"ar"},
		Description: "Same as remindroom, but repeats loudly until silenced",
		Usage:       "alarmroom <time>; <text>",
		Handle:      r.handleRemind(true, true),
	})
	add(&Command{
		Route:       "listreminders",
		Aliases:     []string{"list", "lr", "la", "l"},
		Description: "List this room's reminders",
		Usage:       "listreminders",
		Handle:      r.handleList,
	})
	add(&Command{
		Route:       "cancelreminder",
		Aliases:     []string{"cancel", "cr", "c", "delreminder", "deletereminder", "removereminder", "rm"},
		Description: "Cancel a reminder and any alarm attached to it",
		Usage:       "cancelreminder <text>",
		Handle:      r.handleCancel,
	})
	add(&Command{
		Route:       "silence",
		Aliases:     []string{"s"},
		Description: "Silence an alarm that is going off",
		Usage:       "silence [<text>]",
		Handle:      r.handleSilence,
	})
	add(&Command{
		Route:       "help",
		Aliases:     []string{"h"},
		Description: "Show this help",
		Usage:       "help",
		Handle:      r.handleHelp,
	})
}

// HandleMessage dispatches one incoming room message. Non-command messages
// and messages from filtered users are ignored silently.
func (r *Router) HandleMessage(ctx context.Context, msg transport.RoomMessage) {
	body := strings.TrimSpace(msg.Body)
	if !strings.HasPrefix(body, r.prefix) {
		return
	}
	if !r.filters.PermitUser(msg.Sender) {
		r.log.Debug("command from filtered user ignored", logx.String("sender", msg.Sender))
		return
	}

	rest := strings.TrimSpace(body[len(r.prefix):])
	word, args := rest, ""
	if i := strings.IndexAny(rest, " \t"); i >= 0 {
		word, args = rest[:i], strings.TrimSpace(rest[i+1:])
	}
	cmd, ok := r.byName[strings.ToLower(word)]
	if !ok {
		r.reply(ctx, msg.RoomID, fmt.Sprintf("Unknown command %q. Try %shelp.", word, r.prefix))
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("command handler panicked",
				logx.String("command", cmd.Route),
				logx.Any("panic", rec),
				logx.String("stack", string(debug.Stack())))
			r.reply(ctx, msg.RoomID, "Something went wrong handling that command.")
		}
	}()

	req := &Request{RoomID: msg.RoomID, Sender: msg.Sender, Args: args}
	reply, err := cmd.Handle(ctx, req)
	if err != nil {
		reply = r.renderError(cmd, err)
	}
	if reply != "" {
		r.reply(ctx, msg.RoomID, reply)
	}
}

func (r *Router) reply(ctx context.Context, roomID, text string) {
	if err := r.sender.Send(ctx, roomID, text, false, ""); err != nil {
		r.log.Warn("reply send failed", logx.String("room", roomID), logx.Err(err))
	}
}

// renderError maps core errors to user-facing text. Storage errors get a
// generic message; the detail is already logged with context.
func (r *Router) renderError(cmd *Command, err error) string {
	switch {
	case errors.Is(err, ErrSyntax):
		return fmt.Sprintf("%v\nUsage: %s%s", err, r.prefix, cmd.Usage)
	case errors.Is(err, trigger.ErrPastTime):
		return "That time is already in the past."
	case errors.Is(err, trigger.ErrInvalidCron):
		return fmt.Sprintf("That is not a valid cron expression: %v", err)
	case errors.Is(err, reminder.ErrDuplicate):
		return "A reminder with that text already exists in this room."
	case errors.Is(err, reminder.ErrUnknownReminder):
		return fmt.Sprintf("I don't know about that reminder. %slistreminders shows what exists.", r.prefix)
	case errors.Is(err, reminder.ErrUnknownReminderOrAlarm):
		return "No reminder or alarm by that name in this room."
	case errors.Is(err, reminder.ErrStorage):
		return "I couldn't save that. Please try again."
	default:
		return fmt.Sprintf("Error: %v", err)
	}
}

func (r *Router) handleRemind(room, alarm bool) HandlerFunc {
	return func(ctx context.Context, req *Request) (string, error) {
		tr, text, err := ParseTrigger(req.Args, time.Now(), r.loc)
		if err != nil {
			return "", err
		}

		target := req.Sender
		if room {
			target = ""
		}
		rem, err := r.mgr.Create(ctx, reminder.CreateParams{
			RoomID:     req.RoomID,
			Text:       text,
			Trigger:    tr,
			Timezone:   r.timezone,
			TargetUser: target,
			HasAlarm:   alarm,
		})
		if err != nil {
			return "", err
		}
		return r.renderCreated(rem, room, alarm), nil
	}
}

func (r *Router) renderCreated(rem *reminder.Reminder, room, alarm bool) string {
	who := "you"
	if room {
		who = "the room"
	}
	kind := "remind"
	if alarm {
		kind = "alarm"
	}

	when := ""
	switch rem.Trigger.Kind() {
	case trigger.OneShot:
		when = "at " + rem.Trigger.At().In(r.loc).Format("2006-01-02 15:04")
	case trigger.Interval:
		when = fmt.Sprintf("every %s starting %s",
			rem.Trigger.Every(), rem.Trigger.FirstAt().In(r.loc).Format("2006-01-02 15:04"))
	case trigger.Cron:
		when = fmt.Sprintf("on the schedule `%s`", rem.Trigger.Expr())
	}
	return fmt.Sprintf("OK, I will %s %s %s: %s", kind, who, when, rem.Text)
}

func (r *Router) handleCancel(ctx context.Context, req *Request) (string, error) {
	if req.Args == "" {
		return "", fmt.Errorf("%w: which reminder?", ErrSyntax)
	}
	if err := r.mgr.Cancel(ctx, req.RoomID, req.Args); err != nil {
		return "", err
	}
	return fmt.Sprintf("Cancelled reminder: %s", req.Args), nil
}

func (r *Router) handleSilence(ctx context.Context, req *Request) (string, error) {
	res, err := r.mgr.Silence(ctx, req.RoomID, req.Args)
	if err != nil {
		return "", err
	}
	if !res.Silenced {
		if res.Text != "" {
			return fmt.Sprintf("The reminder %q exists but no alarm is going off for it.", res.Text), nil
		}
		return "Nothing is alarming in this room.", nil
	}
	return fmt.Sprintf("Alarm silenced: %s", res.Text), nil
}

func (r *Router) handleList(ctx context.Context, req *Request) (string, error) {
	snaps := r.mgr.List(req.RoomID)
	if len(snaps) == 0 {
		return "No reminders in this room.", nil
	}

	var oneTime, crons, repeating []reminder.Snapshot
	for _, s := range snaps {
		switch s.Kind {
		case trigger.OneShot:
			oneTime = append(oneTime, s)
		case trigger.Cron:
			crons = append(crons, s)
		default:
			repeating = append(repeating, s)
		}
	}

	var b strings.Builder
	section := func(title string, items []reminder.Snapshot, line func(reminder.Snapshot) string) {
		if len(items) == 0 {
			return
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(title)
		b.WriteString("\n")
		for _, s := range items {
			b.WriteString("  ")
			b.WriteString(line(s))
			if s.HasAlarm {
				b.WriteString(" (has alarm)")
			}
			if s.Alarming {
				b.WriteString(" [ALARMING]")
			}
			b.WriteString("\n")
		}
	}

	section("One-time reminders:", oneTime, func(s reminder.Snapshot) string {
		return fmt.Sprintf("%s - %s", s.At.In(r.loc).Format("2006-01-02 15:04"), s.Text)
	})
	section("Cron reminders:", crons, func(s reminder.Snapshot) string {
		return fmt.Sprintf("`%s` - %s (next: %s)", s.CronExpr, s.Text, r.formatNext(s))
	})
	section("Repeating reminders:", repeating, func(s reminder.Snapshot) string {
		return fmt.Sprintf("every %s - %s (next: %s)", s.Every, s.Text, r.formatNext(s))
	})
	return strings.TrimRight(b.String(), "\n"), nil
}

func (r *Router) formatNext(s reminder.Snapshot) string {
	if s.NextRun.IsZero() {
		return "unknown"
	}
	return s.NextRun.In(r.loc).Format("2006-01-02 15:04")
}

func (r *Router) handleHelp(ctx context.Context, req *Request) (string, error) {
	cmds := make([]*Command, len(r.commands))
	copy(cmds, r.commands)
	sort.Slice(cmds, func(i, j int) bool { return cmds[i].Route < cmds[j].Route })

	var b strings.Builder
	b.WriteString("Available commands:\n")
	for _, c := range cmds {
		fmt.Fprintf(&b, "  %s%s - %s\n", r.prefix, c.Usage, c.Description)
		if len(c.Aliases) > 0 {
			fmt.Fprintf(&b, "    aliases: %s\n", strings.Join(c.Aliases, ", "))
		}
	}
	b.WriteString("\nTime forms: \"10m\" or \"in 2h30m\", \"HH:MM\" (next occurrence), \"YYYY-MM-DD HH:MM\".\n")
	fmt.Fprintf(&b, "Times are read in %s.", r.timezone)
	return b.String(), nil
}
