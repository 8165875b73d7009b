package command

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"remindbot/internal/trigger"
)

// ErrSyntax marks argument strings the parser cannot make sense of. The
// router turns it into usage text rather than an error reply.
var ErrSyntax = errors.New("bad command syntax")

// ParseTrigger turns a command argument string into a trigger plus the
// reminder text. Accepted shapes:
//
//	<time>; <text>                    one-shot
//	every <duration>; <start>; <text> repeating interval
//	cron <m h dom mon dow>; <text>    cron schedule
//
// Time forms for <time> and <start>: a Go duration ("10m", "2h30m",
// optionally prefixed "in "), "HH:MM" meaning the next occurrence of that
// wall time, or "YYYY-MM-DD HH:MM". Everything is evaluated in loc.
func ParseTrigger(args string, now time.Time, loc *time.Location) (trigger.Trigger, string, error) {
	args = strings.TrimSpace(args)
	lower := strings.ToLower(args)

	switch {
	case strings.HasPrefix(lower, "cron "):
		return parseCron(args[len("cron "):], loc)
	case strings.HasPrefix(lower, "every "):
		return parseEvery(args[len("every "):], now, loc)
	default:
		return parseOneShot(args, now, loc)
	}
}

func parseCron(rest string, loc *time.Location) (trigger.Trigger, string, error) {
	expr, text, ok := splitSemi(rest)
	if !ok || text == "" {
		return trigger.Trigger{}, "", fmt.Errorf("%w: expected \"cron <expression>; <text>\"", ErrSyntax)
	}
	tr, err := trigger.NewCron(expr, loc)
	if err != nil {
		return trigger.Trigger{}, "", err
	}
	return tr, text, nil
}

func parseEvery(rest string, now time.Time, loc *time.Location) (trigger.Trigger, string, error) {
	durPart, rest, ok := splitSemi(rest)
	if !ok {
		return trigger.Trigger{}, "", fmt.Errorf("%w: expected \"every <duration>; <start>; <text>\"", ErrSyntax)
	}
	every, err := time.ParseDuration(strings.TrimSpace(durPart))
	if err != nil || every <= 0 {
		return trigger.Trigger{}, "", fmt.Errorf("%w: %q is not a positive duration", ErrSyntax, durPart)
	}
	// The store keeps whole seconds; finer periods would silently degrade.
	if every < time.Second {
		return trigger.Trigger{}, "", fmt.Errorf("%w: interval %q must be at least 1s", ErrSyntax, durPart)
	}
	startPart, text, ok := splitSemi(rest)
	if !ok || text == "" {
		return trigger.Trigger{}, "", fmt.Errorf("%w: expected \"every <duration>; <start>; <text>\"", ErrSyntax)
	}
	start, err := parseTimeForm(startPart, now, loc)
	if err != nil {
		return trigger.Trigger{}, "", err
	}
	tr, err := trigger.NewInterval(start, every)
	if err != nil {
		return trigger.Trigger{}, "", err
	}
	return tr, text, nil
}

func parseOneShot(rest string, now time.Time, loc *time.Location) (trigger.Trigger, string, error) {
	when, text, ok := splitSemi(rest)
	if !ok || text == "" {
		return trigger.Trigger{}, "", fmt.Errorf("%w: expected \"<time>; <text>\"", ErrSyntax)
	}
	at, err := parseTimeForm(when, now, loc)
	if err != nil {
		return trigger.Trigger{}, "", err
	}
	tr, err := trigger.NewOneShot(at, now)
	if err != nil {
		return trigger.Trigger{}, "", err
	}
	return tr, text, nil
}

// parseTimeForm resolves a single time expression to an instant in loc.
func parseTimeForm(s string, now time.Time, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if rest, ok := cutPrefixFold(s, "in "); ok {
		s = rest
	}

	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return time.Time{}, fmt.Errorf("%w: duration %q must be positive", ErrSyntax, s)
		}
		// Anchor in loc so the instant persists and reloads in the same
		// zone the reminder is authored in.
		return now.In(loc).Add(d), nil
	}

	if t, err := time.ParseInLocation("2006-01-02 15:04", s, loc); err == nil {
		return t, nil
	}

	if t, err := time.ParseInLocation("15:04", s, loc); err == nil {
		nowLoc := now.In(loc)
		candidate := time.Date(nowLoc.Year(), nowLoc.Month(), nowLoc.Day(),
			t.Hour(), t.Minute(), 0, 0, loc)
		if !candidate.After(now) {
			candidate = candidate.AddDate(0, 0, 1)
		}
		return candidate, nil
	}

	return time.Time{}, fmt.Errorf("%w: cannot parse time %q", ErrSyntax, s)
}

func splitSemi(s string) (head, tail string, ok bool) {
	i := strings.Index(s, ";")
	if i < 0 {
		return "", "", false
	}
	return strings.TrimSpace(s[:i]), strings.TrimSpace(s[i+1:]), true
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
		return s[len(prefix):], true
	}
	return s, false
}
