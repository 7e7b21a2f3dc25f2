package filter

import (
	"regexp"
	"strings"
	"time"

	"notifyhub/module/notify/model"
)

// ShouldDeliver decides whether a notification may go out on a connection
// holding the given subscriptions, under the user's preferences. Pure:
// it never mutates its inputs and has no side effects.
//
// Rules:
//   - non-empty notification channels require at least one subscription
//     pattern matching at least one channel; empty channels always pass
//   - do-not-disturb (and quiet hours) suppress everything except urgent
//   - a non-empty allowed-priority list gates by priority, urgent excepted
func ShouldDeliver(subscriptions []string, prefs *model.UserPreferences, n *model.Notification, now time.Time) bool {
	if n == nil {
		return false
	}
	if len(n.Channels) > 0 && !MatchAny(subscriptions, n.Channels) {
		return false
	}
	if prefs == nil {
		return true
	}
	if n.Priority == model.PriorityUrgent {
		return true
	}
	if prefs.DoNotDisturb {
		return false
	}
	if inQuietHours(prefs.QuietHoursStart, prefs.QuietHoursEnd, now) {
		return false
	}
	if len(prefs.AllowedPriorities) > 0 && !priorityAllowed(prefs.AllowedPriorities, n.Priority) {
		return false
	}
	return true
}

// MatchPattern matches a subscription pattern against a channel name.
// '*' expands to any run of characters over the whole string (simple
// glob, not hierarchical); a pattern without '*' is an exact match.
func MatchPattern(pattern, channel string) bool {
	if !strings.Contains(pattern, "*") {
		return pattern == channel
	}
	parts := strings.Split(pattern, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	re, err := regexp.Compile("^" + strings.Join(parts, ".*") + "$")
	if err != nil {
		return false
	}
	return re.MatchString(channel)
}

// MatchAny reports whether any subscription pattern matches any channel.
func MatchAny(subscriptions []string, channels []string) bool {
	for _, pat := range subscriptions {
		for _, ch := range channels {
			if MatchPattern(pat, ch) {
				return true
			}
		}
	}
	return false
}

func priorityAllowed(allowed []model.Priority, p model.Priority) bool {
	for _, a := range allowed {
		if a == p {
			return true
		}
	}
	return false
}

// inQuietHours checks "HH:MM" bounds; a window crossing midnight wraps.
func inQuietHours(start, end string, now time.Time) bool {
	if start == "" || end == "" {
		return false
	}
	s, okS := parseHHMM(start)
	e, okE := parseHHMM(end)
	if !okS || !okE || s == e {
		return false
	}
	cur := now.Hour()*60 + now.Minute()
	if s < e {
		return cur >= s && cur < e
	}
	return cur >= s || cur < e
}

func parseHHMM(v string) (int, bool) {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, false
	}
	return t.Hour()*60 + t.Minute(), true
}
