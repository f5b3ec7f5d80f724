package tracker

import (
	"strings"

	"github.com/yegors/iftracker/internal/liveapi"
)

// sessionMatcher is one step of server name resolution
type sessionMatcher struct {
	name  string
	match func(sessions []liveapi.Session, name string, aliases map[string]string) (liveapi.Session, bool)
}

// Evaluated top-down; the first matcher to succeed wins.
var sessionMatchers = []sessionMatcher{
	{name: "exact", match: matchExact},
	{name: "substring", match: matchSubstring},
	{name: "alias", match: matchAlias},
	{name: "first_available", match: matchFirst},
}

// ResolveSession maps a human server name onto a live session. The matcher
// name is returned for logging.
func ResolveSession(sessions []liveapi.Session, name string, aliases map[string]string) (liveapi.Session, string, bool) {
	for _, m := range sessionMatchers {
		if s, ok := m.match(sessions, name, aliases); ok {
			return s, m.name, true
		}
	}
	return liveapi.Session{}, "", false
}

func matchExact(sessions []liveapi.Session, name string, _ map[string]string) (liveapi.Session, bool) {
	want := strings.ToLower(strings.TrimSpace(name))
	for _, s := range sessions {
		if strings.ToLower(strings.TrimSpace(s.Name)) == want {
			return s, true
		}
	}
	return liveapi.Session{}, false
}

func matchSubstring(sessions []liveapi.Session, name string, _ map[string]string) (liveapi.Session, bool) {
	want := strings.ToLower(strings.TrimSpace(name))
	if want == "" {
		return liveapi.Session{}, false
	}
	for _, s := range sessions {
		if strings.Contains(strings.ToLower(s.Name), want) {
			return s, true
		}
	}
	return liveapi.Session{}, false
}

func matchAlias(sessions []liveapi.Session, name string, aliases map[string]string) (liveapi.Session, bool) {
	target, ok := aliases[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return liveapi.Session{}, false
	}
	return matchExact(sessions, target, nil)
}

func matchFirst(sessions []liveapi.Session, _ string, _ map[string]string) (liveapi.Session, bool) {
	if len(sessions) == 0 {
		return liveapi.Session{}, false
	}
	return sessions[0], true
}
