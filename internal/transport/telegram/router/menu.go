package router

import (
	"cmp"
	"slices"
	"strings"
	"unicode"

	kit "festbot/internal/transport"
)

const (
	maxMenuName    = 32
	maxMenuDesc    = 256
	maxMenuEntries = 100
	ownerMark      = "🔒 "
)

// sanitizeTelegramCommand maps s onto [a-z0-9_]{1,32}, starting with a
// letter. It returns "" when nothing usable is left.
func sanitizeTelegramCommand(s string) string {
	var b strings.Builder
	pendingSep := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
		case r == '_', r == '-', r == '/', unicode.IsSpace(r):
			pendingSep = true
		}
	}
	out := b.String()
	if out == "" {
		return ""
	}
	if out[0] >= '0' && out[0] <= '9' {
		out = "cmd_" + out
	}
	return clipName(out)
}

func clipName(s string) string {
	if len(s) > maxMenuName {
		s = strings.TrimRight(s[:maxMenuName], "_")
	}
	return s
}

// telegramCommandNameFromRoute joins a route into one menu name, so
// "feed scan" becomes "feed_scan".
func telegramCommandNameFromRoute(route []string) (string, bool) {
	out := sanitizeTelegramCommand(strings.Join(route, "_"))
	return out, out != ""
}

// buildTelegramMenuCommands lists top-level commands first, then shortcuts
// for multi-token routes. Duplicates keep the first entry.
func buildTelegramMenuCommands(root *cmdNode, leafCmds []Command) []kit.BotCommand {
	type entry struct {
		kit.BotCommand
		prio int
	}
	seen := map[string]bool{}
	var entries []entry
	add := func(name, desc string, owner bool, prio int) {
		name = sanitizeTelegramCommand(name)
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		desc = strings.Join(strings.Fields(desc), " ")
		if desc == "" {
			desc = name
		}
		if owner {
			desc = ownerMark + desc
		}
		if len(desc) > maxMenuDesc {
			desc = desc[:maxMenuDesc]
		}
		entries = append(entries, entry{kit.BotCommand{Command: name, Description: desc}, prio})
	}

	if root != nil {
		for _, name := range root.childNames() {
			if n, _ := root.child(name); n != nil {
				add(name, summarizeNodeDesc(n), nodeIsOwnerOnly(n), 0)
			}
		}
	}
	for _, c := range leafCmds {
		route := splitRoute(c.Route)
		if len(route) < 2 {
			continue
		}
		if name, ok := telegramCommandNameFromRoute(route); ok {
			add(name, cmp.Or(c.Description, strings.Join(route, " ")), c.Access == AccessOwnerOnly, 1)
		}
	}

	slices.SortStableFunc(entries, func(a, b entry) int {
		return cmp.Or(cmp.Compare(a.prio, b.prio), strings.Compare(a.Command, b.Command))
	})
	out := make([]kit.BotCommand, 0, min(len(entries), maxMenuEntries))
	for _, e := range entries[:min(len(entries), maxMenuEntries)] {
		out = append(out, e.BotCommand)
	}
	return out
}
