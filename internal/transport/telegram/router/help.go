package router

import (
	"html"
	"sort"
	"strings"
)

// helpText renders help in Telegram HTML parse mode. Owner-only commands
// are listed only for owners.
func (m *CommandManager) helpText(path []string, owner bool) string {
	m.mu.RLock()
	root := m.root
	alias := m.alias
	m.mu.RUnlock()

	if len(path) == 0 {
		return helpTopHTML(root, owner)
	}

	cur := root
	full := make([]string, 0, len(path))
	for _, p := range path {
		n, ok := cur.child(p)
		if !ok {
			if leaf, ok := alias[p]; ok && leaf.cmd != nil {
				cur = leaf
				full = splitRoute(leaf.cmd.Route)
				break
			}
			return "未知命令。发送 <code>/help</code> 查看可用命令。"
		}
		cur = n
		full = append(full, p)
	}
	return helpNodeHTML(cur, full)
}

func helpTopHTML(root *cmdNode, owner bool) string {
	lines := []string{"<b>可用命令</b>"}
	for _, name := range root.childNames() {
		n, _ := root.child(name)
		lock := nodeIsOwnerOnly(n)
		if lock && !owner {
			continue
		}
		line := "• <code>/" + html.EscapeString(name) + "</code>"
		if d := summarizeNodeDesc(n); d != "" {
			line += " " + html.EscapeString(d)
		}
		if lock {
			line += " 🔒"
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func helpNodeHTML(cur *cmdNode, full []string) string {
	lines := []string{"<b>/" + html.EscapeString(strings.Join(full, " ")) + "</b>"}
	if c := cur.cmd; c != nil {
		if d := strings.TrimSpace(c.Description); d != "" {
			lines = append(lines, html.EscapeString(d))
		}
		if u := strings.TrimSpace(c.Usage); u != "" {
			lines = append(lines, "用法：<code>"+html.EscapeString(u)+"</code>")
		}
		if short := buildShortcuts(*c); len(short) > 0 {
			lines = append(lines, "别名：/"+html.EscapeString(strings.Join(short, " /")))
		}
	}
	for _, name := range cur.childNames() {
		n, _ := cur.child(name)
		line := "• <code>/" + html.EscapeString(strings.Join(append(append([]string(nil), full...), name), " ")) + "</code>"
		if d := summarizeNodeDesc(n); d != "" {
			line += " " + html.EscapeString(d)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func summarizeNodeDesc(n *cmdNode) string {
	if n == nil {
		return ""
	}
	if n.cmd != nil {
		if d := strings.TrimSpace(n.cmd.Description); d != "" {
			return d
		}
	}
	kids := n.childNames()
	if len(kids) == 0 {
		return ""
	}
	k := min(3, len(kids))
	s := strings.Join(kids[:k], ", ")
	if len(kids) > k {
		s += ", …"
	}
	return s
}

// nodeIsOwnerOnly is true for an owner-only leaf, or a group whose
// commands are all owner-only.
func nodeIsOwnerOnly(n *cmdNode) bool {
	if n == nil {
		return false
	}
	if n.cmd != nil {
		return n.cmd.Access == AccessOwnerOnly
	}
	for _, ch := range n.children {
		if !nodeIsOwnerOnly(ch) {
			return false
		}
	}
	return len(n.children) > 0
}

func buildShortcuts(c Command) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(c.Aliases)+1)
	add := func(s string) {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	route := splitRoute(c.Route)
	if len(route) > 1 {
		if menu, ok := telegramCommandNameFromRoute(route); ok {
			add(menu)
		}
	}
	for _, a := range c.Aliases {
		a = strings.TrimSpace(a)
		if a == "" || strings.Contains(a, " ") {
			continue
		}
		add(a)
		add(sanitizeTelegramCommand(a))
	}
	sort.Strings(out)
	return out
}
