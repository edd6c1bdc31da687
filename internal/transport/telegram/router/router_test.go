package router

import (
	"context"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	kit "festbot/internal/transport"
	logx "festbot/pkg/logx"
)

type fakeAdapter struct {
	mu      sync.Mutex
	texts   []string
	answers map[string]string
}

func (f *fakeAdapter) SendText(_ context.Context, _ kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	f.texts = append(f.texts, text)
	f.mu.Unlock()
	return kit.MessageRef{MessageID: 1}, nil
}
func (f *fakeAdapter) SendPhoto(ctx context.Context, to kit.ChatTarget, _, caption string, opt *kit.SendOptions) (kit.MessageRef, error) {
	return f.SendText(ctx, to, caption, opt)
}
func (f *fakeAdapter) EditText(context.Context, kit.MessageRef, string, *kit.SendOptions) error {
	return nil
}
func (f *fakeAdapter) ClearMarkup(context.Context, kit.MessageRef) error { return nil }
func (f *fakeAdapter) AnswerCallback(_ context.Context, id, text string) error {
	f.mu.Lock()
	if f.answers == nil {
		f.answers = map[string]string{}
	}
	f.answers[id] = text
	f.mu.Unlock()
	return nil
}
func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                      { return nil }

func (f *fakeAdapter) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func (f *fakeAdapter) answer(id string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.answers[id]
	return s, ok
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func msg(from int64, text string) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: 10, From: kit.User{ID: from}, Text: text}}
}

func start(t *testing.T, m *CommandManager) chan kit.Update {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan kit.Update, 8)
	done := make(chan struct{})
	go func() {
		_ = m.DispatchLoop(ctx, updates)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return updates
}

func TestDispatch_CommandsAliasesAndAccess(t *testing.T) {
	t.Parallel()
	fa := &fakeAdapter{}
	m := NewCommandManager(logx.Nop(), fa, []int64{99})

	var mu sync.Mutex
	var got []string
	record := func(ctx context.Context, req *Request) error {
		mu.Lock()
		got = append(got, req.Command+"|"+strings.Join(req.Args, ",")+"|"+req.Flags["within"])
		mu.Unlock()
		return nil
	}
	m.SetRegistry(context.Background(), []Command{
		{Route: "start", Aliases: []string{"subscribe"}, Handle: record},
		{Route: "countdown", Access: AccessOwnerOnly, Handle: record},
	}, nil)

	updates := start(t, m)
	updates <- msg(1, "/start@festbot")
	updates <- msg(1, "/subscribe extra")
	updates <- msg(1, "/countdown")
	updates <- msg(99, `/countdown --within "48h"`)
	updates <- msg(1, "hello")

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	})
	mu.Lock()
	defer mu.Unlock()
	want := map[string]bool{"start||": true, "start|extra|": true, "countdown||48h": true}
	for _, g := range got {
		if !want[g] {
			t.Fatalf("unexpected dispatch %q (all=%v)", g, got)
		}
	}
	waitFor(t, func() bool {
		for _, s := range fa.sent() {
			if s == "无权限。" {
				return true
			}
		}
		return false
	})
}

func TestDispatch_UnknownCommandInPrivateChat(t *testing.T) {
	t.Parallel()
	fa := &fakeAdapter{}
	m := NewCommandManager(logx.Nop(), fa, nil)
	m.SetRegistry(context.Background(), nil, nil)

	updates := start(t, m)
	group := msg(1, "/nope")
	group.Message.IsGroup = true
	updates <- group
	updates <- msg(1, "/nope")
	waitFor(t, func() bool { return len(fa.sent()) == 1 })
	if !strings.Contains(fa.sent()[0], "/help") {
		t.Fatalf("reply=%q", fa.sent()[0])
	}
}

func TestDispatch_CallbackAnswer(t *testing.T) {
	t.Parallel()
	fa := &fakeAdapter{}
	m := NewCommandManager(logx.Nop(), fa, nil)

	payloads := make(chan string, 1)
	m.SetRegistry(context.Background(), nil, []CallbackRoute{
		{Plugin: "fest", Action: "confirm", Access: CallbackAccessEveryone, Handle: func(ctx context.Context, req *Request, payload string) error {
			if ref := req.MessageRef(); ref.MessageID != 7 {
				t.Errorf("message ref=%+v", ref)
			}
			req.SetAnswer("ok")
			payloads <- payload
			return nil
		}},
		{Plugin: "fest", Action: "admin", Handle: func(context.Context, *Request, string) error {
			t.Error("owner-only callback ran for a stranger")
			return nil
		}},
	})

	updates := start(t, m)
	cb := func(id, data string) kit.Update {
		return kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ID: id, ChatID: 10, MessageID: 7, From: kit.User{ID: 5}, Data: data}}
	}
	updates <- cb("a", "fest:confirm:abc:def")
	updates <- cb("b", "fest:admin:x")
	updates <- cb("c", "other:thing")

	if p := <-payloads; p != "abc:def" {
		t.Fatalf("payload=%q", p)
	}
	waitFor(t, func() bool {
		a, okA := fa.answer("a")
		b, okB := fa.answer("b")
		_, okC := fa.answer("c")
		return okA && okB && okC && a == "ok" && b == "无权限"
	})
}

func TestHelpHidesOwnerCommands(t *testing.T) {
	t.Parallel()
	m := NewCommandManager(logx.Nop(), &fakeAdapter{}, nil)
	noop := func(context.Context, *Request) error { return nil }
	m.SetRegistry(context.Background(), []Command{
		{Route: "list", Description: "查看当前活动", Handle: noop},
		{Route: "scan", Access: AccessOwnerOnly, Handle: noop},
	}, nil)

	public := m.helpText(nil, false)
	if !strings.Contains(public, "/list") || strings.Contains(public, "/scan") {
		t.Fatalf("public help:\n%s", public)
	}
	if owner := m.helpText(nil, true); !strings.Contains(owner, "/scan") {
		t.Fatalf("owner help:\n%s", owner)
	}
}

func TestTokenizeAndParseFlags(t *testing.T) {
	t.Parallel()
	toks := tokenizeCommandLine(`/confirm --event "a b" -c 42 -xy rest\ arg`)
	wantToks := []string{"/confirm", "--event", "a b", "-c", "42", "-xy", "rest arg"}
	if !reflect.DeepEqual(toks, wantToks) {
		t.Fatalf("tokens=%q", toks)
	}
	pos, flags, bools := parseFlags(toks[1:])
	if !reflect.DeepEqual(pos, []string{"rest arg"}) {
		t.Fatalf("pos=%q", pos)
	}
	if flags["event"] != "a b" || flags["c"] != "42" {
		t.Fatalf("flags=%v", flags)
	}
	if !bools["x"] || !bools["y"] {
		t.Fatalf("bools=%v", bools)
	}
}

func TestSanitizeTelegramCommand(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"List":          "list",
		"ops scan":      "ops_scan",
		"count-down":    "count_down",
		"7days":         "cmd_7days",
		"__":            "",
		"活动":            "",
	}
	for in, want := range cases {
		if got := sanitizeTelegramCommand(in); got != want {
			t.Fatalf("%q: got %q want %q", in, got, want)
		}
	}
}

func TestBuildTelegramMenuCommands(t *testing.T) {
	t.Parallel()
	noop := func(context.Context, *Request) error { return nil }
	cmds := []Command{
		{Route: "list", Description: "查看当前活动", Handle: noop},
		{Route: "scan", Description: "立即抓取", Access: AccessOwnerOnly, Handle: noop},
		{Route: "feed countdown", Description: "提醒\n即将结束", Handle: noop},
	}
	root := newRoot()
	for _, c := range cmds {
		root.add(splitRoute(c.Route), c)
	}

	got := buildTelegramMenuCommands(root, cmds)
	want := []kit.BotCommand{
		{Command: "feed", Description: "countdown"},
		{Command: "list", Description: "查看当前活动"},
		{Command: "scan", Description: "🔒 立即抓取"},
		{Command: "feed_countdown", Description: "提醒 即将结束"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("menu=%+v", got)
	}
}
