package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"festbot/internal/festival"
	logx "festbot/pkg/logx"
)

func TestCNTimeRange_Parse(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("CST", 8*3600)
	p := CNTimeRange{Loc: loc}
	d := func(y, m, day, h, min int) time.Time { return time.Date(y, time.Month(m), day, h, min, 0, 0, loc) }

	cases := []struct {
		name  string
		text  string
		start *time.Time
		end   *time.Time
	}{
		{
			name:  "chinese range",
			text:  "2025年7月1日 10:00～2025年7月15日 23:59",
			start: ptr(d(2025, 7, 1, 10, 0)),
			end:   ptr(d(2025, 7, 15, 23, 59)),
		},
		{
			name:  "dashed dates",
			text:  "2025-12-24 — 2026-01-02",
			start: ptr(d(2025, 12, 24, 0, 0)),
			end:   ptr(d(2026, 1, 2, 0, 0)),
		},
		{
			name:  "start only",
			text:  "2025年8月8日起",
			start: ptr(d(2025, 8, 8, 0, 0)),
		},
		{
			name: "no date",
			text: "敬请期待",
		},
		{
			name:  "invalid date skipped",
			text:  "2025年2月30日 ~ 2025年3月2日 8:30",
			start: ptr(d(2025, 3, 2, 8, 30)),
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			start, end := p.Parse(tc.text)
			if !sameTime(start, tc.start) || !sameTime(end, tc.end) {
				t.Fatalf("Parse(%q) = %v, %v; want %v, %v", tc.text, start, end, tc.start, tc.end)
			}
		})
	}
}

func ptr(t time.Time) *time.Time { return &t }

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

const sample = `{
  "Code": "0",
  "Msg": "ok",
  "Data": [
    {"Title": "  <b>Moonfire</b>   Faire ", "Summary": "活动时间：2025年7月1日 10:00～2025年7月15日 23:59",
     "OutLink": "/web/moonfire.html", "HomeImagePath": "img/moonfire.jpg"},
    {"Title": "Moonfire Faire", "Summary": "活动时间：2025年7月1日 10:00～2025年7月15日 23:59",
     "OutLink": "/web/moonfire.html", "HomeImagePath": "img/other.jpg"},
    {"Title": "", "Summary": "ignored"},
    {"Title": "Tom &amp; Jerry", "Summary": "敬请期待", "OutLink": "https://example.com/tj"}
  ]
}`

func TestClient_Fetch(t *testing.T) {
	t.Parallel()
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(sample))
	}))
	defer srv.Close()

	c, err := New(Config{
		APIURL:   srv.URL + "/api/news/newsList",
		PageURL:  "https://act.example.com/Project/x/index.html",
		Timezone: "UTC",
	}, logx.Nop(), WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatal(err)
	}

	events, err := c.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if gotQuery != "CategoryCode=7141&gameCode=ff&pageIndex=0&pageSize=20" {
		t.Fatalf("query=%q", gotQuery)
	}
	if len(events) != 2 {
		t.Fatalf("events=%d, want 2 (duplicate and untitled dropped): %+v", len(events), events)
	}

	mf := events[0]
	if mf.Title != "Moonfire Faire" {
		t.Fatalf("title=%q", mf.Title)
	}
	if mf.TimeText != "2025年7月1日 10:00～2025年7月15日 23:59" {
		t.Fatalf("time text=%q", mf.TimeText)
	}
	if mf.DetailURL != "https://act.example.com/web/moonfire.html" {
		t.Fatalf("detail=%q", mf.DetailURL)
	}
	if mf.ImageURL != "https://act.example.com/Project/x/img/moonfire.jpg" {
		t.Fatalf("image=%q", mf.ImageURL)
	}
	if mf.EndAt == nil || !mf.EndAt.Equal(time.Date(2025, 7, 15, 23, 59, 0, 0, time.UTC)) {
		t.Fatalf("end=%v", mf.EndAt)
	}
	if mf.Key != festival.DeriveKey(mf.Title, mf.TimeText, mf.DetailURL) {
		t.Fatalf("key=%q", mf.Key)
	}

	tj := events[1]
	if tj.Title != "Tom & Jerry" || tj.StartAt != nil || tj.EndAt != nil || tj.ImageURL != "" {
		t.Fatalf("second event: %+v", tj)
	}
}

func TestClient_FetchNonZeroCode(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"Code": 1, "Msg": "busy", "Data": null}`))
	}))
	defer srv.Close()

	c, err := New(Config{APIURL: srv.URL}, logx.Nop(), WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatal(err)
	}
	events, err := c.Fetch(context.Background())
	if err != nil || len(events) != 0 {
		t.Fatalf("events=%v err=%v", events, err)
	}
}

func TestClient_FetchHTTPError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	c, err := New(Config{APIURL: srv.URL}, logx.Nop(), WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Fetch(context.Background()); err == nil {
		t.Fatal("expected error for 502")
	}
}

func TestClient_DefaultClientRejectsLoopback(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(sample))
	}))
	defer srv.Close()

	c, err := New(Config{APIURL: srv.URL, Timeout: time.Second}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Fetch(context.Background()); err == nil {
		t.Fatal("safe client must refuse loopback targets")
	}
}
