package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
	"github.com/microcosm-cc/bluemonday"

	"festbot/internal/festival"
	logx "festbot/pkg/logx"
)

const (
	DefaultAPIURL   = "https://cqnews.web.sdo.com/api/news/newsList"
	DefaultPageURL  = "https://actff1.web.sdo.com/Project/20181018ffactive/index.html"
	DefaultGameCode = "ff"
	// DefaultCategory is the 活动节庆 (festivals) section of the page.
	DefaultCategory = 7141

	maxBodyBytes = 4 << 20
)

var ErrBadResponse = errors.New("source: unexpected response")

type Config struct {
	APIURL   string
	PageURL  string
	GameCode string
	Category int
	PageSize int
	Timeout  time.Duration
	// Timezone for parsed dates; empty means Asia/Shanghai.
	Timezone string
}

func (c Config) withDefaults() Config {
	if c.APIURL == "" {
		c.APIURL = DefaultAPIURL
	}
	if c.PageURL == "" {
		c.PageURL = DefaultPageURL
	}
	if c.GameCode == "" {
		c.GameCode = DefaultGameCode
	}
	if c.Category <= 0 {
		c.Category = DefaultCategory
	}
	if c.PageSize <= 0 {
		c.PageSize = 20
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	return c
}

// Client scrapes the festival list from the news API behind the activity page.
type Client struct {
	cfg    Config
	http   *http.Client
	strip  *bluemonday.Policy
	parser CNTimeRange
	log    logx.Logger
}

type Option func(*Client)

// WithHTTPClient replaces the SSRF-guarded default client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func New(cfg Config, log logx.Logger, opts ...Option) (*Client, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	for _, raw := range []string{cfg.APIURL, cfg.PageURL} {
		if _, err := url.Parse(raw); err != nil {
			return nil, fmt.Errorf("source: invalid url %q: %w", raw, err)
		}
	}
	parser := CNTimeRange{}
	if cfg.Timezone != "" {
		loc, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("source: timezone: %w", err)
		}
		parser.Loc = loc
	}

	c := &Client{
		cfg:    cfg,
		strip:  bluemonday.StrictPolicy(),
		parser: parser,
		log:    log,
	}
	for _, o := range opts {
		o(c)
	}
	if c.http == nil {
		sc := safeurl.GetConfigBuilder().
			SetTimeout(cfg.Timeout).
			SetAllowedSchemes("http", "https").
			SetAllowedPorts(80, 443).
			Build()
		c.http = safeurl.Client(sc).Client
	}
	return c, nil
}

// Parser exposes the time-range parser used for scraped records.
func (c *Client) Parser() festival.TimeRangeParser { return c.parser }

type newsList struct {
	Code json.RawMessage `json:"Code"`
	Msg  string          `json:"Msg"`
	Data []newsItem      `json:"Data"`
}

type newsItem struct {
	Title         string `json:"Title"`
	Summary       string `json:"Summary"`
	OutLink       string `json:"OutLink"`
	HomeImagePath string `json:"HomeImagePath"`
}

// Fetch returns the current festival records with derived keys and parsed
// times. A non-zero API code yields an empty batch, not an error.
func (c *Client) Fetch(ctx context.Context) ([]festival.ScrapedEvent, error) {
	u, err := url.Parse(c.cfg.APIURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("gameCode", c.cfg.GameCode)
	q.Set("CategoryCode", strconv.Itoa(c.cfg.Category))
	q.Set("pageIndex", "0")
	q.Set("pageSize", strconv.Itoa(c.cfg.PageSize))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Referer", c.cfg.PageURL)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("source: fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrBadResponse, resp.StatusCode)
	}

	var body newsList
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	if code := strings.Trim(string(body.Code), `" `); code != "0" {
		c.log.Warn("source returned non-zero code", logx.String("code", code), logx.String("msg", body.Msg))
		return nil, nil
	}

	out := c.convert(body.Data)
	c.log.Debug("source fetched", logx.Int("items", len(body.Data)), logx.Int("events", len(out)))
	return out, nil
}

var timeLabelRe = regexp.MustCompile(`^活动时间[:：]\s*`)

func (c *Client) convert(items []newsItem) []festival.ScrapedEvent {
	type dedupKey struct{ title, timeText, detail string }
	seen := make(map[dedupKey]struct{}, len(items))
	out := make([]festival.ScrapedEvent, 0, len(items))

	for _, it := range items {
		title := c.cleanText(it.Title)
		if title == "" {
			continue
		}
		raw := c.cleanText(it.Summary)
		timeText := strings.TrimSpace(timeLabelRe.ReplaceAllString(raw, ""))
		if timeText == "" {
			timeText = raw
		}
		detail := c.resolve(it.OutLink)
		image := c.resolve(it.HomeImagePath)

		k := dedupKey{title, timeText, detail}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}

		start, end := c.parser.Parse(timeText)
		out = append(out, festival.ScrapedEvent{
			Key:       festival.DeriveKey(title, timeText, detail),
			Title:     title,
			ImageURL:  image,
			DetailURL: detail,
			TimeText:  timeText,
			StartAt:   start,
			EndAt:     end,
		})
	}
	return out
}

var spaceRe = regexp.MustCompile(`\s+`)

// cleanText strips markup and collapses whitespace.
func (c *Client) cleanText(s string) string {
	s = html.UnescapeString(c.strip.Sanitize(s))
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}

// resolve makes ref absolute against the activity page.
func (c *Client) resolve(ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	base, err := url.Parse(c.cfg.PageURL)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(r).String()
}
