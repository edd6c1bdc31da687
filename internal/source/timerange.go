package source

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	dateTimeRe = regexp.MustCompile(`(20\d{2})[年-](\d{1,2})[月-](\d{1,2})[日\s]*(\d{0,2}):?(\d{0,2})`)

	rangeReplacer = strings.NewReplacer("～", "~", "—", "-")
)

// CNTimeRange reads dates written like "2025年7月1日 10:00" or "2025-07-01 10:00".
// The first date found is the start, the second the end. Dates without a time
// of day are midnight. Loc defaults to Asia/Shanghai.
type CNTimeRange struct {
	Loc *time.Location
}

func (p CNTimeRange) Parse(text string) (start, end *time.Time) {
	loc := p.Loc
	if loc == nil {
		loc = shanghai()
	}
	var found []time.Time
	for _, m := range dateTimeRe.FindAllStringSubmatch(rangeReplacer.Replace(text), -1) {
		t, ok := buildTime(m[1:], loc)
		if !ok {
			continue
		}
		found = append(found, t)
		if len(found) == 2 {
			break
		}
	}
	if len(found) > 0 {
		start = &found[0]
	}
	if len(found) > 1 {
		end = &found[1]
	}
	return start, end
}

// buildTime validates year, month, day, hour, minute; empty hour or minute is 0.
func buildTime(parts []string, loc *time.Location) (time.Time, bool) {
	var v [5]int
	for i, s := range parts {
		if s == "" {
			continue
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return time.Time{}, false
		}
		v[i] = n
	}
	year, month, day, hour, minute := v[0], v[1], v[2], v[3], v[4]
	if month < 1 || month > 12 || day < 1 || hour > 23 || minute > 59 {
		return time.Time{}, false
	}
	t := time.Date(year, time.Month(month), day, hour, minute, 0, 0, loc)
	// time.Date normalises Feb 30 into March; reject instead.
	if t.Day() != day || t.Month() != time.Month(month) {
		return time.Time{}, false
	}
	return t, true
}

func shanghai() *time.Location {
	loc, err := time.LoadLocation("Asia/Shanghai")
	if err != nil {
		return time.FixedZone("CST", 8*3600)
	}
	return loc
}
