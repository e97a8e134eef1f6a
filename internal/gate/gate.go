// Package gate decides whether a new bracket may be opened right now:
// wall-clock trading windows plus a daily order quota.
package gate

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

var (
	// ErrOutsideTradingWindow means the current wall-clock time falls in no
	// configured window.
	ErrOutsideTradingWindow = errors.New("outside trading window")

	// ErrDailyQuotaExceeded means today's order budget is spent.
	ErrDailyQuotaExceeded = errors.New("daily order quota exceeded")
)

// Window is one trading window in a specific timezone. Start and End are
// minutes since local midnight; windows with End < Start wrap past midnight.
type Window struct {
	Start int
	End   int
	Loc   *time.Location
}

// ParseWindow parses "HH:MM/HH:MM" with an IANA timezone name. An empty tz
// means UTC.
func ParseWindow(s, tz string) (Window, error) {
	loc := time.UTC
	if tz != "" {
		var err error
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return Window{}, fmt.Errorf("load timezone %q: %w", tz, err)
		}
	}

	startStr, endStr, found := strings.Cut(s, "/")
	if !found {
		return Window{}, fmt.Errorf("window %q: want HH:MM/HH:MM", s)
	}
	start, err := parseClock(startStr)
	if err != nil {
		return Window{}, fmt.Errorf("window %q start: %w", s, err)
	}
	end, err := parseClock(endStr)
	if err != nil {
		return Window{}, fmt.Errorf("window %q end: %w", s, err)
	}
	return Window{Start: start, End: end, Loc: loc}, nil
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Contains reports whether t falls inside the window, bounds inclusive.
// Overnight windows (End < Start) wrap: 22:00/02:00 covers 23:30 and 01:00.
func (w Window) Contains(t time.Time) bool {
	local := t.In(w.Loc)
	cur := local.Hour()*60 + local.Minute()
	if w.Start <= w.End {
		return cur >= w.Start && cur <= w.End
	}
	return cur >= w.Start || cur <= w.End
}

// Gate admits new orders only inside configured windows and under the daily
// quota. No windows means always open. Quota 0 means unlimited. Safe for
// concurrent use.
type Gate struct {
	windows []Window
	quota   int
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	used     int
	quotaDay string // YYYY-MM-DD in quota timezone, resets the counter when it rolls
}

// New creates a Gate. Quota days roll at midnight in the first window's
// timezone, or UTC when no windows are configured.
func New(windows []Window, dailyQuota int, logger *slog.Logger) *Gate {
	return &Gate{
		windows: windows,
		quota:   dailyQuota,
		logger:  logger.With("component", "gate"),
		now:     time.Now,
	}
}

// quotaLocation is the timezone whose midnight resets the daily counter.
func (g *Gate) quotaLocation() *time.Location {
	if len(g.windows) > 0 {
		return g.windows[0].Loc
	}
	return time.UTC
}

// IsOpen reports whether the current time falls in any trading window.
func (g *Gate) IsOpen() bool {
	if len(g.windows) == 0 {
		return true
	}
	now := g.now()
	for _, w := range g.windows {
		if w.Contains(now) {
			return true
		}
	}
	return false
}

// Remaining returns how many orders are left in today's quota, -1 when
// unlimited.
func (g *Gate) Remaining() int {
	if g.quota <= 0 {
		return -1
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollDayLocked()
	return g.quota - g.used
}

// Reserve consumes one slot of today's quota if the gate is open. Both
// checks happen atomically so concurrent submitters cannot overshoot the
// quota.
func (g *Gate) Reserve() error {
	if !g.IsOpen() {
		return ErrOutsideTradingWindow
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollDayLocked()

	if g.quota > 0 && g.used >= g.quota {
		return ErrDailyQuotaExceeded
	}
	g.used++
	if g.quota > 0 {
		g.logger.Info("order slot reserved", "used", g.used, "quota", g.quota)
	}
	return nil
}

// rollDayLocked resets the counter when the local date changes.
func (g *Gate) rollDayLocked() {
	day := g.now().In(g.quotaLocation()).Format("2006-01-02")
	if day != g.quotaDay {
		if g.quotaDay != "" && g.used > 0 {
			g.logger.Info("daily quota reset", "day", day)
		}
		g.quotaDay = day
		g.used = 0
	}
}
