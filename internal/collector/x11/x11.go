// Package x11 watches the focused X11 window. Switching to one of the
// configured applications (typically the browser running the web client)
// is a moment when the remote session may have changed, so the daemon
// reconciles then.
package x11

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BurntSushi/xgbutil"
	"github.com/BurntSushi/xgbutil/ewmh"
	"github.com/BurntSushi/xgbutil/icccm"

	"pomosync/internal/collector"
)

type (
	FocusInfo = collector.FocusInfo
	FocusFunc = collector.FocusFunc
)

var _ collector.FocusWatcher = (*Watcher)(nil)

type Watcher struct {
	apps   []string
	log    *slog.Logger
	active func() (FocusInfo, error)
	close  func()

	lastFocus FocusInfo
}

// NewWatcher connects to the X server. An empty apps list watches every
// application.
func NewWatcher(apps []string, log *slog.Logger) (*Watcher, error) {
	X, err := xgbutil.NewConn()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to X server: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	if _, err := ewmh.CurrentDesktopGet(X); err != nil {
		log.Warn("EWMH potentially not supported by window manager", "error", err)
	}
	w := newWatcher(apps, log, func() (FocusInfo, error) { return activeWindowInfo(X) })
	w.close = X.Conn().Close
	return w, nil
}

func newWatcher(apps []string, log *slog.Logger, active func() (FocusInfo, error)) *Watcher {
	lowered := make([]string, 0, len(apps))
	for _, a := range apps {
		if a = strings.TrimSpace(a); a != "" {
			lowered = append(lowered, strings.ToLower(a))
		}
	}
	return &Watcher{apps: lowered, log: log, active: active}
}

func activeWindowInfo(X *xgbutil.XUtil) (FocusInfo, error) {
	activeWinID, err := ewmh.ActiveWindowGet(X)
	if err != nil {
		return FocusInfo{}, fmt.Errorf("could not get active window ID: %w", err)
	}
	if activeWinID == 0 {
		return FocusInfo{}, nil
	}

	title, err := ewmh.WmNameGet(X, activeWinID)
	if err != nil || title == "" {
		title, _ = icccm.WmNameGet(X, activeWinID)
	}
	appName := ""
	if hints, err := icccm.WmClassGet(X, activeWinID); err == nil && hints != nil {
		appName = hints.Class
	}
	return FocusInfo{AppName: appName, Title: title}, nil
}

// Watch samples the focused window every interval until ctx is done.
func (w *Watcher) Watch(ctx context.Context, interval time.Duration, onFocus FocusFunc) error {
	w.log.Info("Starting focus watcher", "interval", interval, "apps", w.apps)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if f, err := w.active(); err == nil {
		w.lastFocus = f
	} else {
		w.log.Warn("failed to get initial window focus", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			w.log.Info("Focus watcher stopping")
			return nil
		case <-ticker.C:
			w.poll(onFocus)
		}
	}
}

func (w *Watcher) poll(onFocus FocusFunc) {
	current, err := w.active()
	if err != nil {
		return
	}
	prev := w.lastFocus
	w.lastFocus = current
	if current.AppName == prev.AppName {
		return
	}
	if !w.watched(current.AppName) {
		return
	}
	w.log.Debug("focus moved to watched app", "app", current.AppName, "title", Truncate(current.Title, 50))
	onFocus(current)
}

func (w *Watcher) watched(app string) bool {
	if app == "" {
		return false
	}
	if len(w.apps) == 0 {
		return true
	}
	app = strings.ToLower(app)
	for _, a := range w.apps {
		if strings.Contains(app, a) {
			return true
		}
	}
	return false
}

func (w *Watcher) Close() {
	if w.close != nil {
		w.close()
	}
}

// Truncate shortens s to at most maxLen runes, preferring a word boundary.
func Truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	head := r[:maxLen-3]
	for i := len(head) - 1; i > maxLen/2; i-- {
		if head[i] == ' ' {
			return string(head[:i]) + "..."
		}
	}
	return string(head) + "..."
}
