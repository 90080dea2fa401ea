package collector

import (
	"context"
	"time"
)

// FocusInfo describes the focused window.
type FocusInfo struct {
	AppName string
	Title   string
}

// FocusFunc is called when focus moves onto a watched application.
type FocusFunc func(FocusInfo)

// FocusWatcher reports focus transitions that should prompt a sync.
type FocusWatcher interface {
	Watch(ctx context.Context, interval time.Duration, onFocus FocusFunc) error
	Close()
}
