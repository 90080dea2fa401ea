package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/godbus/dbus/v5"

	"pomosync/internal/timer"
)

const (
	notificationsDest  = "org.freedesktop.Notifications"
	notificationsPath  = "/org/freedesktop/Notifications"
	notificationsCall  = "org.freedesktop.Notifications.Notify"
	defaultExpireMilli = int32(8000)
)

// DesktopNotifier posts freedesktop notifications over the session bus.
type DesktopNotifier struct {
	appName string
	conn    *dbus.Conn
	log     *slog.Logger
}

func NewDesktopNotifier(appName string, log *slog.Logger) (*DesktopNotifier, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect session bus: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &DesktopNotifier{appName: appName, conn: conn, log: log}, nil
}

func (d *DesktopNotifier) PhaseCompleted(ctx context.Context, phase timer.Phase, next *timer.State) {
	title, body := Message(phase, next)
	obj := d.conn.Object(notificationsDest, dbus.ObjectPath(notificationsPath))
	call := obj.CallWithContext(ctx, notificationsCall, 0,
		d.appName, uint32(0), "", title, body, []string{}, map[string]dbus.Variant{}, defaultExpireMilli)
	if call.Err != nil {
		d.log.Warn("desktop notification failed", "error", call.Err)
	}
}
