package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/jonboulle/clockwork"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/sourcegraph/conc"

	"pomosync/internal/backend"
	"pomosync/internal/backend/httpapi"
	"pomosync/internal/collector"
	"pomosync/internal/collector/x11"
	"pomosync/internal/config"
	"pomosync/internal/controller"
	"pomosync/internal/ipc"
	"pomosync/internal/metrics"
	"pomosync/internal/notify"
	"pomosync/internal/publish"
	"pomosync/internal/reconcile"
	"pomosync/internal/scheduler"
	"pomosync/internal/storage"
	"pomosync/internal/timer"

	sqlitestore "pomosync/internal/storage/sqlite"
)

type App struct {
	cfg   *config.Config
	log   *slog.Logger
	clock clockwork.Clock

	storage    storage.Storage
	ctrl       *controller.Controller
	reconciler *reconcile.Reconciler
	metrics    *metrics.PrometheusRecorder

	// Optional integrations; nil when disabled or unavailable.
	publisher *publish.Publisher
	focus     collector.FocusWatcher
	status    *statusServer

	// --- Socket Handling ---
	socketPath string
	listener   *net.UnixListener

	wg          conc.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	cleanupOnce sync.Once
}

type deps struct {
	api      backend.SessionAPI
	clock    clockwork.Clock
	notifier notify.Notifier
}

func NewApp(cfg *config.Config, log *slog.Logger) (*App, error) {
	if log == nil {
		log = slog.Default()
	}

	notifier := notify.Multi{notify.LogNotifier{Log: log}}
	if cfg.Notify.Desktop {
		desktop, err := notify.NewDesktopNotifier("pomosync", log)
		if err != nil {
			log.Warn("Desktop notifications disabled", "error", err)
		} else {
			notifier = append(notifier, desktop)
		}
	}

	a, err := newApp(cfg, log, deps{
		api:      httpapi.NewClient(cfg.Backend.BaseURL, cfg.Backend.Token, cfg.Backend.Timeout, log),
		clock:    clockwork.NewRealClock(),
		notifier: notifier,
	})
	if err != nil {
		return nil, err
	}

	if cfg.NATS.URL != "" {
		a.publisher, err = publish.Connect(cfg.NATS.URL, cfg.NATS.Subject, log)
		if err != nil {
			log.Warn("NATS publishing disabled", "error", err)
			a.publisher = nil
		}
	}
	if cfg.Focus.Enabled {
		w, err := x11.NewWatcher(cfg.Focus.Apps, log)
		if err != nil {
			log.Warn("Failed to initialize X11 focus watcher, focus-triggered sync disabled", "error", err)
		} else {
			a.focus = w
		}
	}
	return a, nil
}

func newApp(cfg *config.Config, log *slog.Logger, d deps) (*App, error) {
	ctx, cancel := context.WithCancel(context.Background())

	a := &App{
		cfg:        cfg,
		log:        log,
		clock:      d.clock,
		socketPath: cfg.SocketPath,
		ctx:        ctx,
		cancel:     cancel,
	}
	if a.socketPath == "" {
		a.socketPath = ipc.DefaultSocketPath
	}

	a.storage = sqlitestore.NewSQLiteStore(cfg.DatabasePath)
	if err := a.storage.Init(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	a.metrics = metrics.NewPrometheusRecorder(prom.NewRegistry())
	sched := scheduler.New(d.clock, log)
	a.ctrl = controller.New(a.storage, d.api, sched, controller.Options{
		Clock:    d.clock,
		Log:      log,
		Metrics:  a.metrics,
		Notifier: d.notifier,
		Defaults: cfg.Pomodoro.Preferences(),
	})
	a.reconciler = reconcile.New(a.ctrl, d.api, reconcile.Config{
		PollInterval:    cfg.Sync.PollInterval,
		RetryInitial:    cfg.Sync.Retry.Initial,
		RetryMax:        cfg.Sync.Retry.Max,
		RetryMaxElapsed: cfg.Sync.Retry.MaxElapsed,
		MaxRetries:      cfg.Sync.Retry.MaxRetries,
	}, log, a.metrics)
	return a, nil
}

// setupSocket checks for existing socket and creates the listener
func (a *App) setupSocket() error {
	if _, err := os.Stat(a.socketPath); err == nil {
		conn, err := net.DialTimeout("unix", a.socketPath, 1*time.Second)
		if err == nil {
			conn.Close()
			return fmt.Errorf("socket %s already active, another instance might be running", a.socketPath)
		}
		a.log.Info("Stale socket file found, removing", "path", a.socketPath)
		if err := os.Remove(a.socketPath); err != nil {
			return fmt.Errorf("failed to remove stale socket file %s: %w", a.socketPath, err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("error checking socket file %s: %w", a.socketPath, err)
	}

	addr, err := net.ResolveUnixAddr("unix", a.socketPath)
	if err != nil {
		return fmt.Errorf("failed to resolve unix addr %s: %w", a.socketPath, err)
	}
	listener, err := net.ListenUnix("unix", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on socket %s: %w", a.socketPath, err)
	}
	if err := os.Chmod(a.socketPath, 0o600); err != nil {
		listener.Close()
		return fmt.Errorf("failed to set permissions on socket %s: %w", a.socketPath, err)
	}

	a.listener = listener
	a.log.Info("Listening for commands", "socket", a.socketPath)
	return nil
}

// listenForCommands accepts connections and handles them
func (a *App) listenForCommands() {
	defer a.log.Info("Socket command listener stopped.")

	for {
		conn, err := a.listener.AcceptUnix()
		if err != nil {
			select {
			case <-a.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			a.log.Warn("Failed to accept connection", "error", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}
		a.wg.Go(func() { a.handleConnection(conn) })
	}
}

// handleConnection reads command, processes it, and sends response
func (a *App) handleConnection(conn *net.UnixConn) {
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	decoder := json.NewDecoder(conn)
	encoder := json.NewEncoder(conn)

	var cmd ipc.Command
	if err := decoder.Decode(&cmd); err != nil {
		if err != io.EOF {
			a.log.Warn("Failed to decode command", "error", err)
		}
		_ = encoder.Encode(ipc.Response{Success: false, Message: "Failed to decode command: " + err.Error()})
		return
	}

	_ = conn.SetReadDeadline(time.Time{})
	a.log.Debug("Received command", "name", cmd.Name)

	response := a.processCommand(a.ctx, cmd)

	// Backend calls may have taken a while; the write deadline starts now.
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := encoder.Encode(response); err != nil {
		a.log.Warn("Failed to send response", "error", err)
	}
}

// processCommand routes the command to the correct handler
func (a *App) processCommand(ctx context.Context, cmd ipc.Command) ipc.Response {
	switch cmd.Name {
	case ipc.CmdPing:
		return ipc.Response{Success: true, Message: "pong"}

	case ipc.CmdGetState:
		st, err := a.ctrl.State(ctx)
		if err != nil {
			return a.failure(cmd.Name, "Failed to read timer state", err)
		}
		return a.stateResponse(st, a.describe(st))

	case ipc.CmdSyncActive:
		st, err := a.reconciler.Sync(ctx)
		if err != nil {
			a.log.Warn("Sync failed", "error", err)
			return ipc.Response{Success: false, Message: "Failed to sync with backend", Data: ipc.NewStateData(st, a.clock.Now())}
		}
		return a.stateResponse(st, a.describe(st))

	case ipc.CmdStart:
		var args ipc.StartArgs
		if err := decodeArgs(cmd.Args, &args); err != nil {
			return ipc.Response{Success: false, Message: fmt.Sprintf("Invalid args for %s: %v", cmd.Name, err)}
		}
		// Adopt a session opened on another client before starting one here.
		if _, err := a.reconciler.Sync(ctx); err != nil {
			a.log.Debug("Pre-start sync failed", "error", err)
		}
		st, err := a.ctrl.Start(ctx, args.ProjectID)
		if err != nil {
			return a.failure(cmd.Name, "Failed to start timer", err)
		}
		return a.stateResponse(st, a.describe(st))

	case ipc.CmdPause:
		st, err := a.ctrl.Pause(ctx)
		if err != nil {
			return a.failure(cmd.Name, "Failed to pause timer", err)
		}
		return a.stateResponse(st, a.describe(st))

	case ipc.CmdResume:
		st, err := a.ctrl.Resume(ctx)
		if err != nil {
			return a.failure(cmd.Name, "Failed to resume timer", err)
		}
		return a.stateResponse(st, a.describe(st))

	case ipc.CmdAbandon:
		st, err := a.ctrl.Abandon(ctx)
		if err != nil {
			return a.failure(cmd.Name, "Failed to abandon timer", err)
		}
		return a.stateResponse(st, "Timer abandoned")

	default:
		return ipc.Response{Success: false, Message: fmt.Sprintf("Unknown command: %s", cmd.Name)}
	}
}

func (a *App) stateResponse(st *timer.State, msg string) ipc.Response {
	return ipc.Response{Success: true, Message: msg, Data: ipc.NewStateData(st, a.clock.Now())}
}

// describe renders a one-line summary of st for CLI messages.
func (a *App) describe(st *timer.State) string {
	if st == nil {
		return "Timer idle"
	}
	left := formatDuration(st.Remaining(a.clock.Now()))
	if st.IsPaused {
		return fmt.Sprintf("%s phase paused, %s left", st.Phase, left)
	}
	return fmt.Sprintf("%s phase running, %s left", st.Phase, left)
}

func (a *App) failure(name, msg string, err error) ipc.Response {
	a.log.Error("Command failed", "command", name, "error", err)
	return ipc.Response{Success: false, Message: msg}
}

// decodeArgs converts the generic JSON args map into a typed struct.
func decodeArgs(input any, output any) error {
	if input == nil {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           output,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return err
	}
	return dec.Decode(input)
}

func (a *App) Run() error {
	defer a.cleanup()

	a.log.Info("Starting pomosync daemon", "backend", a.cfg.Backend.BaseURL, "database", a.cfg.DatabasePath)

	if err := a.setupSocket(); err != nil {
		return fmt.Errorf("failed to set up socket: %w", err)
	}

	a.handleSignals()

	if _, err := a.ctrl.Restore(a.ctx); err != nil {
		a.log.Warn("Failed to restore timer state", "error", err)
	}

	a.wg.Go(func() {
		if err := a.reconciler.Run(a.ctx); err != nil {
			a.log.Error("Sync reconciler stopped", "error", err)
		}
	})

	if a.publisher != nil {
		changes := a.ctrl.Subscribe(32)
		a.wg.Go(func() { a.publisher.Forward(a.ctx, changes) })
	}

	if a.focus != nil {
		a.log.Info("X11 focus-triggered sync: ENABLED")
		a.wg.Go(func() {
			err := a.focus.Watch(a.ctx, a.cfg.Focus.Interval, func(collector.FocusInfo) { a.reconciler.Trigger() })
			if err != nil {
				a.log.Warn("Focus watcher error", "error", err)
			}
		})
	}

	if a.cfg.HTTPAddr != "" {
		a.status = newStatusServer(a, a.cfg.HTTPAddr)
		a.wg.Go(func() {
			a.log.Info("Status server listening", "addr", a.cfg.HTTPAddr)
			if err := a.status.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Error("Status server failed", "error", err)
			}
		})
	}

	a.wg.Go(a.listenForCommands)

	a.log.Info("pomosync daemon running. Send commands via pomosync-cli or socket.")
	<-a.ctx.Done()

	a.log.Info("Shutdown signal received, waiting for components...")

	// Close the listener before waiting so accept() returns.
	if err := a.listener.Close(); err != nil {
		a.log.Warn("Error closing socket listener", "error", err)
	}
	if a.status != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.status.Shutdown(shutdownCtx); err != nil {
			a.log.Warn("Error shutting down status server", "error", err)
		}
		cancel()
	}
	a.ctrl.Close()

	waitChan := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(waitChan)
	}()

	select {
	case <-waitChan:
		a.log.Info("All daemon goroutines finished.")
	case <-time.After(5 * time.Second):
		a.log.Warn("Timeout waiting for daemon goroutines to stop.")
	}
	return nil
}

// Stop requests a graceful shutdown.
func (a *App) Stop() {
	a.cancel()
}

func (a *App) handleSignals() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			a.log.Info("Received signal, initiating shutdown", "signal", sig.String())
			a.cancel()
		case <-a.ctx.Done():
		}
		signal.Stop(sigChan)
	}()
}

func (a *App) cleanup() {
	a.cleanupOnce.Do(a.doCleanup)
}

func (a *App) doCleanup() {
	a.log.Debug("Running cleanup...")
	a.cancel()
	a.ctrl.Close()

	if a.focus != nil {
		a.focus.Close()
	}
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.log.Warn("Error closing storage", "error", err)
		}
	}

	if a.listener != nil {
		if _, err := os.Stat(a.socketPath); err == nil {
			if err := os.Remove(a.socketPath); err != nil && !os.IsNotExist(err) {
				a.log.Warn("Failed to remove socket file", "path", a.socketPath, "error", err)
			}
		}
	}
	a.log.Info("pomosync daemon finished.")
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}
