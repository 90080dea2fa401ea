package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/sevlyar/go-daemon"

	"pomosync/internal/app"
	"pomosync/internal/config"
)

var (
	configPath = flag.String("c", "", "Path to configuration file (e.g., config.yaml). Defaults to ./config.yaml, ~/.config/pomosync/config.yaml, /etc/pomosync/config.yaml")
	logPath    = flag.String("log", "", "Path to log file (optional, defaults to stderr)")
	daemonize  = flag.Bool("d", false, "Detach and run in the background (requires -log)")
	pidPath    = flag.String("pid", "", "PID file used in daemon mode (optional)")
)

// setupLogging opens the log destination and installs the default logger.
func setupLogging(logFilePath string, level slog.Level) (*os.File, error) {
	var w io.Writer = os.Stderr
	var file *os.File

	if logFilePath != "" {
		dir := filepath.Dir(logFilePath)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
		}
		f, err := os.OpenFile(logFilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", logFilePath, err)
		}
		w, file = f, f
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	})))
	return file, nil
}

func main() {
	flag.Parse()

	// Values from .env behave like exported POMOSYNC_* variables.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Warning: failed to read .env: %v\n", err)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *daemonize {
		if *logPath == "" {
			fmt.Fprintln(os.Stderr, "FATAL: -d requires -log, a detached daemon has no terminal")
			os.Exit(1)
		}
		cntxt := &daemon.Context{
			PidFileName: *pidPath,
			PidFilePerm: 0o644,
			WorkDir:     "./",
			Umask:       0o027,
		}
		child, err := cntxt.Reborn()
		if err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: Failed to daemonize: %v\n", err)
			os.Exit(1)
		}
		if child != nil {
			fmt.Printf("pomosync started in background (pid %d)\n", child.Pid)
			return
		}
		defer func() { _ = cntxt.Release() }()
	}

	logFile, logErr := setupLogging(*logPath, cfg.SlogLevel())
	if logErr != nil {
		fmt.Fprintf(os.Stderr, "Error setting up file logging: %v. Logging to stderr instead.\n", logErr)
		_, _ = setupLogging("", cfg.SlogLevel())
	}
	if logFile != nil {
		defer logFile.Close()
	}
	log := slog.Default()

	application, err := app.NewApp(cfg, log)
	if err != nil {
		log.Error("Failed to create application", "error", err)
		os.Exit(1)
	}

	if err := application.Run(); err != nil {
		log.Error("Application exited with error", "error", err)
		os.Exit(1)
	}
}
