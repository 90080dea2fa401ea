package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"

	"pomosync/internal/config"
	"pomosync/internal/ipc"
)

var (
	configPath   string
	socketPath   string
	outputFormat string
	timeout      time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "pomosync-cli",
	Short: "CLI tool to control the pomosync focus timer",
	Long:  `A command-line interface to start, pause, resume and abandon the focus timer run by the pomosync daemon via its Unix socket.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		switch outputFormat {
		case "text", "json", "yaml":
		default:
			return fmt.Errorf("invalid --output %q: use text, json or yaml", outputFormat)
		}

		// Share the daemon's config so socket path and backend timeout agree.
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))
		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return err
		}
		if socketPath == "" {
			socketPath = cfg.SocketPath
		}
		if timeout <= 0 {
			timeout = cfg.CommandTimeout()
		}
		return nil
	},
	SilenceUsage: true,
}

// --- Client Helper Function ---

// sendCommand performs one request/response exchange with the daemon.
// Backend round trips happen before the daemon answers, so timeout has to
// cover them.
func sendCommand(path string, cmd ipc.Command, timeout time.Duration) (*reply, error) {
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connecting to daemon socket (%s): %w\nIs the pomosync daemon running?", path, err)
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(timeout))

	if err := json.NewEncoder(conn).Encode(cmd); err != nil {
		return nil, fmt.Errorf("sending command: %w", err)
	}
	var resp reply
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, fmt.Errorf("receiving response: %w", err)
	}
	return &resp, nil
}

func run(cmd ipc.Command) error {
	resp, err := sendCommand(socketPath, cmd, timeout)
	if err != nil {
		return err
	}
	if err := render(os.Stdout, outputFormat, resp); err != nil {
		return err
	}
	if !resp.Success {
		// Already printed; only the exit status is left.
		os.Exit(1)
	}
	return nil
}

// --- Command Definitions ---

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check if the pomosync daemon is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(ipc.Command{Name: ipc.CmdPing})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current timer state",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(ipc.Command{Name: ipc.CmdGetState})
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconcile the timer with the backend's active session now",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(ipc.Command{Name: ipc.CmdSyncActive})
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a work phase (or resume a paused one)",
	RunE: func(cmd *cobra.Command, args []string) error {
		project, _ := cmd.Flags().GetString("project")
		return run(ipc.Command{Name: ipc.CmdStart, Args: ipc.StartArgs{ProjectID: project}})
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause the running phase",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(ipc.Command{Name: ipc.CmdPause})
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume a paused phase",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(ipc.Command{Name: ipc.CmdResume})
	},
}

var abandonCmd = &cobra.Command{
	Use:   "abandon",
	Short: "Abandon the current phase and return to idle",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(ipc.Command{Name: ipc.CmdAbandon})
	},
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the daemon's configuration file")
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "", "Path to the daemon's Unix socket (default from config)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 0, "How long to wait for the daemon (default derived from backend.timeout)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "text", "Output format: text, json or yaml")

	startCmd.Flags().StringP("project", "p", "", "Learning project to attribute the session to")

	rootCmd.AddCommand(pingCmd, statusCmd, syncCmd, startCmd, pauseCmd, resumeCmd, abandonCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
