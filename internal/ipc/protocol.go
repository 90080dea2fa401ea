package ipc

import (
	"time"

	"pomosync/internal/timer"
)

const DefaultSocketPath = "/tmp/pomosync.sock"

// Command represents a command sent over the socket
type Command struct {
	Name string `json:"name"`
	Args any    `json:"args,omitempty"`
}

// Response represents a response sent back over the socket
type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// --- Command Argument Structs ---

type StartArgs struct {
	ProjectID string `json:"project_id,omitempty" mapstructure:"project_id"`
}

// --- Command Names (Constants) ---

const (
	CmdPing       = "ping"
	CmdGetState   = "get_state"
	CmdSyncActive = "sync_active"
	CmdStart      = "start"
	CmdPause      = "pause"
	CmdResume     = "resume"
	CmdAbandon    = "abandon"
)

// --- State Response Data ---

// StateData is the payload of every timer command. State is nil when idle.
type StateData struct {
	State            *timer.State `json:"state" yaml:"state"`
	RemainingSeconds int64        `json:"remaining_seconds" yaml:"remaining_seconds"`
	EndsAt           *time.Time   `json:"ends_at,omitempty" yaml:"ends_at,omitempty"`
}

// NewStateData derives the display fields for st at now.
func NewStateData(st *timer.State, now time.Time) StateData {
	d := StateData{State: st}
	if st == nil {
		return d
	}
	d.RemainingSeconds = int64(st.Remaining(now) / time.Second)
	if !st.IsPaused {
		end := st.EndTime()
		d.EndsAt = &end
	}
	return d
}
