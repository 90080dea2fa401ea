package main

import (
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pomosync/internal/ipc"
)

// serveOnce answers a single connection after delay.
func serveOnce(t *testing.T, delay time.Duration) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "d.sock")
	l, err := net.Listen("unix", path)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		var cmd ipc.Command
		if err := json.NewDecoder(conn).Decode(&cmd); err != nil {
			return
		}
		time.Sleep(delay)
		_ = json.NewEncoder(conn).Encode(ipc.Response{Success: true, Message: "pong"})
	}()
	return path
}

func TestSendCommandWaitsForSlowDaemon(t *testing.T) {
	path := serveOnce(t, 300*time.Millisecond)
	resp, err := sendCommand(path, ipc.Command{Name: ipc.CmdPing}, 2*time.Second)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "pong", resp.Message)
}

func TestSendCommandHonoursTimeout(t *testing.T) {
	path := serveOnce(t, 2*time.Second)
	_, err := sendCommand(path, ipc.Command{Name: ipc.CmdPing}, 100*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "receiving response")
}
