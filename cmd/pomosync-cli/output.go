package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"pomosync/internal/ipc"
)

// reply is ipc.Response with the data payload decoded into its only shape.
type reply struct {
	Success bool           `json:"success" yaml:"success"`
	Message string         `json:"message,omitempty" yaml:"message,omitempty"`
	Data    *ipc.StateData `json:"data,omitempty" yaml:"data,omitempty"`
}

func render(w io.Writer, format string, r *reply) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return err
		}
		return enc.Close()
	}
	return renderText(w, r)
}

func renderText(w io.Writer, r *reply) error {
	if !r.Success {
		_, err := fmt.Fprintf(w, "Error: %s\n", r.Message)
		return err
	}
	if _, err := fmt.Fprintf(w, "Success: %s\n", r.Message); err != nil {
		return err
	}
	if r.Data == nil || r.Data.State == nil {
		return nil
	}

	st := r.Data.State
	rows := [][2]string{
		{"Phase", string(st.Phase)},
		{"Remaining", (time.Duration(r.Data.RemainingSeconds) * time.Second).String()},
		{"Intervals", fmt.Sprintf("%d", st.CompletedIntervals)},
	}
	if st.SessionID != "" {
		rows = append(rows, [2]string{"Session", st.SessionID})
	}
	if st.ProjectID != "" {
		rows = append(rows, [2]string{"Project", st.ProjectID})
	}
	if st.IsPaused {
		rows = append(rows, [2]string{"Paused", "yes"})
	} else if r.Data.EndsAt != nil {
		rows = append(rows, [2]string{"Ends", r.Data.EndsAt.Local().Format("15:04:05")})
	}
	for _, row := range rows {
		if _, err := fmt.Fprintf(w, "  %-10s %s\n", row[0]+":", row[1]); err != nil {
			return err
		}
	}
	return nil
}
