package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"pomosync/internal/backend"
	"pomosync/internal/timer"
)

const DefaultBaseURL = "http://localhost:8000/api/v1/pomodoro"

// Client implements backend.SessionAPI over the learning backend's REST API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     *slog.Logger
}

func NewClient(baseURL, token string, timeout time.Duration, log *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
		log:     log,
	}
}

// ActiveSession: GET sessions?status=in_progress&limit=1
func (c *Client) ActiveSession(ctx context.Context) (*backend.RemoteSession, error) {
	q := url.Values{}
	q.Set("status", "in_progress")
	q.Set("limit", "1")

	var raw []rawSession
	if err := c.do(ctx, "list sessions", http.MethodGet, "sessions", q, nil, &raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	s := raw[0].toDomain()
	return &s, nil
}

// StartSession: POST sessions/start
func (c *Client) StartSession(ctx context.Context, req backend.StartRequest) (*backend.RemoteSession, error) {
	body := startBody{
		SessionType:   "work",
		WorkDuration:  req.WorkDurationMinutes,
		BreakDuration: req.BreakDurationMinutes,
	}
	if req.ProjectID != "" {
		body.LearningProjectID = &req.ProjectID
	}
	var raw rawSession
	if err := c.do(ctx, "start session", http.MethodPost, "sessions/start", nil, body, &raw); err != nil {
		return nil, err
	}
	if raw.ID == "" {
		return nil, fmt.Errorf("start session: response carries no session id")
	}
	s := raw.toDomain()
	return &s, nil
}

// CompleteSession: POST sessions/{id}/complete
func (c *Client) CompleteSession(ctx context.Context, id string, actualMinutes int) error {
	body := completeBody{ActualDuration: actualMinutes}
	return c.do(ctx, "complete session", http.MethodPost, "sessions/"+url.PathEscape(id)+"/complete", nil, body, nil)
}

// AbandonSession: POST sessions/{id}/abandon
func (c *Client) AbandonSession(ctx context.Context, id string, actualMinutes int, reason string) error {
	body := abandonBody{ActualDuration: actualMinutes, Reason: reason}
	return c.do(ctx, "abandon session", http.MethodPost, "sessions/"+url.PathEscape(id)+"/abandon", nil, body, nil)
}

// Preferences: GET preferences
func (c *Client) Preferences(ctx context.Context) (timer.Preferences, error) {
	var raw rawPreferences
	if err := c.do(ctx, "get preferences", http.MethodGet, "preferences", nil, nil, &raw); err != nil {
		return timer.Preferences{}, err
	}
	return timer.Preferences{
		WorkDuration:      raw.WorkDuration,
		BreakDuration:     raw.BreakDuration,
		LongBreakDuration: raw.LongBreakDuration,
		LongBreakInterval: raw.LongBreakInterval,
	}.Normalized(), nil
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, in, out any) error {
	u := c.baseURL + "/" + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		reqBody = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return fmt.Errorf("%s: %w", op, err)
		}
		return fmt.Errorf("%s: %w: %v", op, backend.ErrUnavailable, err)
	}
	defer resp.Body.Close()
	c.log.Debug("backend request",
		slog.String("op", op),
		slog.Int("status", resp.StatusCode),
		slog.Duration("dur", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &backend.StatusError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

type startBody struct {
	LearningProjectID *string `json:"learning_project_id,omitempty"`
	SessionType       string  `json:"session_type"`
	WorkDuration      int     `json:"work_duration"`
	BreakDuration     int     `json:"break_duration"`
}

type completeBody struct {
	ActualDuration int `json:"actual_duration"`
}

type abandonBody struct {
	ActualDuration int    `json:"actual_duration"`
	Reason         string `json:"reason"`
}

// rawSession mirrors the backend's session response.
type rawSession struct {
	ID                string   `json:"id"`
	LearningProjectID *string  `json:"learning_project_id"`
	StartTime         wireTime `json:"start_time"`
	WorkDuration      int      `json:"work_duration"`
	BreakDuration     int      `json:"break_duration"`
	Status            string   `json:"status"`
}

func (r rawSession) toDomain() backend.RemoteSession {
	s := backend.RemoteSession{
		ID:                   r.ID,
		StartTime:            r.StartTime.Time,
		WorkDurationMinutes:  r.WorkDuration,
		BreakDurationMinutes: r.BreakDuration,
		Status:               r.Status,
	}
	if r.LearningProjectID != nil {
		s.ProjectID = *r.LearningProjectID
	}
	return s
}

type rawPreferences struct {
	WorkDuration      int `json:"work_duration"`
	BreakDuration     int `json:"break_duration"`
	LongBreakDuration int `json:"long_break_duration"`
	LongBreakInterval int `json:"long_break_interval"`
}

// wireTime accepts RFC 3339 timestamps and the backend's naive ISO form,
// which is UTC.
type wireTime struct{ time.Time }

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func (w *wireTime) UnmarshalJSON(b []byte) error {
	s, err := strconv.Unquote(string(b))
	if err != nil {
		return fmt.Errorf("timestamp must be a string: %s", b)
	}
	if s == "" {
		w.Time = time.Time{}
		return nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		w.Time = t
		return nil
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			w.Time = t
			return nil
		}
	}
	return fmt.Errorf("unrecognised timestamp %q", s)
}
