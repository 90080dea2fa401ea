// Package publish forwards timer changes to NATS so other local consumers
// (status bars, editors) can follow the timer without polling the daemon.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"pomosync/internal/controller"
	"pomosync/internal/timer"
)

const DefaultSubject = "pomosync.timer"

// Conn is the part of *nats.Conn the publisher uses.
type Conn interface {
	Publish(subject string, data []byte) error
}

// Event is the JSON payload published for every change.
type Event struct {
	Kind             controller.Kind `json:"kind"`
	At               time.Time       `json:"at"`
	State            *timer.State    `json:"state"`
	RemainingSeconds int64           `json:"remainingSeconds"`
}

type Publisher struct {
	conn    Conn
	subject string
	log     *slog.Logger
	close   func()
}

// Connect dials the NATS server at url.
func Connect(url, subject string, log *slog.Logger) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("pomosync"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	p := New(nc, subject, log)
	p.close = func() {
		if err := nc.Drain(); err != nil {
			nc.Close()
		}
	}
	p.log.Info("NATS publisher connected", "url", url, "subject", p.subject)
	return p, nil
}

func New(conn Conn, subject string, log *slog.Logger) *Publisher {
	if subject == "" {
		subject = DefaultSubject
	}
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{conn: conn, subject: subject, log: log}
}

// Publish sends one change.
func (p *Publisher) Publish(c controller.Change) error {
	ev := Event{Kind: c.Kind, At: c.At, State: c.State}
	if c.State != nil {
		ev.RemainingSeconds = int64(c.State.Remaining(c.At) / time.Second)
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	p.log.Debug("Published timer change", "kind", c.Kind, "subject", p.subject)
	return nil
}

// Forward publishes changes until the channel closes or ctx is done.
func (p *Publisher) Forward(ctx context.Context, changes <-chan controller.Change) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-changes:
			if !ok {
				return
			}
			if err := p.Publish(c); err != nil {
				p.log.Warn("timer change not published", "kind", c.Kind, "error", err)
			}
		}
	}
}

func (p *Publisher) Close() {
	if p.close != nil {
		p.close()
	}
}
