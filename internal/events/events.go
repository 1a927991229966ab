// Package events publishes per-repository progress to NATS.
//
// Each processed repository produces one RepoEvent, published to
//
//	{subject}.{status}
//
// where status is one of the Status values. Subscribers can follow a whole
// run with "{subject}.>".
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Status is the outcome of one repository.
type Status string

const (
	StatusFetched     Status = "fetched"
	StatusFetchFailed Status = "fetch_failed"
	StatusInterrupted Status = "interrupted"
)

// RepoEvent is published after a repository has been processed.
type RepoEvent struct {
	RunID         string    `json:"run_id"`
	Shard         int       `json:"shard"`
	Repo          string    `json:"repo"`
	Stars         int       `json:"stars"`
	Language      string    `json:"language"`
	Status        Status    `json:"status"`
	FilesSeen     int       `json:"files_seen"`
	FilesAccepted int       `json:"files_accepted"`
	Bytes         int64     `json:"bytes"`
	DurationMS    int64     `json:"duration_ms"`
	Error         string    `json:"error,omitempty"`
	Time          time.Time `json:"time"`
}

// Publisher receives repository events. Implementations must be safe for
// concurrent use.
type Publisher interface {
	Publish(ctx context.Context, ev RepoEvent) error
	Close() error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, RepoEvent) error { return nil }
func (Nop) Close() error                             { return nil }

// NATSPublisher publishes events as JSON on a NATS connection.
type NATSPublisher struct {
	nc      *nats.Conn
	subject string
	owned   bool
}

// Connect dials url and returns a publisher that owns the connection.
func Connect(url, subject string, timeout time.Duration) (*NATSPublisher, error) {
	if subject == "" {
		return nil, errors.New("events: subject is required")
	}
	nc, err := nats.Connect(url,
		nats.Name("codeharvest"),
		nats.Timeout(timeout),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return &NATSPublisher{nc: nc, subject: subject, owned: true}, nil
}

// NewNATSPublisher wraps an existing connection. Close does not close it.
func NewNATSPublisher(nc *nats.Conn, subject string) *NATSPublisher {
	return &NATSPublisher{nc: nc, subject: subject}
}

// Subject returns the subject ev is published to.
func (p *NATSPublisher) Subject(ev RepoEvent) string {
	return p.subject + "." + string(ev.Status)
}

// Publish sends ev. Publishing is fire and forget; delivery is not awaited.
func (p *NATSPublisher) Publish(ctx context.Context, ev RepoEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal repo event: %w", err)
	}
	if err := p.nc.Publish(p.Subject(ev), data); err != nil {
		return fmt.Errorf("publish repo event: %w", err)
	}
	return nil
}

// Close flushes buffered events and closes an owned connection.
func (p *NATSPublisher) Close() error {
	if !p.owned {
		return p.nc.Flush()
	}
	err := p.nc.Drain()
	if errors.Is(err, nats.ErrConnectionClosed) {
		return nil
	}
	return err
}
