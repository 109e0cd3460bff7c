package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	TypeSubmitted = "submission.submitted"
	TypeGraded    = "submission.graded"

	// PublishTimeout bounds one detached publish.
	PublishTimeout = 5 * time.Second
)

// Event is one downstream notification about a submission. Type, Key and
// Version together identify it; re-emitting the same triple is a duplicate.
type Event struct {
	Seq       int64           `json:"seq,omitempty"`
	SiteID    string          `json:"site_id,omitempty"`
	Type      string          `json:"type"`
	Key       string          `json:"key"`
	Version   int64           `json:"version"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// New builds an event with data marshalled to JSON.
func New(typ, key string, version int64, data any) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return Event{Type: typ, Key: key, Version: version, Data: raw}, nil
}

// DedupeKey names the event for at-most-once delivery checks.
func (e Event) DedupeKey() string {
	return fmt.Sprintf("event:%s:%s:%d", e.Type, e.Key, e.Version)
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Multi fans an event out to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) error { return nil }

// Detach returns a context that outlives the caller's cancellation but
// still expires after d, so an event emitted after a committed write is
// not lost to a disconnecting client and cannot block forever.
func Detach(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = PublishTimeout
	}
	return context.WithTimeout(context.WithoutCancel(ctx), d)
}
