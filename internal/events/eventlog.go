package events

import (
	"context"
	"database/sql"
	"time"
)

// EventRepo appends events to the event_log table.
type EventRepo struct {
	db      *sql.DB
	siteID  string
	timeout time.Duration
}

// NewEventRepo bounds every statement by timeout (no bound when <= 0).
func NewEventRepo(db *sql.DB, siteID string, timeout time.Duration) *EventRepo {
	return &EventRepo{db: db, siteID: siteID, timeout: timeout}
}

func (r *EventRepo) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.timeout)
}

func (r *EventRepo) Publish(ctx context.Context, e Event) error {
	return r.Append(ctx, e)
}

func (r *EventRepo) Append(ctx context.Context, e Event) error {
	site := e.SiteID
	if site == "" {
		site = r.siteID
	}
	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	data := string(e.Data)
	if data == "" {
		data = "{}"
	}
	ctx, cancel := r.bound(ctx)
	defer cancel()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO event_log (site_id, typ, key, version, data, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		site, e.Type, e.Key, e.Version, data, created.UnixMilli())
	return err
}

// ListByKey returns the events recorded for key in append order.
func (r *EventRepo) ListByKey(ctx context.Context, key string) ([]Event, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	rows, err := r.db.QueryContext(ctx,
		`SELECT seq, site_id, typ, key, version, data, created_at
		 FROM event_log WHERE key=$1 ORDER BY seq`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e       Event
			data    string
			created int64
		)
		if err := rows.Scan(&e.Seq, &e.SiteID, &e.Type, &e.Key, &e.Version, &data, &created); err != nil {
			return nil, err
		}
		e.Data = []byte(data)
		e.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
