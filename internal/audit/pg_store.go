package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PGStore persists decision events into Postgres.
type PGStore struct {
	db *sql.DB
}

// NewPGStore constructs a Postgres-backed store.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

// Ping verifies connectivity to Postgres.
func (p *PGStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// EnsureSchema creates the decision_events table if it does not exist.
func (p *PGStore) EnsureSchema(ctx context.Context) error {
	const q = `
CREATE TABLE IF NOT EXISTS decision_events (
  id text PRIMARY KEY,
  event_type text NOT NULL,
  bot_id text NOT NULL,
  destination text NOT NULL DEFAULT '',
  reason text NOT NULL DEFAULT '',
  task_url text NOT NULL DEFAULT '',
  details jsonb,
  ts timestamptz NOT NULL,
  stream_status text NOT NULL DEFAULT 'pending',
  attempts integer NOT NULL DEFAULT 0,
  s3_object_key text,
  last_stream_error text,
  streamed_at timestamptz
);
CREATE INDEX IF NOT EXISTS idx_decision_events_stream_status ON decision_events (stream_status, ts);
CREATE INDEX IF NOT EXISTS idx_decision_events_bot_id ON decision_events (bot_id, ts DESC);
`
	if _, err := p.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("ensure decision_events schema: %w", err)
	}
	return nil
}

// AppendDecision persists a decision event with stream_status 'pending'. The
// streamer picks it up from there; the request path never waits on Kafka/S3.
func (p *PGStore) AppendDecision(ctx context.Context, ev *DecisionEvent) error {
	if ev.ID == "" {
		ev.ID = NewUUID()
	}
	if ev.Ts.IsZero() {
		ev.Ts = time.Now().UTC()
	}
	detailsJSON := []byte("null")
	if ev.Details != nil {
		b, err := json.Marshal(ev.Details)
		if err != nil {
			return fmt.Errorf("marshal details: %w", err)
		}
		detailsJSON = b
	}

	q := `
		INSERT INTO decision_events
		  (id, event_type, bot_id, destination, reason, task_url, details, ts, stream_status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,'pending')
	`
	_, err := p.db.ExecContext(ctx, q,
		ev.ID,
		ev.EventType,
		ev.BotID,
		ev.Destination,
		ev.Reason,
		ev.TaskURL,
		detailsJSON,
		ev.Ts,
	)
	if err != nil {
		return fmt.Errorf("insert decision_event: %w", err)
	}
	return nil
}

// GetDecision fetches a decision event by id.
func (p *PGStore) GetDecision(ctx context.Context, id string) (*DecisionEvent, error) {
	q := `SELECT id, event_type, bot_id, destination, reason, task_url, details, ts FROM decision_events WHERE id=$1`
	row := p.db.QueryRowContext(ctx, q, id)

	var (
		ev           DecisionEvent
		detailsBytes []byte
	)
	if err := row.Scan(&ev.ID, &ev.EventType, &ev.BotID, &ev.Destination, &ev.Reason, &ev.TaskURL, &detailsBytes, &ev.Ts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query decision_event: %w", err)
	}
	if len(detailsBytes) > 0 && string(detailsBytes) != "null" {
		if err := json.Unmarshal(detailsBytes, &ev.Details); err != nil {
			return nil, fmt.Errorf("unmarshal details: %w", err)
		}
	}
	return &ev, nil
}

// FetchPendingEvents claims up to limit pending events for streaming. Claimed
// rows move to in_progress with their attempt count incremented; the claim
// uses FOR UPDATE SKIP LOCKED so concurrent streamers never double-claim.
func (p *PGStore) FetchPendingEvents(ctx context.Context, limit int) ([]*DecisionEvent, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	const selectQ = `
		SELECT id, event_type, bot_id, destination, reason, task_url, details, ts
		FROM decision_events
		WHERE stream_status = 'pending'
		ORDER BY ts
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`
	rows, err := tx.QueryContext(ctx, selectQ, limit)
	if err != nil {
		return nil, fmt.Errorf("select pending events: %w", err)
	}
	var events []*DecisionEvent
	for rows.Next() {
		var (
			ev           DecisionEvent
			detailsBytes []byte
		)
		if err := rows.Scan(&ev.ID, &ev.EventType, &ev.BotID, &ev.Destination, &ev.Reason, &ev.TaskURL, &detailsBytes, &ev.Ts); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan pending event: %w", err)
		}
		if len(detailsBytes) > 0 && string(detailsBytes) != "null" {
			if err := json.Unmarshal(detailsBytes, &ev.Details); err != nil {
				rows.Close()
				return nil, fmt.Errorf("unmarshal details: %w", err)
			}
		}
		events = append(events, &ev)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending events: %w", err)
	}

	for _, ev := range events {
		const claimQ = `
			UPDATE decision_events
			SET stream_status = 'in_progress', attempts = attempts + 1
			WHERE id = $1
		`
		if _, err := tx.ExecContext(ctx, claimQ, ev.ID); err != nil {
			return nil, fmt.Errorf("claim event %s: %w", ev.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return events, nil
}

// MarkEventStreamResult records the outcome of a streaming attempt. A failed
// attempt returns the row to pending so it is retried on a later pass.
func (p *PGStore) MarkEventStreamResult(ctx context.Context, id string, s3Key sql.NullString, ok bool, streamErr sql.NullString) error {
	if ok {
		const q = `
			UPDATE decision_events
			SET stream_status = 'succeeded', s3_object_key = $1, last_stream_error = NULL, streamed_at = NOW()
			WHERE id = $2
		`
		if _, err := p.db.ExecContext(ctx, q, s3Key, id); err != nil {
			return fmt.Errorf("mark event %s streamed: %w", id, err)
		}
		return nil
	}
	const q = `
		UPDATE decision_events
		SET stream_status = 'pending', last_stream_error = $1
		WHERE id = $2
	`
	if _, err := p.db.ExecContext(ctx, q, streamErr, id); err != nil {
		return fmt.Errorf("mark event %s failed: %w", id, err)
	}
	return nil
}
