// Package postgres implements the journal on PostgreSQL through pgxpool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/event"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/journal"
)

const schema = `
CREATE TABLE IF NOT EXISTS journal_events (
    stream_id TEXT NOT NULL,
    seq BIGINT NOT NULL,
    aggregate_type TEXT NOT NULL,
    aggregate_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    occurred_at TIMESTAMPTZ NOT NULL,
    correlation_id TEXT NOT NULL DEFAULT '',
    causation_id TEXT NOT NULL DEFAULT '',
    payload JSONB NOT NULL,
    PRIMARY KEY (stream_id, seq)
);
CREATE TABLE IF NOT EXISTS journal_snapshots (
    stream_id TEXT PRIMARY KEY,
    seq BIGINT NOT NULL,
    payload JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS journal_published (
    stream_id TEXT PRIMARY KEY,
    seq BIGINT NOT NULL
);`

// uniqueViolation is the SQLSTATE for duplicate keys.
const uniqueViolation = "23505"

// Store is a PostgreSQL-backed journal.
type Store struct {
	pool *pgxpool.Pool
}

var _ journal.Journal = (*Store)(nil)

// Open connects to dsn and ensures the journal schema exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.pool == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

// Append stores evt at evt.Seq when it is the next sequence of its stream.
// Concurrent writers on one stream race on the primary key; the loser sees
// ErrSequenceConflict.
func (s *Store) Append(ctx context.Context, evt event.Event) (event.Event, error) {
	if err := s.ready(ctx); err != nil {
		return event.Event{}, err
	}
	if strings.TrimSpace(evt.AggregateType) == "" || strings.TrimSpace(evt.AggregateID) == "" {
		return event.Event{}, journal.ErrStreamIDRequired
	}
	streamID := evt.StreamID()
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	evt.Timestamp = evt.Timestamp.UTC().Truncate(time.Microsecond)
	if len(evt.PayloadJSON) == 0 {
		evt.PayloadJSON = []byte("{}")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return event.Event{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var last int64
	if err := tx.QueryRow(ctx,
		"SELECT COALESCE(MAX(seq), 0) FROM journal_events WHERE stream_id = $1", streamID,
	).Scan(&last); err != nil {
		return event.Event{}, fmt.Errorf("get stream seq: %w", err)
	}
	next := uint64(last) + 1
	if evt.Seq != next {
		if evt.Seq > 0 && evt.Seq < next {
			stored, err := getEvent(ctx, tx, streamID, evt.Seq)
			if err != nil {
				return event.Event{}, err
			}
			if journal.SameAppend(stored, evt) {
				return stored, nil
			}
		}
		return event.Event{}, fmt.Errorf("%w: %s expected seq %d got %d", journal.ErrSequenceConflict, streamID, next, evt.Seq)
	}

	if _, err := tx.Exec(ctx, `INSERT INTO journal_events (
    stream_id, seq, aggregate_type, aggregate_id, event_type, occurred_at,
    correlation_id, causation_id, payload
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		streamID, int64(evt.Seq), evt.AggregateType, evt.AggregateID, string(evt.Type),
		evt.Timestamp, evt.CorrelationID, evt.CausationID, string(evt.PayloadJSON),
	); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return event.Event{}, fmt.Errorf("%w: %s seq %d is taken", journal.ErrSequenceConflict, streamID, evt.Seq)
		}
		return event.Event{}, fmt.Errorf("append event: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return event.Event{}, fmt.Errorf("commit: %w", err)
	}
	return evt, nil
}

const eventColumns = `aggregate_type, aggregate_id, seq, event_type, occurred_at, correlation_id, causation_id, payload::text`

func scanEvent(row pgx.Row) (event.Event, error) {
	var (
		evt       event.Event
		seq       int64
		eventType string
		payload   string
	)
	if err := row.Scan(&evt.AggregateType, &evt.AggregateID, &seq, &eventType, &evt.Timestamp, &evt.CorrelationID, &evt.CausationID, &payload); err != nil {
		return event.Event{}, err
	}
	evt.Seq = uint64(seq)
	evt.Type = event.Type(eventType)
	evt.Timestamp = evt.Timestamp.UTC()
	evt.PayloadJSON = []byte(payload)
	return evt, nil
}

func getEvent(ctx context.Context, tx pgx.Tx, streamID string, seq uint64) (event.Event, error) {
	evt, err := scanEvent(tx.QueryRow(ctx,
		"SELECT "+eventColumns+" FROM journal_events WHERE stream_id = $1 AND seq = $2", streamID, int64(seq)))
	if err != nil {
		return event.Event{}, fmt.Errorf("get event %s/%d: %w", streamID, seq, err)
	}
	return evt, nil
}

// ReadStream returns events with Seq > afterSeq in order.
func (s *Store) ReadStream(ctx context.Context, streamID string, afterSeq uint64, limit int) ([]event.Event, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	streamID = strings.TrimSpace(streamID)
	if streamID == "" {
		return nil, journal.ErrStreamIDRequired
	}

	query := "SELECT " + eventColumns + " FROM journal_events WHERE stream_id = $1 AND seq > $2 ORDER BY seq"
	args := []any{streamID, int64(afterSeq)}
	if limit > 0 {
		query += " LIMIT $3"
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// SaveSnapshot replaces the stream snapshot when snap is newer.
func (s *Store) SaveSnapshot(ctx context.Context, snap journal.Snapshot) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	snap.StreamID = strings.TrimSpace(snap.StreamID)
	if snap.StreamID == "" {
		return journal.ErrStreamIDRequired
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}
	if _, err := s.pool.Exec(ctx, `INSERT INTO journal_snapshots (stream_id, seq, payload, created_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (stream_id) DO UPDATE SET
    seq = EXCLUDED.seq,
    payload = EXCLUDED.payload,
    created_at = EXCLUDED.created_at
WHERE EXCLUDED.seq > journal_snapshots.seq`,
		snap.StreamID, int64(snap.Seq), string(snap.Payload), snap.CreatedAt,
	); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// LoadLatestSnapshot returns the stream snapshot.
func (s *Store) LoadLatestSnapshot(ctx context.Context, streamID string) (journal.Snapshot, error) {
	if err := s.ready(ctx); err != nil {
		return journal.Snapshot{}, err
	}
	streamID = strings.TrimSpace(streamID)
	if streamID == "" {
		return journal.Snapshot{}, journal.ErrStreamIDRequired
	}
	var (
		seq     int64
		payload string
		snap    = journal.Snapshot{StreamID: streamID}
	)
	err := s.pool.QueryRow(ctx,
		"SELECT seq, payload::text, created_at FROM journal_snapshots WHERE stream_id = $1", streamID,
	).Scan(&seq, &payload, &snap.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return journal.Snapshot{}, journal.ErrSnapshotNotFound
	}
	if err != nil {
		return journal.Snapshot{}, fmt.Errorf("load snapshot: %w", err)
	}
	snap.Seq = uint64(seq)
	snap.Payload = []byte(payload)
	return snap, nil
}

// SavePublished advances the publication watermark.
func (s *Store) SavePublished(ctx context.Context, streamID string, seq uint64) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	streamID = strings.TrimSpace(streamID)
	if streamID == "" {
		return journal.ErrStreamIDRequired
	}
	if _, err := s.pool.Exec(ctx, `INSERT INTO journal_published (stream_id, seq) VALUES ($1, $2)
ON CONFLICT (stream_id) DO UPDATE SET seq = EXCLUDED.seq WHERE EXCLUDED.seq > journal_published.seq`,
		streamID, int64(seq),
	); err != nil {
		return fmt.Errorf("save published: %w", err)
	}
	return nil
}

// LoadPublished returns the publication watermark.
func (s *Store) LoadPublished(ctx context.Context, streamID string) (uint64, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	streamID = strings.TrimSpace(streamID)
	if streamID == "" {
		return 0, journal.ErrStreamIDRequired
	}
	var seq int64
	err := s.pool.QueryRow(ctx, "SELECT seq FROM journal_published WHERE stream_id = $1", streamID).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load published: %w", err)
	}
	return uint64(seq), nil
}

// truncate clears all journal tables. Tests use it to isolate cases.
func (s *Store) truncate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "TRUNCATE journal_events, journal_snapshots, journal_published")
	return err
}
