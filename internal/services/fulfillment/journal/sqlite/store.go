// Package sqlite implements the journal on an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/louisbranch/fulfillment/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/event"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/journal"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/journal/sqlite/migrations"
)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Store is a SQLite-backed journal.
type Store struct {
	sqlDB *sql.DB
}

var _ journal.Journal = (*Store)(nil)

// Open opens (and migrates) the journal database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer connection keeps appends serialized inside SQLite.
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.Apply(ctx, sqlDB, migrations.FS, "journal"); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the underlying SQLite database. It is nil-safe.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

// Append stores evt at evt.Seq when it is the next sequence of its stream.
func (s *Store) Append(ctx context.Context, evt event.Event) (event.Event, error) {
	if err := s.ready(ctx); err != nil {
		return event.Event{}, err
	}
	if strings.TrimSpace(evt.AggregateType) == "" || strings.TrimSpace(evt.AggregateID) == "" {
		return event.Event{}, journal.ErrStreamIDRequired
	}
	streamID := evt.StreamID()
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	evt.Timestamp = evt.Timestamp.UTC().Truncate(time.Millisecond)
	if len(evt.PayloadJSON) == 0 {
		evt.PayloadJSON = []byte("{}")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return event.Event{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var last int64
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), 0) FROM events WHERE stream_id = ?", streamID,
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

	if _, err := tx.ExecContext(ctx, `INSERT INTO events (
    stream_id, seq, aggregate_type, aggregate_id, event_type, timestamp,
    correlation_id, causation_id, payload_json
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		streamID, int64(evt.Seq), evt.AggregateType, evt.AggregateID, string(evt.Type),
		toMillis(evt.Timestamp), evt.CorrelationID, evt.CausationID, []byte(evt.PayloadJSON),
	); err != nil {
		if isConstraintError(err) {
			return event.Event{}, fmt.Errorf("%w: %s seq %d is taken", journal.ErrSequenceConflict, streamID, evt.Seq)
		}
		return event.Event{}, fmt.Errorf("append event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return event.Event{}, fmt.Errorf("commit: %w", err)
	}
	return evt, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

const eventColumns = `aggregate_type, aggregate_id, seq, event_type, timestamp, correlation_id, causation_id, payload_json`

func scanEvent(row rowScanner) (event.Event, error) {
	var (
		evt       event.Event
		seq       int64
		eventType string
		ts        int64
		payload   []byte
	)
	if err := row.Scan(&evt.AggregateType, &evt.AggregateID, &seq, &eventType, &ts, &evt.CorrelationID, &evt.CausationID, &payload); err != nil {
		return event.Event{}, err
	}
	evt.Seq = uint64(seq)
	evt.Type = event.Type(eventType)
	evt.Timestamp = fromMillis(ts)
	evt.PayloadJSON = payload
	return evt, nil
}

func getEvent(ctx context.Context, tx *sql.Tx, streamID string, seq uint64) (event.Event, error) {
	row := tx.QueryRowContext(ctx, "SELECT "+eventColumns+" FROM events WHERE stream_id = ? AND seq = ?", streamID, int64(seq))
	evt, err := scanEvent(row)
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
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		"SELECT "+eventColumns+" FROM events WHERE stream_id = ? AND seq > ? ORDER BY seq LIMIT ?",
		streamID, int64(afterSeq), limit,
	)
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
	if _, err := s.sqlDB.ExecContext(ctx, `INSERT INTO snapshots (stream_id, seq, payload_json, created_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(stream_id) DO UPDATE SET
    seq = excluded.seq,
    payload_json = excluded.payload_json,
    created_at = excluded.created_at
WHERE excluded.seq > snapshots.seq`,
		snap.StreamID, int64(snap.Seq), []byte(snap.Payload), toMillis(snap.CreatedAt),
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
		payload []byte
		created int64
	)
	err := s.sqlDB.QueryRowContext(ctx,
		"SELECT seq, payload_json, created_at FROM snapshots WHERE stream_id = ?", streamID,
	).Scan(&seq, &payload, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return journal.Snapshot{}, journal.ErrSnapshotNotFound
	}
	if err != nil {
		return journal.Snapshot{}, fmt.Errorf("load snapshot: %w", err)
	}
	return journal.Snapshot{StreamID: streamID, Seq: uint64(seq), Payload: payload, CreatedAt: fromMillis(created)}, nil
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
	if _, err := s.sqlDB.ExecContext(ctx, `INSERT INTO published (stream_id, seq) VALUES (?, ?)
ON CONFLICT(stream_id) DO UPDATE SET seq = excluded.seq WHERE excluded.seq > published.seq`,
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
	err := s.sqlDB.QueryRowContext(ctx, "SELECT seq FROM published WHERE stream_id = ?", streamID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load published: %w", err)
	}
	return uint64(seq), nil
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}
