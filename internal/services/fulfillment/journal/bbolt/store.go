// Package bbolt implements the journal on an embedded BoltDB file. Each
// stream is a nested bucket keyed by big-endian sequence numbers.
package bbolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/event"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/journal"
)

const (
	eventsBucket    = "events"
	snapshotsBucket = "snapshots"
	publishedBucket = "published"
)

// Store provides a BoltDB-backed journal.
type Store struct {
	db *bbolt.DB
}

var _ journal.Journal = (*Store)(nil)

// Open opens a BoltDB journal at the provided path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	db, err := bbolt.Open(filepath.Clean(path), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open storage db: %w", err)
	}
	store := &Store{db: db}
	if err := store.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{eventsBucket, snapshotsBucket, publishedBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create %s bucket: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the underlying BoltDB database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
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
		evt.Timestamp = time.Now()
	}
	evt.Timestamp = evt.Timestamp.UTC()

	var stored event.Event
	err := s.db.Update(func(tx *bbolt.Tx) error {
		stream, err := tx.Bucket([]byte(eventsBucket)).CreateBucketIfNotExists([]byte(streamID))
		if err != nil {
			return fmt.Errorf("create stream bucket: %w", err)
		}

		var last uint64
		if key, _ := stream.Cursor().Last(); key != nil {
			last = binary.BigEndian.Uint64(key)
		}
		next := last + 1
		if evt.Seq != next {
			if evt.Seq > 0 && evt.Seq < next {
				var existing event.Event
				if err := json.Unmarshal(stream.Get(seqKey(evt.Seq)), &existing); err != nil {
					return fmt.Errorf("unmarshal event: %w", err)
				}
				if journal.SameAppend(existing, evt) {
					stored = existing
					return nil
				}
			}
			return fmt.Errorf("%w: %s expected seq %d got %d", journal.ErrSequenceConflict, streamID, next, evt.Seq)
		}

		payload, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		if err := stream.Put(seqKey(evt.Seq), payload); err != nil {
			return fmt.Errorf("put event: %w", err)
		}
		stored = evt
		return nil
	})
	if err != nil {
		return event.Event{}, err
	}
	return stored, nil
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

	var events []event.Event
	err := s.db.View(func(tx *bbolt.Tx) error {
		stream := tx.Bucket([]byte(eventsBucket)).Bucket([]byte(streamID))
		if stream == nil {
			return nil
		}
		cursor := stream.Cursor()
		for key, value := cursor.Seek(seqKey(afterSeq + 1)); key != nil; key, value = cursor.Next() {
			if limit > 0 && len(events) >= limit {
				break
			}
			var evt event.Event
			if err := json.Unmarshal(value, &evt); err != nil {
				return fmt.Errorf("unmarshal event: %w", err)
			}
			events = append(events, evt)
		}
		return nil
	})
	if err != nil {
		return nil, err
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

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(snapshotsBucket))
		if current := bucket.Get([]byte(snap.StreamID)); current != nil {
			var existing journal.Snapshot
			if err := json.Unmarshal(current, &existing); err != nil {
				return fmt.Errorf("unmarshal snapshot: %w", err)
			}
			if existing.Seq >= snap.Seq {
				return nil
			}
		}
		payload, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("marshal snapshot: %w", err)
		}
		return bucket.Put([]byte(snap.StreamID), payload)
	})
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

	var snap journal.Snapshot
	err := s.db.View(func(tx *bbolt.Tx) error {
		payload := tx.Bucket([]byte(snapshotsBucket)).Get([]byte(streamID))
		if payload == nil {
			return journal.ErrSnapshotNotFound
		}
		return json.Unmarshal(payload, &snap)
	})
	if err != nil {
		if errors.Is(err, journal.ErrSnapshotNotFound) {
			return journal.Snapshot{}, err
		}
		return journal.Snapshot{}, fmt.Errorf("load snapshot: %w", err)
	}
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
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(publishedBucket))
		if current := bucket.Get([]byte(streamID)); current != nil && binary.BigEndian.Uint64(current) >= seq {
			return nil
		}
		return bucket.Put([]byte(streamID), seqKey(seq))
	})
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
	var seq uint64
	err := s.db.View(func(tx *bbolt.Tx) error {
		if value := tx.Bucket([]byte(publishedBucket)).Get([]byte(streamID)); value != nil {
			seq = binary.BigEndian.Uint64(value)
		}
		return nil
	})
	return seq, err
}
