package cdc

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/gigboard/project/internal/sharding"
	"github.com/gigboard/project/internal/store"
)

// ChangeSource is the store's change log.
type ChangeSource interface {
	Pending(ctx context.Context, limit int) ([]store.ChangeRecord, error)
	MarkPublished(ctx context.Context, seqs []uint64) error
}

// PublishFunc publishes payload on subject; msgID lets the stream drop
// republished records.
type PublishFunc func(subject, msgID string, payload []byte) error

// Relay copies committed change records to the stream in commit order.
type Relay struct {
	Changes   ChangeSource
	Publish   PublishFunc
	BatchSize int
	Interval  time.Duration
}

func NewRelay(changes ChangeSource, publish PublishFunc) *Relay {
	return &Relay{Changes: changes, Publish: publish, BatchSize: 100, Interval: 250 * time.Millisecond}
}

// Subject places a record on cdc.<collection>.<shard>; all records of a key
// share a subject.
func Subject(collection string, keys map[string]string) string {
	return sharding.CDCSubject(collection, store.Key(keys).String())
}

// Flush publishes one batch of pending records. It stops at the first publish
// failure so later records never overtake an earlier one.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	records, err := r.Changes.Pending(ctx, r.BatchSize)
	if err != nil {
		return 0, err
	}

	published := make([]uint64, 0, len(records))
	var publishErr error
	for _, rec := range records {
		payload, err := json.Marshal(rec.Event())
		if err != nil {
			publishErr = fmt.Errorf("encode change %d: %w", rec.Seq, err)
			break
		}
		if err := r.Publish(Subject(rec.Collection, rec.Keys), rec.EventID, payload); err != nil {
			publishErr = fmt.Errorf("publish change %d: %w", rec.Seq, err)
			break
		}
		published = append(published, rec.Seq)
	}

	if err := r.Changes.MarkPublished(ctx, published); err != nil {
		return 0, fmt.Errorf("mark published: %w", err)
	}
	return len(published), publishErr
}

// Run flushes until the log is drained, then waits Interval, until ctx ends.
func (r *Relay) Run(ctx context.Context) error {
	interval := r.Interval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		n, err := r.Flush(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Printf("cdc-relay: %v", err)
		}
		if err == nil && n > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
