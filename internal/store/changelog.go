package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gigboard/project/internal/contracts"
)

// ChangeRecord is one row of the outbox written alongside every mutation of
// a captured collection.
type ChangeRecord struct {
	Seq         uint64            `gorm:"primaryKey;autoIncrement"`
	EventID     string            `gorm:"uniqueIndex;size:64"`
	Collection  string            `gorm:"index:idx_change_records_pending,priority:2"`
	EventName   string            `gorm:"size:16"`
	Keys        map[string]string `gorm:"serializer:json;type:text"`
	OldImage    string            `gorm:"type:text"`
	NewImage    string            `gorm:"type:text"`
	CreatedAt   time.Time
	PublishedAt *time.Time `gorm:"index:idx_change_records_pending,priority:1"`
}

// Event converts the row to its wire form.
func (r ChangeRecord) Event() contracts.ChangeEvent {
	ev := contracts.ChangeEvent{
		EventID:    r.EventID,
		EventName:  r.EventName,
		Collection: r.Collection,
		Sequence:   r.Seq,
		CreatedAt:  r.CreatedAt,
		Change:     contracts.Change{Keys: r.Keys},
	}
	if r.OldImage != "" {
		ev.Change.OldImage = json.RawMessage(r.OldImage)
	}
	if r.NewImage != "" {
		ev.Change.NewImage = json.RawMessage(r.NewImage)
	}
	return ev
}

type ChangeLog struct {
	s *Store
}

// Pending returns unpublished records in commit order.
func (c *ChangeLog) Pending(ctx context.Context, limit int) ([]ChangeRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []ChangeRecord
	err := c.s.Retry.Do(ctx, func(ctx context.Context) error {
		out = out[:0]
		return c.s.DB.WithContext(ctx).
			Where("published_at IS NULL").
			Order("seq").
			Limit(limit).
			Find(&out).Error
	})
	if err != nil {
		return nil, fmt.Errorf("load pending changes: %w", err)
	}
	return out, nil
}

func (c *ChangeLog) MarkPublished(ctx context.Context, seqs []uint64) error {
	if len(seqs) == 0 {
		return nil
	}
	now := c.s.Now()
	return c.s.Retry.Do(ctx, func(ctx context.Context) error {
		return c.s.DB.WithContext(ctx).
			Model(&ChangeRecord{}).
			Where("seq IN ?", seqs).
			Update("published_at", now).Error
	})
}

// Prune deletes published records older than cutoff.
func (c *ChangeLog) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res := c.s.DB.WithContext(ctx).
		Where("published_at IS NOT NULL AND published_at < ?", cutoff).
		Delete(&ChangeRecord{})
	return res.RowsAffected, res.Error
}
