// Package cdc turns change records from the stream into typed events and
// moves them between the store's change log and JetStream.
package cdc

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gigboard/project/internal/contracts"
)

var (
	ErrInvalidChangeRecord  = errors.New("invalid change record")
	ErrUnsupportedEventName = errors.New("unsupported change event name")
)

// Meta carries what every variant shares.
type Meta struct {
	EventID    string
	Collection string
	Sequence   uint64
	Keys       map[string]string
}

// Event is the closed set {Insert, Modify, Remove} over image type T.
type Event[T any] interface {
	Metadata() Meta
	sealed()
}

type Insert[T any] struct {
	Meta
	After T
}

type Modify[T any] struct {
	Meta
	Before T
	After  T
}

type Remove[T any] struct {
	Meta
	Before T
}

func (e Insert[T]) Metadata() Meta { return e.Meta }
func (e Modify[T]) Metadata() Meta { return e.Meta }
func (e Remove[T]) Metadata() Meta { return e.Meta }

func (Insert[T]) sealed() {}
func (Modify[T]) sealed() {}
func (Remove[T]) sealed() {}

// Parse reads the wire envelope of a stream message.
func Parse(payload []byte) (contracts.ChangeEvent, error) {
	var ev contracts.ChangeEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return ev, fmt.Errorf("%w: %v", ErrInvalidChangeRecord, err)
	}
	if ev.EventID == "" || ev.Collection == "" {
		return ev, fmt.Errorf("%w: missing event id or collection", ErrInvalidChangeRecord)
	}
	return ev, nil
}

// Decode converts an envelope into its typed variant. The images required by
// the event name must be present.
func Decode[T any](ev contracts.ChangeEvent) (Event[T], error) {
	meta := Meta{EventID: ev.EventID, Collection: ev.Collection, Sequence: ev.Sequence, Keys: ev.Change.Keys}
	switch ev.EventName {
	case contracts.EventInsert:
		after, err := image[T](ev.Change.NewImage, "newImage")
		if err != nil {
			return nil, err
		}
		return Insert[T]{Meta: meta, After: after}, nil
	case contracts.EventModify:
		before, err := image[T](ev.Change.OldImage, "oldImage")
		if err != nil {
			return nil, err
		}
		after, err := image[T](ev.Change.NewImage, "newImage")
		if err != nil {
			return nil, err
		}
		return Modify[T]{Meta: meta, Before: before, After: after}, nil
	case contracts.EventRemove:
		before, err := image[T](ev.Change.OldImage, "oldImage")
		if err != nil {
			return nil, err
		}
		return Remove[T]{Meta: meta, Before: before}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEventName, ev.EventName)
	}
}

func image[T any](raw json.RawMessage, field string) (T, error) {
	var out T
	if len(raw) == 0 || string(raw) == "null" {
		return out, fmt.Errorf("%w: %s missing", ErrInvalidChangeRecord, field)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("%w: %s: %v", ErrInvalidChangeRecord, field, err)
	}
	return out, nil
}
