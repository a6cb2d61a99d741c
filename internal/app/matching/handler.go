package matching

import (
	"context"
	"log"

	"github.com/gigboard/project/internal/cdc"
	"github.com/gigboard/project/internal/contracts"
)

// Router wires the engine to inserts on the task, profile and transaction
// streams. Modifications and removals are ignored.
func (e *Engine) Router() cdc.Router {
	return cdc.Router{
		contracts.CollectionTask: func(ctx context.Context, ev contracts.ChangeEvent) error {
			return onInsert(ctx, ev, e.OnTaskCreated)
		},
		contracts.CollectionProfile: func(ctx context.Context, ev contracts.ChangeEvent) error {
			return onInsert(ctx, ev, e.OnProfileCreated)
		},
		contracts.CollectionTransaction: func(ctx context.Context, ev contracts.ChangeEvent) error {
			return onInsert(ctx, ev, e.OnTransactionCreated)
		},
	}
}

func onInsert[T any](ctx context.Context, ev contracts.ChangeEvent, fn func(context.Context, T) (Result, error)) error {
	if ev.EventName != contracts.EventInsert {
		return nil
	}
	decoded, err := cdc.Decode[T](ev)
	if err != nil {
		return err
	}
	ins := decoded.(cdc.Insert[T])
	res, err := fn(ctx, ins.After)
	if err != nil {
		return err
	}
	if res.Matched > 0 {
		log.Printf("matching: %s %s pages=%d scored=%d matched=%d written=%d failed=%d",
			ev.Collection, ev.EventID, res.Pages, res.Scored, res.Matched, res.Written, len(res.Failed))
	}
	return nil
}
