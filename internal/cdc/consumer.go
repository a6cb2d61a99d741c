package cdc

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/gigboard/project/internal/contracts"
	"github.com/gigboard/project/internal/platform/metrics"
	"github.com/gigboard/project/internal/sharding"
	"github.com/nats-io/nats.go"
)

var recordsTotal = metrics.NewCounterVec(metrics.Opts{
	Name: "cdc_records_total",
	Help: "Change records handled by stream consumers, by outcome.",
}, []string{"consumer", "outcome"})

func init() {
	metrics.Default.MustRegister(recordsTotal)
}

// Handler processes one change record. Returning an error redelivers it.
type Handler func(ctx context.Context, ev contracts.ChangeEvent) error

// Router dispatches by collection; records of other collections are acked
// without work.
type Router map[string]Handler

func (r Router) Handle(ctx context.Context, ev contracts.ChangeEvent) error {
	h, ok := r[ev.Collection]
	if !ok {
		return nil
	}
	return h(ctx, ev)
}

// Fetcher is satisfied by a JetStream pull subscription.
type Fetcher interface {
	Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error)
}

type Consumer struct {
	Name          string
	Source        Fetcher
	Handle        Handler
	BatchSize     int
	FetchWait     time.Duration
	HandleTimeout time.Duration
}

type BatchStats struct {
	Acked      int
	Naked      int
	Terminated int
}

// Run fetches batches until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		fetchCtx, cancel := context.WithTimeout(ctx, c.fetchWait())
		msgs, err := c.Source.Fetch(c.batchSize(), nats.Context(fetchCtx))
		cancel()
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return nil
			case errors.Is(err, context.DeadlineExceeded), errors.Is(err, nats.ErrTimeout):
				continue
			case errors.Is(err, nats.ErrConnectionClosed), errors.Is(err, nats.ErrBadSubscription):
				return err
			}
			log.Printf("%s: fetch failed: %v", c.Name, err)
			time.Sleep(500 * time.Millisecond)
			continue
		}
		c.ProcessBatch(ctx, msgs)
	}
}

// ProcessBatch handles msgs sequentially in delivery order. On the first
// handler failure the failed record and everything after it are redelivered,
// so records of one key are never applied out of order.
func (c *Consumer) ProcessBatch(ctx context.Context, msgs []*nats.Msg) BatchStats {
	var stats BatchStats
	for i, msg := range msgs {
		ev, err := Parse(msg.Data)
		if err != nil {
			log.Printf("%s: discarding change record: %v", c.Name, err)
			c.settle("terminated", msg.Term)
			stats.Terminated++
			continue
		}
		if collection, _, ok := sharding.ParseSubject(msg.Subject); ok && collection != ev.Collection {
			log.Printf("%s: discarding %s record %s delivered on %s", c.Name, ev.Collection, ev.EventID, msg.Subject)
			c.settle("terminated", msg.Term)
			stats.Terminated++
			continue
		}

		handleCtx, cancel := context.WithTimeout(ctx, c.handleTimeout())
		err = c.Handle(handleCtx, ev)
		cancel()
		if err != nil {
			if errors.Is(err, ErrInvalidChangeRecord) || errors.Is(err, ErrUnsupportedEventName) {
				log.Printf("%s: discarding %s %s: %v", c.Name, ev.Collection, ev.EventID, err)
				c.settle("terminated", msg.Term)
				stats.Terminated++
				continue
			}
			log.Printf("%s: handling %s %s failed, redelivering %d records: %v", c.Name, ev.Collection, ev.EventID, len(msgs)-i, err)
			for _, rest := range msgs[i:] {
				c.settle("redelivered", rest.Nak)
				stats.Naked++
			}
			return stats
		}
		c.settle("acked", msg.Ack)
		stats.Acked++
	}
	return stats
}

func (c *Consumer) settle(outcome string, fn func(...nats.AckOpt) error) {
	recordsTotal.WithLabelValues(c.Name, outcome).Inc()
	if err := fn(); err != nil && !errors.Is(err, nats.ErrMsgNotBound) {
		log.Printf("%s: %s ack failed: %v", c.Name, outcome, err)
	}
}

func (c *Consumer) batchSize() int {
	if c.BatchSize <= 0 {
		return 10
	}
	return c.BatchSize
}

func (c *Consumer) fetchWait() time.Duration {
	if c.FetchWait <= 0 {
		return 5 * time.Second
	}
	return c.FetchWait
}

func (c *Consumer) handleTimeout() time.Duration {
	if c.HandleTimeout <= 0 {
		return 30 * time.Second
	}
	return c.HandleTimeout
}
