package messaging

import (
	"errors"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	CDCStream   = "CDC"
	CDCSubjects = "cdc.>"

	// DuplicateWindow bounds how long a republished change record is
	// recognised by its message id.
	DuplicateWindow = 2 * time.Hour
	retention       = 7 * 24 * time.Hour
)

func CDCStreamConfig() *nats.StreamConfig {
	return &nats.StreamConfig{
		Name:       CDCStream,
		Subjects:   []string{CDCSubjects},
		Retention:  nats.LimitsPolicy,
		Storage:    nats.FileStorage,
		Replicas:   1,
		MaxAge:     retention,
		Duplicates: DuplicateWindow,
	}
}

// EnsureStreams creates (or validates) the change stream:
// - cdc.<collection>.<shard>
func EnsureStreams(js nats.JetStreamContext) error {
	if _, err := js.StreamInfo(CDCStream); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return err
		}
		if _, err := js.AddStream(CDCStreamConfig()); err != nil {
			return err
		}
	}
	return nil
}

// ConsumerOptions configure a durable pull consumer. Records are redelivered
// after ackWait until maxDeliver attempts.
func ConsumerOptions(ackWait time.Duration, maxDeliver int) []nats.SubOpt {
	return []nats.SubOpt{
		nats.BindStream(CDCStream),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(ackWait),
		nats.MaxDeliver(maxDeliver),
		nats.DeliverAll(),
	}
}
