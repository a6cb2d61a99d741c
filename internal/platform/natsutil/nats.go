package natsutil

import (
	"fmt"
	"time"

	"github.com/gigboard/project/internal/messaging"
	"github.com/nats-io/nats.go"
)

type Client struct {
	Conn *nats.Conn
	JS   nats.JetStreamContext
}

func ConnectJetStream(url string) (*Client, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, err
	}
	js, err := conn.JetStream()
	if err != nil {
		_ = conn.Drain()
		conn.Close()
		return nil, err
	}
	if err := messaging.EnsureStreams(js); err != nil {
		_ = conn.Drain()
		conn.Close()
		return nil, err
	}
	return &Client{Conn: conn, JS: js}, nil
}

func ConnectJetStreamWithRetry(url string, timeout time.Duration) (*Client, error) {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		client, err := ConnectJetStream(url)
		if err == nil {
			return client, nil
		}
		lastErr = err
		time.Sleep(500 * time.Millisecond)
	}
	return nil, fmt.Errorf("connect jetstream timeout after %s: %w", timeout, lastErr)
}

func (c *Client) Close() {
	if c == nil || c.Conn == nil {
		return
	}
	_ = c.Conn.Drain()
	c.Conn.Close()
}

// PublishMsgID publishes with a message id so JetStream drops duplicates
// inside the stream's duplicate window.
func (c *Client) PublishMsgID(subject, msgID string, payload []byte) error {
	_, err := c.JS.Publish(subject, payload, nats.MsgId(msgID))
	return err
}

// PullSubscribe binds a durable pull consumer on the change stream.
func (c *Client) PullSubscribe(filter, durable string, ackWait time.Duration, maxDeliver int) (*nats.Subscription, error) {
	return c.JS.PullSubscribe(filter, durable, messaging.ConsumerOptions(ackWait, maxDeliver)...)
}
