// Package natsclient wraps the NATS connection used for notification events.
package natsclient

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Client is a thin wrapper over a NATS connection.
type Client struct {
	conn *nats.Conn
}

// Connect dials the NATS server. The connection retries forever in the
// background once established.
func Connect(url, name string) (*Client, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	return &Client{conn: conn}, nil
}

// Publish sends data on subject. The context deadline bounds the flush.
func (c *Client) Publish(ctx context.Context, subject string, data []byte) error {
	if err := c.conn.Publish(subject, data); err != nil {
		return err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		return c.conn.Flush()
	}
	return c.conn.FlushTimeout(time.Until(deadline))
}

// Close drains and closes the connection.
func (c *Client) Close() {
	if c.conn != nil {
		_ = c.conn.Drain()
	}
}
