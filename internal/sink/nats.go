package sink

import (
	"context"

	"fleetwatch/gateway/internal/broadcast"
)

// NATSConn is the part of *nats.Conn the sink uses
type NATSConn interface {
	Publish(subject string, data []byte) error
}

// NATS publishes events on <prefix>.vehicle.<device> and
// <prefix>.alert.<type>.
type NATS struct {
	conn   NATSConn
	prefix string
}

// NewNATS creates a NATS sink. The connection is owned by the caller.
func NewNATS(conn NATSConn, prefix string) *NATS {
	if prefix == "" {
		prefix = "fms"
	}
	return &NATS{conn: conn, prefix: prefix}
}

// Name implements Sink
func (n *NATS) Name() string { return "nats" }

// Subject returns the subject an event is published on
func (n *NATS) Subject(e broadcast.Event) string {
	return n.prefix + "." + routingKey(e)
}

// Deliver implements Sink
func (n *NATS) Deliver(_ context.Context, e broadcast.Event) error {
	data, err := encode(e)
	if err != nil {
		return err
	}
	return n.conn.Publish(n.Subject(e), data)
}

// Close implements Sink
func (n *NATS) Close() error { return nil }
