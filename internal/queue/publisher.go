// Package queue adapts a NATS JetStream connection to the router's
// publish contract. The broker ack confirms hand-off, nothing more;
// durability semantics belong to the broker configuration.
package queue

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"

	"taskgate/internal/router"
)

type Publisher struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// Connect dials the broker and binds a JetStream context.
func Connect(url string) (*Publisher, error) {
	nc, err := nats.Connect(url, nats.Name("taskgate"))
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	return &Publisher{nc: nc, js: js}, nil
}

// Publish hands data to the broker and returns its ack.
func (p *Publisher) Publish(ctx context.Context, subject string, data []byte) (router.Ack, error) {
	ack, err := p.js.Publish(subject, data, nats.Context(ctx))
	if err != nil {
		return router.Ack{}, fmt.Errorf("publish %s: %w", subject, err)
	}
	return router.Ack{Stream: ack.Stream, Sequence: ack.Sequence}, nil
}

func (p *Publisher) Close() {
	p.nc.Close()
}
