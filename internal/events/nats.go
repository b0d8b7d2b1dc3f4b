package events

import (
	"context"
	"encoding/json"
	"fmt"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/propagation"
)

var propagator = propagation.TraceContext{}

// Conn is the subset of *nats.Conn used for publishing.
type Conn interface {
	PublishMsg(m *nats.Msg) error
}

// NATSPublisher publishes transitions as JSON on "<subject>.<op>".
type NATSPublisher struct {
	conn    Conn
	subject string
}

func NewNATSPublisher(conn Conn, subject string) *NATSPublisher {
	if subject == "" {
		subject = "webcontent.transitions"
	}
	return &NATSPublisher{conn: conn, subject: subject}
}

// Connect dials a NATS server and returns a publisher plus the connection so
// the caller can drain it on shutdown.
func Connect(url, subject string) (*NATSPublisher, *nats.Conn, error) {
	nc, err := nats.Connect(url, nats.Name("webcontentd"))
	if err != nil {
		return nil, nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return NewNATSPublisher(nc, subject), nc, nil
}

func (p *NATSPublisher) Publish(ctx context.Context, t Transition) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal transition: %w", err)
	}
	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	msg := &nats.Msg{Subject: p.subject + "." + t.Op, Data: data, Header: hdr}
	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	return nil
}
