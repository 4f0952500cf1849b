package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/flightincorporated47/metasys-connector-backend/internal/domain"
	"github.com/flightincorporated47/metasys-connector-backend/internal/ports"
)

type natsConn interface {
	PublishMsg(m *nats.Msg) error
	FlushWithContext(ctx context.Context) error
	Drain() error
}

type jetStreamPublisher interface {
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// NATSSink publishes each batch as one message. With JetStream the server ack
// is the delivery confirmation and the batch id is the dedup id.
type NATSSink struct {
	conn    natsConn
	js      jetStreamPublisher
	subject string
}

func NewNATSSink(url, subject string, jetStream bool) (*NATSSink, error) {
	nc, err := nats.Connect(url,
		nats.Name("metasys-connector"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	s := &NATSSink{conn: nc, subject: subject}
	if jetStream {
		js, err := nc.JetStream()
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("nats jetstream: %w", err)
		}
		s.js = js
	}
	return s, nil
}

func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) WriteBatch(ctx context.Context, b domain.Batch) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal batch %s: %w", b.ID, err)
	}
	msg := nats.NewMsg(s.subject)
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, b.ID)

	if s.js != nil {
		if _, err := s.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
			return fmt.Errorf("jetstream publish %s: %w", s.subject, err)
		}
		return nil
	}
	if err := s.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("nats publish %s: %w", s.subject, err)
	}
	return s.conn.FlushWithContext(ctx)
}

func (s *NATSSink) Close() error { return s.conn.Drain() }

var _ ports.BatchSink = (*NATSSink)(nil)
