package audit

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"

	"github.com/GoPolymarket/shieldgate/internal/model"
)

// Publisher is the subset of *nats.Conn used by NATSWriter.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSWriter publishes each event on <prefix>.<type>, e.g. security.events.csrf_failure.
type NATSWriter struct {
	pub    Publisher
	prefix string
}

func NewNATSWriter(pub Publisher, prefix string) *NATSWriter {
	if prefix == "" {
		prefix = "security.events"
	}
	return &NATSWriter{pub: pub, prefix: prefix}
}

// ConnectNATS dials the broker with reconnect handling suitable for a long-lived publisher.
func ConnectNATS(url string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name("shieldgate"),
		nats.MaxReconnects(-1),
		nats.ReconnectBufSize(8*1024*1024),
	)
}

func (w *NATSWriter) Name() string { return "nats" }

func (w *NATSWriter) Subject(t model.EventType) string {
	return w.prefix + "." + string(t)
}

func (w *NATSWriter) Write(ctx context.Context, ev *model.SecurityEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return w.pub.Publish(w.Subject(ev.Type), data)
}

// Close flushes buffered messages when the publisher supports draining (a *nats.Conn does).
func (w *NATSWriter) Close() error {
	if d, ok := w.pub.(interface{ Drain() error }); ok {
		return d.Drain()
	}
	return nil
}
