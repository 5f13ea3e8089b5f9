package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/use-agent/scrapeflow/models"
)

// NATSSink publishes each event as JSON on "<prefix>.<job_id>.status".
type NATSSink struct {
	nc     *nats.Conn
	prefix string
}

// NewNATSSink connects to url with unlimited reconnects.
func NewNATSSink(url, prefix string) (*NATSSink, error) {
	nc, err := nats.Connect(url,
		nats.Name("scrapeflow"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("notify: connect nats: %w", err)
	}
	return &NATSSink{nc: nc, prefix: prefix}, nil
}

// Subject is the NATS subject for jobID's status events.
func (s *NATSSink) Subject(jobID string) string {
	return fmt.Sprintf("%s.%s.status", s.prefix, jobID)
}

// Send buffers the publish in the client; it does not wait for the server.
func (s *NATSSink) Send(ev models.StatusEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("nats: marshal status event", "job_id", ev.JobID, "error", err)
		return
	}
	if err := s.nc.Publish(s.Subject(ev.JobID), data); err != nil {
		slog.Warn("nats: publish status event failed", "job_id", ev.JobID, "error", err)
	}
}

// Close flushes pending publishes and disconnects.
func (s *NATSSink) Close() error {
	return s.nc.Drain()
}
