// Package events streams workflow history off the in-memory bus to NATS so
// other processes can follow a request as it moves through its stages.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/jeeves-cluster-organization/stageflow/commbus"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "stageflow"

// Publisher is the part of *nats.Conn the sink needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Logger is the logging surface used by the sink.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
}

// Envelope is the JSON body published for every event.
type Envelope struct {
	Event     string          `json:"event"`
	RequestID string          `json:"request_id"`
	Payload   commbus.Message `json:"payload"`
	SentAt    time.Time       `json:"sent_at"`
}

// NATSSink republishes bus events to <prefix>.<request_id>.<event>.
type NATSSink struct {
	conn   Publisher
	prefix string
	logger Logger
}

// NewNATSSink creates a sink. An empty prefix uses DefaultSubjectPrefix.
func NewNATSSink(conn Publisher, prefix string, logger Logger) *NATSSink {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSSink{conn: conn, prefix: strings.TrimSuffix(prefix, "."), logger: logger}
}

// Connect dials NATS with the reconnect settings used by the server binary.
func Connect(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("stageflow"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return nc, nil
}

// Attach subscribes the sink to every event on bus. The returned function detaches it.
func (s *NATSSink) Attach(bus commbus.CommBus) func() {
	return bus.Subscribe(commbus.AllEvents, s.Handle)
}

// Subject returns the subject for an event of eventType on requestID.
func (s *NATSSink) Subject(requestID, eventType string) string {
	if requestID == "" {
		requestID = "unknown"
	}
	// NATS subjects are dot-separated tokens, so dots and spaces in ids are replaced.
	requestID = strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(requestID)
	return s.prefix + "." + requestID + "." + eventType
}

// Handle is the bus subscriber. Requests without a request id are skipped.
func (s *NATSSink) Handle(_ context.Context, msg commbus.Message) (any, error) {
	scoped, ok := msg.(commbus.RequestScoped)
	if !ok {
		return nil, nil
	}
	eventType := commbus.GetMessageType(msg)

	data, err := json.Marshal(Envelope{
		Event:     eventType,
		RequestID: scoped.Request(),
		Payload:   msg,
		SentAt:    time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", eventType, err)
	}

	subject := s.Subject(scoped.Request(), eventType)
	if err := s.conn.Publish(subject, data); err != nil {
		if s.logger != nil {
			s.logger.Warn("event_forward_failed", "subject", subject, "error", err.Error())
		}
		return nil, fmt.Errorf("failed to publish %s: %w", subject, err)
	}
	if s.logger != nil {
		s.logger.Debug("event_forwarded", "subject", subject)
	}
	return nil, nil
}
