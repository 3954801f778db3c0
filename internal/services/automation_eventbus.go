package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"fieldcrm/internal/config"
	"fieldcrm/internal/metrics"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// EventIngestor is the single entry point for inbound events regardless of
// transport: normalize, count, evaluate.
type EventIngestor struct {
	adapter *EventAdapter
	engine  *AutomationEngine
	metrics *metrics.AutomationMetrics
	logger  *logrus.Logger
	timeout time.Duration
}

func NewEventIngestor(engine *AutomationEngine, m *metrics.AutomationMetrics, timeout time.Duration, logger *logrus.Logger) *EventIngestor {
	if logger == nil {
		logger = logrus.New()
	}
	return &EventIngestor{
		adapter: NewEventAdapter(),
		engine:  engine,
		metrics: m,
		logger:  logger,
		timeout: timeout,
	}
}

// Ingest normalizes and evaluates one event. A malformed event yields
// ErrMalformedEvent and no records.
func (i *EventIngestor) Ingest(ctx context.Context, source string, in InboundEvent) ([]ExecutionRecord, error) {
	evt, err := i.adapter.Normalize(in)
	if err != nil {
		i.metrics.IncEventRejected(source)
		return nil, err
	}
	i.metrics.IncEventReceived(source)

	if i.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.timeout)
		defer cancel()
	}
	return i.engine.Evaluate(ctx, evt)
}

// ConnectNATS opens a connection that keeps reconnecting in the background.
func ConnectNATS(cfg config.NATSConfig, logger *logrus.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = logrus.New()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	conn, err := nats.Connect(cfg.URL,
		nats.Name("fieldcrm-automation"),
		nats.Timeout(timeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warnf("nats: disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Infof("nats: reconnected to %s", c.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Errorf("nats: async error on %q: %v", subject, err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", cfg.URL, err)
	}
	return conn, nil
}

// NATSEventSubscriber consumes CRM domain events from a queue group so each
// event is evaluated by exactly one engine instance.
type NATSEventSubscriber struct {
	conn     *nats.Conn
	ingestor *EventIngestor
	subject  string
	queue    string
	logger   *logrus.Logger
	sub      *nats.Subscription
}

func NewNATSEventSubscriber(conn *nats.Conn, ingestor *EventIngestor, subject, queue string, logger *logrus.Logger) *NATSEventSubscriber {
	if logger == nil {
		logger = logrus.New()
	}
	return &NATSEventSubscriber{
		conn:     conn,
		ingestor: ingestor,
		subject:  subject,
		queue:    queue,
		logger:   logger,
	}
}

func (s *NATSEventSubscriber) Start(ctx context.Context) error {
	sub, err := s.conn.QueueSubscribe(s.subject, s.queue, func(msg *nats.Msg) {
		s.handleMessage(ctx, msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", s.subject, err)
	}
	s.sub = sub
	s.logger.Infof("automation: consuming events from %s (queue %s)", s.subject, s.queue)
	return nil
}

// Stop drains the subscription so in-flight messages finish.
func (s *NATSEventSubscriber) Stop() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Drain()
}

// handleMessage decodes and ingests one message. Malformed messages are logged
// and dropped; redelivery would not fix them.
func (s *NATSEventSubscriber) handleMessage(ctx context.Context, subject string, data []byte) []ExecutionRecord {
	var in InboundEvent
	if err := json.Unmarshal(data, &in); err != nil {
		s.ingestor.metrics.IncEventRejected("nats")
		s.logger.WithField("subject", subject).Warnf("automation: undecodable event: %v", err)
		return nil
	}
	records, err := s.ingestor.Ingest(ctx, "nats", in)
	if err != nil {
		s.logger.WithField("subject", subject).Warnf("automation: event rejected: %v", err)
		return nil
	}
	s.logger.WithFields(logrus.Fields{
		"subject":   subject,
		"event":     in.Name,
		"tenant_id": in.TenantID,
		"records":   len(records),
	}).Debug("automation: event evaluated")
	return records
}
