package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/fleetrail/fleetrail/internal/domain/event"
)

// Publisher delivers lifecycle events to NATS subjects of the form
// <prefix>.<kind>, e.g. fleetrail.events.action.created. A circuit
// breaker shields the outbox loop from a flapping broker: while open,
// publishes fail fast and rows retry on their backoff schedule.
type Publisher struct {
	conn          *nats.Conn
	subjectPrefix string
	breaker       *gobreaker.CircuitBreaker
	logger        *zap.Logger
}

func Connect(url string, logger *zap.Logger) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats_disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats_reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
}

func NewPublisher(conn *nats.Conn, subjectPrefix string, logger *zap.Logger) *Publisher {
	settings := gobreaker.Settings{
		Name:        "nats-publisher",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && counts.TotalFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	}

	return &Publisher{
		conn:          conn,
		subjectPrefix: subjectPrefix,
		breaker:       gobreaker.NewCircuitBreaker(settings),
		logger:        logger,
	}
}

func (p *Publisher) Publish(_ context.Context, ev event.Lifecycle) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	subject := fmt.Sprintf("%s.%s", p.subjectPrefix, ev.Kind)
	_, err = p.breaker.Execute(func() (any, error) {
		return nil, p.conn.Publish(subject, data)
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

func (p *Publisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.logger.Warn("nats_drain_failed", zap.Error(err))
	}
}
