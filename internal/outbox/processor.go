package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fleetrail/fleetrail/internal/domain/event"
	"github.com/fleetrail/fleetrail/internal/metrics"
)

// Processor drains the outbox and hands events to the publisher.
// Delivery is at-least-once: a row only completes after the publisher
// accepted it, and failed rows retry with exponential backoff.
type Processor struct {
	db           *gorm.DB
	publisher    event.Publisher
	logger       *zap.Logger
	pollInterval time.Duration
	batchSize    int
	maxAttempts  int
}

type ProcessorOptions struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
}

func NewProcessor(gdb *gorm.DB, publisher event.Publisher, logger *zap.Logger, opts ProcessorOptions) *Processor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 25
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 10
	}
	return &Processor{
		db:           gdb,
		publisher:    publisher,
		logger:       logger,
		pollInterval: opts.PollInterval,
		batchSize:    opts.BatchSize,
		maxAttempts:  opts.MaxAttempts,
	}
}

// Run polls the outbox so publishes happen after durable writes, keeping
// DB state authoritative.
func (p *Processor) Run(ctx context.Context) {
	if err := p.processBatch(ctx); err != nil {
		p.logger.Error("outbox_initial_poll_failed", zap.Error(err))
	}

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.processBatch(ctx); err != nil {
				p.logger.Error("outbox_poll_failed", zap.Error(err))
			}
		}
	}
}

func (p *Processor) processBatch(ctx context.Context) error {
	events, err := p.fetchAndLockPending(ctx)
	if err != nil {
		return err
	}

	for _, row := range events {
		if err := p.processEvent(ctx, row); err != nil {
			p.logger.Error("outbox_event_delivery_failed",
				zap.Error(err),
				zap.Int64("event_id", row.ID),
				zap.String("kind", row.Kind),
			)
		}
	}

	return nil
}

func (p *Processor) fetchAndLockPending(ctx context.Context) ([]Event, error) {
	var events []Event
	now := time.Now().UTC()

	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Raw(
			`SELECT * FROM outbox_events
			 WHERE status IN (?, ?)
			   AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
			   AND attempts < ?
			 ORDER BY created_at ASC
			 LIMIT ?
			 FOR UPDATE SKIP LOCKED`,
			StatusPending,
			StatusFailed,
			now,
			p.maxAttempts,
			p.batchSize,
		).Scan(&events).Error; err != nil {
			return err
		}

		if len(events) == 0 {
			return nil
		}

		ids := make([]int64, 0, len(events))
		for i := range events {
			ids = append(ids, events[i].ID)
			events[i].Attempts++
		}

		return tx.Model(&Event{}).
			Where("id IN ?", ids).
			Updates(map[string]any{
				"status":     StatusProcessing,
				"attempts":   gorm.Expr("attempts + 1"),
				"locked_at":  now,
				"updated_at": now,
				"last_error": nil,
			}).Error
	})

	return events, err
}

func (p *Processor) processEvent(ctx context.Context, row Event) error {
	var ev event.Lifecycle
	if err := json.Unmarshal(row.Payload, &ev); err != nil {
		// Undecodable rows never heal; burn the remaining attempts.
		return p.markFailed(ctx, row, fmt.Errorf("decode payload: %w", err))
	}

	if err := p.publisher.Publish(ctx, ev); err != nil {
		metrics.OutboxFailed.Inc()
		return p.markFailed(ctx, row, err)
	}
	metrics.OutboxPublished.Inc()
	return p.markCompleted(ctx, row.ID)
}

func (p *Processor) markCompleted(ctx context.Context, eventID int64) error {
	now := time.Now().UTC()
	return p.db.WithContext(ctx).Model(&Event{}).
		Where("id = ? AND status = ?", eventID, StatusProcessing).
		Updates(map[string]any{
			"status":       StatusCompleted,
			"processed_at": now,
			"updated_at":   now,
			"last_error":   nil,
		}).Error
}

func (p *Processor) markFailed(ctx context.Context, row Event, err error) error {
	now := time.Now().UTC()
	nextAttempt := now.Add(backoffDuration(row.Attempts))
	msg := err.Error()

	updateErr := p.db.WithContext(ctx).Model(&Event{}).
		Where("id = ?", row.ID).
		Updates(map[string]any{
			"status":          StatusFailed,
			"last_error":      msg,
			"next_attempt_at": nextAttempt,
			"updated_at":      now,
		}).Error
	if updateErr != nil {
		return fmt.Errorf("mark event failed: %w (original error: %v)", updateErr, err)
	}
	return err
}

func backoffDuration(attempt int) time.Duration {
	if attempt <= 1 {
		return 10 * time.Second
	}

	maxBackoff := 5 * time.Minute
	base := 10 * time.Second
	shift := attempt - 1
	if shift > 6 {
		shift = 6
	}

	d := base * time.Duration(1<<shift)
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}
