package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/fleetrail/fleetrail/internal/domain/event"
	"github.com/fleetrail/fleetrail/pkg/db"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Event is a durable lifecycle notification awaiting delivery. Rows are
// written in the same transaction as the state change they describe.
type Event struct {
	ID            int64  `gorm:"primaryKey"`
	Kind          string `gorm:"type:varchar(64);index"`
	Tenant        string `gorm:"type:varchar(64)"`
	SchemaVersion int
	Payload       []byte `gorm:"type:jsonb"`

	Status        Status `gorm:"type:varchar(16);index"`
	Attempts      int
	LastError     *string `gorm:"type:text"`
	NextAttemptAt *time.Time
	LockedAt      *time.Time
	ProcessedAt   *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Event) TableName() string {
	return "outbox_events"
}

// Appender records lifecycle events for later delivery.
type Appender interface {
	Append(ctx context.Context, ev event.Lifecycle) error
}

// Outbox appends lifecycle events inside the caller's transaction so a
// state change and its notification commit or roll back together.
type Outbox struct {
	db *gorm.DB
}

func NewOutbox(gdb *gorm.DB) *Outbox {
	return &Outbox{db: gdb}
}

func (o *Outbox) Append(ctx context.Context, ev event.Lifecycle) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode lifecycle event: %w", err)
	}

	row := Event{
		Kind:          string(ev.Kind),
		Tenant:        ev.Tenant,
		SchemaVersion: ev.SchemaVersion,
		Payload:       payload,
		Status:        StatusPending,
	}
	return db.FromContext(ctx, o.db).WithContext(ctx).Create(&row).Error
}
