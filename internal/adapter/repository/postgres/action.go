package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/fleetrail/fleetrail/internal/domain/action"
	"github.com/fleetrail/fleetrail/pkg/db"
)

// ActionModel is the database DTO for actions.
type ActionModel struct {
	ID                int64  `gorm:"primaryKey"`
	Tenant            string `gorm:"type:varchar(64);index"`
	TargetID          int64  `gorm:"index"`
	DistributionSetID int64  `gorm:"index"`
	RolloutID         *int64 `gorm:"index"`
	RolloutGroupID    *int64 `gorm:"index"`

	Status string `gorm:"type:varchar(32)"`
	Active bool
	Type   string `gorm:"type:varchar(32)"`

	ForcedTime *time.Time
	Weight     *int

	MaintenanceSchedule string `gorm:"type:varchar(64)"`
	MaintenanceDuration string `gorm:"type:varchar(32)"`
	MaintenanceTimezone string `gorm:"type:varchar(64)"`

	InitiatedBy string `gorm:"type:varchar(128)"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (ActionModel) TableName() string {
	return "actions"
}

// ActionEntryModel is the append-only audit row.
type ActionEntryModel struct {
	ID         int64  `gorm:"primaryKey;autoIncrement"`
	ActionID   int64  `gorm:"index"`
	Status     string `gorm:"type:varchar(32)"`
	Messages   []byte `gorm:"type:jsonb"`
	OccurredAt time.Time
	CreatedAt  time.Time
}

func (ActionEntryModel) TableName() string {
	return "action_statuses"
}

// ActionRepository implements action.Repository on postgres.
type ActionRepository struct {
	db *gorm.DB
}

func NewActionRepository(gdb *gorm.DB) *ActionRepository {
	return &ActionRepository{db: gdb}
}

func (r *ActionRepository) handle(ctx context.Context) *gorm.DB {
	return db.FromContext(ctx, r.db).WithContext(ctx)
}

func (r *ActionRepository) FindByID(ctx context.Context, id int64) (*action.Action, error) {
	var model ActionModel
	err := r.handle(ctx).First(&model, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return actionToDomain(model), nil
}

func (r *ActionRepository) Create(ctx context.Context, a *action.Action, initial *action.Entry) error {
	model := actionToModel(a)
	h := r.handle(ctx)
	if err := h.Create(&model).Error; err != nil {
		return err
	}
	a.ID = model.ID

	initial.ActionID = a.ID
	entry, err := entryToModel(initial)
	if err != nil {
		return err
	}
	if err := h.Create(&entry).Error; err != nil {
		return err
	}
	initial.ID = entry.ID
	return nil
}

// AppendEntry writes the audit row and the denormalized status/active
// fields in the same statement batch. Callers run it inside a
// transaction so both are visible together.
func (r *ActionRepository) AppendEntry(ctx context.Context, a *action.Action, e *action.Entry) error {
	h := r.handle(ctx)

	e.ActionID = a.ID
	entry, err := entryToModel(e)
	if err != nil {
		return err
	}
	if err := h.Create(&entry).Error; err != nil {
		return err
	}
	e.ID = entry.ID

	now := time.Now().UTC()
	a.UpdatedAt = now
	return h.Model(&ActionModel{}).
		Where("id = ?", a.ID).
		Updates(map[string]any{
			"status":     string(a.Status),
			"active":     a.Active,
			"updated_at": now,
		}).Error
}

func (r *ActionRepository) ListActiveByTarget(ctx context.Context, targetID int64) ([]*action.Action, error) {
	var models []ActionModel
	err := r.handle(ctx).
		Where("target_id = ? AND active = ?", targetID, true).
		Order("weight DESC NULLS LAST, id ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return actionsToDomain(models), nil
}

func (r *ActionRepository) CountActiveByTarget(ctx context.Context, targetID int64) (int64, error) {
	var count int64
	err := r.handle(ctx).Model(&ActionModel{}).
		Where("target_id = ? AND active = ?", targetID, true).
		Count(&count).Error
	return count, err
}

func (r *ActionRepository) FindActiveByTargetAndSet(ctx context.Context, targetID, distributionSetID int64) (*action.Action, error) {
	var model ActionModel
	err := r.handle(ctx).
		Where("target_id = ? AND distribution_set_id = ? AND active = ?", targetID, distributionSetID, true).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return actionToDomain(model), nil
}

func (r *ActionRepository) FindOldestOpenByTarget(ctx context.Context, targetID int64) (*action.Action, error) {
	var model ActionModel
	err := r.handle(ctx).
		Where("target_id = ? AND status IN ?", targetID, []string{
			string(action.StatusWaitForConfirmation),
			string(action.StatusPending),
			string(action.StatusRunning),
		}).
		Order("weight DESC NULLS LAST, id ASC").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return actionToDomain(model), nil
}

func (r *ActionRepository) UpdateAssignmentMeta(ctx context.Context, a *action.Action) error {
	now := time.Now().UTC()
	a.UpdatedAt = now
	return r.handle(ctx).Model(&ActionModel{}).
		Where("id = ?", a.ID).
		Updates(map[string]any{
			"type":        string(a.Type),
			"weight":      a.Weight,
			"forced_time": a.ForcedTime,
			"updated_at":  now,
		}).Error
}

// CountsByRolloutGroup tallies each target's newest action in the group,
// so a retry created after an error replaces the error in the counts.
func (r *ActionRepository) CountsByRolloutGroup(ctx context.Context, groupID int64) (action.GroupCounts, error) {
	type row struct {
		Status string
		Count  int64
	}
	var rows []row
	err := r.handle(ctx).Raw(
		`SELECT status, COUNT(*) AS count FROM (
			SELECT DISTINCT ON (target_id) status
			FROM actions
			WHERE rollout_group_id = ?
			ORDER BY target_id, id DESC
		 ) latest
		 GROUP BY status`,
		groupID,
	).Scan(&rows).Error
	if err != nil {
		return action.GroupCounts{}, err
	}

	var counts action.GroupCounts
	for _, rw := range rows {
		counts.Total += rw.Count
		switch action.Status(rw.Status) {
		case action.StatusFinished:
			counts.Finished += rw.Count
		case action.StatusError:
			counts.Error += rw.Count
		}
	}
	return counts, nil
}

func (r *ActionRepository) ListLatestErroredByRolloutGroup(ctx context.Context, groupID int64, limit int) ([]*action.Action, error) {
	var models []ActionModel
	q := r.handle(ctx).Raw(
		`SELECT * FROM (
			SELECT DISTINCT ON (target_id) *
			FROM actions
			WHERE rollout_group_id = ?
			ORDER BY target_id, id DESC
		 ) latest
		 WHERE status = ?
		 ORDER BY id ASC
		 LIMIT ?`,
		groupID,
		string(action.StatusError),
		pageLimit(limit),
	)
	if err := q.Scan(&models).Error; err != nil {
		return nil, err
	}
	return actionsToDomain(models), nil
}

func (r *ActionRepository) ExistsForTargetAndSet(ctx context.Context, targetID, distributionSetID int64) (bool, error) {
	var count int64
	err := r.handle(ctx).Model(&ActionModel{}).
		Where("target_id = ? AND distribution_set_id = ?", targetID, distributionSetID).
		Limit(1).
		Count(&count).Error
	return count > 0, err
}

func (r *ActionRepository) ListNonTerminalByRollout(ctx context.Context, rolloutID int64, limit int) ([]*action.Action, error) {
	var models []ActionModel
	q := r.handle(ctx).
		Where("rollout_id = ? AND status NOT IN ?", rolloutID, terminalStatuses()).
		Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}
	return actionsToDomain(models), nil
}

func (r *ActionRepository) CountNonTerminalByRollout(ctx context.Context, rolloutID int64) (int64, error) {
	var count int64
	err := r.handle(ctx).Model(&ActionModel{}).
		Where("rollout_id = ? AND status NOT IN ?", rolloutID, terminalStatuses()).
		Count(&count).Error
	return count, err
}

func (r *ActionRepository) ListEntries(ctx context.Context, actionID int64) ([]*action.Entry, error) {
	var models []ActionEntryModel
	err := r.handle(ctx).
		Where("action_id = ?", actionID).
		Order("id ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	entries := make([]*action.Entry, 0, len(models))
	for _, m := range models {
		e, err := entryToDomain(m)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func pageLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}

func terminalStatuses() []string {
	return []string{
		string(action.StatusFinished),
		string(action.StatusError),
		string(action.StatusCanceled),
	}
}

// Mappers

func actionToDomain(m ActionModel) *action.Action {
	return &action.Action{
		ID:                  m.ID,
		Tenant:              m.Tenant,
		TargetID:            m.TargetID,
		DistributionSetID:   m.DistributionSetID,
		RolloutID:           m.RolloutID,
		RolloutGroupID:      m.RolloutGroupID,
		Status:              action.Status(m.Status),
		Active:              m.Active,
		Type:                action.Type(m.Type),
		ForcedTime:          m.ForcedTime,
		Weight:              m.Weight,
		MaintenanceSchedule: m.MaintenanceSchedule,
		MaintenanceDuration: m.MaintenanceDuration,
		MaintenanceTimezone: m.MaintenanceTimezone,
		InitiatedBy:         m.InitiatedBy,
		CreatedAt:           m.CreatedAt,
		UpdatedAt:           m.UpdatedAt,
	}
}

func actionsToDomain(models []ActionModel) []*action.Action {
	items := make([]*action.Action, 0, len(models))
	for _, m := range models {
		items = append(items, actionToDomain(m))
	}
	return items
}

func actionToModel(a *action.Action) ActionModel {
	return ActionModel{
		ID:                  a.ID,
		Tenant:              a.Tenant,
		TargetID:            a.TargetID,
		DistributionSetID:   a.DistributionSetID,
		RolloutID:           a.RolloutID,
		RolloutGroupID:      a.RolloutGroupID,
		Status:              string(a.Status),
		Active:              a.Active,
		Type:                string(a.Type),
		ForcedTime:          a.ForcedTime,
		Weight:              a.Weight,
		MaintenanceSchedule: a.MaintenanceSchedule,
		MaintenanceDuration: a.MaintenanceDuration,
		MaintenanceTimezone: a.MaintenanceTimezone,
		InitiatedBy:         a.InitiatedBy,
		CreatedAt:           a.CreatedAt,
		UpdatedAt:           a.UpdatedAt,
	}
}

func entryToModel(e *action.Entry) (ActionEntryModel, error) {
	msgs, err := json.Marshal(e.Messages)
	if err != nil {
		return ActionEntryModel{}, fmt.Errorf("encode status messages: %w", err)
	}
	return ActionEntryModel{
		ID:         e.ID,
		ActionID:   e.ActionID,
		Status:     string(e.Status),
		Messages:   msgs,
		OccurredAt: e.OccurredAt,
		CreatedAt:  e.CreatedAt,
	}, nil
}

func entryToDomain(m ActionEntryModel) (*action.Entry, error) {
	var msgs []string
	if len(m.Messages) > 0 {
		if err := json.Unmarshal(m.Messages, &msgs); err != nil {
			return nil, fmt.Errorf("decode status messages: %w", err)
		}
	}
	return &action.Entry{
		ID:         m.ID,
		ActionID:   m.ActionID,
		Status:     action.Status(m.Status),
		Messages:   msgs,
		OccurredAt: m.OccurredAt,
		CreatedAt:  m.CreatedAt,
	}, nil
}
