package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/fleetrail/fleetrail/internal/domain/target"
	"github.com/fleetrail/fleetrail/pkg/db"
)

// TargetModel is the database DTO with gorm tags.
type TargetModel struct {
	ID           int64  `gorm:"primaryKey"`
	Tenant       string `gorm:"type:varchar(64);uniqueIndex:ux_targets_tenant_controller"`
	ControllerID string `gorm:"type:varchar(128);uniqueIndex:ux_targets_tenant_controller;column:controller_id"`
	Name         string `gorm:"type:varchar(255)"`
	TargetTypeID *int64

	UpdateStatus               string `gorm:"type:varchar(32)"`
	AssignedDistributionSetID  *int64
	InstalledDistributionSetID *int64

	Address       string `gorm:"type:varchar(512)"`
	Attributes    []byte `gorm:"type:jsonb"`
	SecurityToken string `gorm:"type:varchar(128)"`

	LastPollAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (TargetModel) TableName() string {
	return "targets"
}

// TargetTypeModel declares per-type distribution set compatibility. The
// compatible set type IDs live in a join table.
type TargetTypeModel struct {
	ID     int64  `gorm:"primaryKey"`
	Tenant string `gorm:"type:varchar(64)"`
	Name   string `gorm:"type:varchar(255)"`
}

func (TargetTypeModel) TableName() string {
	return "target_types"
}

type TargetTypeCompatibilityModel struct {
	TargetTypeID          int64 `gorm:"primaryKey"`
	DistributionSetTypeID int64 `gorm:"primaryKey"`
}

func (TargetTypeCompatibilityModel) TableName() string {
	return "target_type_compatibility"
}

// TargetRepository implements target.Registry on postgres.
type TargetRepository struct {
	db *gorm.DB
}

func NewTargetRepository(gdb *gorm.DB) *TargetRepository {
	return &TargetRepository{db: gdb}
}

func (r *TargetRepository) handle(ctx context.Context) *gorm.DB {
	return db.FromContext(ctx, r.db).WithContext(ctx)
}

func (r *TargetRepository) FindByControllerID(ctx context.Context, tenant, controllerID string) (*target.Target, error) {
	var model TargetModel
	err := r.handle(ctx).
		Where("tenant = ? AND controller_id = ?", tenant, controllerID).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return targetToDomain(model)
}

func (r *TargetRepository) FindByID(ctx context.Context, id int64) (*target.Target, error) {
	var model TargetModel
	err := r.handle(ctx).First(&model, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return targetToDomain(model)
}

func (r *TargetRepository) Save(ctx context.Context, t *target.Target) error {
	model, err := targetToModel(t)
	if err != nil {
		return err
	}
	if err := r.handle(ctx).Save(&model).Error; err != nil {
		return err
	}
	t.ID = model.ID
	return nil
}

func (r *TargetRepository) IsCompatible(ctx context.Context, targetID, distributionSetID int64) (bool, error) {
	var typeID *int64
	err := r.handle(ctx).Model(&TargetModel{}).
		Select("target_type_id").
		Where("id = ?", targetID).
		Scan(&typeID).Error
	if err != nil {
		return false, err
	}
	if typeID == nil {
		// Untyped targets accept every set.
		return true, nil
	}

	var count int64
	err = r.handle(ctx).
		Table("target_type_compatibility c").
		Joins("JOIN distribution_sets ds ON ds.type_id = c.distribution_set_type_id").
		Where("c.target_type_id = ? AND ds.id = ?", *typeID, distributionSetID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// unrelatedToSet restricts a targets query to rows with no relation to
// the distribution set yet: not assigned, not installed, no action for
// it, and type-compatible. This single capability backs both rollout
// group population and auto-assignment.
func (r *TargetRepository) unrelatedToSet(q *gorm.DB, tenant string, distributionSetID int64, pred target.Predicate) *gorm.DB {
	q = q.Where("targets.tenant = ?", tenant).
		Where("targets.assigned_distribution_set_id IS NULL OR targets.assigned_distribution_set_id <> ?", distributionSetID).
		Where("targets.installed_distribution_set_id IS NULL OR targets.installed_distribution_set_id <> ?", distributionSetID).
		Where("NOT EXISTS (SELECT 1 FROM actions a WHERE a.target_id = targets.id AND a.distribution_set_id = ?)", distributionSetID).
		Where(`targets.target_type_id IS NULL OR EXISTS (
			SELECT 1 FROM target_type_compatibility c
			JOIN distribution_sets ds ON ds.type_id = c.distribution_set_type_id
			WHERE c.target_type_id = targets.target_type_id AND ds.id = ?)`, distributionSetID)

	if pred != nil {
		cond, args := pred.SQL()
		q = q.Where(cond, args...)
	}
	return q
}

func (r *TargetRepository) CountMatchingFilterExcludingAssigned(ctx context.Context, tenant string, distributionSetID int64, pred target.Predicate) (int64, error) {
	var count int64
	q := r.handle(ctx).Model(&TargetModel{})
	err := r.unrelatedToSet(q, tenant, distributionSetID, pred).Count(&count).Error
	return count, err
}

func (r *TargetRepository) PageMatchingFilterExcludingAssigned(ctx context.Context, tenant string, distributionSetID int64, pred target.Predicate, afterID int64, limit int) ([]*target.Target, error) {
	var models []TargetModel
	q := r.handle(ctx).Model(&TargetModel{})
	q = r.unrelatedToSet(q, tenant, distributionSetID, pred).
		Where("targets.id > ?", afterID).
		Order("targets.id ASC").
		Limit(limit)
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}

	items := make([]*target.Target, 0, len(models))
	for _, m := range models {
		t, err := targetToDomain(m)
		if err != nil {
			return nil, err
		}
		items = append(items, t)
	}
	return items, nil
}

func (r *TargetRepository) SetAssignedDistributionSet(ctx context.Context, targetID int64, distributionSetID *int64, status target.UpdateStatus) error {
	return r.handle(ctx).Model(&TargetModel{}).
		Where("id = ?", targetID).
		Updates(map[string]any{
			"assigned_distribution_set_id": distributionSetID,
			"update_status":                string(status),
			"updated_at":                   time.Now().UTC(),
		}).Error
}

func (r *TargetRepository) UpdateStatus(ctx context.Context, targetID int64, status target.UpdateStatus) error {
	return r.handle(ctx).Model(&TargetModel{}).
		Where("id = ?", targetID).
		Updates(map[string]any{
			"update_status": string(status),
			"updated_at":    time.Now().UTC(),
		}).Error
}

// Mappers

func targetToDomain(m TargetModel) (*target.Target, error) {
	attrs := map[string]string{}
	if len(m.Attributes) > 0 {
		if err := json.Unmarshal(m.Attributes, &attrs); err != nil {
			return nil, fmt.Errorf("decode target attributes: %w", err)
		}
	}
	return &target.Target{
		ID:                         m.ID,
		Tenant:                     m.Tenant,
		ControllerID:               m.ControllerID,
		Name:                       m.Name,
		TargetTypeID:               m.TargetTypeID,
		UpdateStatus:               target.UpdateStatus(m.UpdateStatus),
		AssignedDistributionSetID:  m.AssignedDistributionSetID,
		InstalledDistributionSetID: m.InstalledDistributionSetID,
		Address:                    m.Address,
		Attributes:                 attrs,
		SecurityToken:              m.SecurityToken,
		LastPollAt:                 m.LastPollAt,
		CreatedAt:                  m.CreatedAt,
		UpdatedAt:                  m.UpdatedAt,
	}, nil
}

func targetToModel(t *target.Target) (TargetModel, error) {
	attrs, err := json.Marshal(t.Attributes)
	if err != nil {
		return TargetModel{}, fmt.Errorf("encode target attributes: %w", err)
	}
	return TargetModel{
		ID:                         t.ID,
		Tenant:                     t.Tenant,
		ControllerID:               t.ControllerID,
		Name:                       t.Name,
		TargetTypeID:               t.TargetTypeID,
		UpdateStatus:               string(t.UpdateStatus),
		AssignedDistributionSetID:  t.AssignedDistributionSetID,
		InstalledDistributionSetID: t.InstalledDistributionSetID,
		Address:                    t.Address,
		Attributes:                 attrs,
		SecurityToken:              t.SecurityToken,
		LastPollAt:                 t.LastPollAt,
		CreatedAt:                  t.CreatedAt,
		UpdatedAt:                  t.UpdatedAt,
	}, nil
}
