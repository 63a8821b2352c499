package postgres

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/fleetrail/fleetrail/internal/domain/action"
	"github.com/fleetrail/fleetrail/internal/domain/rollout"
	"github.com/fleetrail/fleetrail/pkg/db"
)

// RolloutModel is the database DTO for rollouts.
type RolloutModel struct {
	ID                int64  `gorm:"primaryKey"`
	Tenant            string `gorm:"type:varchar(64);index"`
	Name              string `gorm:"type:varchar(255)"`
	Description       string `gorm:"type:text"`
	DistributionSetID int64
	TargetFilter      string `gorm:"type:text"`

	Status     string `gorm:"type:varchar(32);index"`
	ActionType string `gorm:"type:varchar(32)"`
	Weight     *int
	ForcedTime *time.Time

	TotalTargets int64
	GroupCount   int

	RequiresApproval bool
	ApprovalRemark   string `gorm:"type:text"`
	ApprovedBy       string `gorm:"type:varchar(128)"`

	InitiatedBy string `gorm:"type:varchar(128)"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DeletedAt   *time.Time
}

func (RolloutModel) TableName() string {
	return "rollouts"
}

// RolloutGroupModel is the database DTO for rollout groups.
type RolloutGroupModel struct {
	ID        int64  `gorm:"primaryKey"`
	RolloutID int64  `gorm:"index"`
	Tenant    string `gorm:"type:varchar(64)"`
	Name      string `gorm:"type:varchar(255)"`
	Ordinal   int

	TargetFilter     string `gorm:"type:text"`
	TargetPercentage float64

	SuccessConditionType  string `gorm:"type:varchar(16)"`
	SuccessConditionValue int64
	ErrorConditionType    string `gorm:"type:varchar(16)"`
	ErrorConditionValue   int64

	Status       string `gorm:"type:varchar(32)"`
	TotalTargets int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (RolloutGroupModel) TableName() string {
	return "rollout_groups"
}

// RolloutRepository implements rollout.Repository on postgres.
type RolloutRepository struct {
	db *gorm.DB
}

func NewRolloutRepository(gdb *gorm.DB) *RolloutRepository {
	return &RolloutRepository{db: gdb}
}

func (r *RolloutRepository) handle(ctx context.Context) *gorm.DB {
	return db.FromContext(ctx, r.db).WithContext(ctx)
}

func (r *RolloutRepository) FindByID(ctx context.Context, id int64) (*rollout.Rollout, error) {
	var model RolloutModel
	err := r.handle(ctx).First(&model, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return rolloutToDomain(model), nil
}

func (r *RolloutRepository) Save(ctx context.Context, ro *rollout.Rollout) error {
	model := rolloutToModel(ro)
	if err := r.handle(ctx).Save(&model).Error; err != nil {
		return err
	}
	ro.ID = model.ID
	return nil
}

func (r *RolloutRepository) ListByStatus(ctx context.Context, statuses []rollout.Status, limit int) ([]*rollout.Rollout, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	values := make([]string, 0, len(statuses))
	for _, s := range statuses {
		values = append(values, string(s))
	}

	q := r.handle(ctx).
		Where("status IN ?", values).
		Order("weight DESC NULLS LAST, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var models []RolloutModel
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}

	items := make([]*rollout.Rollout, 0, len(models))
	for _, m := range models {
		items = append(items, rolloutToDomain(m))
	}
	return items, nil
}

func (r *RolloutRepository) TransitionStatus(ctx context.Context, id int64, from []rollout.Status, to rollout.Status) (bool, error) {
	values := make([]string, 0, len(from))
	for _, s := range from {
		values = append(values, string(s))
	}

	result := r.handle(ctx).Model(&RolloutModel{}).
		Where("id = ? AND status IN ?", id, values).
		Updates(map[string]any{
			"status":     string(to),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// RolloutGroupRepository implements rollout.GroupRepository on postgres.
type RolloutGroupRepository struct {
	db *gorm.DB
}

func NewRolloutGroupRepository(gdb *gorm.DB) *RolloutGroupRepository {
	return &RolloutGroupRepository{db: gdb}
}

func (r *RolloutGroupRepository) handle(ctx context.Context) *gorm.DB {
	return db.FromContext(ctx, r.db).WithContext(ctx)
}

func (r *RolloutGroupRepository) FindByID(ctx context.Context, id int64) (*rollout.Group, error) {
	var model RolloutGroupModel
	err := r.handle(ctx).First(&model, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return groupToDomain(model), nil
}

func (r *RolloutGroupRepository) Save(ctx context.Context, g *rollout.Group) error {
	model := groupToModel(g)
	if err := r.handle(ctx).Save(&model).Error; err != nil {
		return err
	}
	g.ID = model.ID
	return nil
}

func (r *RolloutGroupRepository) ListByRollout(ctx context.Context, rolloutID int64) ([]*rollout.Group, error) {
	var models []RolloutGroupModel
	err := r.handle(ctx).
		Where("rollout_id = ?", rolloutID).
		Order("ordinal ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	items := make([]*rollout.Group, 0, len(models))
	for _, m := range models {
		items = append(items, groupToDomain(m))
	}
	return items, nil
}

func (r *RolloutGroupRepository) TransitionStatus(ctx context.Context, id int64, from []rollout.GroupStatus, to rollout.GroupStatus) (bool, error) {
	values := make([]string, 0, len(from))
	for _, s := range from {
		values = append(values, string(s))
	}

	result := r.handle(ctx).Model(&RolloutGroupModel{}).
		Where("id = ? AND status IN ?", id, values).
		Updates(map[string]any{
			"status":     string(to),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *RolloutGroupRepository) SetTotalTargets(ctx context.Context, id int64, total int64) error {
	return r.handle(ctx).Model(&RolloutGroupModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"total_targets": total,
			"updated_at":    time.Now().UTC(),
		}).Error
}

// Mappers

func rolloutToDomain(m RolloutModel) *rollout.Rollout {
	return &rollout.Rollout{
		ID:                m.ID,
		Tenant:            m.Tenant,
		Name:              m.Name,
		Description:       m.Description,
		DistributionSetID: m.DistributionSetID,
		TargetFilter:      m.TargetFilter,
		Status:            rollout.Status(m.Status),
		ActionType:        action.Type(m.ActionType),
		Weight:            m.Weight,
		ForcedTime:        m.ForcedTime,
		TotalTargets:      m.TotalTargets,
		GroupCount:        m.GroupCount,
		RequiresApproval:  m.RequiresApproval,
		ApprovalRemark:    m.ApprovalRemark,
		ApprovedBy:        m.ApprovedBy,
		InitiatedBy:       m.InitiatedBy,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
		DeletedAt:         m.DeletedAt,
	}
}

func rolloutToModel(r *rollout.Rollout) RolloutModel {
	return RolloutModel{
		ID:                r.ID,
		Tenant:            r.Tenant,
		Name:              r.Name,
		Description:       r.Description,
		DistributionSetID: r.DistributionSetID,
		TargetFilter:      r.TargetFilter,
		Status:            string(r.Status),
		ActionType:        string(r.ActionType),
		Weight:            r.Weight,
		ForcedTime:        r.ForcedTime,
		TotalTargets:      r.TotalTargets,
		GroupCount:        r.GroupCount,
		RequiresApproval:  r.RequiresApproval,
		ApprovalRemark:    r.ApprovalRemark,
		ApprovedBy:        r.ApprovedBy,
		InitiatedBy:       r.InitiatedBy,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
		DeletedAt:         r.DeletedAt,
	}
}

func groupToDomain(m RolloutGroupModel) *rollout.Group {
	return &rollout.Group{
		ID:               m.ID,
		RolloutID:        m.RolloutID,
		Tenant:           m.Tenant,
		Name:             m.Name,
		Ordinal:          m.Ordinal,
		TargetFilter:     m.TargetFilter,
		TargetPercentage: m.TargetPercentage,
		SuccessCondition: rollout.Condition{
			Type:  rollout.ConditionType(m.SuccessConditionType),
			Value: m.SuccessConditionValue,
		},
		ErrorCondition: rollout.Condition{
			Type:  rollout.ConditionType(m.ErrorConditionType),
			Value: m.ErrorConditionValue,
		},
		Status:       rollout.GroupStatus(m.Status),
		TotalTargets: m.TotalTargets,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func groupToModel(g *rollout.Group) RolloutGroupModel {
	return RolloutGroupModel{
		ID:                    g.ID,
		RolloutID:             g.RolloutID,
		Tenant:                g.Tenant,
		Name:                  g.Name,
		Ordinal:               g.Ordinal,
		TargetFilter:          g.TargetFilter,
		TargetPercentage:      g.TargetPercentage,
		SuccessConditionType:  string(g.SuccessCondition.Type),
		SuccessConditionValue: g.SuccessCondition.Value,
		ErrorConditionType:    string(g.ErrorCondition.Type),
		ErrorConditionValue:   g.ErrorCondition.Value,
		Status:                string(g.Status),
		TotalTargets:          g.TotalTargets,
		CreatedAt:             g.CreatedAt,
		UpdatedAt:             g.UpdatedAt,
	}
}
