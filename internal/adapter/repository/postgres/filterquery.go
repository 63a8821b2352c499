package postgres

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/fleetrail/fleetrail/internal/domain/action"
	"github.com/fleetrail/fleetrail/internal/domain/filter"
	"github.com/fleetrail/fleetrail/pkg/db"
)

// TargetFilterQueryModel is the database DTO for saved filters.
type TargetFilterQueryModel struct {
	ID         int64  `gorm:"primaryKey"`
	Tenant     string `gorm:"type:varchar(64);uniqueIndex:ux_filters_tenant_name"`
	Name       string `gorm:"type:varchar(128);uniqueIndex:ux_filters_tenant_name"`
	Expression string `gorm:"type:text"`

	AutoAssignDistributionSetID *int64
	AutoAssignActionType        *string `gorm:"type:varchar(32)"`
	AutoAssignWeight            *int
	ConfirmationRequired        bool
	AutoAssignInitiatedBy       string `gorm:"type:varchar(128)"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (TargetFilterQueryModel) TableName() string {
	return "target_filter_queries"
}

// FilterRepository implements filter.Repository on postgres.
type FilterRepository struct {
	db *gorm.DB
}

func NewFilterRepository(gdb *gorm.DB) *FilterRepository {
	return &FilterRepository{db: gdb}
}

func (r *FilterRepository) handle(ctx context.Context) *gorm.DB {
	return db.FromContext(ctx, r.db).WithContext(ctx)
}

func (r *FilterRepository) FindByID(ctx context.Context, id int64) (*filter.Query, error) {
	var model TargetFilterQueryModel
	err := r.handle(ctx).First(&model, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return filterToDomain(model), nil
}

func (r *FilterRepository) FindByName(ctx context.Context, tenant, name string) (*filter.Query, error) {
	var model TargetFilterQueryModel
	err := r.handle(ctx).
		Where("tenant = ? AND name = ?", tenant, name).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return filterToDomain(model), nil
}

func (r *FilterRepository) Save(ctx context.Context, q *filter.Query) error {
	model := filterToModel(q)
	if err := r.handle(ctx).Save(&model).Error; err != nil {
		return err
	}
	q.ID = model.ID
	return nil
}

func (r *FilterRepository) Delete(ctx context.Context, id int64) error {
	return r.handle(ctx).Delete(&TargetFilterQueryModel{}, "id = ?", id).Error
}

func (r *FilterRepository) List(ctx context.Context, tenant string, limit int) ([]*filter.Query, error) {
	var models []TargetFilterQueryModel
	q := r.handle(ctx).
		Where("tenant = ?", tenant).
		Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}
	return filtersToDomain(models), nil
}

func (r *FilterRepository) ListAutoAssign(ctx context.Context, limit int) ([]*filter.Query, error) {
	var models []TargetFilterQueryModel
	q := r.handle(ctx).
		Where("auto_assign_distribution_set_id IS NOT NULL").
		Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}
	return filtersToDomain(models), nil
}

// Mappers

func filterToDomain(m TargetFilterQueryModel) *filter.Query {
	q := &filter.Query{
		ID:                          m.ID,
		Tenant:                      m.Tenant,
		Name:                        m.Name,
		Expression:                  m.Expression,
		AutoAssignDistributionSetID: m.AutoAssignDistributionSetID,
		AutoAssignWeight:            m.AutoAssignWeight,
		ConfirmationRequired:        m.ConfirmationRequired,
		AutoAssignInitiatedBy:       m.AutoAssignInitiatedBy,
		CreatedAt:                   m.CreatedAt,
		UpdatedAt:                   m.UpdatedAt,
	}
	if m.AutoAssignActionType != nil {
		t := action.Type(*m.AutoAssignActionType)
		q.AutoAssignActionType = &t
	}
	return q
}

func filtersToDomain(models []TargetFilterQueryModel) []*filter.Query {
	items := make([]*filter.Query, 0, len(models))
	for _, m := range models {
		items = append(items, filterToDomain(m))
	}
	return items
}

func filterToModel(q *filter.Query) TargetFilterQueryModel {
	model := TargetFilterQueryModel{
		ID:                          q.ID,
		Tenant:                      q.Tenant,
		Name:                        q.Name,
		Expression:                  q.Expression,
		AutoAssignDistributionSetID: q.AutoAssignDistributionSetID,
		AutoAssignWeight:            q.AutoAssignWeight,
		ConfirmationRequired:        q.ConfirmationRequired,
		AutoAssignInitiatedBy:       q.AutoAssignInitiatedBy,
		CreatedAt:                   q.CreatedAt,
		UpdatedAt:                   q.UpdatedAt,
	}
	if q.AutoAssignActionType != nil {
		s := string(*q.AutoAssignActionType)
		model.AutoAssignActionType = &s
	}
	return model
}
