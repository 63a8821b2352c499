package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/fleetrail/fleetrail/internal/domain/distribution"
	"github.com/fleetrail/fleetrail/pkg/db"
)

// DistributionSetModel is the database DTO for distribution sets.
type DistributionSetModel struct {
	ID        int64  `gorm:"primaryKey"`
	Tenant    string `gorm:"type:varchar(64);uniqueIndex:ux_ds_tenant_name_version"`
	Name      string `gorm:"type:varchar(255);uniqueIndex:ux_ds_tenant_name_version"`
	Version   string `gorm:"type:varchar(64);uniqueIndex:ux_ds_tenant_name_version"`
	TypeID    int64  `gorm:"column:type_id"`
	Complete  bool
	Deleted   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (DistributionSetModel) TableName() string {
	return "distribution_sets"
}

type SoftwareModuleModel struct {
	ID           int64  `gorm:"primaryKey"`
	Tenant       string `gorm:"type:varchar(64)"`
	ModuleTypeID int64
	Name         string `gorm:"type:varchar(255)"`
	Version      string `gorm:"type:varchar(64)"`
	CreatedAt    time.Time
}

func (SoftwareModuleModel) TableName() string {
	return "software_modules"
}

type DistributionSetModuleModel struct {
	DistributionSetID int64 `gorm:"primaryKey"`
	ModuleID          int64 `gorm:"primaryKey"`
}

func (DistributionSetModuleModel) TableName() string {
	return "distribution_set_modules"
}

// DistributionSetTypeModel stores mandatory/optional module types as
// jsonb arrays.
type DistributionSetTypeModel struct {
	ID                   int64  `gorm:"primaryKey"`
	Tenant               string `gorm:"type:varchar(64)"`
	Key                  string `gorm:"type:varchar(64)"`
	Name                 string `gorm:"type:varchar(255)"`
	MandatoryModuleTypes []byte `gorm:"type:jsonb"`
	OptionalModuleTypes  []byte `gorm:"type:jsonb"`
}

func (DistributionSetTypeModel) TableName() string {
	return "distribution_set_types"
}

// DistributionRepository implements distribution.Repository on postgres.
type DistributionRepository struct {
	db *gorm.DB
}

func NewDistributionRepository(gdb *gorm.DB) *DistributionRepository {
	return &DistributionRepository{db: gdb}
}

func (r *DistributionRepository) handle(ctx context.Context) *gorm.DB {
	return db.FromContext(ctx, r.db).WithContext(ctx)
}

func (r *DistributionRepository) FindByID(ctx context.Context, id int64) (*distribution.Set, error) {
	var model DistributionSetModel
	err := r.handle(ctx).First(&model, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	set := setToDomain(model)
	if err := r.loadModules(ctx, set); err != nil {
		return nil, err
	}
	return set, nil
}

func (r *DistributionRepository) FindByNameVersion(ctx context.Context, tenant, name, version string) (*distribution.Set, error) {
	var model DistributionSetModel
	err := r.handle(ctx).
		Where("tenant = ? AND name = ? AND version = ?", tenant, name, version).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	set := setToDomain(model)
	if err := r.loadModules(ctx, set); err != nil {
		return nil, err
	}
	return set, nil
}

func (r *DistributionRepository) Save(ctx context.Context, s *distribution.Set) error {
	model := setToModel(s)
	h := r.handle(ctx)
	if err := h.Save(&model).Error; err != nil {
		return err
	}
	s.ID = model.ID

	// Rewrite the module links; the set owns its composition.
	if err := h.Where("distribution_set_id = ?", s.ID).
		Delete(&DistributionSetModuleModel{}).Error; err != nil {
		return err
	}
	for _, m := range s.Modules {
		link := DistributionSetModuleModel{DistributionSetID: s.ID, ModuleID: m.ID}
		if err := h.Create(&link).Error; err != nil {
			return err
		}
	}
	return nil
}

func (r *DistributionRepository) List(ctx context.Context, tenant string, limit int) ([]*distribution.Set, error) {
	var models []DistributionSetModel
	q := r.handle(ctx).
		Where("tenant = ? AND deleted = ?", tenant, false).
		Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}

	items := make([]*distribution.Set, 0, len(models))
	for _, m := range models {
		items = append(items, setToDomain(m))
	}
	return items, nil
}

func (r *DistributionRepository) FindTypeByID(ctx context.Context, id int64) (*distribution.SetType, error) {
	var model DistributionSetTypeModel
	err := r.handle(ctx).First(&model, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return typeToDomain(model)
}

func (r *DistributionRepository) FindModuleByID(ctx context.Context, id int64) (*distribution.Module, error) {
	var model SoftwareModuleModel
	err := r.handle(ctx).First(&model, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &distribution.Module{
		ID:           model.ID,
		Tenant:       model.Tenant,
		ModuleTypeID: model.ModuleTypeID,
		Name:         model.Name,
		Version:      model.Version,
		CreatedAt:    model.CreatedAt,
	}, nil
}

func (r *DistributionRepository) SaveModule(ctx context.Context, m *distribution.Module) error {
	model := SoftwareModuleModel{
		ID:           m.ID,
		Tenant:       m.Tenant,
		ModuleTypeID: m.ModuleTypeID,
		Name:         m.Name,
		Version:      m.Version,
		CreatedAt:    m.CreatedAt,
	}
	if err := r.handle(ctx).Save(&model).Error; err != nil {
		return err
	}
	m.ID = model.ID
	return nil
}

func (r *DistributionRepository) loadModules(ctx context.Context, s *distribution.Set) error {
	var models []SoftwareModuleModel
	err := r.handle(ctx).
		Table("software_modules").
		Joins("JOIN distribution_set_modules l ON l.module_id = software_modules.id").
		Where("l.distribution_set_id = ?", s.ID).
		Find(&models).Error
	if err != nil {
		return err
	}
	for _, m := range models {
		s.Modules = append(s.Modules, distribution.Module{
			ID:           m.ID,
			Tenant:       m.Tenant,
			ModuleTypeID: m.ModuleTypeID,
			Name:         m.Name,
			Version:      m.Version,
			CreatedAt:    m.CreatedAt,
		})
	}
	return nil
}

// Mappers

func setToDomain(m DistributionSetModel) *distribution.Set {
	return &distribution.Set{
		ID:        m.ID,
		Tenant:    m.Tenant,
		Name:      m.Name,
		Version:   m.Version,
		TypeID:    m.TypeID,
		Complete:  m.Complete,
		Deleted:   m.Deleted,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func setToModel(s *distribution.Set) DistributionSetModel {
	return DistributionSetModel{
		ID:        s.ID,
		Tenant:    s.Tenant,
		Name:      s.Name,
		Version:   s.Version,
		TypeID:    s.TypeID,
		Complete:  s.Complete,
		Deleted:   s.Deleted,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
}

func typeToDomain(m DistributionSetTypeModel) (*distribution.SetType, error) {
	st := &distribution.SetType{
		ID:     m.ID,
		Tenant: m.Tenant,
		Key:    m.Key,
		Name:   m.Name,
	}
	if len(m.MandatoryModuleTypes) > 0 {
		if err := json.Unmarshal(m.MandatoryModuleTypes, &st.MandatoryModuleTypes); err != nil {
			return nil, fmt.Errorf("decode mandatory module types: %w", err)
		}
	}
	if len(m.OptionalModuleTypes) > 0 {
		if err := json.Unmarshal(m.OptionalModuleTypes, &st.OptionalModuleTypes); err != nil {
			return nil, fmt.Errorf("decode optional module types: %w", err)
		}
	}
	return st, nil
}
