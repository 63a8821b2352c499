package target

import (
	"errors"
	"time"
)

// UpdateStatus represents the device-reported synchronization state.
type UpdateStatus string

const (
	StatusUnknown    UpdateStatus = "unknown"
	StatusRegistered UpdateStatus = "registered"
	StatusPending    UpdateStatus = "pending"
	StatusInSync     UpdateStatus = "in_sync"
	StatusError      UpdateStatus = "error"
)

var (
	ErrNotFound = errors.New("target not found")
)

// Target is a managed device. The tenant-scoped controller ID is the
// identity the device itself knows; the numeric ID is internal.
type Target struct {
	ID           int64  `json:"id,string"`
	Tenant       string `json:"tenant"`
	ControllerID string `json:"controller_id"`
	Name         string `json:"name"`

	// TargetTypeID constrains which distribution set types may be
	// assigned. Nil means unconstrained.
	TargetTypeID *int64 `json:"target_type_id,string,omitempty"`

	UpdateStatus               UpdateStatus `json:"update_status"`
	AssignedDistributionSetID  *int64       `json:"assigned_distribution_set_id,string,omitempty"`
	InstalledDistributionSetID *int64       `json:"installed_distribution_set_id,string,omitempty"`

	Address       string            `json:"address,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
	SecurityToken string            `json:"-"`

	LastPollAt *time.Time `json:"last_poll_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// New creates a freshly registered target.
func New(tenant, controllerID, securityToken string) *Target {
	now := time.Now().UTC()
	return &Target{
		Tenant:        tenant,
		ControllerID:  controllerID,
		Name:          controllerID,
		UpdateStatus:  StatusRegistered,
		SecurityToken: securityToken,
		Attributes:    map[string]string{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// MarkPolled records a device check-in.
func (t *Target) MarkPolled(now time.Time, address string) {
	t.LastPollAt = &now
	if address != "" {
		t.Address = address
	}
	t.UpdatedAt = now
}

// HasOpenAssignment reports whether the target still has to move to its
// assigned distribution set.
func (t *Target) HasOpenAssignment() bool {
	if t.AssignedDistributionSetID == nil {
		return false
	}
	if t.InstalledDistributionSetID == nil {
		return true
	}
	return *t.AssignedDistributionSetID != *t.InstalledDistributionSetID
}

// TargetType declares which distribution set types a target may receive.
type TargetType struct {
	ID     int64  `json:"id,string"`
	Tenant string `json:"tenant"`
	Name   string `json:"name"`

	// CompatibleDistributionSetTypeIDs lists the permitted set types.
	CompatibleDistributionSetTypeIDs []int64 `json:"compatible_distribution_set_type_ids"`
}

// Compatible reports whether the given distribution set type may be
// assigned to targets of this type.
func (tt *TargetType) Compatible(distributionSetTypeID int64) bool {
	for _, id := range tt.CompatibleDistributionSetTypeIDs {
		if id == distributionSetTypeID {
			return true
		}
	}
	return false
}
