package distribution

import (
	"errors"
	"time"
)

var (
	ErrNotFound   = errors.New("distribution set not found")
	ErrIncomplete = errors.New("distribution set is incomplete")
)

// Module is one installable software unit.
type Module struct {
	ID           int64     `json:"id,string"`
	Tenant       string    `json:"tenant"`
	ModuleTypeID int64     `json:"module_type_id,string"`
	Name         string    `json:"name"`
	Version      string    `json:"version"`
	CreatedAt    time.Time `json:"created_at"`
}

// SetType declares which module types a distribution set of this type
// must and may contain.
type SetType struct {
	ID                    int64   `json:"id,string"`
	Tenant                string  `json:"tenant"`
	Key                   string  `json:"key"`
	Name                  string  `json:"name"`
	MandatoryModuleTypes  []int64 `json:"mandatory_module_types"`
	OptionalModuleTypes   []int64 `json:"optional_module_types"`
}

// Set is a versioned bundle of software modules assignable to targets.
// Name+version is unique per tenant. Incomplete sets (missing a mandatory
// module type) must never be assigned.
type Set struct {
	ID        int64     `json:"id,string"`
	Tenant    string    `json:"tenant"`
	Name      string    `json:"name"`
	Version   string    `json:"version"`
	TypeID    int64     `json:"type_id,string"`
	Complete  bool      `json:"complete"`
	Deleted   bool      `json:"deleted"`
	Modules   []Module  `json:"modules,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ComputeComplete reports whether every mandatory module type of the set
// type is populated.
func (s *Set) ComputeComplete(st *SetType) bool {
	for _, required := range st.MandatoryModuleTypes {
		found := false
		for _, m := range s.Modules {
			if m.ModuleTypeID == required {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Assignable reports whether the set may be handed to targets at all.
func (s *Set) Assignable() bool {
	return s.Complete && !s.Deleted
}
