package distribution

import "context"

// Repository persists distribution sets and their types.
type Repository interface {
	FindByID(ctx context.Context, id int64) (*Set, error)
	FindByNameVersion(ctx context.Context, tenant, name, version string) (*Set, error)
	Save(ctx context.Context, s *Set) error
	List(ctx context.Context, tenant string, limit int) ([]*Set, error)

	FindTypeByID(ctx context.Context, id int64) (*SetType, error)

	FindModuleByID(ctx context.Context, id int64) (*Module, error)
	SaveModule(ctx context.Context, m *Module) error
}
