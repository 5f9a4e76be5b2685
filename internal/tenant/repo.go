package tenant

import (
	"context"
)

// Repository defines control-plane persistence for hospital records.
// Implementations return ErrNotFound for missing rows and wrap any other
// storage failure in a ControlPlaneError.
type Repository interface {
	Create(ctx context.Context, h *Hospital) error
	FindByID(ctx context.Context, id int64) (*Hospital, error)
	FindByDomain(ctx context.Context, domain string) (*Hospital, error)
	FindBySlug(ctx context.Context, slug string) (*Hospital, error)
	ListActive(ctx context.Context) ([]*Hospital, error)
	List(ctx context.Context, limit, offset int) ([]*Hospital, int, error)
	UpdateStatus(ctx context.Context, id int64, status Status) error
	Delete(ctx context.Context, id int64) error
}

// ModuleRepository defines persistence for per-hospital module flags.
type ModuleRepository interface {
	Get(ctx context.Context, hospitalID int64, module string) (*ModuleFlag, error)
	ListEnabled(ctx context.Context, hospitalID int64) ([]string, error)
	List(ctx context.Context, hospitalID int64) ([]*ModuleFlag, error)
	Upsert(ctx context.Context, flag *ModuleFlag) error
}

// SettingRepository defines persistence for per-hospital settings.
type SettingRepository interface {
	Get(ctx context.Context, hospitalID int64, key string) (*Setting, error)
	ListByHospital(ctx context.Context, hospitalID int64) ([]*Setting, error)
	Upsert(ctx context.Context, s *Setting) error
	Delete(ctx context.Context, hospitalID int64, key string) (bool, error)
}
