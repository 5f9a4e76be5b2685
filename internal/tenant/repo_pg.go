package tenant

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// repoPG implements the control-plane repositories over the tenant-independent
// control database. It must never touch any hospital's own database.
type repoPG struct {
	pool *pgxpool.Pool
}

// NewRepository returns the Postgres-backed hospital repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

// NewModuleRepository returns the Postgres-backed module-flag repository.
func NewModuleRepository(pool *pgxpool.Pool) ModuleRepository {
	return &moduleRepoPG{pool: pool}
}

// NewSettingRepository returns the Postgres-backed settings repository.
func NewSettingRepository(pool *pgxpool.Pool) SettingRepository {
	return &settingRepoPG{pool: pool}
}

// cpErr classifies a storage error: missing rows stay ErrNotFound, anything
// else means the control plane itself is unhealthy.
func cpErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return &ControlPlaneError{Op: op, Err: err}
}

const hospitalColumns = `id, uuid, name, domain, slug, status, db_host, db_port, db_name, db_user, db_password, plan, created_at, updated_at, deleted_at`

func scanHospital(row pgx.Row) (*Hospital, error) {
	h := &Hospital{}
	err := row.Scan(
		&h.ID, &h.UUID, &h.Name, &h.Domain, &h.Slug, &h.Status,
		&h.DBHost, &h.DBPort, &h.DBName, &h.DBUser, &h.DBPassword,
		&h.Plan, &h.CreatedAt, &h.UpdatedAt, &h.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (r *repoPG) Create(ctx context.Context, h *Hospital) error {
	if h.UUID == uuid.Nil {
		h.UUID = uuid.New()
	}
	if h.Status == "" {
		h.Status = StatusProvisioning
	}
	err := r.pool.QueryRow(ctx, `
		INSERT INTO tenants (uuid, name, domain, slug, status, db_host, db_port, db_name, db_user, db_password, plan)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at, updated_at`,
		h.UUID, h.Name, h.Domain, h.Slug, h.Status,
		h.DBHost, h.DBPort, h.DBName, h.DBUser, h.DBPassword, h.Plan,
	).Scan(&h.ID, &h.CreatedAt, &h.UpdatedAt)
	return cpErr("create tenant", err)
}

func (r *repoPG) FindByID(ctx context.Context, id int64) (*Hospital, error) {
	h, err := scanHospital(r.pool.QueryRow(ctx,
		`SELECT `+hospitalColumns+` FROM tenants WHERE id = $1 AND deleted_at IS NULL`, id))
	if err != nil {
		return nil, cpErr("find tenant by id", err)
	}
	return h, nil
}

func (r *repoPG) FindByDomain(ctx context.Context, domain string) (*Hospital, error) {
	h, err := scanHospital(r.pool.QueryRow(ctx,
		`SELECT `+hospitalColumns+` FROM tenants WHERE domain = $1 AND deleted_at IS NULL`, domain))
	if err != nil {
		return nil, cpErr("find tenant by domain", err)
	}
	return h, nil
}

func (r *repoPG) FindBySlug(ctx context.Context, slug string) (*Hospital, error) {
	h, err := scanHospital(r.pool.QueryRow(ctx,
		`SELECT `+hospitalColumns+` FROM tenants WHERE slug = $1 AND deleted_at IS NULL`, slug))
	if err != nil {
		return nil, cpErr("find tenant by slug", err)
	}
	return h, nil
}

func (r *repoPG) ListActive(ctx context.Context) ([]*Hospital, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+hospitalColumns+` FROM tenants WHERE status = $1 AND deleted_at IS NULL ORDER BY id`,
		StatusActive)
	if err != nil {
		return nil, cpErr("list active tenants", err)
	}
	defer rows.Close()

	var hospitals []*Hospital
	for rows.Next() {
		h, err := scanHospital(rows)
		if err != nil {
			return nil, cpErr("scan tenant", err)
		}
		hospitals = append(hospitals, h)
	}
	return hospitals, cpErr("iterate tenants", rows.Err())
}

func (r *repoPG) List(ctx context.Context, limit, offset int) ([]*Hospital, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM tenants WHERE deleted_at IS NULL`).Scan(&total); err != nil {
		return nil, 0, cpErr("count tenants", err)
	}

	rows, err := r.pool.Query(ctx,
		`SELECT `+hospitalColumns+` FROM tenants WHERE deleted_at IS NULL ORDER BY id LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, 0, cpErr("list tenants", err)
	}
	defer rows.Close()

	var hospitals []*Hospital
	for rows.Next() {
		h, err := scanHospital(rows)
		if err != nil {
			return nil, 0, cpErr("scan tenant", err)
		}
		hospitals = append(hospitals, h)
	}
	return hospitals, total, cpErr("iterate tenants", rows.Err())
}

func (r *repoPG) UpdateStatus(ctx context.Context, id int64, status Status) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE tenants SET status = $2, updated_at = NOW() WHERE id = $1 AND deleted_at IS NULL`,
		id, status)
	if err != nil {
		return cpErr("update tenant status", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) Delete(ctx context.Context, id int64) error {
	// Soft delete only: the record and its audit trail are retained.
	tag, err := r.pool.Exec(ctx,
		`UPDATE tenants SET deleted_at = NOW(), updated_at = NOW() WHERE id = $1 AND deleted_at IS NULL`,
		id)
	if err != nil {
		return cpErr("delete tenant", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// -- Module flags --

type moduleRepoPG struct {
	pool *pgxpool.Pool
}

const moduleColumns = `id, tenant_id, module_name, is_enabled, config, enabled_at, disabled_at, enabled_by, created_at, updated_at`

func scanModuleFlag(row pgx.Row) (*ModuleFlag, error) {
	f := &ModuleFlag{}
	err := row.Scan(
		&f.ID, &f.HospitalID, &f.Module, &f.Enabled, &f.Config,
		&f.EnabledAt, &f.DisabledAt, &f.EnabledBy, &f.CreatedAt, &f.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (r *moduleRepoPG) Get(ctx context.Context, hospitalID int64, module string) (*ModuleFlag, error) {
	f, err := scanModuleFlag(r.pool.QueryRow(ctx,
		`SELECT `+moduleColumns+` FROM tenant_modules WHERE tenant_id = $1 AND module_name = $2`,
		hospitalID, module))
	if err != nil {
		return nil, cpErr("get module flag", err)
	}
	return f, nil
}

func (r *moduleRepoPG) ListEnabled(ctx context.Context, hospitalID int64) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT module_name FROM tenant_modules WHERE tenant_id = $1 AND is_enabled ORDER BY module_name`,
		hospitalID)
	if err != nil {
		return nil, cpErr("list enabled modules", err)
	}
	defer rows.Close()

	var modules []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, cpErr("scan module name", err)
		}
		modules = append(modules, name)
	}
	return modules, cpErr("iterate modules", rows.Err())
}

func (r *moduleRepoPG) List(ctx context.Context, hospitalID int64) ([]*ModuleFlag, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+moduleColumns+` FROM tenant_modules WHERE tenant_id = $1 ORDER BY module_name`,
		hospitalID)
	if err != nil {
		return nil, cpErr("list module flags", err)
	}
	defer rows.Close()

	var flags []*ModuleFlag
	for rows.Next() {
		f, err := scanModuleFlag(rows)
		if err != nil {
			return nil, cpErr("scan module flag", err)
		}
		flags = append(flags, f)
	}
	return flags, cpErr("iterate module flags", rows.Err())
}

func (r *moduleRepoPG) Upsert(ctx context.Context, flag *ModuleFlag) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO tenant_modules (tenant_id, module_name, is_enabled, config, enabled_at, disabled_at, enabled_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, module_name) DO UPDATE SET
			is_enabled = EXCLUDED.is_enabled,
			config = COALESCE(EXCLUDED.config, tenant_modules.config),
			enabled_at = EXCLUDED.enabled_at,
			disabled_at = EXCLUDED.disabled_at,
			enabled_by = EXCLUDED.enabled_by,
			updated_at = NOW()
		RETURNING id, created_at, updated_at`,
		flag.HospitalID, flag.Module, flag.Enabled, flag.Config,
		flag.EnabledAt, flag.DisabledAt, flag.EnabledBy,
	).Scan(&flag.ID, &flag.CreatedAt, &flag.UpdatedAt)
	return cpErr("upsert module flag", err)
}

// -- Settings --

type settingRepoPG struct {
	pool *pgxpool.Pool
}

const settingColumns = `id, tenant_id, key, value, type, group_name, description, is_public, created_at, updated_at`

func scanSetting(row pgx.Row) (*Setting, error) {
	s := &Setting{}
	err := row.Scan(
		&s.ID, &s.HospitalID, &s.Key, &s.Value, &s.Type,
		&s.Group, &s.Description, &s.Public, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r *settingRepoPG) Get(ctx context.Context, hospitalID int64, key string) (*Setting, error) {
	s, err := scanSetting(r.pool.QueryRow(ctx,
		`SELECT `+settingColumns+` FROM tenant_settings WHERE tenant_id = $1 AND key = $2`,
		hospitalID, key))
	if err != nil {
		return nil, cpErr("get setting", err)
	}
	return s, nil
}

func (r *settingRepoPG) ListByHospital(ctx context.Context, hospitalID int64) ([]*Setting, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+settingColumns+` FROM tenant_settings WHERE tenant_id = $1 ORDER BY key`,
		hospitalID)
	if err != nil {
		return nil, cpErr("list settings", err)
	}
	defer rows.Close()

	var settings []*Setting
	for rows.Next() {
		s, err := scanSetting(rows)
		if err != nil {
			return nil, cpErr("scan setting", err)
		}
		settings = append(settings, s)
	}
	return settings, cpErr("iterate settings", rows.Err())
}

func (r *settingRepoPG) Upsert(ctx context.Context, s *Setting) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO tenant_settings (tenant_id, key, value, type, group_name, description, is_public)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, key) DO UPDATE SET
			value = EXCLUDED.value,
			type = EXCLUDED.type,
			group_name = EXCLUDED.group_name,
			description = EXCLUDED.description,
			is_public = EXCLUDED.is_public,
			updated_at = NOW()
		RETURNING id, created_at, updated_at`,
		s.HospitalID, s.Key, s.Value, s.Type, s.Group, s.Description, s.Public,
	).Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt)
	return cpErr("upsert setting", err)
}

func (r *settingRepoPG) Delete(ctx context.Context, hospitalID int64, key string) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM tenant_settings WHERE tenant_id = $1 AND key = $2`,
		hospitalID, key)
	if err != nil {
		return false, cpErr("delete setting", err)
	}
	return tag.RowsAffected() > 0, nil
}
