package tenant

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/his/his/internal/platform/db"
)

var (
	slugPattern   = regexp.MustCompile(`^[a-z][a-z0-9-]{1,62}$`)
	domainPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9.-]{0,251}[a-z0-9])?$`)
)

// Slugify derives a slug from a display name: lowercase, runs of anything
// non-alphanumeric collapsed to single hyphens.
func Slugify(name string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}

// OnboardRequest is the input for registering a new hospital.
type OnboardRequest struct {
	Name   string `json:"name"`
	Domain string `json:"domain"`
	Slug   string `json:"slug"`
	Plan   string `json:"plan"`
}

// Validate normalizes the request and rejects anything that cannot become a
// hospital record or a database name.
func (r *OnboardRequest) Validate() error {
	r.Name = strings.TrimSpace(r.Name)
	r.Domain = strings.ToLower(strings.TrimSpace(r.Domain))
	r.Slug = strings.ToLower(strings.TrimSpace(r.Slug))

	if r.Name == "" {
		return errors.New("name is required")
	}
	if r.Domain == "" {
		return errors.New("domain is required")
	}
	if !domainPattern.MatchString(r.Domain) {
		return fmt.Errorf("invalid domain %q", r.Domain)
	}
	if r.Slug == "" {
		r.Slug = Slugify(r.Name)
	}
	if !slugPattern.MatchString(r.Slug) {
		return fmt.Errorf("invalid slug %q", r.Slug)
	}
	if r.Plan == "" {
		r.Plan = "standard"
	}
	return nil
}

// Provisioner onboards hospitals: control-plane record, dedicated database,
// schema migrations, default modules, then activation. The admin pool must
// connect as a role allowed to create databases.
type Provisioner struct {
	repo           Repository
	registry       *Registry
	sb             *Switchboard
	gate           *Gate
	adminPool      *pgxpool.Pool
	migrationsDir  string
	defaultModules []string
}

func NewProvisioner(repo Repository, registry *Registry, sb *Switchboard, gate *Gate,
	adminPool *pgxpool.Pool, migrationsDir string, defaultModules []string) *Provisioner {
	return &Provisioner{
		repo:           repo,
		registry:       registry,
		sb:             sb,
		gate:           gate,
		adminPool:      adminPool,
		migrationsDir:  migrationsDir,
		defaultModules: defaultModules,
	}
}

// Onboard runs the full provisioning sequence. The record stays in
// provisioning status until every step succeeds, so a half-provisioned
// hospital can never receive traffic; a failed attempt is retried by
// calling Onboard again for the same slug after cleanup.
func (p *Provisioner) Onboard(ctx context.Context, req OnboardRequest) (*Hospital, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	h := &Hospital{
		Name:   req.Name,
		Domain: req.Domain,
		Slug:   req.Slug,
		Status: StatusProvisioning,
		DBName: "his_" + strings.ReplaceAll(req.Slug, "-", "_"),
		Plan:   req.Plan,
	}
	if err := p.repo.Create(ctx, h); err != nil {
		return nil, err
	}

	log.Info().
		Int64("hospital_id", h.ID).
		Str("slug", h.Slug).
		Str("db_name", h.DBName).
		Msg("provisioning hospital")

	if err := p.createDatabase(ctx, h.DBName); err != nil {
		return nil, fmt.Errorf("create database for hospital %d: %w", h.ID, err)
	}
	if err := p.migrate(ctx, h); err != nil {
		return nil, fmt.Errorf("migrate database for hospital %d: %w", h.ID, err)
	}

	if _, err := p.gate.EnableBatch(ctx, h.ID, p.defaultModules, "system"); err != nil {
		return nil, err
	}

	if err := p.repo.UpdateStatus(ctx, h.ID, StatusActive); err != nil {
		return nil, err
	}
	p.registry.Invalidate(h)

	if err := p.sb.TestConnection(ctx, h); err != nil {
		return nil, err
	}

	h.Status = StatusActive
	log.Info().Int64("hospital_id", h.ID).Str("slug", h.Slug).Msg("hospital active")
	return h, nil
}

// createDatabase issues CREATE DATABASE on the admin pool. The name was
// derived from a validated slug, but it is re-checked here because it ends
// up inside an identifier that cannot be parameterized. An already-existing
// database is fine: it means a previous attempt got this far.
func (p *Provisioner) createDatabase(ctx context.Context, name string) error {
	if !regexp.MustCompile(`^[a-z][a-z0-9_]{1,62}$`).MatchString(name) {
		return fmt.Errorf("invalid database name %q", name)
	}
	_, err := p.adminPool.Exec(ctx, fmt.Sprintf(`CREATE DATABASE %q`, name))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "42P04" {
			log.Warn().Str("db_name", name).Msg("database already exists, reusing")
			return nil
		}
		return err
	}
	return nil
}

// migrate applies the tenant schema to the hospital's fresh database.
func (p *Provisioner) migrate(ctx context.Context, h *Hospital) error {
	cfg, err := p.sb.poolConfig(h)
	if err != nil {
		return err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	n, err := db.NewMigrator(pool, p.migrationsDir).Up(ctx)
	if err != nil {
		return err
	}
	log.Info().Int64("hospital_id", h.ID).Int("migrations", n).Msg("tenant schema applied")
	return nil
}

// Verify checks the hospital's database is reachable without touching any
// request state.
func (p *Provisioner) Verify(ctx context.Context, h *Hospital) error {
	return p.sb.TestConnection(ctx, h)
}

// SetStatus transitions a hospital's lifecycle status, invalidates the
// registry cache, and purges the pool when the hospital leaves active
// status so open connections stop being reused immediately.
func (p *Provisioner) SetStatus(ctx context.Context, id int64, status Status) (*Hospital, error) {
	if !status.IsValid() {
		return nil, fmt.Errorf("invalid status %q", status)
	}
	h, err := p.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := p.repo.UpdateStatus(ctx, id, status); err != nil {
		return nil, err
	}
	p.registry.Invalidate(h)
	if status != StatusActive {
		p.sb.Purge(h)
	}
	return p.registry.GetByIDFresh(ctx, id)
}

// Remove soft-deletes a hospital and tears down its pool. The database
// itself is kept; dropping patient data is an operator decision made
// elsewhere.
func (p *Provisioner) Remove(ctx context.Context, id int64) error {
	h, err := p.repo.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if err := p.repo.Delete(ctx, id); err != nil {
		return err
	}
	p.registry.Invalidate(h)
	p.sb.Purge(h)
	log.Info().Int64("hospital_id", id).Str("slug", h.Slug).Msg("hospital removed")
	return nil
}
