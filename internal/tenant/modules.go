package tenant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/his/his/internal/platform/cache"
)

// UnmappedRoutePolicyAllow is the gate's stance on paths with no module
// mapping: let them through. The gate is a feature-availability boundary,
// not an authorization boundary, and blocking every unmapped or future route
// would be worse than admitting one. Named so audits can find it.
const UnmappedRoutePolicyAllow = true

// moduleRoutes maps the leading API path segment to the business module that
// owns it. Paths absent from this table fall under UnmappedRoutePolicyAllow.
var moduleRoutes = map[string]string{
	"patients":      "Patient",
	"doctors":       "Doctor",
	"appointments":  "Appointment",
	"admissions":    "Admission",
	"beds":          "Bed",
	"wards":         "Bed",
	"pharmacy":      "Pharmacy",
	"prescriptions": "Pharmacy",
	"stock":         "Stock",
	"inventory":     "Stock",
	"billing":       "Billing",
	"invoices":      "Billing",
	"payments":      "Billing",
	"laboratory":    "Laboratory",
	"lab-tests":     "Laboratory",
	"radiology":     "Radiology",
	"reports":       "Reporting",
}

// ModuleForPath infers the owning module from a request path like
// /api/v1/patients/42. The empty string means no mapping matched.
func ModuleForPath(path string) string {
	path = strings.TrimPrefix(path, "/")
	segments := strings.Split(path, "/")
	for _, seg := range segments {
		if m, ok := moduleRoutes[strings.ToLower(seg)]; ok {
			return m
		}
	}
	return ""
}

// Gate answers "is this module enabled for this hospital" on the hot path,
// and carries the administrative enable/disable operations. Enabled sets are
// cached per hospital; the flag store stays authoritative and every write
// invalidates before returning.
type Gate struct {
	repo  ModuleRepository
	cache *cache.Store
	ttl   time.Duration
}

func NewGate(repo ModuleRepository, ttl time.Duration) *Gate {
	return &Gate{repo: repo, cache: cache.New(), ttl: ttl}
}

func gateKey(hospitalID int64) string {
	return fmt.Sprintf("modules:%d", hospitalID)
}

// enabledSet returns the hospital's enabled module names as a set.
func (g *Gate) enabledSet(ctx context.Context, hospitalID int64) (map[string]bool, error) {
	key := gateKey(hospitalID)
	if g.ttl > 0 {
		if v, ok := g.cache.Get(key); ok {
			if set, ok := v.(map[string]bool); ok {
				return set, nil
			}
		}
	}

	names, err := g.repo.ListEnabled(ctx, hospitalID)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	if g.ttl > 0 {
		g.cache.Set(key, set, g.ttl)
	}
	return set, nil
}

// IsModuleEnabled reports whether the named module is enabled for the
// hospital. Modules never explicitly enabled are disabled.
func (g *Gate) IsModuleEnabled(ctx context.Context, hospitalID int64, module string) (bool, error) {
	set, err := g.enabledSet(ctx, hospitalID)
	if err != nil {
		return false, err
	}
	return set[module], nil
}

// IsModuleEnabledFresh bypasses the cache and answers from the flag store.
func (g *Gate) IsModuleEnabledFresh(ctx context.Context, hospitalID int64, module string) (bool, error) {
	names, err := g.repo.ListEnabled(ctx, hospitalID)
	if err != nil {
		return false, err
	}
	for _, n := range names {
		if n == module {
			return true, nil
		}
	}
	return false, nil
}

// CheckPath gates a request path for the hospital connected in ctx. A
// request with no connected hospital is refused regardless of path; an
// unmapped path otherwise passes under UnmappedRoutePolicyAllow.
func (g *Gate) CheckPath(ctx context.Context, path string) error {
	h, ok := CurrentHospital(ctx)
	if !ok {
		return &NotFoundError{}
	}

	module := ModuleForPath(path)
	if module == "" {
		if UnmappedRoutePolicyAllow {
			return nil
		}
		return &ModuleDisabledError{Module: "unknown"}
	}

	enabled, err := g.IsModuleEnabled(ctx, h.ID, module)
	if err != nil {
		return err
	}
	if !enabled {
		return &ModuleDisabledError{Module: module}
	}
	return nil
}

// currentlyEnabled answers from the flag store, never the cache, so the
// write path's change detection cannot be fooled by a stale set.
func (g *Gate) currentlyEnabled(ctx context.Context, hospitalID int64, module string) (bool, error) {
	flag, err := g.repo.Get(ctx, hospitalID, module)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return flag.Enabled, nil
}

// Enable turns a module on for the hospital, recording when and by whom. It
// reports whether the flag actually changed state; enabling an already
// enabled module is a no-op.
func (g *Gate) Enable(ctx context.Context, hospitalID int64, module string, by string) (bool, error) {
	enabled, err := g.currentlyEnabled(ctx, hospitalID, module)
	if err != nil {
		return false, err
	}
	if enabled {
		return false, nil
	}

	now := time.Now()
	flag := &ModuleFlag{
		HospitalID: hospitalID,
		Module:     module,
		Enabled:    true,
		EnabledAt:  &now,
	}
	if by != "" {
		flag.EnabledBy = &by
	}
	if err := g.repo.Upsert(ctx, flag); err != nil {
		return false, err
	}
	g.Invalidate(hospitalID)
	log.Info().Int64("hospital_id", hospitalID).Str("module", module).Msg("module enabled")
	return true, nil
}

// Disable turns a module off for the hospital. It reports whether the flag
// actually changed state.
func (g *Gate) Disable(ctx context.Context, hospitalID int64, module string) (bool, error) {
	enabled, err := g.currentlyEnabled(ctx, hospitalID, module)
	if err != nil {
		return false, err
	}
	if !enabled {
		return false, nil
	}

	now := time.Now()
	flag := &ModuleFlag{
		HospitalID: hospitalID,
		Module:     module,
		Enabled:    false,
		DisabledAt: &now,
	}
	if err := g.repo.Upsert(ctx, flag); err != nil {
		return false, err
	}
	g.Invalidate(hospitalID)
	log.Info().Int64("hospital_id", hospitalID).Str("module", module).Msg("module disabled")
	return true, nil
}

// EnableBatch enables several modules in one administrative call and returns
// the modules that actually changed state.
func (g *Gate) EnableBatch(ctx context.Context, hospitalID int64, modules []string, by string) ([]string, error) {
	var changed []string
	for _, m := range modules {
		did, err := g.Enable(ctx, hospitalID, m, by)
		if err != nil {
			return changed, err
		}
		if did {
			changed = append(changed, m)
		}
	}
	return changed, nil
}

// DisableBatch disables several modules in one administrative call and
// returns the modules that actually changed state.
func (g *Gate) DisableBatch(ctx context.Context, hospitalID int64, modules []string) ([]string, error) {
	var changed []string
	for _, m := range modules {
		did, err := g.Disable(ctx, hospitalID, m)
		if err != nil {
			return changed, err
		}
		if did {
			changed = append(changed, m)
		}
	}
	return changed, nil
}

// List returns every flag row for the hospital, uncached.
func (g *Gate) List(ctx context.Context, hospitalID int64) ([]*ModuleFlag, error) {
	return g.repo.List(ctx, hospitalID)
}

// Invalidate drops the hospital's cached enabled set.
func (g *Gate) Invalidate(hospitalID int64) {
	g.cache.Delete(gateKey(hospitalID))
}
