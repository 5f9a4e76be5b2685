package tenant

import (
	"context"
	"errors"
	"strconv"

	"github.com/rs/zerolog/log"
)

// Headers consulted by the resolver, in precedence order.
const (
	// HeaderTenantOverride carries a raw host-like routing key for operator
	// tooling. It replaces the request host and is resolved like one.
	HeaderTenantOverride = "X-Tenant-Override"
	// HeaderTenantID names a hospital by control-plane id.
	HeaderTenantID = "X-Tenant-ID"
	// HeaderTenantDomain names a hospital by registered domain or slug.
	HeaderTenantDomain = "X-Tenant-Domain"
)

// How a request's hospital was determined.
const (
	ViaOverride     = "override"
	ViaHeaderID     = "header-id"
	ViaHeaderDomain = "header-domain"
	ViaHost         = "host"
	ViaPrincipal    = "principal"
	ViaFallback     = "fallback"
)

// Signals are the addressing inputs one request offers the resolver. The
// middleware fills them from headers, query parameters, the Host header, and
// the authenticated principal's claims.
type Signals struct {
	Override      string
	TenantID      string
	TenantDomain  string
	Host          string
	PrincipalHome int64
}

// Resolution is the resolver's verdict: which hospital, and by which signal.
type Resolution struct {
	Hospital *Hospital
	Via      string
}

// ResolverConfig controls the development-only fallback. FallbackEnabled
// must never be set in production; the config layer rejects that outright.
type ResolverConfig struct {
	FallbackEnabled bool
	DefaultTenant   string
}

// Resolver decides which hospital an inbound request belongs to. Strategies
// are tried in strict precedence order; the first match wins, except that a
// host-resolved hospital conflicting with the authenticated principal's home
// hospital is always a hard rejection.
type Resolver struct {
	registry *Registry
	cfg      ResolverConfig
}

func NewResolver(registry *Registry, cfg ResolverConfig) *Resolver {
	return &Resolver{registry: registry, cfg: cfg}
}

// byRoutingKey looks up a routing key, returning (nil, nil) on a plain miss
// so the caller can fall through to the next strategy. Control-plane
// failures are never swallowed.
func (r *Resolver) byRoutingKey(ctx context.Context, key string) (*Hospital, error) {
	if key == "" {
		return nil, nil
	}
	h, err := r.registry.GetByHost(ctx, key)
	if err == nil {
		return h, nil
	}
	var nf *NotFoundError
	if errors.Is(err, ErrNotFound) || errors.As(err, &nf) {
		return nil, nil
	}
	return nil, err
}

// checkPrincipal enforces the consistency rule: a hospital resolved from the
// request's host-like signals must be the principal's own. A conflict is the
// signature of a client bug or a cross-tenant probe, so it is rejected
// outright rather than silently rerouted to the principal's hospital.
func checkPrincipal(resolved *Hospital, home int64, sig Signals) error {
	if home <= 0 || resolved == nil || resolved.ID == home {
		return nil
	}
	log.Warn().
		Int64("resolved_hospital_id", resolved.ID).
		Int64("principal_hospital_id", home).
		Str("host", sig.Host).
		Msg("hospital resolution conflicts with principal's home hospital")
	return &MismatchError{ResolvedID: resolved.ID, PrincipalID: home}
}

// Resolve applies the precedence order: override header, explicit id,
// explicit domain, request host, principal's home hospital, then the
// development fallback. First match wins; a signal that resolves to no
// hospital falls through to the next strategy. Whenever an authenticated
// principal is present, every host-resolved hospital is checked against
// their home hospital even if a higher-precedence signal already decided
// the outcome.
func (r *Resolver) Resolve(ctx context.Context, sig Signals) (*Resolution, error) {
	// Each host-like routing key is looked up at most once; the principal
	// consistency check runs on every hit, no matter which strategy asked.
	seen := make(map[string]*Hospital)
	lookup := func(key string) (*Hospital, error) {
		if key == "" {
			return nil, nil
		}
		if h, ok := seen[key]; ok {
			return h, nil
		}
		h, err := r.byRoutingKey(ctx, key)
		if err != nil {
			return nil, err
		}
		if err := checkPrincipal(h, sig.PrincipalHome, sig); err != nil {
			return nil, err
		}
		seen[key] = h
		return h, nil
	}

	// A present principal forces the conflict check before any strategy can
	// decide the outcome. A key that resolves nowhere cannot conflict, so
	// the keys are tried in precedence order until one hits.
	if sig.PrincipalHome > 0 {
		for _, key := range []string{sig.Override, sig.TenantDomain, sig.Host} {
			h, err := lookup(key)
			if err != nil {
				return nil, err
			}
			if h != nil {
				break
			}
		}
	}

	h, err := lookup(sig.Override)
	if err != nil {
		return nil, err
	}
	if h != nil {
		return &Resolution{Hospital: h, Via: ViaOverride}, nil
	}

	if sig.TenantID != "" {
		if id, perr := strconv.ParseInt(sig.TenantID, 10, 64); perr == nil && id > 0 {
			h, err := r.registry.GetByID(ctx, id)
			if err == nil {
				return &Resolution{Hospital: h, Via: ViaHeaderID}, nil
			}
			if !errors.Is(err, ErrNotFound) {
				return nil, err
			}
		}
	}

	h, err = lookup(sig.TenantDomain)
	if err != nil {
		return nil, err
	}
	if h != nil {
		return &Resolution{Hospital: h, Via: ViaHeaderDomain}, nil
	}

	h, err = lookup(sig.Host)
	if err != nil {
		return nil, err
	}
	if h != nil {
		return &Resolution{Hospital: h, Via: ViaHost}, nil
	}

	if sig.PrincipalHome > 0 {
		h, err := r.registry.GetByID(ctx, sig.PrincipalHome)
		if err == nil {
			return &Resolution{Hospital: h, Via: ViaPrincipal}, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	if r.cfg.FallbackEnabled {
		res, err := r.fallback(ctx)
		if err != nil || res != nil {
			return res, err
		}
	}

	key := sig.Override
	if key == "" {
		key = sig.TenantDomain
	}
	if key == "" {
		key = sig.Host
	}
	return nil, &NotFoundError{RoutingKey: key}
}

// fallback picks the configured default hospital, or the first active one.
// Development environments only; every hit is logged loudly because this
// path must never decide tenancy anywhere that matters.
func (r *Resolver) fallback(ctx context.Context) (*Resolution, error) {
	if r.cfg.DefaultTenant != "" {
		h, err := r.registry.GetBySlug(ctx, r.cfg.DefaultTenant)
		if err == nil {
			log.Warn().
				Int64("hospital_id", h.ID).
				Str("slug", h.Slug).
				Msg("development fallback selected the default hospital")
			return &Resolution{Hospital: h, Via: ViaFallback}, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	active, err := r.registry.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	if len(active) == 0 {
		return nil, nil
	}
	h := active[0]
	log.Warn().
		Int64("hospital_id", h.ID).
		Str("slug", h.Slug).
		Msg("development fallback selected the first active hospital")
	return &Resolution{Hospital: h, Via: ViaFallback}, nil
}
