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

// Registry is the cached read path over the control-plane hospital table.
// All request-time lookups go through here so that a hot control plane is
// touched at most once per TTL per hospital.
type Registry struct {
	repo  Repository
	cache *cache.Store
	ttl   time.Duration
}

// NewRegistry wraps repo with a TTL cache. A zero ttl disables caching.
func NewRegistry(repo Repository, ttl time.Duration) *Registry {
	return &Registry{
		repo:  repo,
		cache: cache.New(),
		ttl:   ttl,
	}
}

func (r *Registry) cacheGet(key string) (*Hospital, bool) {
	if r.ttl <= 0 {
		return nil, false
	}
	v, ok := r.cache.Get(key)
	if !ok {
		return nil, false
	}
	h, ok := v.(*Hospital)
	return h, ok
}

// cachePut stores the hospital under every key it can be looked up by, so a
// lookup by slug warms the id and domain entries too.
func (r *Registry) cachePut(h *Hospital) {
	if r.ttl <= 0 || h == nil {
		return
	}
	r.cache.Set(fmt.Sprintf("id:%d", h.ID), h, r.ttl)
	if h.Domain != "" {
		r.cache.Set("domain:"+strings.ToLower(h.Domain), h, r.ttl)
	}
	if h.Slug != "" {
		r.cache.Set("slug:"+strings.ToLower(h.Slug), h, r.ttl)
	}
}

// GetByID returns the hospital with the given control-plane id.
func (r *Registry) GetByID(ctx context.Context, id int64) (*Hospital, error) {
	if h, ok := r.cacheGet(fmt.Sprintf("id:%d", id)); ok {
		return h, nil
	}
	h, err := r.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	r.cachePut(h)
	return h, nil
}

// GetByIDFresh bypasses the cache and refreshes it from storage. Used after
// status transitions, where serving a stale record would be wrong.
func (r *Registry) GetByIDFresh(ctx context.Context, id int64) (*Hospital, error) {
	h, err := r.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	r.cachePut(h)
	return h, nil
}

// GetByDomain returns the hospital whose registered domain matches exactly.
func (r *Registry) GetByDomain(ctx context.Context, domain string) (*Hospital, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return nil, ErrNotFound
	}
	if h, ok := r.cacheGet("domain:" + domain); ok {
		return h, nil
	}
	h, err := r.repo.FindByDomain(ctx, domain)
	if err != nil {
		return nil, err
	}
	r.cachePut(h)
	return h, nil
}

// GetBySlug returns the hospital with the given slug.
func (r *Registry) GetBySlug(ctx context.Context, slug string) (*Hospital, error) {
	slug = strings.ToLower(strings.TrimSpace(slug))
	if slug == "" {
		return nil, ErrNotFound
	}
	if h, ok := r.cacheGet("slug:" + slug); ok {
		return h, nil
	}
	h, err := r.repo.FindBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	r.cachePut(h)
	return h, nil
}

// GetByHost resolves a request host. The port is stripped, then the full
// host is tried as a registered domain; if no hospital claims it, the first
// DNS label is tried as a slug so that hospital-a.his.example resolves
// without registering every environment's base domain.
func (r *Registry) GetByHost(ctx context.Context, host string) (*Hospital, error) {
	host = strings.ToLower(strings.TrimSpace(host))
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	if host == "" {
		return nil, ErrNotFound
	}

	h, err := r.GetByDomain(ctx, host)
	if err == nil {
		return h, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if label, _, ok := strings.Cut(host, "."); ok && label != "" {
		h, err = r.GetBySlug(ctx, label)
		if err == nil {
			return h, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, &NotFoundError{RoutingKey: host}
}

// ListActive returns every active hospital, uncached. Administrative and
// batch callers only; the per-request path never lists.
func (r *Registry) ListActive(ctx context.Context) ([]*Hospital, error) {
	return r.repo.ListActive(ctx)
}

// Invalidate drops every cache entry for the hospital. Callers that mutate a
// hospital record call this before returning, so the next request observes
// the change.
func (r *Registry) Invalidate(h *Hospital) {
	if h == nil {
		return
	}
	r.cache.Delete(fmt.Sprintf("id:%d", h.ID))
	if h.Domain != "" {
		r.cache.Delete("domain:" + strings.ToLower(h.Domain))
	}
	if h.Slug != "" {
		r.cache.Delete("slug:" + strings.ToLower(h.Slug))
	}
	log.Debug().Int64("hospital_id", h.ID).Msg("registry cache invalidated")
}

// InvalidateAll clears the whole registry cache.
func (r *Registry) InvalidateAll() {
	r.cache.Clear()
}
