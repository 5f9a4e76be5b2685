package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/his/his/internal/platform/cache"
)

// Settings is the typed per-hospital key/value store. Values persist as text
// tagged with a type; reads coerce them back. The full set for a hospital is
// cached as one unit, and every write invalidates that unit before
// returning, so a read never trails a write by more than zero.
type Settings struct {
	repo  SettingRepository
	cache *cache.Store
	ttl   time.Duration
}

func NewSettings(repo SettingRepository, ttl time.Duration) *Settings {
	return &Settings{repo: repo, cache: cache.New(), ttl: ttl}
}

// SetOptions carries the optional metadata for a write.
type SetOptions struct {
	Group       string
	Description string
	Public      bool
}

func settingsKey(hospitalID int64) string {
	return fmt.Sprintf("settings:%d", hospitalID)
}

// encode classifies a value for storage. Structured values are always
// stored as json regardless of what the caller claims; boolean and integer
// scalars keep their tags; everything else is a string.
func encode(value interface{}) (string, SettingType, error) {
	switch v := value.(type) {
	case nil:
		return "", SettingString, nil
	case bool:
		return strconv.FormatBool(v), SettingBoolean, nil
	case int:
		return strconv.FormatInt(int64(v), 10), SettingInteger, nil
	case int32:
		return strconv.FormatInt(int64(v), 10), SettingInteger, nil
	case int64:
		return strconv.FormatInt(v, 10), SettingInteger, nil
	case float64:
		// JSON decoding hands every number over as float64. Whole numbers
		// are integers for round-trip purposes.
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10), SettingInteger, nil
		}
		return strconv.FormatFloat(v, 'f', -1, 64), SettingString, nil
	case string:
		return v, SettingString, nil
	case map[string]interface{}, []interface{}:
		raw, err := json.Marshal(v)
		if err != nil {
			return "", "", fmt.Errorf("encode setting value: %w", err)
		}
		return string(raw), SettingJSON, nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v), SettingString, nil
		}
		// Non-scalar composites land here via structs and typed maps.
		if len(raw) > 0 && (raw[0] == '{' || raw[0] == '[') {
			return string(raw), SettingJSON, nil
		}
		return fmt.Sprint(v), SettingString, nil
	}
}

// decode coerces a stored value back per its type tag. Reads never hard-fail
// on a malformed value; a json entry that no longer parses yields an empty
// object.
func decode(s *Setting) interface{} {
	switch s.Type {
	case SettingInteger:
		n, err := strconv.ParseInt(s.Value, 10, 64)
		if err != nil {
			return int64(0)
		}
		return n
	case SettingBoolean:
		b, err := strconv.ParseBool(s.Value)
		if err != nil {
			return false
		}
		return b
	case SettingJSON:
		var v interface{}
		if err := json.Unmarshal([]byte(s.Value), &v); err != nil {
			return map[string]interface{}{}
		}
		return v
	default:
		return s.Value
	}
}

// all returns the hospital's full settings set, keyed by setting key.
func (s *Settings) all(ctx context.Context, hospitalID int64) (map[string]*Setting, error) {
	key := settingsKey(hospitalID)
	if s.ttl > 0 {
		if v, ok := s.cache.Get(key); ok {
			if set, ok := v.(map[string]*Setting); ok {
				return set, nil
			}
		}
	}

	rows, err := s.repo.ListByHospital(ctx, hospitalID)
	if err != nil {
		return nil, err
	}
	set := make(map[string]*Setting, len(rows))
	for _, row := range rows {
		set[row.Key] = row
	}
	if s.ttl > 0 {
		s.cache.Set(key, set, s.ttl)
	}
	return set, nil
}

// Get returns the coerced value for key, or def when the key is absent.
func (s *Settings) Get(ctx context.Context, hospitalID int64, key string, def interface{}) (interface{}, error) {
	set, err := s.all(ctx, hospitalID)
	if err != nil {
		return nil, err
	}
	row, ok := set[key]
	if !ok {
		return def, nil
	}
	return decode(row), nil
}

// Has reports whether the key exists for the hospital.
func (s *Settings) Has(ctx context.Context, hospitalID int64, key string) (bool, error) {
	set, err := s.all(ctx, hospitalID)
	if err != nil {
		return false, err
	}
	_, ok := set[key]
	return ok, nil
}

// Set writes one setting and synchronously invalidates the hospital's cache.
func (s *Settings) Set(ctx context.Context, hospitalID int64, key string, value interface{}, opts SetOptions) error {
	raw, typ, err := encode(value)
	if err != nil {
		return err
	}
	row := &Setting{
		HospitalID:  hospitalID,
		Key:         key,
		Value:       raw,
		Type:        typ,
		Group:       opts.Group,
		Description: opts.Description,
		Public:      opts.Public,
	}
	if err := s.repo.Upsert(ctx, row); err != nil {
		return err
	}
	s.Invalidate(hospitalID)
	return nil
}

// SetMany writes a batch of plain key/value pairs under one group.
func (s *Settings) SetMany(ctx context.Context, hospitalID int64, values map[string]interface{}, opts SetOptions) error {
	for key, value := range values {
		if err := s.Set(ctx, hospitalID, key, value, opts); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes a key. Returns false when the key did not exist.
func (s *Settings) Delete(ctx context.Context, hospitalID int64, key string) (bool, error) {
	deleted, err := s.repo.Delete(ctx, hospitalID, key)
	if err != nil {
		return false, err
	}
	s.Invalidate(hospitalID)
	return deleted, nil
}

// GetMany returns the coerced values for the given keys; absent keys are
// omitted.
func (s *Settings) GetMany(ctx context.Context, hospitalID int64, keys []string) (map[string]interface{}, error) {
	set, err := s.all(ctx, hospitalID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]interface{}, len(keys))
	for _, key := range keys {
		if row, ok := set[key]; ok {
			out[key] = decode(row)
		}
	}
	return out, nil
}

// GetGroup returns every setting in the named group, coerced.
func (s *Settings) GetGroup(ctx context.Context, hospitalID int64, group string) (map[string]interface{}, error) {
	set, err := s.all(ctx, hospitalID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]interface{})
	for key, row := range set {
		if row.Group == group {
			out[key] = decode(row)
		}
	}
	return out, nil
}

// GetPublic returns every setting marked public, coerced. Safe to hand to
// unauthenticated clients such as a hospital's booking page.
func (s *Settings) GetPublic(ctx context.Context, hospitalID int64) (map[string]interface{}, error) {
	set, err := s.all(ctx, hospitalID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]interface{})
	for key, row := range set {
		if row.Public {
			out[key] = decode(row)
		}
	}
	return out, nil
}

// List returns the raw setting rows for administrative display, uncached.
func (s *Settings) List(ctx context.Context, hospitalID int64) ([]*Setting, error) {
	return s.repo.ListByHospital(ctx, hospitalID)
}

// Invalidate drops the hospital's cached settings set.
func (s *Settings) Invalidate(hospitalID int64) {
	s.cache.Delete(settingsKey(hospitalID))
}

// ErrNoTenant is returned by Scoped when the request has no connected
// hospital.
var ErrNoTenant = errors.New("no hospital connected")

// Scoped returns the settings view for the hospital connected in ctx.
func (s *Settings) Scoped(ctx context.Context) (*ScopedSettings, error) {
	h, ok := CurrentHospital(ctx)
	if !ok {
		return nil, ErrNoTenant
	}
	return &ScopedSettings{s: s, hospitalID: h.ID}, nil
}

// ScopedSettings binds the store to one hospital, for callers deep in
// business logic that only have a request context.
type ScopedSettings struct {
	s          *Settings
	hospitalID int64
}

func (c *ScopedSettings) Get(ctx context.Context, key string, def interface{}) (interface{}, error) {
	return c.s.Get(ctx, c.hospitalID, key, def)
}

func (c *ScopedSettings) Has(ctx context.Context, key string) (bool, error) {
	return c.s.Has(ctx, c.hospitalID, key)
}

func (c *ScopedSettings) Set(ctx context.Context, key string, value interface{}, opts SetOptions) error {
	return c.s.Set(ctx, c.hospitalID, key, value, opts)
}
