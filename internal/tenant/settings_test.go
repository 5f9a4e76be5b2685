package tenant

import (
	"context"
	"reflect"
	"testing"
	"time"
)

func TestSettingsIntegerRoundTrip(t *testing.T) {
	s := NewSettings(newMemSettingRepo(), time.Hour)
	ctx := context.Background()

	if err := s.Set(ctx, 1, "max_beds", 10, SetOptions{}); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := s.Get(ctx, 1, "max_beds", nil)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != int64(10) {
		t.Errorf("expected int64(10), got %T(%v)", got, got)
	}
}

func TestSettingsBooleanRoundTrip(t *testing.T) {
	s := NewSettings(newMemSettingRepo(), time.Hour)
	ctx := context.Background()

	if err := s.Set(ctx, 1, "online_booking", true, SetOptions{}); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := s.Get(ctx, 1, "online_booking", nil)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != true {
		t.Errorf("expected true, got %T(%v)", got, got)
	}
}

func TestSettingsJSONRoundTrip(t *testing.T) {
	s := NewSettings(newMemSettingRepo(), time.Hour)
	ctx := context.Background()

	in := map[string]interface{}{"a": float64(1), "b": []interface{}{"x", "y"}}
	if err := s.Set(ctx, 1, "flags", in, SetOptions{}); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := s.Get(ctx, 1, "flags", nil)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !reflect.DeepEqual(got, in) {
		t.Errorf("expected %v, got %v", in, got)
	}
}

func TestSettingsStructuredValueForcedToJSON(t *testing.T) {
	repo := newMemSettingRepo()
	s := NewSettings(repo, time.Hour)
	ctx := context.Background()

	if err := s.Set(ctx, 1, "hours", map[string]interface{}{"open": "08:00"}, SetOptions{}); err != nil {
		t.Fatalf("set: %v", err)
	}
	row, err := repo.Get(ctx, 1, "hours")
	if err != nil {
		t.Fatalf("get row: %v", err)
	}
	if row.Type != SettingJSON {
		t.Errorf("expected type json for structured value, got %s", row.Type)
	}
}

func TestSettingsMalformedJSONReadsEmpty(t *testing.T) {
	repo := newMemSettingRepo()
	s := NewSettings(repo, time.Hour)
	ctx := context.Background()

	if err := repo.Upsert(ctx, &Setting{HospitalID: 1, Key: "broken", Value: "{not json", Type: SettingJSON}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := s.Get(ctx, 1, "broken", nil)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	m, ok := got.(map[string]interface{})
	if !ok || len(m) != 0 {
		t.Errorf("expected empty object fallback, got %T(%v)", got, got)
	}
}

func TestSettingsDefault(t *testing.T) {
	s := NewSettings(newMemSettingRepo(), time.Hour)

	got, err := s.Get(context.Background(), 1, "missing", "fallback")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "fallback" {
		t.Errorf("expected default, got %v", got)
	}
}

func TestSettingsWriteInvalidatesCache(t *testing.T) {
	repo := newMemSettingRepo()
	s := NewSettings(repo, time.Hour)
	ctx := context.Background()

	if err := s.Set(ctx, 1, "max_beds", 10, SetOptions{}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, err := s.Get(ctx, 1, "max_beds", nil); err != nil {
		t.Fatalf("get: %v", err)
	}
	if err := s.Set(ctx, 1, "max_beds", 25, SetOptions{}); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, err := s.Get(ctx, 1, "max_beds", nil)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != int64(25) {
		t.Errorf("read after write must see 25, got %v", got)
	}
}

func TestSettingsDeleteInvalidatesCache(t *testing.T) {
	s := NewSettings(newMemSettingRepo(), time.Hour)
	ctx := context.Background()

	if err := s.Set(ctx, 1, "max_beds", 10, SetOptions{}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, err := s.Get(ctx, 1, "max_beds", nil); err != nil {
		t.Fatalf("get: %v", err)
	}
	deleted, err := s.Delete(ctx, 1, "max_beds")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !deleted {
		t.Error("expected delete to report true")
	}

	got, err := s.Get(ctx, 1, "max_beds", nil)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil after delete, got %v", got)
	}

	deleted, err = s.Delete(ctx, 1, "max_beds")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if deleted {
		t.Error("expected second delete to report false")
	}
}

func TestSettingsCachesFullSet(t *testing.T) {
	repo := newMemSettingRepo()
	s := NewSettings(repo, time.Hour)
	ctx := context.Background()

	if err := s.Set(ctx, 1, "a", "1", SetOptions{}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, err := s.Get(ctx, 1, "a", nil); err != nil {
		t.Fatalf("get: %v", err)
	}
	before := repo.calls
	for _, key := range []string{"a", "b", "c"} {
		if _, err := s.Get(ctx, 1, key, nil); err != nil {
			t.Fatalf("get: %v", err)
		}
	}
	if repo.calls != before {
		t.Errorf("expected cached reads, repo was hit %d more times", repo.calls-before)
	}
}

func TestSettingsGroupAndPublic(t *testing.T) {
	s := NewSettings(newMemSettingRepo(), time.Hour)
	ctx := context.Background()

	if err := s.Set(ctx, 1, "billing_currency", "EUR", SetOptions{Group: "billing"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Set(ctx, 1, "billing_tax", 20, SetOptions{Group: "billing"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Set(ctx, 1, "display_name", "Hopital A", SetOptions{Group: "general", Public: true}); err != nil {
		t.Fatalf("set: %v", err)
	}

	group, err := s.GetGroup(ctx, 1, "billing")
	if err != nil {
		t.Fatalf("get group: %v", err)
	}
	if len(group) != 2 || group["billing_currency"] != "EUR" || group["billing_tax"] != int64(20) {
		t.Errorf("unexpected group contents: %v", group)
	}

	public, err := s.GetPublic(ctx, 1)
	if err != nil {
		t.Fatalf("get public: %v", err)
	}
	if len(public) != 1 || public["display_name"] != "Hopital A" {
		t.Errorf("unexpected public contents: %v", public)
	}
}

func TestSettingsGetManyAndHas(t *testing.T) {
	s := NewSettings(newMemSettingRepo(), time.Hour)
	ctx := context.Background()

	if err := s.SetMany(ctx, 1, map[string]interface{}{"a": 1, "b": true}, SetOptions{}); err != nil {
		t.Fatalf("set many: %v", err)
	}

	got, err := s.GetMany(ctx, 1, []string{"a", "b", "missing"})
	if err != nil {
		t.Fatalf("get many: %v", err)
	}
	if len(got) != 2 || got["a"] != int64(1) || got["b"] != true {
		t.Errorf("unexpected values: %v", got)
	}

	has, err := s.Has(ctx, 1, "a")
	if err != nil {
		t.Fatalf("has: %v", err)
	}
	if !has {
		t.Error("expected has(a) true")
	}
	has, err = s.Has(ctx, 1, "missing")
	if err != nil {
		t.Fatalf("has: %v", err)
	}
	if has {
		t.Error("expected has(missing) false")
	}
}

func TestSettingsIsolatedPerHospital(t *testing.T) {
	s := NewSettings(newMemSettingRepo(), time.Hour)
	ctx := context.Background()

	if err := s.Set(ctx, 1, "max_beds", 10, SetOptions{}); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := s.Get(ctx, 2, "max_beds", nil)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Errorf("hospital 2 must not see hospital 1's settings, got %v", got)
	}
}
