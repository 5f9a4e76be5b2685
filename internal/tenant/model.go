package tenant

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a hospital tenant.
type Status string

const (
	StatusProvisioning Status = "provisioning"
	StatusActive       Status = "active"
	StatusInactive     Status = "inactive"
	StatusSuspended    Status = "suspended"
)

// IsValid reports whether s is one of the known lifecycle states.
func (s Status) IsValid() bool {
	switch s {
	case StatusProvisioning, StatusActive, StatusInactive, StatusSuspended:
		return true
	}
	return false
}

// Hospital is one tenant: an isolated hospital customer with its own
// physical database. Rows live in the control-plane `tenants` table, never
// in any tenant's own database. Records are soft-deleted only, to keep the
// audit trail.
type Hospital struct {
	ID     int64     `db:"id" json:"id"`
	UUID   uuid.UUID `db:"uuid" json:"uuid"`
	Name   string    `db:"name" json:"name"`
	Domain string    `db:"domain" json:"domain"`
	Slug   string    `db:"slug" json:"slug"`
	Status Status    `db:"status" json:"status"`

	// Database coordinates. Host, port, and credentials fall back to the
	// system defaults when unset; the database name is always per-tenant.
	DBHost     *string `db:"db_host" json:"db_host,omitempty"`
	DBPort     *int    `db:"db_port" json:"db_port,omitempty"`
	DBName     string  `db:"db_name" json:"db_name"`
	DBUser     *string `db:"db_user" json:"-"`
	DBPassword *string `db:"db_password" json:"-"`

	Plan      string     `db:"plan" json:"plan"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt time.Time  `db:"updated_at" json:"updated_at"`
	DeletedAt *time.Time `db:"deleted_at" json:"deleted_at,omitempty"`
}

// IsActive reports whether the hospital may receive business traffic. A
// suspended or inactive hospital must never have its connection activated.
func (h *Hospital) IsActive() bool {
	return h != nil && h.Status == StatusActive && h.DeletedAt == nil
}

// ModuleFlag records whether one business module is enabled for one
// hospital. At most one row exists per (hospital, module) pair.
type ModuleFlag struct {
	ID         int64                  `db:"id" json:"id"`
	HospitalID int64                  `db:"tenant_id" json:"hospital_id"`
	Module     string                 `db:"module_name" json:"module"`
	Enabled    bool                   `db:"is_enabled" json:"is_enabled"`
	Config     map[string]interface{} `db:"config" json:"config,omitempty"`
	EnabledAt  *time.Time             `db:"enabled_at" json:"enabled_at,omitempty"`
	DisabledAt *time.Time             `db:"disabled_at" json:"disabled_at,omitempty"`
	EnabledBy  *string                `db:"enabled_by" json:"enabled_by,omitempty"`
	CreatedAt  time.Time              `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time              `db:"updated_at" json:"updated_at"`
}

// SettingType tags how a stored setting value is coerced on read.
type SettingType string

const (
	SettingString  SettingType = "string"
	SettingInteger SettingType = "integer"
	SettingBoolean SettingType = "boolean"
	SettingJSON    SettingType = "json"
)

// Setting is one per-hospital configuration entry. Values are stored as
// text and coerced per Type; at most one row exists per (hospital, key).
type Setting struct {
	ID          int64       `db:"id" json:"id"`
	HospitalID  int64       `db:"tenant_id" json:"hospital_id"`
	Key         string      `db:"key" json:"key"`
	Value       string      `db:"value" json:"value"`
	Type        SettingType `db:"type" json:"type"`
	Group       string      `db:"group_name" json:"group,omitempty"`
	Description string      `db:"description" json:"description,omitempty"`
	Public      bool        `db:"is_public" json:"is_public"`
	CreatedAt   time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time   `db:"updated_at" json:"updated_at"`
}
