package config

import (
	"fmt"
	"log"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	// Default coordinates for tenant databases. A tenant record may
	// override any of these per hospital.
	TenantDBHost     string `mapstructure:"TENANT_DB_HOST"`
	TenantDBPort     int    `mapstructure:"TENANT_DB_PORT"`
	TenantDBUser     string `mapstructure:"TENANT_DB_USER"`
	TenantDBPassword string `mapstructure:"TENANT_DB_PASSWORD"`

	// TenantConnectTimeoutSec bounds every tenant connection attempt so a
	// dead tenant database cannot hang the resolving request.
	TenantConnectTimeoutSec int `mapstructure:"TENANT_CONNECT_TIMEOUT_SEC"`

	TenantDBMaxConns int32 `mapstructure:"TENANT_DB_MAX_CONNS"`
	TenantDBMinConns int32 `mapstructure:"TENANT_DB_MIN_CONNS"`

	RegistryCacheTTLMin int `mapstructure:"REGISTRY_CACHE_TTL_MIN"`
	ModuleCacheTTLMin   int `mapstructure:"MODULE_CACHE_TTL_MIN"`
	SettingsCacheTTLMin int `mapstructure:"SETTINGS_CACHE_TTL_MIN"`

	// TenantFallbackEnabled turns on the development-only "resolve to a
	// default tenant when nothing else matched" behavior. It must never be
	// enabled in production; Validate refuses that combination.
	TenantFallbackEnabled bool   `mapstructure:"TENANT_FALLBACK_ENABLED"`
	DefaultTenant         string `mapstructure:"DEFAULT_TENANT"`

	JWTSecret   string   `mapstructure:"JWT_SECRET"`
	AuthIssuer  string   `mapstructure:"AUTH_ISSUER"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	MigrationsDir       string `mapstructure:"MIGRATIONS_DIR"`
	TenantMigrationsDir string `mapstructure:"TENANT_MIGRATIONS_DIR"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("TENANT_DB_HOST", "localhost")
	v.SetDefault("TENANT_DB_PORT", 5432)
	v.SetDefault("TENANT_CONNECT_TIMEOUT_SEC", 5)
	v.SetDefault("TENANT_DB_MAX_CONNS", 10)
	v.SetDefault("TENANT_DB_MIN_CONNS", 0)
	v.SetDefault("REGISTRY_CACHE_TTL_MIN", 60)
	v.SetDefault("MODULE_CACHE_TTL_MIN", 60)
	v.SetDefault("SETTINGS_CACHE_TTL_MIN", 60)
	v.SetDefault("TENANT_FALLBACK_ENABLED", false)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("MIGRATIONS_DIR", "./migrations/control")
	v.SetDefault("TENANT_MIGRATIONS_DIR", "./migrations/tenant")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("TENANT_DB_HOST")
	v.BindEnv("TENANT_DB_PORT")
	v.BindEnv("TENANT_DB_USER")
	v.BindEnv("TENANT_DB_PASSWORD")
	v.BindEnv("TENANT_CONNECT_TIMEOUT_SEC")
	v.BindEnv("TENANT_DB_MAX_CONNS")
	v.BindEnv("TENANT_DB_MIN_CONNS")
	v.BindEnv("REGISTRY_CACHE_TTL_MIN")
	v.BindEnv("MODULE_CACHE_TTL_MIN")
	v.BindEnv("SETTINGS_CACHE_TTL_MIN")
	v.BindEnv("TENANT_FALLBACK_ENABLED")
	v.BindEnv("DEFAULT_TENANT")
	v.BindEnv("JWT_SECRET")
	v.BindEnv("AUTH_ISSUER")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("MIGRATIONS_DIR")
	v.BindEnv("TENANT_MIGRATIONS_DIR")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() && cfg.TenantFallbackEnabled {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Tenant fallback is ENABLED (TENANT_FALLBACK_ENABLED=true).")
		log.Println("WARNING: Requests that resolve to no hospital will be served from")
		log.Println("WARNING: the default tenant. This is for local development only.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. The development
// tenant fallback is a cross-tenant-leak hazard and is refused outside
// development mode, as is running production without authentication.
func (c *Config) Validate() error {
	if c.Env != "development" && c.Env != "staging" && c.Env != "production" {
		return fmt.Errorf("ENV must be \"development\", \"staging\", or \"production\", got %q", c.Env)
	}
	if c.TenantFallbackEnabled && !c.IsDev() {
		return fmt.Errorf(
			"TENANT_FALLBACK_ENABLED must be false when ENV=%q. "+
				"The default-tenant fallback exists for local development only; "+
				"enabled elsewhere it can silently serve one hospital's request "+
				"from another hospital's database", c.Env)
	}
	if c.IsProduction() && c.JWTSecret == "" && c.AuthIssuer == "" {
		return fmt.Errorf("JWT_SECRET or AUTH_ISSUER is required in production")
	}
	if c.TenantConnectTimeoutSec <= 0 {
		return fmt.Errorf("TENANT_CONNECT_TIMEOUT_SEC must be positive, got %d", c.TenantConnectTimeoutSec)
	}
	return nil
}
