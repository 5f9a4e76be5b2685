package tenant

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Conn is the surface the rest of the system uses to talk to a hospital's
// database. *pgxpool.Pool satisfies it; tests substitute a fake through the
// Dialer seam.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// Dialer opens a connection pool from a resolved pool config.
type Dialer func(ctx context.Context, cfg *pgxpool.Config) (Conn, error)

// PoolDialer is the production dialer: a real pgx pool, verified with a ping
// before anyone gets to use it.
func PoolDialer(ctx context.Context, cfg *pgxpool.Config) (Conn, error) {
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// SwitchboardConfig carries the system-default database coordinates. A
// hospital record that leaves host, port, or credentials unset inherits
// these.
type SwitchboardConfig struct {
	DefaultHost     string
	DefaultPort     int
	DefaultUser     string
	DefaultPassword string
	MaxConns        int32
	MinConns        int32
	ConnectTimeout  time.Duration
}

// Switchboard owns the process-wide cache of hospital database pools, keyed
// by database coordinates so two hospitals sharing a server still get
// separate pools per database. Sessions borrow pools from here; the
// switchboard alone opens and closes them.
type Switchboard struct {
	cfg    SwitchboardConfig
	dialer Dialer

	mu    sync.RWMutex
	pools map[string]Conn
}

// NewSwitchboard creates a switchboard. A nil dialer selects PoolDialer.
func NewSwitchboard(cfg SwitchboardConfig, dialer Dialer) *Switchboard {
	if dialer == nil {
		dialer = PoolDialer
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &Switchboard{
		cfg:    cfg,
		dialer: dialer,
		pools:  make(map[string]Conn),
	}
}

// coordinates resolves a hospital's effective database coordinates, applying
// the system defaults for anything the record leaves unset.
func (sb *Switchboard) coordinates(h *Hospital) (host string, port int, user, password string) {
	host, port = sb.cfg.DefaultHost, sb.cfg.DefaultPort
	user, password = sb.cfg.DefaultUser, sb.cfg.DefaultPassword
	if h.DBHost != nil && *h.DBHost != "" {
		host = *h.DBHost
	}
	if h.DBPort != nil && *h.DBPort > 0 {
		port = *h.DBPort
	}
	if h.DBUser != nil && *h.DBUser != "" {
		user = *h.DBUser
	}
	if h.DBPassword != nil && *h.DBPassword != "" {
		password = *h.DBPassword
	}
	return host, port, user, password
}

func (sb *Switchboard) poolKey(h *Hospital) string {
	host, port, user, _ := sb.coordinates(h)
	return fmt.Sprintf("%s:%d/%s/%s", host, port, h.DBName, user)
}

func (sb *Switchboard) poolConfig(h *Hospital) (*pgxpool.Config, error) {
	host, port, user, password := sb.coordinates(h)
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=prefer",
		url.QueryEscape(user), url.QueryEscape(password), host, port, h.DBName)
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	if sb.cfg.MaxConns > 0 {
		cfg.MaxConns = sb.cfg.MaxConns
	}
	if sb.cfg.MinConns > 0 {
		cfg.MinConns = sb.cfg.MinConns
	}
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.HealthCheckPeriod = time.Minute
	return cfg, nil
}

// acquire returns the pool for the hospital, dialing it on first use. The
// dial happens outside the lock so a slow tenant database cannot stall
// requests for every other hospital.
func (sb *Switchboard) acquire(ctx context.Context, h *Hospital) (Conn, error) {
	key := sb.poolKey(h)

	sb.mu.RLock()
	conn, ok := sb.pools[key]
	sb.mu.RUnlock()
	if ok {
		return conn, nil
	}

	cfg, err := sb.poolConfig(h)
	if err != nil {
		return nil, &ConnectionError{Hospital: h, Err: err}
	}

	dialCtx, cancel := context.WithTimeout(ctx, sb.cfg.ConnectTimeout)
	defer cancel()

	conn, err = sb.dialer(dialCtx, cfg)
	if err != nil {
		return nil, &ConnectionError{Hospital: h, Err: err}
	}

	sb.mu.Lock()
	if existing, ok := sb.pools[key]; ok {
		// Another request dialed the same database first; keep theirs.
		sb.mu.Unlock()
		conn.Close()
		return existing, nil
	}
	sb.pools[key] = conn
	sb.mu.Unlock()

	log.Info().
		Int64("hospital_id", h.ID).
		Str("db_name", h.DBName).
		Msg("opened hospital database pool")
	return conn, nil
}

// TestConnection verifies the hospital's database is reachable without
// caching anything. Used by health checks and the provisioning verifier.
func (sb *Switchboard) TestConnection(ctx context.Context, h *Hospital) error {
	key := sb.poolKey(h)

	sb.mu.RLock()
	conn, ok := sb.pools[key]
	sb.mu.RUnlock()
	if ok {
		if err := conn.Ping(ctx); err != nil {
			return &ConnectionError{Hospital: h, Err: err}
		}
		return nil
	}

	cfg, err := sb.poolConfig(h)
	if err != nil {
		return &ConnectionError{Hospital: h, Err: err}
	}
	dialCtx, cancel := context.WithTimeout(ctx, sb.cfg.ConnectTimeout)
	defer cancel()

	probe, err := sb.dialer(dialCtx, cfg)
	if err != nil {
		return &ConnectionError{Hospital: h, Err: err}
	}
	defer probe.Close()
	if err := probe.Ping(dialCtx); err != nil {
		return &ConnectionError{Hospital: h, Err: err}
	}
	return nil
}

// Purge closes and forgets the hospital's pool. Called when a hospital is
// suspended or deleted so in-flight credentials stop working promptly.
func (sb *Switchboard) Purge(h *Hospital) {
	key := sb.poolKey(h)
	sb.mu.Lock()
	conn, ok := sb.pools[key]
	if ok {
		delete(sb.pools, key)
	}
	sb.mu.Unlock()
	if ok {
		conn.Close()
		log.Info().Int64("hospital_id", h.ID).Msg("closed hospital database pool")
	}
}

// CloseAll closes every cached pool. Called on shutdown.
func (sb *Switchboard) CloseAll() {
	sb.mu.Lock()
	pools := sb.pools
	sb.pools = make(map[string]Conn)
	sb.mu.Unlock()
	for _, conn := range pools {
		conn.Close()
	}
}

// PoolCount reports how many hospital pools are currently open.
func (sb *Switchboard) PoolCount() int {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	return len(sb.pools)
}

// NewSession starts a disconnected per-request session.
func (sb *Switchboard) NewSession() *Session {
	return &Session{sb: sb}
}

// Session tracks which hospital one request is talking to. It starts
// disconnected and must end disconnected; the middleware resets it in a
// defer so no state leaks between requests. Sessions are not safe for
// concurrent use; each request owns exactly one.
type Session struct {
	sb       *Switchboard
	hospital *Hospital
	conn     Conn
}

// Connect activates the hospital's database connection for this session.
// Connecting while already connected to a different hospital disconnects
// first; reconnecting to the same hospital is a no-op. A hospital that is
// not active is refused before any dial is attempted.
func (s *Session) Connect(ctx context.Context, h *Hospital) error {
	if h == nil {
		return &NotFoundError{}
	}
	if !h.IsActive() {
		return &InactiveError{Hospital: h}
	}
	if s.hospital != nil && s.hospital.ID == h.ID {
		return nil
	}
	if s.hospital != nil {
		s.Disconnect()
	}

	conn, err := s.sb.acquire(ctx, h)
	if err != nil {
		return err
	}
	s.hospital = h
	s.conn = conn
	return nil
}

// Disconnect detaches the session. The underlying pool stays open in the
// switchboard for the next request to the same hospital.
func (s *Session) Disconnect() {
	s.hospital = nil
	s.conn = nil
}

// IsConnected reports whether the session has an active hospital connection.
func (s *Session) IsConnected() bool {
	return s.conn != nil
}

// CurrentConnection returns the active connection, or nil when disconnected.
func (s *Session) CurrentConnection() Conn {
	return s.conn
}

// CurrentHospital returns the connected hospital, or nil when disconnected.
func (s *Session) CurrentHospital() *Hospital {
	return s.hospital
}
