package tenant

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// memRepo is an in-memory Repository for tests.
type memRepo struct {
	mu        sync.Mutex
	hospitals map[int64]*Hospital
	nextID    int64
	// failAll simulates an unreachable control plane.
	failAll bool
	calls   int
}

func newMemRepo(hospitals ...*Hospital) *memRepo {
	r := &memRepo{hospitals: make(map[int64]*Hospital), nextID: 1}
	for _, h := range hospitals {
		if h.ID == 0 {
			h.ID = r.nextID
		}
		if h.ID >= r.nextID {
			r.nextID = h.ID + 1
		}
		r.hospitals[h.ID] = h
	}
	return r
}

func (r *memRepo) check() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.failAll {
		return &ControlPlaneError{Op: "test", Err: fmt.Errorf("connection refused")}
	}
	return nil
}

func (r *memRepo) Create(ctx context.Context, h *Hospital) error {
	if err := r.check(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	h.ID = r.nextID
	r.nextID++
	if h.UUID == uuid.Nil {
		h.UUID = uuid.New()
	}
	h.CreatedAt = time.Now()
	h.UpdatedAt = h.CreatedAt
	r.hospitals[h.ID] = h
	return nil
}

func (r *memRepo) FindByID(ctx context.Context, id int64) (*Hospital, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.hospitals[id]
	if !ok || h.DeletedAt != nil {
		return nil, ErrNotFound
	}
	return h, nil
}

func (r *memRepo) FindByDomain(ctx context.Context, domain string) (*Hospital, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range r.hospitals {
		if h.Domain == domain && h.DeletedAt == nil {
			return h, nil
		}
	}
	return nil, ErrNotFound
}

func (r *memRepo) FindBySlug(ctx context.Context, slug string) (*Hospital, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range r.hospitals {
		if h.Slug == slug && h.DeletedAt == nil {
			return h, nil
		}
	}
	return nil, ErrNotFound
}

func (r *memRepo) ListActive(ctx context.Context) ([]*Hospital, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Hospital
	for id := int64(1); id < r.nextID; id++ {
		if h, ok := r.hospitals[id]; ok && h.IsActive() {
			out = append(out, h)
		}
	}
	return out, nil
}

func (r *memRepo) List(ctx context.Context, limit, offset int) ([]*Hospital, int, error) {
	if err := r.check(); err != nil {
		return nil, 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []*Hospital
	for id := int64(1); id < r.nextID; id++ {
		if h, ok := r.hospitals[id]; ok && h.DeletedAt == nil {
			all = append(all, h)
		}
	}
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (r *memRepo) UpdateStatus(ctx context.Context, id int64, status Status) error {
	if err := r.check(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.hospitals[id]
	if !ok || h.DeletedAt != nil {
		return ErrNotFound
	}
	h.Status = status
	h.UpdatedAt = time.Now()
	return nil
}

func (r *memRepo) Delete(ctx context.Context, id int64) error {
	if err := r.check(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.hospitals[id]
	if !ok || h.DeletedAt != nil {
		return ErrNotFound
	}
	now := time.Now()
	h.DeletedAt = &now
	return nil
}

// memModuleRepo is an in-memory ModuleRepository.
type memModuleRepo struct {
	mu    sync.Mutex
	flags map[string]*ModuleFlag
	calls int
}

func newMemModuleRepo() *memModuleRepo {
	return &memModuleRepo{flags: make(map[string]*ModuleFlag)}
}

func flagKey(hospitalID int64, module string) string {
	return fmt.Sprintf("%d/%s", hospitalID, module)
}

func (r *memModuleRepo) Get(ctx context.Context, hospitalID int64, module string) (*ModuleFlag, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.flags[flagKey(hospitalID, module)]
	if !ok {
		return nil, ErrNotFound
	}
	return f, nil
}

func (r *memModuleRepo) ListEnabled(ctx context.Context, hospitalID int64) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	var out []string
	for _, f := range r.flags {
		if f.HospitalID == hospitalID && f.Enabled {
			out = append(out, f.Module)
		}
	}
	return out, nil
}

func (r *memModuleRepo) List(ctx context.Context, hospitalID int64) ([]*ModuleFlag, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*ModuleFlag
	for _, f := range r.flags {
		if f.HospitalID == hospitalID {
			out = append(out, f)
		}
	}
	return out, nil
}

func (r *memModuleRepo) Upsert(ctx context.Context, flag *ModuleFlag) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flags[flagKey(flag.HospitalID, flag.Module)] = flag
	return nil
}

// memSettingRepo is an in-memory SettingRepository.
type memSettingRepo struct {
	mu       sync.Mutex
	settings map[string]*Setting
	calls    int
}

func newMemSettingRepo() *memSettingRepo {
	return &memSettingRepo{settings: make(map[string]*Setting)}
}

func settingMapKey(hospitalID int64, key string) string {
	return fmt.Sprintf("%d/%s", hospitalID, key)
}

func (r *memSettingRepo) Get(ctx context.Context, hospitalID int64, key string) (*Setting, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.settings[settingMapKey(hospitalID, key)]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

func (r *memSettingRepo) ListByHospital(ctx context.Context, hospitalID int64) ([]*Setting, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	var out []*Setting
	for _, s := range r.settings {
		if s.HospitalID == hospitalID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *memSettingRepo) Upsert(ctx context.Context, s *Setting) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settings[settingMapKey(s.HospitalID, s.Key)] = s
	return nil
}

func (r *memSettingRepo) Delete(ctx context.Context, hospitalID int64, key string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := settingMapKey(hospitalID, key)
	_, ok := r.settings[k]
	delete(r.settings, k)
	return ok, nil
}

// fakeConn satisfies Conn without a database. It remembers which database it
// was dialed against.
type fakeConn struct {
	database string
	pingErr  error
	mu       sync.Mutex
	closed   bool
	pings    int
}

func (f *fakeConn) Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

func (f *fakeConn) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	return nil, nil
}

func (f *fakeConn) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	return nil
}

func (f *fakeConn) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return f.pingErr
}

func (f *fakeConn) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeDialer records every dial and hands out fakeConns. Set fail to
// simulate an unreachable tenant database.
type fakeDialer struct {
	mu    sync.Mutex
	dials []string
	conns []*fakeConn
	fail  bool
}

func (d *fakeDialer) dial(ctx context.Context, cfg *pgxpool.Config) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return nil, fmt.Errorf("dial tcp: connection refused")
	}
	conn := &fakeConn{database: cfg.ConnConfig.Database}
	d.dials = append(d.dials, cfg.ConnConfig.Database)
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dials)
}

func testSwitchboard(dialer *fakeDialer) *Switchboard {
	return NewSwitchboard(SwitchboardConfig{
		DefaultHost:     "localhost",
		DefaultPort:     5432,
		DefaultUser:     "his",
		DefaultPassword: "his",
		ConnectTimeout:  time.Second,
	}, dialer.dial)
}

func activeHospital(id int64, domain, slug string) *Hospital {
	return &Hospital{
		ID:     id,
		UUID:   uuid.New(),
		Name:   slug,
		Domain: domain,
		Slug:   slug,
		Status: StatusActive,
		DBName: "his_" + slug,
	}
}
