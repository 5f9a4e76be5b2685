package tenant

import "context"

type contextKey string

const sessionKey contextKey = "tenant_session"

// WithSession returns a context carrying the request's tenant session.
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionKey, s)
}

// SessionFromContext returns the request's tenant session, if one was
// attached by the middleware.
func SessionFromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(sessionKey).(*Session)
	return s, ok
}

// ConnFromContext returns the active hospital database connection. Handlers
// and repositories use this instead of holding a pool of their own, so a
// query can never run against the wrong hospital's database.
func ConnFromContext(ctx context.Context) (Conn, bool) {
	s, ok := SessionFromContext(ctx)
	if !ok || !s.IsConnected() {
		return nil, false
	}
	return s.CurrentConnection(), true
}

// CurrentHospital returns the hospital the request is connected to.
func CurrentHospital(ctx context.Context) (*Hospital, bool) {
	s, ok := SessionFromContext(ctx)
	if !ok {
		return nil, false
	}
	h := s.CurrentHospital()
	return h, h != nil
}

// CurrentHospitalID returns the connected hospital's id, or 0.
func CurrentHospitalID(ctx context.Context) int64 {
	if h, ok := CurrentHospital(ctx); ok {
		return h.ID
	}
	return 0
}
