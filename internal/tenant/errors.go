package tenant

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNotFound is the repository-level sentinel for a missing row. The
// resolver translates it into a NotFoundError carrying request context.
var ErrNotFound = errors.New("not found")

// Stable machine-readable error codes surfaced in JSON error bodies.
const (
	CodeControlPlaneUnavailable = "control_plane_unavailable"
	CodeTenantNotFound          = "tenant_not_found"
	CodeTenantInactive          = "tenant_inactive"
	CodeTenantMismatch          = "tenant_mismatch"
	CodeTenantConnection        = "tenant_connection_failed"
	CodeModuleNotEnabled        = "module_not_enabled"
)

// ControlPlaneError wraps a failure of the control-plane storage itself.
// Every dependent operation fails fast with this instead of leaking a raw
// storage error; the middleware maps it to 503.
type ControlPlaneError struct {
	Op  string
	Err error
}

func (e *ControlPlaneError) Error() string {
	return fmt.Sprintf("control plane unavailable (%s): %v", e.Op, e.Err)
}

func (e *ControlPlaneError) Unwrap() error { return e.Err }

// NotFoundError means no resolution strategy matched a hospital.
type NotFoundError struct {
	// RoutingKey is the last routing key attempted, if any.
	RoutingKey string
}

func (e *NotFoundError) Error() string {
	if e.RoutingKey == "" {
		return "no hospital resolved for request"
	}
	return fmt.Sprintf("no hospital found for routing key %q", e.RoutingKey)
}

// InactiveError means a hospital was resolved but is not in active status.
type InactiveError struct {
	Hospital *Hospital
}

func (e *InactiveError) Error() string {
	return fmt.Sprintf("hospital %d is %s", e.Hospital.ID, e.Hospital.Status)
}

// Message returns the status-specific client-facing message.
func (e *InactiveError) Message() string {
	switch e.Hospital.Status {
	case StatusSuspended:
		return "this hospital's account is suspended; contact support"
	case StatusInactive:
		return "this hospital's account is inactive"
	case StatusProvisioning:
		return "this hospital is still being provisioned"
	default:
		return "this hospital is not available"
	}
}

// MismatchError means the request's host resolved to one hospital while the
// authenticated principal belongs to another. This is the signature of
// either a client bug or an attempted cross-tenant access, so it is a hard
// rejection, never a silent reconnect.
type MismatchError struct {
	ResolvedID  int64
	PrincipalID int64
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("request resolved to hospital %d but principal belongs to hospital %d",
		e.ResolvedID, e.PrincipalID)
}

// ConnectionError wraps a failure to reach a hospital's database.
type ConnectionError struct {
	Hospital *Hospital
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect to database %q for hospital %d: %v",
		e.Hospital.DBName, e.Hospital.ID, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ModuleDisabledError means the module gate rejected the request. The module
// name is not sensitive and is always included in the response.
type ModuleDisabledError struct {
	Module string
}

func (e *ModuleDisabledError) Error() string {
	return fmt.Sprintf("module %q is not enabled for this hospital", e.Module)
}

// errorBody is the structured JSON error payload.
type errorBody struct {
	Code    string `json:"error"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// HTTPStatus maps a tenant error to its HTTP status code.
func HTTPStatus(err error) int {
	var (
		cpErr   *ControlPlaneError
		nfErr   *NotFoundError
		inErr   *InactiveError
		mmErr   *MismatchError
		connErr *ConnectionError
		modErr  *ModuleDisabledError
	)
	switch {
	case errors.As(err, &cpErr), errors.As(err, &connErr):
		return http.StatusServiceUnavailable
	case errors.As(err, &nfErr):
		return http.StatusNotFound
	case errors.As(err, &inErr), errors.As(err, &mmErr), errors.As(err, &modErr):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// ErrorBody builds the client-facing JSON payload for a tenant error.
// Internal detail (hostnames, database names, driver errors) is included
// only when production is false.
func ErrorBody(err error, production bool) (int, interface{}) {
	var (
		cpErr   *ControlPlaneError
		nfErr   *NotFoundError
		inErr   *InactiveError
		mmErr   *MismatchError
		connErr *ConnectionError
		modErr  *ModuleDisabledError
	)

	switch {
	case errors.As(err, &cpErr):
		body := errorBody{Code: CodeControlPlaneUnavailable, Message: "service temporarily unavailable"}
		if !production {
			body.Detail = cpErr.Error()
		}
		return http.StatusServiceUnavailable, body

	case errors.As(err, &connErr):
		body := errorBody{Code: CodeTenantConnection, Message: "hospital database unavailable"}
		if !production {
			body.Detail = connErr.Error()
		}
		return http.StatusServiceUnavailable, body

	case errors.As(err, &nfErr):
		body := errorBody{Code: CodeTenantNotFound, Message: "hospital not found"}
		if !production {
			body.Detail = nfErr.Error()
		}
		return http.StatusNotFound, body

	case errors.As(err, &inErr):
		return http.StatusForbidden, errorBody{Code: CodeTenantInactive, Message: inErr.Message()}

	case errors.As(err, &mmErr):
		return http.StatusForbidden, errorBody{Code: CodeTenantMismatch, Message: "request host does not match your hospital"}

	case errors.As(err, &modErr):
		return http.StatusForbidden, errorBody{Code: CodeModuleNotEnabled, Message: modErr.Error()}

	default:
		body := errorBody{Code: "internal_error", Message: "internal server error"}
		if !production {
			body.Detail = err.Error()
		}
		return http.StatusInternalServerError, body
	}
}
