package tenant

import (
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{&ControlPlaneError{Op: "find", Err: fmt.Errorf("down")}, http.StatusServiceUnavailable},
		{&ConnectionError{Hospital: &Hospital{ID: 1}, Err: fmt.Errorf("refused")}, http.StatusServiceUnavailable},
		{&NotFoundError{RoutingKey: "x"}, http.StatusNotFound},
		{&InactiveError{Hospital: &Hospital{ID: 1, Status: StatusSuspended}}, http.StatusForbidden},
		{&MismatchError{ResolvedID: 1, PrincipalID: 2}, http.StatusForbidden},
		{&ModuleDisabledError{Module: "Stock"}, http.StatusForbidden},
		{fmt.Errorf("something else"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := HTTPStatus(tc.err); got != tc.want {
			t.Errorf("HTTPStatus(%T) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestInactiveErrorMessages(t *testing.T) {
	for status, want := range map[Status]string{
		StatusSuspended:    "suspended",
		StatusInactive:     "inactive",
		StatusProvisioning: "provisioned",
	} {
		e := &InactiveError{Hospital: &Hospital{ID: 1, Status: status}}
		if msg := e.Message(); !strings.Contains(msg, want) {
			t.Errorf("message for %s should mention %q, got %q", status, want, msg)
		}
	}
}

func TestErrorBodyWrapsControlPlane(t *testing.T) {
	err := &ControlPlaneError{Op: "find tenant", Err: fmt.Errorf("connection refused")}
	status, body := ErrorBody(err, true)
	if status != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", status)
	}
	eb, ok := body.(errorBody)
	if !ok {
		t.Fatalf("unexpected body type %T", body)
	}
	if eb.Code != CodeControlPlaneUnavailable {
		t.Errorf("expected code %s, got %s", CodeControlPlaneUnavailable, eb.Code)
	}
	if eb.Detail != "" {
		t.Error("production body must not include detail")
	}
}
