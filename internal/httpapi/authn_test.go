package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"granada.sch.id/backoffice/internal/auth"
)

func withPrincipal(r *http.Request, roles ...auth.Role) *http.Request {
	return r.WithContext(auth.ContextWithPrincipal(r.Context(), auth.Principal{
		IdentityID: "user-1",
		Handle:     "user1",
		Roles:      auth.NewRoleSet(roles...),
	}))
}

func TestRequireRolesAllowsMatchingRole(t *testing.T) {
	handler := RequireRoles(auth.RoleAdmin, auth.RoleGuru)(okHandler())

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, withPrincipal(httptest.NewRequest(http.MethodGet, "/salary-slips", nil), auth.RoleGuru))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestRequireRolesRejectsMissingRole(t *testing.T) {
	handler := RequireRoles(auth.RoleAdmin)(okHandler())

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, withPrincipal(httptest.NewRequest(http.MethodGet, "/salary-slips", nil), auth.RoleSiswa))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
}

func TestRequireRolesRejectsMissingPrincipal(t *testing.T) {
	handler := RequireRoles(auth.RoleAdmin)(okHandler())

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/salary-slips", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if got := rr.Header().Get("WWW-Authenticate"); got == "" {
		t.Fatalf("expected WWW-Authenticate header set")
	}
}

func TestAuthorizeFollowsPolicy(t *testing.T) {
	cases := []struct {
		policy auth.Policy
		action auth.Action
		roles  []auth.Role
		want   int
	}{
		{auth.AcademicPolicy, auth.ActionRead, []auth.Role{auth.RoleOrtu}, http.StatusOK},
		{auth.AcademicPolicy, auth.ActionDelete, []auth.Role{auth.RoleGuru}, http.StatusForbidden},
		{auth.AttendancePolicy, auth.ActionCheckOut, []auth.Role{auth.RoleSiswa}, http.StatusForbidden},
		{auth.AttendancePolicy, auth.ActionCheckIn, []auth.Role{auth.RoleSiswa}, http.StatusOK},
		{auth.QuotePolicy, auth.ActionRead, []auth.Role{auth.RoleSuperadmin}, http.StatusForbidden},
		{auth.IdentityPolicy, auth.ActionDeactivate, []auth.Role{auth.RoleAdmin}, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.policy.Resource+"/"+string(tc.action), func(t *testing.T) {
			rr := httptest.NewRecorder()
			req := withPrincipal(httptest.NewRequest(http.MethodPost, "/", nil), tc.roles...)
			Authorize(tc.policy, tc.action)(okHandler()).ServeHTTP(rr, req)
			if rr.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rr.Code)
			}
		})
	}
}

func TestExtractBearerToken(t *testing.T) {
	cases := map[string]struct {
		header string
		token  string
		ok     bool
	}{
		"valid":        {"Bearer abc.def", "abc.def", true},
		"lower scheme": {"bearer abc", "abc", true},
		"empty":        {"", "", false},
		"basic":        {"Basic dXNlcg==", "", false},
		"no token":     {"Bearer   ", "", false},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			token, err := extractBearerToken(tc.header)
			if (err == nil) != tc.ok || token != tc.token {
				t.Fatalf("extract(%q) = %q, %v", tc.header, token, err)
			}
		})
	}
}
