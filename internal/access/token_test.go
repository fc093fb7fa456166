package access_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jmerrifield20/coldchain-ledger/internal/access"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func newTestIssuer(t *testing.T, ttl time.Duration) *access.Issuer {
	t.Helper()
	iss, err := access.NewIssuer(testSecret, "coldchain-ledger-test", ttl)
	if err != nil {
		t.Fatal(err)
	}
	return iss
}

func TestNewIssuer_shortSecret(t *testing.T) {
	if _, err := access.NewIssuer([]byte("short"), "x", time.Hour); err == nil {
		t.Error("expected error for short secret")
	}
}

func TestIssuer_roundTrip(t *testing.T) {
	iss := newTestIssuer(t, time.Hour)

	tok, err := iss.Issue("qa-inspector@pharma.example", access.RoleAuditor, "7")
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}
	if parts := strings.Split(tok, "."); len(parts) != 3 {
		t.Errorf("expected 3-part JWT, got %d parts", len(parts))
	}

	claims, err := iss.Verify(tok)
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if claims.Subject != "qa-inspector@pharma.example" || claims.Role != access.RoleAuditor || claims.TenantID != "7" {
		t.Errorf("unexpected claims: %+v", claims)
	}
	if claims.ID == "" {
		t.Error("expected a token id")
	}
}

func TestIssuer_auditorNeedsTenant(t *testing.T) {
	iss := newTestIssuer(t, time.Hour)
	if _, err := iss.Issue("x", access.RoleAuditor, ""); !errors.Is(err, access.ErrMissingTenant) {
		t.Errorf("expected ErrMissingTenant, got %v", err)
	}
	if _, err := iss.Issue("x", access.Role("root"), ""); err == nil {
		t.Error("expected error for unknown role")
	}
}

func TestIssuer_Verify_rejects(t *testing.T) {
	iss := newTestIssuer(t, time.Hour)
	good, _ := iss.Issue("svc", access.RoleService, "")

	other, _ := access.NewIssuer([]byte("ffffffffffffffffffffffffffffffff"), "coldchain-ledger-test", time.Hour)
	foreign, _ := other.Issue("svc", access.RoleService, "")

	otherIss, _ := access.NewIssuer(testSecret, "someone-else", time.Hour)
	wrongIssuer, _ := otherIss.Issue("svc", access.RoleService, "")

	expiredIss := newTestIssuer(t, time.Nanosecond)
	expired, _ := expiredIss.Issue("svc", access.RoleService, "")
	time.Sleep(2 * time.Millisecond)

	tests := map[string]string{
		"tampered":     good + "A",
		"wrong secret": foreign,
		"wrong issuer": wrongIssuer,
		"expired":      expired,
		"garbage":      "not-a-jwt",
	}
	for name, tok := range tests {
		if _, err := iss.Verify(tok); err == nil {
			t.Errorf("%s: expected verification failure", name)
		}
	}
}

func TestAuditorClaims_CanReadTenant(t *testing.T) {
	auditor := &access.AuditorClaims{Role: access.RoleAuditor, TenantID: "7"}
	admin := &access.AuditorClaims{Role: access.RoleAdmin}
	service := &access.AuditorClaims{Role: access.RoleService}

	cases := []struct {
		name   string
		claims *access.AuditorClaims
		tenant string
		want   bool
	}{
		{"auditor own tenant", auditor, "7", true},
		{"auditor other tenant", auditor, "8", false},
		{"auditor all tenants", auditor, "", false},
		{"admin any", admin, "8", true},
		{"admin all", admin, "", true},
		{"service cannot read", service, "7", false},
	}
	for _, tc := range cases {
		if got := tc.claims.CanReadTenant(tc.tenant); got != tc.want {
			t.Errorf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestRequireToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	iss := newTestIssuer(t, time.Hour)

	r := gin.New()
	r.GET("/read", access.RequireToken(iss, access.RoleAuditor, access.RoleAdmin), func(c *gin.Context) {
		c.String(http.StatusOK, access.ClaimsFromCtx(c).TenantID)
	})

	auditorTok, _ := iss.Issue("a", access.RoleAuditor, "7")
	serviceTok, _ := iss.Issue("s", access.RoleService, "")

	cases := []struct {
		name       string
		header     string
		wantStatus int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"invalid", "Bearer nope", http.StatusUnauthorized},
		{"wrong role", "Bearer " + serviceTok, http.StatusForbidden},
		{"ok", "Bearer " + auditorTok, http.StatusOK},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/read", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		r.ServeHTTP(w, req)
		if w.Code != tc.wantStatus {
			t.Errorf("%s: status %d, want %d (body %s)", tc.name, w.Code, tc.wantStatus, w.Body.String())
		}
		if tc.wantStatus == http.StatusOK && w.Body.String() != "7" {
			t.Errorf("%s: claims not injected, body %q", tc.name, w.Body.String())
		}
	}
}
