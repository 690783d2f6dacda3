package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	xerrors "FlowLedger/internal/errors"
)

var alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")

func newService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(Config{
		Mode: ModeAPIKey,
		Keys: []KeyConfig{
			{Name: "alice", Account: alice.Hex(), KeyHash: HashKey("alice-key"), Permissions: []string{PermissionRead, PermissionWrite}},
			{Name: "reader", Account: alice.Hex(), KeyHash: HashKey("reader-key"), Permissions: []string{PermissionRead}},
			{Name: "gone", Account: alice.Hex(), KeyHash: HashKey("gone-key"), Permissions: []string{"*"}, Disabled: true},
		},
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestAuthenticateRequest(t *testing.T) {
	svc := newService(t)
	subject, err := svc.AuthenticateRequest("Bearer alice-key")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if subject.Account != alice || !subject.HasPermission(PermissionWrite) || subject.HasPermission(PermissionAsset) {
		t.Fatalf("unexpected subject %+v", subject)
	}
	if _, err := svc.AuthenticateRequest("alice-key"); !xerrors.HasCode(err, CodeMissingToken) {
		t.Fatalf("expected missing token, got %v", err)
	}
	if _, err := svc.AuthenticateRequest("Bearer nope"); !xerrors.HasCode(err, CodeInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}
	if _, err := svc.AuthenticateRequest("Bearer gone-key"); !xerrors.HasCode(err, CodePermissionDenied) {
		t.Fatalf("disabled subject should be denied, got %v", err)
	}
}

func TestNewServiceValidatesKeys(t *testing.T) {
	if _, err := NewService(Config{Mode: "ldap"}); !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("unknown mode: %v", err)
	}
	if _, err := NewService(Config{Mode: ModeAPIKey}); !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("no keys: %v", err)
	}
	bad := Config{Mode: ModeAPIKey, Keys: []KeyConfig{{Name: "x", Account: alice.Hex(), KeyHash: "0x1234"}}}
	if _, err := NewService(bad); !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("short hash: %v", err)
	}
	dup := Config{Mode: ModeAPIKey, Keys: []KeyConfig{
		{Name: "a", Account: alice.Hex(), KeyHash: HashKey("k")},
		{Name: "b", Account: alice.Hex(), KeyHash: HashKey("k")},
	}}
	if _, err := NewService(dup); !xerrors.HasCode(err, xerrors.CodeConflict) {
		t.Fatalf("duplicate key: %v", err)
	}
	svc, err := NewService(Config{})
	if err != nil || svc.Enabled() {
		t.Fatalf("empty config should disable auth: %v", err)
	}
}

func TestMiddlewareEnforcesPermissions(t *testing.T) {
	svc := newService(t)
	var seen common.Address
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = AccountFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	handler := svc.Middleware(DefaultMiddlewareConfig())(next)

	cases := []struct {
		method, path, key string
		want              int
	}{
		{http.MethodGet, "/healthz", "", http.StatusNoContent},
		{http.MethodGet, "/api/v1/x", "", http.StatusUnauthorized},
		{http.MethodGet, "/api/v1/x", "reader-key", http.StatusNoContent},
		{http.MethodPost, "/api/v1/x", "reader-key", http.StatusForbidden},
		{http.MethodPost, "/api/v1/x", "alice-key", http.StatusNoContent},
		{http.MethodGet, "/api/v1/x", "gone-key", http.StatusForbidden},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, tc.path, nil)
		if tc.key != "" {
			req.Header.Set("Authorization", "Bearer "+tc.key)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != tc.want {
			t.Fatalf("%s %s with %q: got %d want %d", tc.method, tc.path, tc.key, rec.Code, tc.want)
		}
	}
	if seen != alice {
		t.Fatalf("subject account should reach the handler, got %s", seen.Hex())
	}
}

func TestDisabledMiddlewarePassesThrough(t *testing.T) {
	svc, _ := NewService(Config{Mode: ModeDisabled})
	handler := svc.Middleware(DefaultMiddlewareConfig())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/x", nil))
	if rec.Code != http.StatusTeapot {
		t.Fatalf("disabled auth should pass through, got %d", rec.Code)
	}
}
