package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"docsync/live/internal/rbac"
)

type fakeChecker struct {
	checkFn func(ctx context.Context, subjectID, cookie string) (Identity, error)
	calls   int
}

func (f *fakeChecker) Check(ctx context.Context, subjectID, cookie string) (Identity, error) {
	f.calls++
	if f.checkFn == nil {
		return Identity{ID: subjectID}, nil
	}
	return f.checkFn(ctx, subjectID, cookie)
}

func TestAuthenticateAcceptsToken(t *testing.T) {
	checker := &fakeChecker{checkFn: func(_ context.Context, subjectID, cookie string) (Identity, error) {
		if cookie != "session=abc" {
			t.Fatalf("cookie = %q", cookie)
		}
		return Identity{ID: subjectID, DisplayName: "Avery", Role: "viewer"}, nil
	}}
	gateway := NewGateway(checker, nil)

	sc, err := gateway.Authenticate(context.Background(), `{"id":"user-1","cookie":"session=abc"}`, "")
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if sc.SubjectID != "user-1" || sc.Cookie != "session=abc" || sc.DisplayName != "Avery" {
		t.Fatalf("unexpected session context: %+v", sc)
	}
	if sc.Role != rbac.RoleViewer || sc.CanWrite() {
		t.Fatalf("role = %q, want read-only viewer", sc.Role)
	}
	if !sc.Alive() {
		t.Fatal("new session context should be alive")
	}
	sc.Close()
	if sc.Alive() {
		t.Fatal("closed session context should not be alive")
	}
}

func TestAuthenticateFallsBackToTransportCookie(t *testing.T) {
	checker := &fakeChecker{}
	gateway := NewGateway(checker, nil)

	sc, err := gateway.Authenticate(context.Background(), `{"id":"user-1"}`, "session=header")
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if sc.Cookie != "session=header" {
		t.Fatalf("cookie = %q, want transport cookie", sc.Cookie)
	}
	if sc.Role != rbac.RoleEditor {
		t.Fatalf("role = %q, want editor when identity has no role", sc.Role)
	}
}

func TestAuthenticateRejectsMissingCredentials(t *testing.T) {
	cases := []struct {
		name     string
		token    string
		fallback string
	}{
		{name: "nothing", token: "", fallback: ""},
		{name: "undecodable without cookie", token: "%%%", fallback: ""},
		{name: "undecodable with cookie", token: "%%%", fallback: "session=header"},
		{name: "no subject", token: `{"cookie":"session=abc"}`, fallback: ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			checker := &fakeChecker{}
			gateway := NewGateway(checker, nil)
			_, err := gateway.Authenticate(context.Background(), tc.token, tc.fallback)
			if !errors.Is(err, ErrMissingCredentials) {
				t.Fatalf("Authenticate() error = %v, want ErrMissingCredentials", err)
			}
			var authErr *AuthError
			if !errors.As(err, &authErr) || authErr.Reason != ReasonMissingCredentials {
				t.Fatalf("error = %#v, want AuthError missing-credentials", err)
			}
			if checker.calls != 0 {
				t.Fatalf("identity checker called %d times", checker.calls)
			}
		})
	}
}

func TestAuthenticateRejectedByIdentityCheck(t *testing.T) {
	checker := &fakeChecker{checkFn: func(context.Context, string, string) (Identity, error) {
		return Identity{}, fmt.Errorf("%w: status 401", ErrRejected)
	}}
	gateway := NewGateway(checker, nil)

	_, err := gateway.Authenticate(context.Background(), `{"id":"user-1","cookie":"bad"}`, "")
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("Authenticate() error = %v, want ErrRejected", err)
	}
	if checker.calls != 1 {
		t.Fatalf("identity checker called %d times, want exactly 1", checker.calls)
	}
}

func TestAPIIdentityChecker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/users/me/" {
			http.NotFound(w, r)
			return
		}
		switch r.Header.Get("Cookie") {
		case "session=user-1":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id":"user-1","display_name":"Avery"}`))
		case "session=down":
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.WriteHeader(http.StatusUnauthorized)
		}
	}))
	defer srv.Close()

	checker := NewAPIIdentityChecker(srv.URL+"/", srv.Client())
	ctx := context.Background()

	identity, err := checker.Check(ctx, "user-1", "session=user-1")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if identity.DisplayName != "Avery" {
		t.Fatalf("identity = %+v", identity)
	}
	if _, err := checker.Check(ctx, "user-2", "session=user-1"); !errors.Is(err, ErrRejected) {
		t.Fatalf("Check(other subject) error = %v, want ErrRejected", err)
	}
	if _, err := checker.Check(ctx, "user-1", "session=nope"); !errors.Is(err, ErrRejected) {
		t.Fatalf("Check(bad cookie) error = %v, want ErrRejected", err)
	}
	if _, err := checker.Check(ctx, "user-1", "session=down"); err == nil || errors.Is(err, ErrRejected) {
		t.Fatalf("Check(upstream down) error = %v, want non-rejection failure", err)
	}
}

func TestLocalIdentityChecker(t *testing.T) {
	errUnknown := errors.New("not found")
	lookup := SessionLookupFunc(func(_ context.Context, cookie string) (SessionRecord, error) {
		switch cookie {
		case "session=abc":
			return SessionRecord{UserID: "user-1", DisplayName: "Avery", Role: "commenter"}, nil
		case "session=broken":
			return SessionRecord{}, errors.New("connection refused")
		}
		return SessionRecord{}, errUnknown
	})
	checker := NewLocalIdentityChecker(lookup, errUnknown)
	ctx := context.Background()

	identity, err := checker.Check(ctx, "user-1", "session=abc")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if identity.Role != "commenter" || identity.DisplayName != "Avery" {
		t.Fatalf("unexpected identity: %+v", identity)
	}

	if _, err := checker.Check(ctx, "user-2", "session=abc"); !errors.Is(err, ErrRejected) {
		t.Fatalf("Check(other subject) error = %v, want ErrRejected", err)
	}
	if _, err := checker.Check(ctx, "user-1", "session=zzz"); !errors.Is(err, ErrRejected) {
		t.Fatalf("Check(unknown cookie) error = %v, want ErrRejected", err)
	}
	if _, err := checker.Check(ctx, "user-1", "session=broken"); err == nil || errors.Is(err, ErrRejected) {
		t.Fatalf("Check(lookup failure) error = %v, want non-rejection error", err)
	}

	sc, err := NewGateway(checker, nil).Authenticate(ctx, `{"id":"user-1","cookie":"session=abc"}`, "")
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if sc.Role != rbac.RoleCommenter || sc.CanWrite() {
		t.Fatalf("role = %q, want read-only commenter", sc.Role)
	}
}
