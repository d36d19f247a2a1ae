package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/ride-hailing/internal/docstore"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	store := docstore.NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	return NewService(store, []byte("test-secret"), time.Hour)
}

func TestSignUpValidation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name     string
		email    string
		password string
		want     error
	}{
		{"empty email", "", "secret1", ErrEmptyCredentials},
		{"empty password", "a@b.co", "", ErrEmptyCredentials},
		{"malformed email", "not-an-email", "secret1", ErrInvalidEmail},
		{"missing tld", "a@b", "secret1", ErrInvalidEmail},
		{"short password", "a@b.co", "12345", ErrPasswordTooShort},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, err := svc.SignUp(ctx, tc.email, tc.password); !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestSignUpThenSignIn(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	ident, token, err := svc.SignUp(ctx, "Rider@Example.com", "secret1")
	if err != nil {
		t.Fatalf("signup: %v", err)
	}
	if ident.UID == "" || token == "" {
		t.Fatalf("signup returned ident=%+v token=%q", ident, token)
	}
	if ident.Email != "rider@example.com" {
		t.Fatalf("email = %q, want lowercased", ident.Email)
	}

	again, _, err := svc.SignIn(ctx, "rider@example.com", "secret1")
	if err != nil {
		t.Fatalf("signin: %v", err)
	}
	if again.UID != ident.UID {
		t.Fatalf("signin uid = %q, want %q", again.UID, ident.UID)
	}
}

func TestSignUpDuplicateEmail(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, _, err := svc.SignUp(ctx, "taken@example.com", "secret1"); err != nil {
		t.Fatalf("signup: %v", err)
	}
	if _, _, err := svc.SignUp(ctx, "taken@example.com", "another1"); !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("err = %v, want ErrEmailTaken", err)
	}
}

func TestSignInWrongPassword(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, _, err := svc.SignUp(ctx, "rider@example.com", "secret1"); err != nil {
		t.Fatalf("signup: %v", err)
	}
	if _, _, err := svc.SignIn(ctx, "rider@example.com", "wrong123"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err = %v, want ErrInvalidCredentials", err)
	}
	if _, _, err := svc.SignIn(ctx, "nobody@example.com", "secret1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown email err = %v, want ErrInvalidCredentials", err)
	}
}

func TestTokenRoundTrip(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	ident, token, err := svc.SignUp(ctx, "rider@example.com", "secret1")
	if err != nil {
		t.Fatalf("signup: %v", err)
	}
	got, err := svc.Verify(ctx, token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got != ident {
		t.Fatalf("verified identity = %+v, want %+v", got, ident)
	}

	if _, err := svc.Verify(ctx, "garbage.token.here"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("garbage token err = %v, want ErrInvalidToken", err)
	}

	other := NewService(svc.store, []byte("other-secret"), time.Hour)
	if _, err := other.Verify(ctx, token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("foreign-secret token err = %v, want ErrInvalidToken", err)
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	svc.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	_, token, err := svc.SignUp(ctx, "rider@example.com", "secret1")
	if err != nil {
		t.Fatalf("signup: %v", err)
	}
	svc.now = time.Now
	if _, err := svc.Verify(ctx, token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired token err = %v, want ErrInvalidToken", err)
	}
}

func TestSessionNotifiesImmediatelyAndOnChange(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	sess := svc.NewSession()

	var got []*Identity
	unsub := sess.OnIdentityChanged(func(ident *Identity) { got = append(got, ident) })
	defer unsub()

	if len(got) != 1 || got[0] != nil {
		t.Fatalf("initial notification = %v, want immediate nil", got)
	}

	ident, err := sess.SignUp(ctx, "rider@example.com", "secret1")
	if err != nil {
		t.Fatalf("signup: %v", err)
	}
	if len(got) != 2 || got[1] == nil || got[1].UID != ident.UID {
		t.Fatalf("after signup notifications = %v", got)
	}
	if cur := sess.Current(); cur == nil || cur.UID != ident.UID {
		t.Fatalf("current = %v", cur)
	}
	if sess.Token() == "" {
		t.Fatalf("session lost its token")
	}

	if err := sess.SignOut(ctx); err != nil {
		t.Fatalf("signout: %v", err)
	}
	if len(got) != 3 || got[2] != nil {
		t.Fatalf("after signout notifications = %v", got)
	}

	// cancelled observers stay silent
	unsub()
	unsub()
	if _, err := sess.SignIn(ctx, "rider@example.com", "secret1"); err != nil {
		t.Fatalf("signin: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("cancelled observer notified: %v", got)
	}
}

func TestSessionForStartsSignedIn(t *testing.T) {
	svc := newTestService(t)
	sess := svc.SessionFor(Identity{UID: "u1", Email: "u1@example.com"})

	var first *Identity
	called := false
	unsub := sess.OnIdentityChanged(func(ident *Identity) {
		if !called {
			first = ident
			called = true
		}
	})
	defer unsub()
	if first == nil || first.UID != "u1" {
		t.Fatalf("first notification = %v, want pre-established identity", first)
	}
}
