package identity

import (
	"context"
	"testing"

	"github.com/ringlet-chat/ringlet/internal/storage"
)

func newService(t *testing.T) *Service {
	t.Helper()
	db, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return New(storage.NewUserStore(db))
}

func TestSignupAndLogin(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	u, token, err := svc.Signup(ctx, "Alice", "secret123", "Alice A.")
	if err != nil {
		t.Fatal(err)
	}
	if u.Username != "alice" {
		t.Fatalf("username not normalized: %q", u.Username)
	}
	if token == "" {
		t.Fatal("expected session token")
	}

	got, err := svc.UserForToken(ctx, token)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != u.ID {
		t.Fatalf("token resolves to wrong user: %s != %s", got.ID, u.ID)
	}

	t.Run("login", func(t *testing.T) {
		u2, token2, err := svc.Login(ctx, "alice", "secret123")
		if err != nil {
			t.Fatal(err)
		}
		if u2.ID != u.ID || token2 == token {
			t.Fatal("login must return the same user with a fresh token")
		}
	})

	t.Run("wrong password", func(t *testing.T) {
		if _, _, err := svc.Login(ctx, "alice", "wrong"); err != ErrInvalidCredentials {
			t.Fatalf("expected ErrInvalidCredentials, got %v", err)
		}
	})

	t.Run("unknown user", func(t *testing.T) {
		if _, _, err := svc.Login(ctx, "nobody", "secret123"); err != ErrInvalidCredentials {
			t.Fatalf("expected ErrInvalidCredentials, got %v", err)
		}
	})

	t.Run("duplicate username", func(t *testing.T) {
		if _, _, err := svc.Signup(ctx, "alice", "secret123", ""); err != storage.ErrUsernameTaken {
			t.Fatalf("expected ErrUsernameTaken, got %v", err)
		}
	})
}

func TestLogout(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	_, token, err := svc.Signup(ctx, "bob", "secret123", "")
	if err != nil {
		t.Fatal(err)
	}

	svc.Logout(token)
	if _, err := svc.UserForToken(ctx, token); err != ErrNoSession {
		t.Fatalf("expected ErrNoSession after logout, got %v", err)
	}
	// Logout of an already-dead token is a no-op.
	svc.Logout(token)
}

func TestOnChange(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	var events []string
	cancel := svc.OnChange(func(id string) { events = append(events, id) })
	defer cancel()

	u, token, err := svc.Signup(ctx, "carol", "secret123", "")
	if err != nil {
		t.Fatal(err)
	}
	svc.Logout(token)

	if len(events) != 2 || events[0] != u.ID || events[1] != "" {
		t.Fatalf("unexpected change events: %v", events)
	}
}
