package confirm

import (
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"executiondesk/internal/store"
	"executiondesk/pkg/types"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Migrate("../../migrations"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return New(st, 0, slog.New(slog.DiscardHandler))
}

func stage(t *testing.T, s *Service) *types.Confirmation {
	t.Helper()
	c, err := s.CreatePending("t1", "conv1", `{"actions":[]}`, "", "BTC-USD", types.ModePaper)
	if err != nil {
		t.Fatalf("create pending: %v", err)
	}
	return c
}

func TestCreatePendingShape(t *testing.T) {
	t.Parallel()
	s := newTestService(t)
	c := stage(t, s)

	if !strings.HasPrefix(c.ID, types.ConfirmationIDPrefix) {
		t.Errorf("id = %q, want %s prefix", c.ID, types.ConfirmationIDPrefix)
	}
	if c.Status != types.ConfirmPending {
		t.Errorf("status = %s", c.Status)
	}
	if got := c.ExpiresAt.Sub(c.CreatedAt); got != DefaultTTL {
		t.Errorf("ttl = %v, want %v", got, DefaultTTL)
	}
	if c.LockedProductID != "BTC-USD" {
		t.Errorf("locked product = %q", c.LockedProductID)
	}
}

func TestConfiguredTTLOverridesDefault(t *testing.T) {
	t.Parallel()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Migrate("../../migrations"); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	s := New(st, 90*time.Second, slog.New(slog.DiscardHandler))
	if s.TTL() != 90*time.Second {
		t.Errorf("ttl = %v, want 90s", s.TTL())
	}
	c := stage(t, s)
	if got := c.ExpiresAt.Sub(c.CreatedAt); got != 90*time.Second {
		t.Errorf("expires after %v, want 90s", got)
	}
}

func TestValidateIDRejectsMalformed(t *testing.T) {
	t.Parallel()
	for _, id := range []string{"", "conf_", "abc123", "CONF_abc", "run_123"} {
		if err := ValidateID(id); !errors.Is(err, ErrMalformedID) {
			t.Errorf("ValidateID(%q) = %v, want ErrMalformedID", id, err)
		}
	}
	if err := ValidateID("conf_abc123"); err != nil {
		t.Errorf("valid id rejected: %v", err)
	}
}

func TestConfirmBindsRunAndIsIdempotent(t *testing.T) {
	t.Parallel()
	s := newTestService(t)
	c := stage(t, s)

	got, err := s.Confirm(c.ID, "t1", "run-1")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if got.Status != types.ConfirmConfirmed || got.RunID != "run-1" {
		t.Fatalf("confirmed = %+v", got)
	}

	// Re-confirm: same run id, no error.
	again, err := s.Confirm(c.ID, "t1", "run-2")
	if err != nil {
		t.Fatalf("re-confirm: %v", err)
	}
	if again.RunID != "run-1" {
		t.Errorf("run id = %q, want the original run-1", again.RunID)
	}
}

func TestConfirmExpired(t *testing.T) {
	t.Parallel()
	s := newTestService(t)
	c := stage(t, s)

	// Jump past the TTL.
	s.now = func() time.Time { return time.Now().Add(DefaultTTL + time.Minute) }

	_, err := s.Confirm(c.ID, "t1", "run-1")
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("err = %v, want ErrExpired", err)
	}

	got, err := s.Get(c.ID, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != types.ConfirmExpired {
		t.Errorf("status = %s, want EXPIRED", got.Status)
	}
}

func TestConfirmCancelled(t *testing.T) {
	t.Parallel()
	s := newTestService(t)
	c := stage(t, s)

	if _, err := s.Cancel(c.ID, "t1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := s.Confirm(c.ID, "t1", "run-1"); !errors.Is(err, ErrTerminal) {
		t.Fatalf("confirm after cancel = %v, want ErrTerminal", err)
	}
}

func TestCancelAfterConfirmIsNoOp(t *testing.T) {
	t.Parallel()
	s := newTestService(t)
	c := stage(t, s)

	if _, err := s.Confirm(c.ID, "t1", "run-1"); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	got, err := s.Cancel(c.ID, "t1")
	if err != nil {
		t.Fatalf("cancel after confirm: %v", err)
	}
	if got.Status != types.ConfirmConfirmed || got.RunID != "run-1" {
		t.Errorf("cancel must report the executed run: %+v", got)
	}
}

func TestCrossTenantIsNotFound(t *testing.T) {
	t.Parallel()
	s := newTestService(t)
	c := stage(t, s)

	if _, err := s.Get(c.ID, "t2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cross-tenant get = %v, want ErrNotFound", err)
	}
	if _, err := s.Confirm(c.ID, "t2", "run-x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cross-tenant confirm = %v, want ErrNotFound", err)
	}
}

func TestMalformedIDNeverReachesStore(t *testing.T) {
	t.Parallel()
	s := newTestService(t)
	if _, err := s.Confirm("bogus", "t1", "run-1"); !errors.Is(err, ErrMalformedID) {
		t.Fatalf("err = %v, want ErrMalformedID", err)
	}
}
