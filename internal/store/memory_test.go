package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"domani/internal/auth"
	"domani/internal/models"
)

func TestMemoryRotateHasOneWinner(t *testing.T) {
	m := NewMemory()
	a := m.AddAdmin("ops@example.com", "hash", auth.RoleAdmin)
	ctx := context.Background()
	sess, _ := m.CreateSession(ctx, a.ID, a.AuthUserID, time.Now().Add(time.Hour))

	var wins, rotated int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.RotateSession(ctx, sess.ID, time.Now().Add(time.Hour))
			switch {
			case err == nil:
				atomic.AddInt32(&wins, 1)
			case errors.Is(err, auth.ErrAlreadyRotated):
				atomic.AddInt32(&rotated, 1)
			default:
				t.Errorf("unexpected error %v", err)
			}
		}()
	}
	wg.Wait()
	if wins != 1 || rotated != 31 {
		t.Fatalf("expected 1 winner and 31 rotated, got %d / %d", wins, rotated)
	}
	if _, err := m.GetLiveSession(ctx, sess.ID); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("old session should be dead, got %v", err)
	}
}

var testLockout = auth.Lockout{Threshold: 5, Window: 15 * time.Minute}

func TestMemoryRecordLoginFailureLocksAtThreshold(t *testing.T) {
	m := NewMemory()
	a := m.AddAdmin("ops@example.com", "hash", auth.RoleViewer)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 1; i < 5; i++ {
		outcome, err := m.RecordLoginFailure(ctx, a.ID, testLockout, now)
		if err != nil || outcome != auth.FailureCounted {
			t.Fatalf("attempt %d: outcome=%v err=%v", i, outcome, err)
		}
	}
	outcome, err := m.RecordLoginFailure(ctx, a.ID, testLockout, now)
	if err != nil || outcome != auth.FailureLocked {
		t.Fatalf("5th failure should lock, got outcome=%v err=%v", outcome, err)
	}
	got, _ := m.FindAdmin(ctx, a.ID)
	until := now.Add(testLockout.Window)
	if got.FailedAttempts != 0 || got.LockedUntil == nil || !got.LockedUntil.Equal(until) {
		t.Fatalf("unexpected state %+v", got.AdminUser)
	}

	outcome, err = m.RecordLoginFailure(ctx, a.ID, testLockout, now.Add(time.Minute))
	if err != nil || outcome != auth.FailureAlreadyLocked {
		t.Fatalf("failure while locked: outcome=%v err=%v", outcome, err)
	}
	got, _ = m.FindAdmin(ctx, a.ID)
	if got.FailedAttempts != 0 || !got.LockedUntil.Equal(until) {
		t.Fatalf("a locked row must not change, got %+v", got.AdminUser)
	}
	if _, err := m.RecordLoginFailure(ctx, "missing", testLockout, now); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryFailuresOutsideWindowStartOver(t *testing.T) {
	m := NewMemory()
	a := m.AddAdmin("ops@example.com", "hash", auth.RoleViewer)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		_, _ = m.RecordLoginFailure(ctx, a.ID, testLockout, now)
	}
	later := now.Add(testLockout.Window + time.Second)
	outcome, err := m.RecordLoginFailure(ctx, a.ID, testLockout, later)
	if err != nil || outcome != auth.FailureCounted {
		t.Fatalf("stale failures must not count, got outcome=%v err=%v", outcome, err)
	}
	got, _ := m.FindAdmin(ctx, a.ID)
	if got.FailedAttempts != 1 || got.LastFailedAt == nil || !got.LastFailedAt.Equal(later) {
		t.Fatalf("expected a fresh count of 1, got %+v", got.AdminUser)
	}
}

func TestMemoryRecordLoginSuccessRefusesLockedAdmin(t *testing.T) {
	m := NewMemory()
	a := m.AddAdmin("ops@example.com", "hash", auth.RoleViewer)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < testLockout.Threshold; i++ {
		_, _ = m.RecordLoginFailure(ctx, a.ID, testLockout, now)
	}
	if err := m.RecordLoginSuccess(ctx, a.ID, now.Add(time.Minute)); !errors.Is(err, auth.ErrAccountLocked) {
		t.Fatalf("expected ErrAccountLocked, got %v", err)
	}
	got, _ := m.FindAdmin(ctx, a.ID)
	if got.LockedUntil == nil || got.LastLoginAt != nil {
		t.Fatalf("refused success must leave the lock in place: %+v", got.AdminUser)
	}
	if err := m.RecordLoginSuccess(ctx, a.ID, now.Add(testLockout.Window)); err != nil {
		t.Fatalf("success after the window: %v", err)
	}
	got, _ = m.FindAdmin(ctx, a.ID)
	if got.LockedUntil != nil || got.LastFailedAt != nil || got.LastLoginAt == nil {
		t.Fatalf("success should clear lockout state: %+v", got.AdminUser)
	}
	if err := m.RecordLoginSuccess(ctx, "missing", now); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryFindByEmailIsCaseInsensitive(t *testing.T) {
	m := NewMemory()
	a := m.AddAdmin("Ops@Example.com", "hash", auth.RoleViewer)
	got, err := m.FindAdminByEmail(context.Background(), " OPS@example.COM")
	if err != nil || got.ID != a.ID {
		t.Fatalf("lookup failed: %v", err)
	}
}

func TestMemoryInvalidateAdminSessions(t *testing.T) {
	m := NewMemory()
	a := m.AddAdmin("a@example.com", "hash", auth.RoleViewer)
	b := m.AddAdmin("b@example.com", "hash", auth.RoleViewer)
	ctx := context.Background()
	exp := time.Now().Add(time.Hour)
	m.CreateSession(ctx, a.ID, a.AuthUserID, exp)
	m.CreateSession(ctx, a.ID, a.AuthUserID, exp)
	other, _ := m.CreateSession(ctx, b.ID, b.AuthUserID, exp)

	n, err := m.InvalidateAdminSessions(ctx, a.ID)
	if err != nil || n != 2 {
		t.Fatalf("expected 2 revoked, got %d err=%v", n, err)
	}
	if _, err := m.GetLiveSession(ctx, other.ID); err != nil {
		t.Fatalf("other admin's session must survive: %v", err)
	}
	if n, _ := m.InvalidateAdminSessions(ctx, a.ID); n != 0 {
		t.Fatalf("second revoke should be a no-op, got %d", n)
	}
}

func TestMemoryListAuditNewestFirstWithFilters(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, action := range []string{"login", "login_attempt", "login_attempt", "logout"} {
		_ = m.AppendAudit(ctx, &models.AuditLog{ID: action + string(rune('a'+i)), Action: action, Status: "success", CreatedAt: base.Add(time.Duration(i) * time.Minute)})
	}
	logs, _ := m.ListAudit(ctx, auth.AuditQuery{Action: "login_attempt"})
	if len(logs) != 2 || logs[0].ID != "login_attemptc" {
		t.Fatalf("unexpected filtered order %+v", logs)
	}
	logs, _ = m.ListAudit(ctx, auth.AuditQuery{Since: base.Add(2 * time.Minute)})
	if len(logs) != 2 {
		t.Fatalf("since filter: expected 2, got %d", len(logs))
	}
	logs, _ = m.ListAudit(ctx, auth.AuditQuery{Limit: 1, Offset: 1})
	if len(logs) != 1 || logs[0].Action != "login_attempt" {
		t.Fatalf("paging: unexpected %+v", logs)
	}
}

func TestMemoryEnsureAdminIsIdempotent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	created, err := m.EnsureAdmin(ctx, "root@example.com", "hash", auth.RoleSuperAdmin)
	if err != nil || !created {
		t.Fatalf("first call should create, got %v %v", created, err)
	}
	created, err = m.EnsureAdmin(ctx, "ROOT@example.com", "hash", auth.RoleSuperAdmin)
	if err != nil || created {
		t.Fatalf("second call should be a no-op, got %v %v", created, err)
	}
	admins, _ := m.ListAdmins(ctx)
	if len(admins) != 1 || admins[0].Role != string(auth.RoleSuperAdmin) {
		t.Fatalf("unexpected admins %+v", admins)
	}
}

func TestMemoryFailedLoginReport(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now()
	clean := m.AddAdmin("clean@example.com", "hash", auth.RoleViewer)
	failing := m.AddAdmin("failing@example.com", "hash", auth.RoleViewer)
	_, _ = m.RecordLoginFailure(ctx, failing.ID, testLockout, now)

	report, _ := m.FailedLoginReport(ctx, now)
	if len(report) != 1 || report[0].ID != failing.ID {
		t.Fatalf("unexpected report %+v (clean=%s)", report, clean.ID)
	}
}
