package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"domani/internal/auth"
	"domani/internal/models"
)

var _ auth.Store = (*Memory)(nil)

// Memory is an in-process store for local runs and tests. A single mutex
// serialises every operation, which gives RotateSession and
// RecordLoginFailure the same atomicity as their SQL counterparts.
type Memory struct {
	mu       sync.Mutex
	now      func() time.Time
	users    map[string]models.AuthUser
	admins   map[string]models.AdminUser
	sessions map[string]models.Session
	audit    []models.AuditLog
}

func NewMemory() *Memory {
	return &Memory{
		now:      time.Now,
		users:    make(map[string]models.AuthUser),
		admins:   make(map[string]models.AdminUser),
		sessions: make(map[string]models.Session),
	}
}

// WithClock sets the time source used for created/invalidated stamps.
func (m *Memory) WithClock(fn func() time.Time) *Memory {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = fn
	return m
}

// AddAdmin inserts an identity and its admin record directly.
func (m *Memory) AddAdmin(email, passwordHash string, role auth.Role, grants ...auth.Grant) *auth.Admin {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addAdminLocked(email, passwordHash, role, grants)
}

func (m *Memory) addAdminLocked(email, passwordHash string, role auth.Role, grants []auth.Grant) *auth.Admin {
	now := m.now().UTC()
	user := models.AuthUser{
		ID:           uuid.NewString(),
		Email:        strings.ToLower(strings.TrimSpace(email)),
		PasswordHash: passwordHash,
		CreatedAt:    now,
	}
	if grants == nil {
		grants = []auth.Grant{}
	}
	admin := models.AdminUser{
		ID:          uuid.NewString(),
		AuthUserID:  user.ID,
		Role:        string(role),
		Permissions: models.MustJSONB(auth.NormalizeGrants(grants)),
		IsActive:    true,
		CreatedAt:   now,
	}
	m.users[user.ID] = user
	m.admins[admin.ID] = admin
	return m.joinLocked(admin)
}

func (m *Memory) joinLocked(a models.AdminUser) *auth.Admin {
	u := m.users[a.AuthUserID]
	a.Permissions = append(models.JSONB(nil), a.Permissions...)
	return &auth.Admin{AdminUser: a, Email: u.Email, PasswordHash: u.PasswordHash}
}

func (m *Memory) FindAdminByEmail(_ context.Context, email string) (*auth.Admin, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.admins {
		if m.users[a.AuthUserID].Email == email {
			return m.joinLocked(a), nil
		}
	}
	return nil, auth.ErrNotFound
}

func (m *Memory) FindAdminByAuthUser(_ context.Context, authUserID string) (*auth.Admin, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.admins {
		if a.AuthUserID == authUserID {
			return m.joinLocked(a), nil
		}
	}
	return nil, auth.ErrNotFound
}

func (m *Memory) FindAdmin(_ context.Context, adminID string) (*auth.Admin, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.admins[adminID]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return m.joinLocked(a), nil
}

func (m *Memory) RecordLoginFailure(_ context.Context, adminID string, policy auth.Lockout, now time.Time) (auth.LoginFailure, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.admins[adminID]
	if !ok {
		return auth.FailureCounted, auth.ErrNotFound
	}
	now = now.UTC()
	if a.LockedUntil != nil && now.Before(*a.LockedUntil) {
		return auth.FailureAlreadyLocked, nil
	}
	count := a.FailedAttempts
	if a.LastFailedAt == nil || !a.LastFailedAt.After(now.Add(-policy.Window)) {
		count = 0
	}
	count++
	a.LastFailedAt = &now
	outcome := auth.FailureCounted
	if count >= policy.Threshold {
		until := now.Add(policy.Window)
		a.FailedAttempts = 0
		a.LockedUntil = &until
		outcome = auth.FailureLocked
	} else {
		a.FailedAttempts = count
	}
	m.admins[adminID] = a
	return outcome, nil
}

func (m *Memory) RecordLoginSuccess(_ context.Context, adminID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.admins[adminID]
	if !ok {
		return auth.ErrNotFound
	}
	at = at.UTC()
	if a.LockedUntil != nil && at.Before(*a.LockedUntil) {
		return auth.ErrAccountLocked
	}
	a.FailedAttempts = 0
	a.LockedUntil = nil
	a.LastFailedAt = nil
	a.LastLoginAt = &at
	m.admins[adminID] = a
	return nil
}

func (m *Memory) CreateSession(_ context.Context, adminID, authUserID string, expiresAt time.Time) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess := m.newSessionLocked(adminID, authUserID, expiresAt)
	return &sess, nil
}

func (m *Memory) newSessionLocked(adminID, authUserID string, expiresAt time.Time) models.Session {
	sess := models.Session{
		ID:         uuid.NewString(),
		AdminID:    adminID,
		AuthUserID: authUserID,
		CreatedAt:  m.now().UTC(),
		ExpiresAt:  expiresAt.UTC(),
	}
	m.sessions[sess.ID] = sess
	return sess
}

func (m *Memory) InvalidateSession(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invalidateLocked(sessionID)
	return nil
}

func (m *Memory) invalidateLocked(sessionID string) bool {
	sess, ok := m.sessions[sessionID]
	if !ok || sess.InvalidatedAt != nil {
		return false
	}
	now := m.now().UTC()
	sess.InvalidatedAt = &now
	m.sessions[sessionID] = sess
	return true
}

func (m *Memory) GetLiveSession(_ context.Context, sessionID string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok || sess.InvalidatedAt != nil {
		return nil, auth.ErrNotFound
	}
	return &sess, nil
}

func (m *Memory) RotateSession(_ context.Context, oldSessionID string, expiresAt time.Time) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.sessions[oldSessionID]
	if !ok || !m.invalidateLocked(oldSessionID) {
		return nil, auth.ErrAlreadyRotated
	}
	next := m.newSessionLocked(old.AdminID, old.AuthUserID, expiresAt)
	return &next, nil
}

func (m *Memory) InvalidateAdminSessions(_ context.Context, adminID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, sess := range m.sessions {
		if sess.AdminID == adminID && m.invalidateLocked(id) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) AppendAudit(_ context.Context, entry *models.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, *entry)
	return nil
}

func (m *Memory) ListAudit(_ context.Context, q auth.AuditQuery) ([]models.AuditLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.AuditLog, 0)
	// newest first
	for i := len(m.audit) - 1; i >= 0; i-- {
		e := m.audit[i]
		if q.Action != "" && e.Action != q.Action {
			continue
		}
		if q.AdminID != "" && (e.AdminUserID == nil || *e.AdminUserID != q.AdminID) {
			continue
		}
		if q.Status != "" && e.Status != q.Status {
			continue
		}
		if !q.Since.IsZero() && e.CreatedAt.Before(q.Since) {
			continue
		}
		out = append(out, e)
	}
	if q.Offset >= len(out) {
		return []models.AuditLog{}, nil
	}
	out = out[max(q.Offset, 0):]
	if limit := clampLimit(q.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListAdmins(_ context.Context) ([]auth.Admin, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]auth.Admin, 0, len(m.admins))
	for _, a := range m.admins {
		out = append(out, *m.joinLocked(a))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Email < out[j].Email
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) FailedLoginReport(_ context.Context, now time.Time) ([]auth.Admin, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]auth.Admin, 0)
	for _, a := range m.admins {
		if a.FailedAttempts > 0 || (a.LockedUntil != nil && a.LockedUntil.After(now)) {
			out = append(out, *m.joinLocked(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FailedAttempts > out[j].FailedAttempts })
	return out, nil
}

func (m *Memory) updateAdmin(adminID string, fn func(*models.AdminUser)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.admins[adminID]
	if !ok {
		return auth.ErrNotFound
	}
	fn(&a)
	m.admins[adminID] = a
	return nil
}

func (m *Memory) SetAdminRole(_ context.Context, adminID string, role auth.Role) error {
	return m.updateAdmin(adminID, func(a *models.AdminUser) { a.Role = string(role) })
}

func (m *Memory) SetAdminPermissions(_ context.Context, adminID string, grants []auth.Grant) error {
	return m.updateAdmin(adminID, func(a *models.AdminUser) {
		a.Permissions = models.MustJSONB(auth.NormalizeGrants(grants))
	})
}

func (m *Memory) SetAdminActive(_ context.Context, adminID string, active bool) error {
	return m.updateAdmin(adminID, func(a *models.AdminUser) { a.IsActive = active })
}

func (m *Memory) EnsureAdmin(_ context.Context, email, passwordHash string, role auth.Role) (bool, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			return false, nil
		}
	}
	m.addAdminLocked(email, passwordHash, role, nil)
	return true, nil
}
