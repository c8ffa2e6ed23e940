package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"domani/internal/auth"
	"domani/internal/models"
)

var _ auth.Store = (*Gorm)(nil)

// Gorm implements the auth store on Postgres.
type Gorm struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGorm(db *gorm.DB) *Gorm {
	return &Gorm{db: db, now: time.Now}
}

// Migrate creates or updates the tables this service owns.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&models.AuthUser{}, &models.AdminUser{}, &models.Session{}, &models.AuditLog{})
}

const adminSelect = "admin_users.*, auth_users.email AS email, auth_users.password_hash AS password_hash"

type adminRow struct {
	models.AdminUser `gorm:"embedded"`
	Email            string
	PasswordHash     string
}

func (r adminRow) admin() *auth.Admin {
	return &auth.Admin{AdminUser: r.AdminUser, Email: r.Email, PasswordHash: r.PasswordHash}
}

func (s *Gorm) adminQuery(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).
		Table("admin_users").
		Select(adminSelect).
		Joins("JOIN auth_users ON auth_users.id = admin_users.auth_user_id")
}

func (s *Gorm) findAdmin(ctx context.Context, where string, arg any) (*auth.Admin, error) {
	var row adminRow
	err := s.adminQuery(ctx).Where(where, arg).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.admin(), nil
}

func (s *Gorm) FindAdminByEmail(ctx context.Context, email string) (*auth.Admin, error) {
	return s.findAdmin(ctx, "LOWER(auth_users.email) = ?", strings.ToLower(strings.TrimSpace(email)))
}

func (s *Gorm) FindAdminByAuthUser(ctx context.Context, authUserID string) (*auth.Admin, error) {
	return s.findAdmin(ctx, "admin_users.auth_user_id = ?", authUserID)
}

func (s *Gorm) FindAdmin(ctx context.Context, adminID string) (*auth.Admin, error) {
	return s.findAdmin(ctx, "admin_users.id = ?", adminID)
}

// nextFailures is the counter after this failure. A failure older than the
// window starts a fresh count.
const nextFailures = `(CASE WHEN last_failed_at IS NULL OR last_failed_at <= @window_start THEN 0 ELSE failed_attempts END) + 1`

// Every SET arm reads the pre-update row, so the whole transition
// happens in one statement. Rows locked at @now are not touched.
const recordFailureSQL = `UPDATE admin_users SET
	failed_attempts = CASE WHEN ` + nextFailures + ` >= @threshold THEN 0 ELSE ` + nextFailures + ` END,
	locked_until = CASE WHEN ` + nextFailures + ` >= @threshold THEN @lock_until ELSE locked_until END,
	last_failed_at = @now
WHERE id = @id AND (locked_until IS NULL OR locked_until <= @now)
RETURNING failed_attempts`

type failureRow struct {
	FailedAttempts int
}

func (s *Gorm) RecordLoginFailure(ctx context.Context, adminID string, policy auth.Lockout, now time.Time) (auth.LoginFailure, error) {
	now = now.UTC()
	var out failureRow
	res := s.db.WithContext(ctx).Raw(recordFailureSQL, map[string]any{
		"id":           adminID,
		"now":          now,
		"window_start": now.Add(-policy.Window),
		"threshold":    policy.Threshold,
		"lock_until":   now.Add(policy.Window),
	}).Scan(&out)
	if res.Error != nil {
		return auth.FailureCounted, res.Error
	}
	if res.RowsAffected == 0 {
		if err := s.adminExists(ctx, adminID); err != nil {
			return auth.FailureCounted, err
		}
		return auth.FailureAlreadyLocked, nil
	}
	if out.FailedAttempts == 0 {
		return auth.FailureLocked, nil
	}
	return auth.FailureCounted, nil
}

func (s *Gorm) RecordLoginSuccess(ctx context.Context, adminID string, at time.Time) error {
	at = at.UTC()
	res := s.db.WithContext(ctx).Model(&models.AdminUser{}).
		Where("id = ? AND (locked_until IS NULL OR locked_until <= ?)", adminID, at).
		Updates(map[string]any{"failed_attempts": 0, "locked_until": nil, "last_failed_at": nil, "last_login_at": at})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if err := s.adminExists(ctx, adminID); err != nil {
			return err
		}
		return auth.ErrAccountLocked
	}
	return nil
}

// adminExists returns ErrNotFound when no admin row has adminID.
func (s *Gorm) adminExists(ctx context.Context, adminID string) error {
	var n int64
	if err := s.db.WithContext(ctx).Model(&models.AdminUser{}).Where("id = ?", adminID).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func (s *Gorm) CreateSession(ctx context.Context, adminID, authUserID string, expiresAt time.Time) (*models.Session, error) {
	sess := &models.Session{
		ID:         uuid.NewString(),
		AdminID:    adminID,
		AuthUserID: authUserID,
		CreatedAt:  s.now().UTC(),
		ExpiresAt:  expiresAt.UTC(),
	}
	if err := s.db.WithContext(ctx).Create(sess).Error; err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *Gorm) InvalidateSession(ctx context.Context, sessionID string) error {
	return s.db.WithContext(ctx).Model(&models.Session{}).
		Where("id = ? AND invalidated_at IS NULL", sessionID).
		Update("invalidated_at", s.now().UTC()).Error
}

func (s *Gorm) GetLiveSession(ctx context.Context, sessionID string) (*models.Session, error) {
	var sess models.Session
	err := s.db.WithContext(ctx).Where("id = ? AND invalidated_at IS NULL", sessionID).Take(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

const rotateSQL = `UPDATE admin_sessions SET invalidated_at = ?
WHERE id = ? AND invalidated_at IS NULL
RETURNING admin_id, auth_user_id`

type rotatedRow struct {
	AdminID    string
	AuthUserID string
}

// RotateSession consumes the old session with a conditional update; of two
// concurrent callers only one sees a returned row.
func (s *Gorm) RotateSession(ctx context.Context, oldSessionID string, expiresAt time.Time) (*models.Session, error) {
	var next *models.Session
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now().UTC()
		var prev rotatedRow
		res := tx.Raw(rotateSQL, now, oldSessionID).Scan(&prev)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return auth.ErrAlreadyRotated
		}
		next = &models.Session{
			ID:         uuid.NewString(),
			AdminID:    prev.AdminID,
			AuthUserID: prev.AuthUserID,
			CreatedAt:  now,
			ExpiresAt:  expiresAt.UTC(),
		}
		return tx.Create(next).Error
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

func (s *Gorm) InvalidateAdminSessions(ctx context.Context, adminID string) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.Session{}).
		Where("admin_id = ? AND invalidated_at IS NULL", adminID).
		Update("invalidated_at", s.now().UTC())
	return res.RowsAffected, res.Error
}

func (s *Gorm) AppendAudit(ctx context.Context, entry *models.AuditLog) error {
	return s.db.WithContext(ctx).Create(entry).Error
}

func (s *Gorm) ListAudit(ctx context.Context, q auth.AuditQuery) ([]models.AuditLog, error) {
	tx := s.db.WithContext(ctx).Model(&models.AuditLog{})
	if q.Action != "" {
		tx = tx.Where("action = ?", q.Action)
	}
	if q.AdminID != "" {
		tx = tx.Where("admin_user_id = ?", q.AdminID)
	}
	if q.Status != "" {
		tx = tx.Where("status = ?", q.Status)
	}
	if !q.Since.IsZero() {
		tx = tx.Where("created_at >= ?", q.Since.UTC())
	}
	var logs []models.AuditLog
	err := tx.Order("created_at desc").Limit(clampLimit(q.Limit)).Offset(q.Offset).Find(&logs).Error
	return logs, err
}

func (s *Gorm) ListAdmins(ctx context.Context) ([]auth.Admin, error) {
	var rows []adminRow
	if err := s.adminQuery(ctx).Order("admin_users.created_at asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rowsToAdmins(rows), nil
}

// FailedLoginReport lists admins with pending failures or an active lockout,
// read from the same counter the login flow enforces.
func (s *Gorm) FailedLoginReport(ctx context.Context, now time.Time) ([]auth.Admin, error) {
	var rows []adminRow
	err := s.adminQuery(ctx).
		Where("admin_users.failed_attempts > 0 OR admin_users.locked_until > ?", now.UTC()).
		Order("admin_users.failed_attempts desc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rowsToAdmins(rows), nil
}

func (s *Gorm) updateAdmin(ctx context.Context, adminID string, values map[string]any) error {
	res := s.db.WithContext(ctx).Model(&models.AdminUser{}).Where("id = ?", adminID).Updates(values)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func (s *Gorm) SetAdminRole(ctx context.Context, adminID string, role auth.Role) error {
	return s.updateAdmin(ctx, adminID, map[string]any{"role": string(role)})
}

func (s *Gorm) SetAdminPermissions(ctx context.Context, adminID string, grants []auth.Grant) error {
	return s.updateAdmin(ctx, adminID, map[string]any{"permissions": models.MustJSONB(auth.NormalizeGrants(grants))})
}

func (s *Gorm) SetAdminActive(ctx context.Context, adminID string, active bool) error {
	return s.updateAdmin(ctx, adminID, map[string]any{"is_active": active})
}

// EnsureAdmin provisions an identity plus admin record unless the email is
// already registered. It reports whether anything was created.
func (s *Gorm) EnsureAdmin(ctx context.Context, email, passwordHash string, role auth.Role) (bool, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	created := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.AuthUser{}).Where("LOWER(email) = ?", email).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return nil
		}
		now := s.now().UTC()
		user := models.AuthUser{ID: uuid.NewString(), Email: email, PasswordHash: passwordHash, CreatedAt: now}
		if err := tx.Create(&user).Error; err != nil {
			return fmt.Errorf("create identity: %w", err)
		}
		admin := models.AdminUser{
			ID:          uuid.NewString(),
			AuthUserID:  user.ID,
			Role:        string(role),
			Permissions: models.JSONB("[]"),
			IsActive:    true,
			CreatedAt:   now,
		}
		if err := tx.Create(&admin).Error; err != nil {
			return fmt.Errorf("create admin: %w", err)
		}
		created = true
		return nil
	})
	return created, err
}

func rowsToAdmins(rows []adminRow) []auth.Admin {
	out := make([]auth.Admin, 0, len(rows))
	for _, r := range rows {
		out = append(out, *r.admin())
	}
	return out
}

func clampLimit(n int) int {
	switch {
	case n <= 0:
		return 100
	case n > 1000:
		return 1000
	default:
		return n
	}
}
