package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"domani/internal/models"
)

const (
	DefaultLockoutThreshold = 5
	DefaultLockoutWindow    = 15 * time.Minute
	DefaultRememberMeTTL    = 30 * 24 * time.Hour
)

// Throttle decides whether another login attempt from key may proceed.
type Throttle interface {
	Allow(key string) bool
}

// Service runs the login, refresh, logout and token resolution flows.
type Service struct {
	store   Store
	codec   *Codec
	audit   Auditor
	log     *zap.SugaredLogger
	now     func() time.Time
	limiter Throttle

	lockoutThreshold int
	lockoutWindow    time.Duration
	accessTTL        time.Duration
	refreshTTL       time.Duration
	rememberTTL      time.Duration
}

// Option configures Service behavior.
type Option func(*Service) error

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

func WithLogger(lg *zap.SugaredLogger) Option {
	return func(s *Service) error {
		if lg != nil {
			s.log = lg
		}
		return nil
	}
}

// WithLockout sets how many consecutive failures lock an admin and for how long.
func WithLockout(threshold int, window time.Duration) Option {
	return func(s *Service) error {
		if threshold < 1 || window <= 0 {
			return fmt.Errorf("auth: invalid lockout policy %d/%s", threshold, window)
		}
		s.lockoutThreshold = threshold
		s.lockoutWindow = window
		return nil
	}
}

func WithAccessTTL(ttl time.Duration) Option {
	return func(s *Service) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

func WithRefreshTTL(ttl time.Duration) Option {
	return func(s *Service) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithRememberMeTTL sets the refresh lifetime used when the admin asks to be remembered.
func WithRememberMeTTL(ttl time.Duration) Option {
	return func(s *Service) error {
		if ttl > 0 {
			s.rememberTTL = ttl
		}
		return nil
	}
}

// WithThrottle installs a per-client limiter consulted before credentials are checked.
func WithThrottle(t Throttle) Option {
	return func(s *Service) error {
		s.limiter = t
		return nil
	}
}

func NewService(store Store, codec *Codec, auditor Auditor, opts ...Option) (*Service, error) {
	if store == nil || codec == nil || auditor == nil {
		return nil, errors.New("auth: store, codec and auditor are required")
	}
	svc := &Service{
		store:            store,
		codec:            codec,
		audit:            auditor,
		log:              zap.NewNop().Sugar(),
		now:              time.Now,
		lockoutThreshold: DefaultLockoutThreshold,
		lockoutWindow:    DefaultLockoutWindow,
		accessTTL:        DefaultAccessTTL,
		refreshTTL:       DefaultRefreshTTL,
		rememberTTL:      DefaultRememberMeTTL,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// Issued is a freshly minted session with its token pair.
type Issued struct {
	Admin            *Admin
	Session          *models.Session
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

type LoginInput struct {
	Email      string
	Password   string
	RememberMe bool
	Meta       RequestMeta
}

// Login verifies credentials against the admin registry and mints a
// session. Every outcome except malformed input is audited.
func (s *Service) Login(ctx context.Context, in LoginInput) (*Issued, error) {
	email := normalizeEmail(in.Email)
	if email == "" || !strings.Contains(email, "@") || in.Password == "" {
		return nil, fmt.Errorf("%w: email and password are required", ErrInvalidInput)
	}
	attempt := map[string]any{"email": email, "method": "password"}
	throttleKey := "login:" + in.Meta.IP

	admin, err := s.store.FindAdminByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		if !s.allow(throttleKey) {
			return nil, s.failLogin(ctx, in.Meta, nil, attempt, "rate_limited", ErrTooManyAttempts)
		}
		burnPasswordCheck(in.Password)
		return nil, s.failLogin(ctx, in.Meta, nil, attempt, "unknown_email", ErrInvalidCredentials)
	}
	if err != nil {
		return nil, s.upstreamLogin(ctx, in.Meta, attempt, fmt.Errorf("find admin: %w", err))
	}

	// Lockout and deactivation are answered before the throttle so a locked
	// account always reports the lock.
	now := s.now()
	if admin.LockedAt(now) {
		return nil, s.failLocked(ctx, in.Meta, admin, attempt)
	}
	if !admin.IsActive {
		return nil, s.failLogin(ctx, in.Meta, admin, attempt, "inactive", ErrAccountInactive)
	}
	if !s.allow(throttleKey) {
		return nil, s.failLogin(ctx, in.Meta, admin, attempt, "rate_limited", ErrTooManyAttempts)
	}
	if admin.PasswordHash == "" || CheckPassword(admin.PasswordHash, in.Password) != nil {
		outcome, err := s.store.RecordLoginFailure(ctx, admin.ID, s.lockout(), now)
		if err != nil {
			return nil, s.upstreamLogin(ctx, in.Meta, attempt, fmt.Errorf("record login failure: %w", err))
		}
		if outcome == FailureAlreadyLocked {
			return nil, s.failLocked(ctx, in.Meta, admin, attempt)
		}
		attempt["locked"] = outcome == FailureLocked
		return nil, s.failLogin(ctx, in.Meta, admin, attempt, "invalid_password", ErrInvalidCredentials)
	}

	ttl := s.refreshTTL
	if in.RememberMe {
		ttl = s.rememberTTL
	}
	issued, err := s.admit(ctx, admin, ttl)
	if errors.Is(err, ErrAccountLocked) {
		return nil, s.failLocked(ctx, in.Meta, admin, attempt)
	}
	if err != nil {
		return nil, s.upstreamLogin(ctx, in.Meta, attempt, err)
	}
	attempt["session_id"] = issued.Session.ID
	attempt["remember_me"] = in.RememberMe
	if err := s.audit.Record(ctx, AuditEvent{
		Action:  AuditLogin,
		Status:  StatusSuccess,
		AdminID: admin.ID,
		UserID:  admin.AuthUserID,
		Details: attempt,
		Meta:    in.Meta,
	}); err != nil {
		return nil, err
	}
	return issued, nil
}

// LoginFederated admits an identity already established by an external
// provider, provided it is linked to an active, unlocked admin.
func (s *Service) LoginFederated(ctx context.Context, authUserID, provider string, meta RequestMeta) (*Issued, error) {
	authUserID = strings.TrimSpace(authUserID)
	if authUserID == "" {
		return nil, fmt.Errorf("%w: identity is required", ErrInvalidInput)
	}
	attempt := map[string]any{"method": "oauth", "provider": provider}

	admin, err := s.store.FindAdminByAuthUser(ctx, authUserID)
	if errors.Is(err, ErrNotFound) {
		if aerr := s.audit.Record(ctx, AuditEvent{
			Action: AuditLoginAttempt, Status: StatusFailure, UserID: authUserID,
			Details: withReason(attempt, "not_an_admin"), Meta: meta,
		}); aerr != nil {
			return nil, aerr
		}
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, s.upstreamLogin(ctx, meta, attempt, fmt.Errorf("find admin: %w", err))
	}
	attempt["email"] = admin.Email
	if admin.LockedAt(s.now()) {
		return nil, s.failLocked(ctx, meta, admin, attempt)
	}
	if !admin.IsActive {
		return nil, s.failLogin(ctx, meta, admin, attempt, "inactive", ErrAccountInactive)
	}
	issued, err := s.admit(ctx, admin, s.refreshTTL)
	if errors.Is(err, ErrAccountLocked) {
		return nil, s.failLocked(ctx, meta, admin, attempt)
	}
	if err != nil {
		return nil, s.upstreamLogin(ctx, meta, attempt, err)
	}
	attempt["session_id"] = issued.Session.ID
	if err := s.audit.Record(ctx, AuditEvent{
		Action: AuditLogin, Status: StatusSuccess, AdminID: admin.ID, UserID: admin.AuthUserID,
		Details: attempt, Meta: meta,
	}); err != nil {
		return nil, err
	}
	return issued, nil
}

func (s *Service) allow(key string) bool {
	return s.limiter == nil || s.limiter.Allow(key)
}

func (s *Service) lockout() Lockout {
	return Lockout{Threshold: s.lockoutThreshold, Window: s.lockoutWindow}
}

// admit resets the failure counter and mints a new session. It fails with
// ErrAccountLocked when a concurrent attempt locked the admin first.
func (s *Service) admit(ctx context.Context, admin *Admin, refreshTTL time.Duration) (*Issued, error) {
	now := s.now()
	if err := s.store.RecordLoginSuccess(ctx, admin.ID, now); err != nil {
		return nil, fmt.Errorf("record login success: %w", err)
	}
	admin.FailedAttempts = 0
	admin.LockedUntil = nil
	admin.LastLoginAt = &now

	sess, err := s.store.CreateSession(ctx, admin.ID, admin.AuthUserID, now.Add(refreshTTL))
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return s.mint(admin, sess, refreshTTL)
}

func (s *Service) mint(admin *Admin, sess *models.Session, refreshTTL time.Duration) (*Issued, error) {
	access := admin.Access()
	claims := AccessClaims{
		SessionID:   sess.ID,
		AuthUserID:  admin.AuthUserID,
		Role:        access.Role,
		Permissions: access.Grants,
	}
	claims.Subject = admin.ID
	accessToken, accessExp, err := s.codec.IssueAccess(claims, s.accessTTL)
	if err != nil {
		return nil, err
	}
	refreshToken, refreshExp, err := s.codec.IssueRefresh(admin.ID, sess.ID, refreshTTL)
	if err != nil {
		return nil, err
	}
	return &Issued{
		Admin:            admin,
		Session:          sess,
		AccessToken:      accessToken,
		AccessExpiresAt:  accessExp,
		RefreshToken:     refreshToken,
		RefreshExpiresAt: refreshExp,
	}, nil
}

func (s *Service) failLogin(ctx context.Context, meta RequestMeta, admin *Admin, details map[string]any, reason string, cause error) error {
	evt := AuditEvent{
		Action:  AuditLoginAttempt,
		Status:  StatusFailure,
		Details: withReason(details, reason),
		Meta:    meta,
	}
	if admin != nil {
		evt.AdminID = admin.ID
		evt.UserID = admin.AuthUserID
	}
	if err := s.audit.Record(ctx, evt); err != nil {
		return err
	}
	return cause
}

func (s *Service) failLocked(ctx context.Context, meta RequestMeta, admin *Admin, details map[string]any) error {
	if admin.LockedUntil != nil {
		details["locked_until"] = admin.LockedUntil.UTC().Format(time.RFC3339)
	}
	return s.failLogin(ctx, meta, admin, details, "locked", ErrAccountLocked)
}

func (s *Service) upstreamLogin(ctx context.Context, meta RequestMeta, details map[string]any, cause error) error {
	s.log.Errorw("login failed upstream", "error", cause)
	if err := s.audit.Record(ctx, AuditEvent{
		Action:  AuditLoginError,
		Status:  StatusFailure,
		Details: withReason(details, "upstream_error"),
		Meta:    meta,
	}); err != nil {
		s.log.Errorw("audit after upstream failure", "error", err)
	}
	return cause
}

// Refresh exchanges a refresh token for a rotated session. A token whose
// session was already rotated is a replay and fails with ErrReplayDetected.
func (s *Service) Refresh(ctx context.Context, refreshToken string, meta RequestMeta) (*Issued, error) {
	if !s.allow("refresh:" + meta.IP) {
		return nil, s.failRefresh(ctx, meta, "", map[string]any{"reason": "rate_limited"}, ErrTooManyAttempts)
	}
	claims, err := s.codec.VerifyRefresh(refreshToken)
	if err != nil {
		return nil, s.failRefresh(ctx, meta, "", map[string]any{"reason": "invalid_refresh_token", "error": err.Error()}, err)
	}
	details := map[string]any{"session_id": claims.SessionID}

	admin, err := s.store.FindAdmin(ctx, claims.Subject)
	switch {
	case errors.Is(err, ErrNotFound):
		return nil, s.failRefresh(ctx, meta, claims.Subject, withReason(details, "admin_missing"), ErrNotFound)
	case err != nil:
		return nil, s.failRefresh(ctx, meta, claims.Subject, withReason(details, "upstream_error"), fmt.Errorf("find admin: %w", err))
	case !admin.IsActive:
		return nil, s.failRefresh(ctx, meta, admin.ID, withReason(details, "inactive"), ErrAccountInactive)
	}

	ttl := s.refreshTTL
	if claims.IssuedAt != nil {
		ttl = claims.ExpiresAt.Sub(claims.IssuedAt.Time)
	}
	if ttl <= 0 {
		ttl = s.refreshTTL
	}
	sess, err := s.store.RotateSession(ctx, claims.SessionID, s.now().Add(ttl))
	switch {
	case errors.Is(err, ErrAlreadyRotated):
		return nil, s.failRefresh(ctx, meta, admin.ID, withReason(details, "refresh_token_replay"),
			fmt.Errorf("%w: %w", ErrReplayDetected, ErrAlreadyRotated))
	case err != nil:
		return nil, s.failRefresh(ctx, meta, admin.ID, withReason(details, "upstream_error"), fmt.Errorf("rotate session: %w", err))
	}
	issued, err := s.mint(admin, sess, ttl)
	if err != nil {
		return nil, err
	}
	return issued, nil
}

func (s *Service) failRefresh(ctx context.Context, meta RequestMeta, adminID string, details map[string]any, cause error) error {
	if err := s.audit.Record(ctx, AuditEvent{
		Action:  AuditLoginError,
		Status:  StatusFailure,
		AdminID: adminID,
		Details: details,
		Meta:    meta,
	}); err != nil {
		return err
	}
	return cause
}

// Logout invalidates the session named by either token. An authentic but
// expired access token still names its session. It is best effort:
// unverifiable tokens are skipped, and the caller clears cookies regardless.
func (s *Service) Logout(ctx context.Context, accessToken, refreshToken string, meta RequestMeta) error {
	var sessionID, adminID, userID string
	claims, err := s.codec.VerifyAccess(accessToken)
	if errors.Is(err, ErrExpired) {
		claims, err = s.codec.VerifyAccessAllowExpired(accessToken)
	}
	if err == nil {
		sessionID, adminID, userID = claims.SessionID, claims.AdminID(), claims.AuthUserID
	} else if rc, err := s.codec.VerifyRefresh(refreshToken); err == nil {
		sessionID, adminID = rc.SessionID, rc.Subject
	}
	if sessionID == "" {
		return nil
	}
	sess, err := s.store.GetLiveSession(ctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get session: %w", err)
	}
	if err := s.store.InvalidateSession(ctx, sess.ID); err != nil {
		return fmt.Errorf("invalidate session: %w", err)
	}
	if userID == "" {
		userID = sess.AuthUserID
	}
	return s.audit.Record(ctx, AuditEvent{
		Action:  AuditLogout,
		Status:  StatusSuccess,
		AdminID: adminID,
		UserID:  userID,
		Details: map[string]any{"session_id": sess.ID},
		Meta:    meta,
	})
}

// Resolved is the outcome of a successful token resolution.
type Resolved struct {
	Admin   *Admin
	Session *models.Session
	Claims  *AccessClaims
}

// Resolve runs the token half of the request gate: signature and expiry,
// session liveness, then the admin's current active flag. Deactivated admins
// are always audited.
func (s *Service) Resolve(ctx context.Context, accessToken string, meta RequestMeta) (*Resolved, error) {
	if strings.TrimSpace(accessToken) == "" {
		return nil, ErrUnauthenticated
	}
	claims, err := s.codec.VerifyAccess(accessToken)
	if err != nil {
		return nil, err
	}
	sess, err := s.store.GetLiveSession(ctx, claims.SessionID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrSessionNotLive
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if !s.now().Before(sess.ExpiresAt) || sess.AdminID != claims.AdminID() {
		return nil, ErrSessionNotLive
	}
	admin, err := s.store.FindAdmin(ctx, claims.AdminID())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find admin: %w", err)
	}
	if !admin.IsActive {
		if aerr := s.audit.Record(ctx, AuditEvent{
			Action:  AuditAccess,
			Status:  StatusFailure,
			AdminID: admin.ID,
			UserID:  admin.AuthUserID,
			Details: map[string]any{"reason": "inactive", "session_id": sess.ID},
			Meta:    meta,
		}); aerr != nil {
			return nil, fmt.Errorf("audit inactive access: %w", aerr)
		}
		return nil, ErrAccountInactive
	}
	return &Resolved{Admin: admin, Session: sess, Claims: claims}, nil
}

// Audit writes evt through the service's auditor.
func (s *Service) Audit(ctx context.Context, evt AuditEvent) error {
	return s.audit.Record(ctx, evt)
}

// Now is the service clock.
func (s *Service) Now() time.Time { return s.now() }

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func withReason(details map[string]any, reason string) map[string]any {
	out := make(map[string]any, len(details)+1)
	for k, v := range details {
		out[k] = v
	}
	out["reason"] = reason
	return out
}
