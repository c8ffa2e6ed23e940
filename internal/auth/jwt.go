package auth

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	DefaultAccessTTL  = 30 * time.Minute
	DefaultRefreshTTL = 7 * 24 * time.Hour

	minSecretLen = 32

	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

// AccessClaims is the payload of the short-lived access token. The admin id
// travels as the registered subject.
type AccessClaims struct {
	SessionID   string  `json:"sid"`
	AuthUserID  string  `json:"uid"`
	Role        Role    `json:"role"`
	Permissions []Grant `json:"perms,omitempty"`
	TokenType   string  `json:"typ"`
	jwt.RegisteredClaims
}

// AdminID returns the admin the token was issued to.
func (c *AccessClaims) AdminID() string { return c.Subject }

// RefreshClaims is the payload of the long-lived rotation token.
type RefreshClaims struct {
	SessionID string `json:"sid"`
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

// Codec signs and verifies session tokens with a single process-wide HMAC
// secret. Verification is offline: it never consults the store.
type Codec struct {
	secret []byte
	issuer string
	now    func() time.Time
}

type CodecOption func(*Codec)

func WithIssuer(issuer string) CodecOption {
	return func(c *Codec) { c.issuer = strings.TrimSpace(issuer) }
}

func WithCodecClock(fn func() time.Time) CodecOption {
	return func(c *Codec) {
		if fn != nil {
			c.now = fn
		}
	}
}

func NewCodec(secret string, opts ...CodecOption) (*Codec, error) {
	if len(secret) < minSecretLen {
		return nil, fmt.Errorf("auth: signing secret must be at least %d bytes", minSecretLen)
	}
	c := &Codec{secret: []byte(secret), issuer: "domani-admin", now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// IssueAccess signs claims with a ttl-bounded expiry.
func (c *Codec) IssueAccess(claims AccessClaims, ttl time.Duration) (string, time.Time, error) {
	if strings.TrimSpace(claims.Subject) == "" || strings.TrimSpace(claims.SessionID) == "" {
		return "", time.Time{}, fmt.Errorf("%w: access token needs admin and session ids", ErrInvalidInput)
	}
	if ttl <= 0 {
		ttl = DefaultAccessTTL
	}
	claims.TokenType = tokenTypeAccess
	claims.Permissions = NormalizeGrants(claims.Permissions)
	exp := c.stamp(&claims.RegisteredClaims, ttl)
	signed, err := c.sign(claims)
	return signed, exp, err
}

// IssueRefresh signs a rotation token bound to sessionID.
func (c *Codec) IssueRefresh(adminID, sessionID string, ttl time.Duration) (string, time.Time, error) {
	if strings.TrimSpace(adminID) == "" || strings.TrimSpace(sessionID) == "" {
		return "", time.Time{}, fmt.Errorf("%w: refresh token needs admin and session ids", ErrInvalidInput)
	}
	if ttl <= 0 {
		ttl = DefaultRefreshTTL
	}
	claims := RefreshClaims{SessionID: sessionID, TokenType: tokenTypeRefresh}
	claims.Subject = adminID
	exp := c.stamp(&claims.RegisteredClaims, ttl)
	signed, err := c.sign(claims)
	return signed, exp, err
}

// VerifyAccess returns the claims of a valid access token or one of
// ErrMalformed, ErrBadSignature, ErrExpired.
func (c *Codec) VerifyAccess(raw string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := c.parse(raw, claims); err != nil {
		return nil, err
	}
	if claims.TokenType != tokenTypeAccess || claims.Subject == "" || claims.SessionID == "" {
		return nil, ErrMalformed
	}
	return claims, nil
}

// VerifyAccessAllowExpired is VerifyAccess without the expiry check. The
// signature and issuer are still enforced. Only logout uses it, to end the
// session behind a token that has already lapsed.
func (c *Codec) VerifyAccessAllowExpired(raw string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := c.parse(raw, claims, jwt.WithoutClaimsValidation()); err != nil {
		return nil, err
	}
	if claims.Issuer != c.issuer || claims.ExpiresAt == nil {
		return nil, ErrMalformed
	}
	if claims.TokenType != tokenTypeAccess || claims.Subject == "" || claims.SessionID == "" {
		return nil, ErrMalformed
	}
	return claims, nil
}

// VerifyRefresh is VerifyAccess for rotation tokens.
func (c *Codec) VerifyRefresh(raw string) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	if err := c.parse(raw, claims); err != nil {
		return nil, err
	}
	if claims.TokenType != tokenTypeRefresh || claims.Subject == "" || claims.SessionID == "" {
		return nil, ErrMalformed
	}
	return claims, nil
}

func (c *Codec) stamp(rc *jwt.RegisteredClaims, ttl time.Duration) time.Time {
	now := c.now().UTC().Truncate(time.Second)
	exp := now.Add(ttl)
	rc.ID = uuid.NewString()
	rc.Issuer = c.issuer
	rc.IssuedAt = jwt.NewNumericDate(now)
	rc.ExpiresAt = jwt.NewNumericDate(exp)
	return exp
}

func (c *Codec) sign(claims jwt.Claims) (string, error) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func (c *Codec) parse(raw string, dst jwt.Claims, extra ...jwt.ParserOption) error {
	raw = strings.TrimSpace(raw)
	if err := checkSegments(raw); err != nil {
		return err
	}
	opts := append([]jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithStrictDecoding(),
		jwt.WithTimeFunc(c.now),
	}, extra...)
	_, err := jwt.ParseWithClaims(raw, dst, func(*jwt.Token) (any, error) {
		return c.secret, nil
	}, opts...)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ErrBadSignature
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	default:
		return ErrMalformed
	}
}

// checkSegments separates structural damage from signature damage: header
// and payload must decode to JSON, while any defect confined to the
// signature segment is reported as a bad signature.
func checkSegments(raw string) error {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return ErrMalformed
	}
	for _, seg := range parts[:2] {
		b, err := base64.RawURLEncoding.DecodeString(seg)
		if err != nil || !json.Valid(b) {
			return ErrMalformed
		}
	}
	if parts[2] == "" {
		return ErrBadSignature
	}
	if _, err := base64.RawURLEncoding.Strict().DecodeString(parts[2]); err != nil {
		return ErrBadSignature
	}
	return nil
}
