package models

import "time"

// AuthUser is the identity record an admin is linked to. Federated
// identities have an empty PasswordHash.
type AuthUser struct {
	ID           string    `gorm:"type:uuid;primaryKey" json:"id"`
	Email        string    `gorm:"uniqueIndex;not null" json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

func (AuthUser) TableName() string { return "auth_users" }

type AdminUser struct {
	ID             string     `gorm:"type:uuid;primaryKey" json:"id"`
	AuthUserID     string     `gorm:"type:uuid;uniqueIndex;not null" json:"auth_user_id"`
	Role           string     `gorm:"size:32;not null" json:"role"`
	Permissions    JSONB      `gorm:"type:jsonb" json:"permissions"`
	IsActive       bool       `gorm:"not null" json:"is_active"`
	FailedAttempts int        `gorm:"not null" json:"failed_attempts"`
	LockedUntil    *time.Time `json:"locked_until,omitempty"`
	LastFailedAt   *time.Time `json:"last_failed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	LastLoginAt    *time.Time `json:"last_login_at,omitempty"`
}

func (AdminUser) TableName() string { return "admin_users" }

// Session backs one issued login. InvalidatedAt == nil means live.
type Session struct {
	ID            string     `gorm:"type:uuid;primaryKey" json:"id"`
	AdminID       string     `gorm:"type:uuid;index;not null" json:"admin_id"`
	AuthUserID    string     `gorm:"type:uuid;not null" json:"auth_user_id"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     time.Time  `gorm:"not null" json:"expires_at"`
	InvalidatedAt *time.Time `gorm:"index" json:"invalidated_at,omitempty"`
}

func (Session) TableName() string { return "admin_sessions" }

type AuditLog struct {
	ID          string    `gorm:"type:uuid;primaryKey" json:"id"`
	Action      string    `gorm:"size:64;index;not null" json:"action"`
	AdminUserID *string   `gorm:"type:uuid;index" json:"admin_user_id,omitempty"`
	UserID      *string   `gorm:"type:uuid" json:"user_id,omitempty"`
	Status      string    `gorm:"size:16;not null" json:"status"`
	Metadata    JSONB     `gorm:"type:jsonb" json:"metadata"`
	IP          string    `gorm:"size:64" json:"ip"`
	UserAgent   string    `json:"user_agent"`
	CreatedAt   time.Time `gorm:"index" json:"created_at"`
}

func (AuditLog) TableName() string { return "admin_audit_log" }
