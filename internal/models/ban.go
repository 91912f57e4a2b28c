package models

import "time"

// SystemActorID is the banning actor recorded for automatic bans.
const SystemActorID int64 = 0

// Automatic ban reasons produced by the abuse detector.
const (
	BanReasonRate      = "rate"
	BanReasonDuplicate = "duplicate content"
)

// BanRecord stores the restriction history of one user. BanCount only grows and
// IsPermanent never reverts once set.
type BanRecord struct {
	UserID        int64      `gorm:"primaryKey;autoIncrement:false" json:"user_id"`
	Username      string     `gorm:"type:varchar(64);default:''" json:"username"`
	BannedAt      time.Time  `gorm:"not null;index" json:"banned_at"`
	BannedBy      int64      `gorm:"not null;default:0" json:"banned_by"`
	Reason        string     `gorm:"type:text;default:''" json:"reason"`
	ExpiresAt     *time.Time `gorm:"index" json:"expires_at"`
	IsPermanent   bool       `gorm:"not null;default:false" json:"is_permanent"`
	BanCount      int        `gorm:"not null;default:1" json:"ban_count"`
	LastBanReason string     `gorm:"type:text;default:''" json:"last_ban_reason"`
}

// TableName specifies the table name for GORM.
func (BanRecord) TableName() string {
	return "banned_users"
}

// ActiveAt reports whether the restriction is in force at t.
func (b *BanRecord) ActiveAt(t time.Time) bool {
	if b == nil {
		return false
	}
	if b.IsPermanent {
		return true
	}
	return b.ExpiresAt != nil && b.ExpiresAt.After(t)
}

// RemainingAt returns how long the restriction still lasts at t. Permanent bans return -1.
func (b *BanRecord) RemainingAt(t time.Time) time.Duration {
	if b == nil {
		return 0
	}
	if b.IsPermanent {
		return -1
	}
	if b.ExpiresAt == nil || !b.ExpiresAt.After(t) {
		return 0
	}
	return b.ExpiresAt.Sub(t)
}

// BanStats summarizes the banned_users table.
type BanStats struct {
	Total     int64 `json:"total"`
	Permanent int64 `json:"permanent"`
	Temporary int64 `json:"temporary"`
	Active    int64 `json:"active"`
	Today     int64 `json:"today"`
}
