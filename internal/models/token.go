package models

import (
	"time"

	"gorm.io/datatypes"
)

// Token is an API credential scoped to a set of groups.
type Token struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Token string `gorm:"type:varchar(128);not null;uniqueIndex"` // Opaque secret.
	Name  string `gorm:"type:text"`                              // Display name / username.

	Groups datatypes.JSON `gorm:"type:jsonb"` // Readable/writable groups.

	Read      bool `gorm:"not null;default:false"`       // May search.
	Write     bool `gorm:"not null;default:false"`       // May submit and delete.
	Admin     bool `gorm:"not null;default:false;index"` // May manage tokens and read/write every group.
	RateLimit int  `gorm:"not null;default:0"`           // Writes per second, 0 uses the store default.

	ExpiresAt  *time.Time `gorm:"index"` // Optional expiry.
	RevokedAt  *time.Time // Revocation timestamp.
	LastUsedAt *time.Time // Last successful verification.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
