package models

import (
	"time"

	"gorm.io/datatypes"
)

// Indicator is one persisted observation. The identity tuple
// (indicator, itype, provider, group_name, tags_key) is unique.
type Indicator struct {
	ID   uint64 `gorm:"primaryKey;autoIncrement"`              // Primary key.
	UUID string `gorm:"type:varchar(36);not null;uniqueIndex"` // External identifier.

	Indicator string `gorm:"type:text;not null;uniqueIndex:idx_indicators_identity,priority:1"`                                 // Normalized observable.
	Itype     string `gorm:"type:varchar(16);not null;index;uniqueIndex:idx_indicators_identity,priority:2"`                    // Classification.
	Provider  string `gorm:"type:text;not null;default:'';uniqueIndex:idx_indicators_identity,priority:3"`                      // Originating feed.
	GroupName string `gorm:"column:group_name;type:varchar(128);not null;index;uniqueIndex:idx_indicators_identity,priority:4"` // ACL partition.
	TagsKey   string `gorm:"type:text;not null;default:'';index;uniqueIndex:idx_indicators_identity,priority:5"`                // Canonical tag set.

	Tags datatypes.JSON `gorm:"type:jsonb"` // Tag list.

	Confidence  float64 `gorm:"not null;default:0;index"`    // Trust score 0-10.
	Rdata       string  `gorm:"type:text"`                   // Provenance pointer.
	Count       int     `gorm:"not null;default:1"`          // Times observed.
	Description string  `gorm:"type:text"`                   // Free text.
	Reference   string  `gorm:"type:text"`                   // External reference.
	TLP         string  `gorm:"column:tlp;type:varchar(16)"` // Traffic light protocol.

	FirstTime  time.Time `gorm:"not null"`       // First observation.
	LastTime   time.Time `gorm:"not null;index"` // Latest observation.
	ReportTime time.Time `gorm:"not null;index"` // Latest submission.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
