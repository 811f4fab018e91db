package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UsageModel struct {
	UserID      string    `gorm:"primaryKey"`
	PeriodKey   string    `gorm:"primaryKey"`
	TextCount   int       `gorm:"not null;default:0"`
	ImageCount  int       `gorm:"not null;default:0"`
	VideoCount  int       `gorm:"not null;default:0"`
	LastResetAt time.Time
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time
}

type StoredImageModel struct {
	ID         string         `gorm:"primaryKey"`
	OwnerID    string         `gorm:"not null;index"`
	StorageKey string         `gorm:"not null"`
	MIME       string         `gorm:"column:mime;not null"`
	SizeBytes  int64          `gorm:"not null"`
	Attributes datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt  time.Time      `gorm:"not null;index"`
}

type SubscriptionModel struct {
	ID               string    `gorm:"primaryKey"`
	UserID           string    `gorm:"not null;index"`
	Tier             string    `gorm:"not null"`
	Active           bool      `gorm:"not null"`
	CurrentPeriodEnd time.Time `gorm:"not null;index"`
	CreatedAt        time.Time `gorm:"not null"`
	UpdatedAt        time.Time
}
