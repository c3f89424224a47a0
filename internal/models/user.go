package models

import "time"

// User is reference data owned by the identity provider. Rows are upserted on
// authenticated contact and never deleted, only deactivated.
type User struct {
	ID            string `gorm:"size:64;primaryKey"`
	WalletAddress string `gorm:"size:44;index;not null"`
	Active        bool   `gorm:"not null;default:true"`
	CreatedAt     time.Time
	LastLoginAt   time.Time
}
