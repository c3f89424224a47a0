package database

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/wnt/fortuna/internal/models"
)

// Connect opens the postgres ledger and migrates its schema.
func Connect(dsn string) (*gorm.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("failed to connect to database: empty DSN")
	}

	db, err := gorm.Open(postgres.Open(dsn), Options())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Set connection pool settings
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}

	// Set connection pool limits
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	// Migrate database schema
	if err := Migrate(db); err != nil {
		return nil, err
	}

	return db, nil
}

// Options is the gorm configuration shared by every dialect.
func Options() *gorm.Config {
	return &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		PrepareStmt:    true,
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Migrate creates or updates the ledger schema.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.User{},
		&models.Pull{},
		&models.Ticket{},
		&models.Draw{},
		&models.Winner{},
		&models.Payout{},
		&models.Activity{},
		&models.UserStat{},
	); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	// Add composite indexes for common query patterns
	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_tickets_outstanding ON tickets(tier, created_at) WHERE draw_id IS NULL",
		"CREATE INDEX IF NOT EXISTS idx_winners_created ON winners(created_at DESC)",
		"CREATE INDEX IF NOT EXISTS idx_draws_pending_time ON draws(draw_time) WHERE status = 'pending'",
		"CREATE INDEX IF NOT EXISTS idx_payouts_open ON payouts(next_attempt_at) WHERE status IN ('awaiting', 'submitted', 'failed')",
	}
	for _, stmt := range indexes {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}
