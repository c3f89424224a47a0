// Package testutil opens throwaway ledgers for package tests.
package testutil

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/wnt/fortuna/internal/database"
	"github.com/wnt/fortuna/internal/models"
)

var dbSeq atomic.Int64

// NewDB returns a migrated in-memory SQLite ledger private to the test.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared&_busy_timeout=5000", name, dbSeq.Add(1))

	opts := database.Options()
	opts.PrepareStmt = false
	db, err := gorm.Open(sqlite.Open(dsn), opts)
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// One connection keeps the shared in-memory database alive and serializes
	// writers the way row locks would on postgres.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, database.Migrate(db))
	return db
}

// CreateUser inserts an active user with a deterministic wallet.
func CreateUser(t testing.TB, db *gorm.DB, id string) *models.User {
	t.Helper()

	u := &models.User{
		ID:            id,
		WalletAddress: Wallet(id),
		Active:        true,
		CreatedAt:     time.Now().UTC(),
		LastLoginAt:   time.Now().UTC(),
	}
	require.NoError(t, db.Create(u).Error)
	return u
}

// Wallet derives a fixed-width fake wallet address for a user ID.
func Wallet(id string) string {
	w := "W" + id
	if len(w) > 44 {
		return w[:44]
	}
	return w
}

// Clock is a settable time source.
type Clock struct {
	now atomic.Int64
}

// NewClock starts a clock at t.
func NewClock(t time.Time) *Clock {
	c := &Clock{}
	c.Set(t)
	return c
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	return time.Unix(0, c.now.Load()).UTC()
}

// Set moves the clock to t.
func (c *Clock) Set(t time.Time) {
	c.now.Store(t.UnixNano())
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.now.Add(int64(d))
}
