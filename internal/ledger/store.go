// Package ledger is the transactional store behind every fortuna component.
// A Store is bound either to the database or to one open transaction; the
// repository methods behave the same on both.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/wnt/fortuna/internal/errorx"
)

// Store groups the ledger repositories.
type Store struct {
	db *gorm.DB
}

// New binds a store to db.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for callers that need raw queries.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Transaction runs fn inside one database transaction. fn must only use the
// store it is handed.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
	if err == nil {
		return nil
	}
	if _, ok := errorx.From(err); ok {
		return err
	}
	return translate("transaction", err)
}

func (s *Store) conn(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

// IsDuplicate reports whether err is a unique constraint violation.
func IsDuplicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint")
}

// translate maps storage errors onto the domain taxonomy. Storage details
// stay in the wrapped cause.
func translate(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := errorx.From(err); ok {
		return fmt.Errorf("%s: %w", op, err)
	}

	cause := fmt.Errorf("%s: %w", op, err)
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return errorx.Wrap(errorx.NotFound, "not found", cause)
	case IsDuplicate(err):
		return errorx.Wrap(errorx.LostRace, "concurrent update", cause)
	default:
		return errorx.Wrap(errorx.PersistenceFailure, "temporary storage failure", cause)
	}
}

// checkAffected turns a conditional update that matched nothing into a lost
// race.
func checkAffected(op string, result *gorm.DB, want int64) error {
	if result.Error != nil {
		return translate(op, result.Error)
	}
	if result.RowsAffected != want {
		return errorx.Wrap(errorx.LostRace, "concurrent update",
			fmt.Errorf("%s: affected %d rows, want %d", op, result.RowsAffected, want))
	}
	return nil
}
