// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Workspace
// model and the guarded balance updates the credit ledger relies on.
//
// Guarded updates express the ledger invariant 0 <= allocated <= total in the
// WHERE clause, so a concurrent writer that already moved the balance makes
// the statement affect zero rows instead of overdrawing. Callers translate
// ErrBalanceConflict into the appropriate business error.
//
// Functions:
//
//   - CreateWorkspace(ctx, db, name, credits) -> *domain.Workspace, error
//   - GetWorkspace(ctx, db, id) -> *domain.Workspace, error
//   - GetWorkspaceForUpdate(ctx, tx, id) -> *domain.Workspace, error
//     Row-locks the workspace on dialects that support FOR UPDATE.
//   - FindWorkspaceByStripeCustomer(ctx, db, customerID) -> *domain.Workspace, error
//   - ReserveCredits / SettleCredits / ReleaseReservedCredits / AddCredits
//     Guarded single-statement balance mutations.
//   - MarkWorkspaceTrialed(ctx, db, id, at) -> (changed bool, error)
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-credit-backend/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// ErrBalanceConflict is returned when a guarded balance update matched no
// row because its precondition no longer holds.
var ErrBalanceConflict = errors.New("balance precondition failed")

// CreateWorkspace inserts a new workspace seeded with credits.
func CreateWorkspace(ctx context.Context, db *gorm.DB, name string, credits int64) (*domain.Workspace, error) {
	w := &domain.Workspace{
		ID:          uuid.NewString(),
		Name:        strings.TrimSpace(name),
		CreditCount: credits,
		CreatedAt:   time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(w).Error; err != nil {
		return nil, err
	}
	return w, nil
}

// GetWorkspace fetches a workspace by ID or returns ErrNotFound.
func GetWorkspace(ctx context.Context, db *gorm.DB, id string) (*domain.Workspace, error) {
	var w domain.Workspace
	if err := db.WithContext(ctx).Where("id = ?", id).First(&w).Error; err != nil {
		return nil, err
	}
	return &w, nil
}

// GetWorkspaceForUpdate loads a workspace inside tx and, on PostgreSQL,
// holds a row lock until tx ends. SQLite serializes writers on its own.
func GetWorkspaceForUpdate(ctx context.Context, tx *gorm.DB, id string) (*domain.Workspace, error) {
	q := tx.WithContext(ctx)
	if supportsRowLocks(tx) {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var w domain.Workspace
	if err := q.Where("id = ?", id).First(&w).Error; err != nil {
		return nil, err
	}
	return &w, nil
}

// FindWorkspaceByStripeCustomer resolves the workspace linked to a payment
// provider customer ID.
func FindWorkspaceByStripeCustomer(ctx context.Context, db *gorm.DB, customerID string) (*domain.Workspace, error) {
	if strings.TrimSpace(customerID) == "" {
		return nil, ErrNotFound
	}
	var w domain.Workspace
	if err := db.WithContext(ctx).Where("stripe_customer_id = ?", customerID).First(&w).Error; err != nil {
		return nil, err
	}
	return &w, nil
}

// SetWorkspaceStripeCustomer links a workspace to a payment provider customer.
func SetWorkspaceStripeCustomer(ctx context.Context, db *gorm.DB, id, customerID string) error {
	return updateWorkspace(ctx, db, id, map[string]any{"stripe_customer_id": customerID})
}

// SetWorkspacePlan records the workspace's current plan.
func SetWorkspacePlan(ctx context.Context, db *gorm.DB, id, planID string) error {
	return updateWorkspace(ctx, db, id, map[string]any{"plan_id": planID})
}

func updateWorkspace(ctx context.Context, db *gorm.DB, id string, fields map[string]any) error {
	res := db.WithContext(ctx).Model(&domain.Workspace{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ReserveCredits moves amount from available into allocated, provided the
// available balance still covers it.
func ReserveCredits(ctx context.Context, db *gorm.DB, id string, amount int64) error {
	return guardedUpdate(ctx, db,
		"id = ? AND credit_count - allocated_credits >= ?", []any{id, amount},
		map[string]any{"allocated_credits": gorm.Expr("allocated_credits + ?", amount)},
	)
}

// SettleCredits finalizes amount of a reservation: both total and allocated
// drop by amount.
func SettleCredits(ctx context.Context, db *gorm.DB, id string, amount int64) error {
	return guardedUpdate(ctx, db,
		"id = ? AND allocated_credits >= ? AND credit_count >= ?", []any{id, amount, amount},
		map[string]any{
			"credit_count":      gorm.Expr("credit_count - ?", amount),
			"allocated_credits": gorm.Expr("allocated_credits - ?", amount),
		},
	)
}

// ReleaseReservedCredits abandons amount of a reservation without touching
// the total.
func ReleaseReservedCredits(ctx context.Context, db *gorm.DB, id string, amount int64) error {
	return guardedUpdate(ctx, db,
		"id = ? AND allocated_credits >= ?", []any{id, amount},
		map[string]any{"allocated_credits": gorm.Expr("allocated_credits - ?", amount)},
	)
}

// AddCredits increases the total balance by amount.
func AddCredits(ctx context.Context, db *gorm.DB, id string, amount int64) error {
	return guardedUpdate(ctx, db,
		"id = ?", []any{id},
		map[string]any{"credit_count": gorm.Expr("credit_count + ?", amount)},
	)
}

func guardedUpdate(ctx context.Context, db *gorm.DB, where string, args []any, set map[string]any) error {
	set["updated_at"] = time.Now().UTC()
	res := db.WithContext(ctx).Model(&domain.Workspace{}).Where(where, args...).Updates(set)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrBalanceConflict
	}
	return nil
}

// MarkWorkspaceTrialed sets the one-way trial marker. It reports whether the
// row changed; an already-trialed workspace is left untouched.
func MarkWorkspaceTrialed(ctx context.Context, db *gorm.DB, id string, at time.Time) (bool, error) {
	res := db.WithContext(ctx).
		Model(&domain.Workspace{}).
		Where("id = ? AND is_trialed = ?", id, false).
		Updates(map[string]any{"is_trialed": true, "trial_used_at": at.UTC()})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
