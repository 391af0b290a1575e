// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides append-only access to the credit
// transaction audit trail.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-credit-backend/internal/domain"
)

// AppendCreditTransaction writes one audit row. The ID and CreatedAt are
// assigned here when empty.
func AppendCreditTransaction(ctx context.Context, db *gorm.DB, t *domain.CreditTransaction) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	return db.WithContext(ctx).Create(t).Error
}

// GetCreditTransaction fetches one audit row scoped to its workspace.
func GetCreditTransaction(ctx context.Context, db *gorm.DB, workspaceID, id string) (*domain.CreditTransaction, error) {
	var t domain.CreditTransaction
	err := db.WithContext(ctx).
		Where("id = ? AND workspace_id = ?", id, workspaceID).
		First(&t).Error
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CountCreditTransactions returns the number of audit rows for a workspace.
func CountCreditTransactions(ctx context.Context, db *gorm.DB, workspaceID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.CreditTransaction{}).
		Where("workspace_id = ?", workspaceID).
		Count(&total).Error
	return total, err
}

// ListCreditTransactionsPage returns audit rows newest first.
//
// The caller is responsible for computing offset and limit (e.g., (page-1)*pageSize).
func ListCreditTransactionsPage(ctx context.Context, db *gorm.DB, workspaceID string, offset, limit int) ([]domain.CreditTransaction, error) {
	var out []domain.CreditTransaction
	err := db.WithContext(ctx).
		Where("workspace_id = ?", workspaceID).
		Order("created_at desc").
		Order("id desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// CreateGeneration persists a settled generation record.
func CreateGeneration(ctx context.Context, db *gorm.DB, g *domain.Generation) error {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}
	return db.WithContext(ctx).Create(g).Error
}

// GetGeneration fetches a generation scoped to its workspace.
func GetGeneration(ctx context.Context, db *gorm.DB, workspaceID, id string) (*domain.Generation, error) {
	var g domain.Generation
	err := db.WithContext(ctx).
		Where("id = ? AND workspace_id = ?", id, workspaceID).
		First(&g).Error
	if err != nil {
		return nil, err
	}
	return &g, nil
}
