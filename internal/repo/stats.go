// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides small aggregate/statistics queries used
// primarily for conditional responses (e.g., ETag generation) in the HTTP
// layer. Each function is context-aware and safe to call from services or
// handlers.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-credit-backend/internal/domain"
)

// CreditTransactionsStats returns aggregate metadata for a workspace's audit
// trail: the total number of rows and the greatest CreatedAt among them.
// Rows are append-only, so the pair changes whenever the trail changes.
//
// When the workspace has no transactions, the returned count is 0 and
// latest is nil.
func CreditTransactionsStats(ctx context.Context, db *gorm.DB, workspaceID string) (count int64, latest *time.Time, err error) {
	q := func() *gorm.DB {
		return db.WithContext(ctx).Model(&domain.CreditTransaction{}).Where("workspace_id = ?", workspaceID)
	}

	if err = q().Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	// Get latest created_at (avoid MAX() -> TEXT in SQLite)
	var row struct {
		CreatedAt time.Time
	}
	if err = q().Select("created_at").Order("created_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.CreatedAt, nil
}
