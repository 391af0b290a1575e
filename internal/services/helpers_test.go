package services

import (
	"context"
	"fmt"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-credit-backend/internal/domain"
	"github.com/tbourn/go-credit-backend/internal/repo"
)

// newServiceDB opens a unique in-memory database with the full schema.
// A single connection serializes writers the way SQLite would on disk.
func newServiceDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:svc_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.Exec("PRAGMA foreign_keys=ON;").Error)
	require.NoError(t, repo.AutoMigrate(db))
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func seedWorkspace(t *testing.T, db *gorm.DB, credits int64) *domain.Workspace {
	t.Helper()
	w, err := repo.CreateWorkspace(context.Background(), db, "acme", credits)
	require.NoError(t, err)
	return w
}

func newTestCredits(db *gorm.DB) *CreditService {
	return NewCreditService(db, zerolog.Nop())
}

func allTransactions(t *testing.T, db *gorm.DB, workspaceID string) []domain.CreditTransaction {
	t.Helper()
	var rows []domain.CreditTransaction
	require.NoError(t, db.Where("workspace_id = ?", workspaceID).Order("created_at ASC").Find(&rows).Error)
	return rows
}
