package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-credit-backend/internal/repo"
	"github.com/tbourn/go-credit-backend/internal/services"
)

// testOpener hands every command the same in-memory database. The shared
// cache keeps it alive while the test holds keepAlive open.
func testOpener(t *testing.T) (opener, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:ctl_%s?mode=memory&cache=shared", uuid.NewString())
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}

	keepAlive, err := gorm.Open(sqlite.Open(dsn), cfg)
	require.NoError(t, err)
	require.NoError(t, repo.AutoMigrate(keepAlive))
	t.Cleanup(func() {
		if sqlDB, err := keepAlive.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	return func(io.Writer) (*session, error) {
		db, err := gorm.Open(sqlite.Open(dsn), cfg)
		if err != nil {
			return nil, err
		}
		return &session{db: db, log: zerolog.Nop()}, nil
	}, keepAlive
}

func execute(t *testing.T, open opener, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(open)
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCreditctl_WorkspaceGrantBalanceHistory(t *testing.T) {
	open, db := testOpener(t)

	out, err := execute(t, open, "create-workspace", "acme", "--credits", "10", "--json")
	require.NoError(t, err)
	var ws struct {
		ID          string `json:"id"`
		CreditCount int64  `json:"credit_count"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &ws))
	require.NotEmpty(t, ws.ID)

	out, err = execute(t, open, "grant", ws.ID, "5", "--reference", "ops-42")
	require.NoError(t, err)
	assert.Contains(t, out, "AFTER")

	w, err := repo.GetWorkspace(context.Background(), db, ws.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 15, w.CreditCount)

	out, err = execute(t, open, "balance", ws.ID, "--json")
	require.NoError(t, err)
	var b services.CreditBalance
	require.NoError(t, json.Unmarshal([]byte(out), &b))
	assert.Equal(t, services.CreditBalance{Total: 15, Allocated: 0, Available: 15}, b)

	out, err = execute(t, open, "history", ws.ID, "--page-size", "500")
	require.NoError(t, err)
	assert.Contains(t, out, "subscription_allocation")
	assert.Contains(t, out, "ops-42")
	assert.Contains(t, out, "page 1/1 (1 rows)")
}

func TestCreditctl_Errors(t *testing.T) {
	open, _ := testOpener(t)

	_, err := execute(t, open, "balance", uuid.NewString())
	require.ErrorIs(t, err, services.ErrWorkspaceNotFound)
	assert.Equal(t, "workspace not found", exitMessage(err))

	_, err = execute(t, open, "grant", uuid.NewString(), "many")
	require.ErrorIs(t, err, services.ErrInvalidAmount)

	_, err = execute(t, open, "create-workspace", "acme", "--credits", "-1")
	require.ErrorIs(t, err, services.ErrInvalidAmount)

	_, err = execute(t, open, "balance")
	require.Error(t, err)
}

func TestCreditctl_MigrateAndPlans(t *testing.T) {
	open, _ := testOpener(t)

	out, err := execute(t, open, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "schema up to date")

	out, err = execute(t, open, "plans", "--json")
	require.NoError(t, err)
	var plans []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &plans))
	assert.Empty(t, plans)
}
