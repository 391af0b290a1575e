package domain

import "time"

// Idempotency represents a recorded result of a previously processed request,
// keyed by (user_id, workspace_id, key). It enables safe retries for POST
// operations by returning the originally produced resource without
// re-executing side effects such as credit allocation.
type Idempotency struct {
	ID          string    `gorm:"type:TEXT NOT NULL;primaryKey"`
	UserID      string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_user_ws_key,priority:1"`
	WorkspaceID string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_user_ws_key,priority:2"`
	Key         string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_user_ws_key,priority:3"`
	ResourceID  string    `gorm:"type:TEXT NOT NULL"`
	Status      int       `gorm:"type:INTEGER NOT NULL"`
	CreatedAt   time.Time `gorm:"type:DATETIME NOT NULL;autoCreateTime"`
	ExpiresAt   time.Time `gorm:"type:DATETIME NOT NULL;index"`
}

// TableName implements the GORM tabler interface.
func (Idempotency) TableName() string { return "idempotency" }
