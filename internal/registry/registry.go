// Package registry persists script execution records: one row per script run
// or clone replica, updated as output is parsed and finalized on completion.
// The engine only writes through this interface and never reads records back
// into session state; the live stream stays authoritative.
package registry

import (
	"context"
	"time"
)

// Execution lifecycle statuses.
const (
	StatusInProgress = "in_progress"
	StatusSuccess    = "success"
	StatusFailed     = "failed"
)

// Execution modes.
const (
	ModeLocal  = "local"
	ModeRemote = "remote"
)

// Record is one persisted install/clone attempt.
type Record struct {
	ID          string    `gorm:"column:id;primaryKey"`
	ScriptName  string    `gorm:"column:script_name"`
	ScriptPath  string    `gorm:"column:script_path"`
	Mode        string    `gorm:"column:mode"`
	ServerRef   string    `gorm:"column:server_ref;index"`
	Status      string    `gorm:"column:status;index"`
	GuestID     string    `gorm:"column:guest_id"`
	ServiceIP   string    `gorm:"column:service_ip"`
	ServicePort int       `gorm:"column:service_port"`
	Output      string    `gorm:"column:output"`
	CreatedAt   time.Time `gorm:"column:created_at"`
	UpdatedAt   time.Time `gorm:"column:updated_at"`
}

// TableName implements gorm's table naming.
func (Record) TableName() string { return "script_executions" }

// Update is a partial update of a record; nil fields are left unchanged.
type Update struct {
	Status      *string
	GuestID     *string
	ServiceIP   *string
	ServicePort *int
	Output      *string
}

// Registry is the narrow interface the orchestrators persist through.
type Registry interface {
	// Create inserts an in_progress record and returns its id.
	Create(ctx context.Context, scriptName, scriptPath, mode, serverRef string) (string, error)
	// Update applies the non-nil fields of u to the record with the given id.
	Update(ctx context.Context, id string, u Update) error
}

// String returns a pointer to s, for building Update values.
func String(s string) *string { return &s }

// Int returns a pointer to n, for building Update values.
func Int(n int) *int { return &n }
