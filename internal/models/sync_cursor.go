package models

// SyncState is the state recorded on a SyncCursor.
type SyncState string

const (
	SyncStateIdle    SyncState = "idle"
	SyncStateRunning SyncState = "running"
	SyncStateError   SyncState = "error"
)

// SyncCursor tracks the last sync attempt for a user. One per user, overwritten.
type SyncCursor struct {
	OwnerUserID  string    `db:"owner_user_id" json:"owner_user_id"`
	State        SyncState `db:"state" json:"state"`
	LastSyncedAt int64     `db:"last_synced_at" json:"last_synced_at"`
	LastError    string    `db:"last_error" json:"last_error,omitempty"`
	UpdatedAt    int64     `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for SyncCursor.
func (SyncCursor) TableName() string {
	return "sync_cursors"
}
