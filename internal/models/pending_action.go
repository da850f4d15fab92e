package models

// PendingAction is a user mutation waiting to be delivered to the remote API.
type PendingAction struct {
	ID             int64  `db:"id" json:"id"` // monotonic, assigned by the store
	OwnerUserID    string `db:"owner_user_id" json:"owner_user_id"`
	ActionType     string `db:"action_type" json:"action_type"`
	Payload        []byte `db:"payload" json:"payload"`
	IdempotencyKey string `db:"idempotency_key" json:"idempotency_key"`
	QueuedAt       int64  `db:"queued_at" json:"queued_at"`
	IsSynced       bool   `db:"is_synced" json:"is_synced"`
	SyncedAt       int64  `db:"synced_at" json:"synced_at,omitempty"`
	RetryCount     int    `db:"retry_count" json:"retry_count"`
	LastError      string `db:"last_error" json:"last_error,omitempty"`
}

// TableName returns the table name for PendingAction.
func (PendingAction) TableName() string {
	return "pending_actions"
}

// IsQuarantined reports whether the action has used up its retries.
func (a *PendingAction) IsQuarantined(maxRetries int) bool {
	return !a.IsSynced && a.RetryCount >= maxRetries
}
