package models

import (
	"encoding/json"
	"time"
)

// CachedQuiz is pre-fetched quiz content. Only unused, unexpired quizzes are available.
type CachedQuiz struct {
	QuizID      string          `db:"quiz_id" json:"quiz_id"`
	OwnerUserID string          `db:"owner_user_id" json:"owner_user_id"`
	Payload     json.RawMessage `db:"payload" json:"payload"`
	IsUsed      bool            `db:"is_used" json:"is_used"`
	CachedAt    int64           `db:"cached_at" json:"cached_at"`
	ExpiresAt   int64           `db:"expires_at" json:"expires_at"`
}

// TableName returns the table name for CachedQuiz.
func (CachedQuiz) TableName() string {
	return "cached_quizzes"
}

// IsAvailable reports whether the quiz can still be served at now.
func (q *CachedQuiz) IsAvailable(now time.Time) bool {
	return !q.IsUsed && !expired(q.ExpiresAt, now)
}

// CachedAnalyticsSnapshot is the latest analytics payload for a user.
type CachedAnalyticsSnapshot struct {
	OwnerUserID string          `db:"owner_user_id" json:"owner_user_id"`
	Payload     json.RawMessage `db:"payload" json:"payload"`
	CachedAt    int64           `db:"cached_at" json:"cached_at"`
	ExpiresAt   int64           `db:"expires_at" json:"expires_at"`
}

// TableName returns the table name for CachedAnalyticsSnapshot.
func (CachedAnalyticsSnapshot) TableName() string {
	return "cached_analytics"
}

// IsExpired reports whether the snapshot is past its expiry at now.
func (a *CachedAnalyticsSnapshot) IsExpired(now time.Time) bool {
	return expired(a.ExpiresAt, now)
}
