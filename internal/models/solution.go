// Package models provides data model definitions for the offline engine.
// All timestamps are Unix milliseconds.
package models

import (
	"encoding/json"
	"time"
)

// CachedSolution is a solved problem kept for offline viewing.
// There is at most one record per (OwnerUserID, SolutionID).
type CachedSolution struct {
	SolutionID     string          `db:"solution_id" json:"solution_id"`
	OwnerUserID    string          `db:"owner_user_id" json:"owner_user_id"`
	Question       string          `db:"question" json:"question"`
	Subject        string          `db:"subject" json:"subject,omitempty"`
	Topic          string          `db:"topic" json:"topic,omitempty"`
	Timestamp      int64           `db:"timestamp" json:"timestamp"`
	Payload        json.RawMessage `db:"payload" json:"payload,omitempty"`
	ImageRef       string          `db:"image_ref" json:"image_ref,omitempty"`
	LocalBlobPath  string          `db:"local_blob_path" json:"local_blob_path,omitempty"`
	Language       string          `db:"language" json:"language,omitempty"`
	CachedAt       int64           `db:"cached_at" json:"cached_at"`
	ExpiresAt      int64           `db:"expires_at" json:"expires_at"` // 0 = never
	LastAccessedAt int64           `db:"last_accessed_at" json:"last_accessed_at"`
}

// TableName returns the table name for CachedSolution.
func (CachedSolution) TableName() string {
	return "cached_solutions"
}

// IsExpired reports whether the record is past its expiry at now.
func (s *CachedSolution) IsExpired(now time.Time) bool {
	return expired(s.ExpiresAt, now)
}

// Touch bumps LastAccessedAt.
func (s *CachedSolution) Touch(now time.Time) {
	s.LastAccessedAt = now.UnixMilli()
}

// BlobRef identifies cached binary content that belonged to a deleted record.
// Callers release these from the content cache after the delete commits.
type BlobRef struct {
	SolutionID string `json:"solution_id"`
	URL        string `json:"url,omitempty"`
	LocalPath  string `json:"local_path,omitempty"`
}

// Empty reports whether the ref points at nothing.
func (r BlobRef) Empty() bool {
	return r.URL == "" && r.LocalPath == ""
}

func expired(expiresAt int64, now time.Time) bool {
	return expiresAt > 0 && expiresAt < now.UnixMilli()
}

// Millis converts t to Unix milliseconds, mapping the zero time to 0.
func Millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromMillis converts Unix milliseconds to time, mapping 0 to the zero time.
func FromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
