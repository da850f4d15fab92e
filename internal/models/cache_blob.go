package models

import "time"

// CacheBlob is the index entry for one cached binary object.
// Key is the canonical reference (https URL or storage:// ref) the blob was requested by.
type CacheBlob struct {
	Key        string `json:"key"`
	Path       string `json:"path"`
	Size       int64  `json:"size"`
	FetchedAt  int64  `json:"fetched_at"`
	StaleAfter int64  `json:"stale_after"` // staleness period in milliseconds
}

// IsFresh reports whether the blob is still inside its staleness period.
func (b *CacheBlob) IsFresh(now time.Time) bool {
	if b.StaleAfter <= 0 {
		return true
	}
	return now.UnixMilli() < b.FetchedAt+b.StaleAfter
}
