// Package fallback holds last-known-good signature header sets keyed by
// request fingerprint. Entries carry their own expiry and are judged fresh at
// read time; an expired entry is never returned.
package fallback

import (
	"context"
	"maps"
	"time"
)

// Entry is one cached header set. Entries are immutable once stored.
type Entry struct {
	Headers   map[string]string `json:"headers"`
	StoredAt  time.Time         `json:"stored_at"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// Fresh reports whether the entry is still valid at now.
func (e *Entry) Fresh(now time.Time) bool {
	return e != nil && now.Before(e.ExpiresAt)
}

func (e *Entry) clone() *Entry {
	return &Entry{
		Headers:   maps.Clone(e.Headers),
		StoredAt:  e.StoredAt,
		ExpiresAt: e.ExpiresAt,
	}
}

// Store abstracts the storage for fallback entries.
type Store interface {
	// Get returns the entry for key when it exists and is fresh at now.
	Get(ctx context.Context, key string, now time.Time) (*Entry, bool, error)
	// Put inserts or refreshes the entry for key. Last writer wins.
	Put(ctx context.Context, key string, entry *Entry) error
}
