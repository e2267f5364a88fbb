package types

import (
	"encoding/json"
	"time"
)

// Collection identifies a per-owner record collection.
type Collection string

const (
	CollectionCheckins Collection = "checkins"
	CollectionPlans    Collection = "plans"
	CollectionSessions Collection = "sessions"
	CollectionFocus    Collection = "focus"
)

// KnownCollections lists every collection the service accepts.
var KnownCollections = []Collection{
	CollectionCheckins,
	CollectionPlans,
	CollectionSessions,
	CollectionFocus,
}

// IsKnownCollection reports whether name is a collection the service serves.
func IsKnownCollection(name string) bool {
	for _, c := range KnownCollections {
		if string(c) == name {
			return true
		}
	}
	return false
}

// Record is a document stored in a per-owner collection.
// Payload is opaque to the service; clients own its schema.
type Record struct {
	ID         string          `json:"id"`
	OwnerID    string          `json:"owner_id"`
	Collection string          `json:"collection"`
	Date       string          `json:"date,omitempty"` // YYYY-MM-DD for daily records
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// NewRecord is the input type for creating a record (without generated fields).
type NewRecord struct {
	Date    string          `json:"date,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// UpdateRecord carries a full-payload replacement for an existing record.
// Updates are last-write-wins; the service keeps no version history.
type UpdateRecord struct {
	Date    string          `json:"date,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// RecordQuery filters a collection query.
type RecordQuery struct {
	Since string // inclusive lower bound on date, YYYY-MM-DD
	Until string // inclusive upper bound on date, YYYY-MM-DD
	Limit int
}

// QueryResult is the response to a collection query.
type QueryResult struct {
	Records []Record  `json:"records"`
	AsOf    time.Time `json:"as_of"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	RecordCount int64  `json:"record_count"`
}

// StoreStats holds aggregate store statistics.
type StoreStats struct {
	RecordCount int64      `json:"record_count"`
	OwnerCount  int64      `json:"owner_count"`
	LastBackup  *time.Time `json:"last_backup,omitempty"`
}

// MarshalJSON ensures a nil record slice marshals as [] not null.
func (q QueryResult) MarshalJSON() ([]byte, error) {
	if q.Records == nil {
		q.Records = []Record{}
	}
	type Alias QueryResult
	return json.Marshal(Alias(q))
}
