package companion

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// RecordCache stores denormalized record lists per (owner, data type) in the
// durable KV. Every write replaces the full list for that pair; reads filter
// client-side. Lists are capped (see CacheCap) with oldest entries evicted
// first.
type RecordCache struct {
	kv    KV
	clock func() time.Time
}

// NewRecordCache creates a cache over the given KV.
func NewRecordCache(kv KV) *RecordCache {
	return &RecordCache{kv: kv, clock: time.Now}
}

func recordsKey(ownerID string, dt DataType) string {
	return fmt.Sprintf("records_%s_%s", dt, ownerID)
}

func syncedKey(ownerID string, dt DataType) string {
	return fmt.Sprintf("synced_%s_%s", dt, ownerID)
}

// Get returns all cached records for the owner and data type, most recent
// first. A corrupt or missing entry is a cache miss, never an error.
func (c *RecordCache) Get(ctx context.Context, ownerID string, dt DataType) ([]Record, error) {
	raw, ok, err := c.kv.GetItem(ctx, recordsKey(ownerID, dt))
	if err != nil {
		return nil, fmt.Errorf("read cache: %w", err)
	}
	if !ok {
		return nil, nil
	}

	var records []Record
	if err := json.Unmarshal([]byte(raw), &records); err != nil {
		slog.Warn("corrupt cache entry treated as miss",
			"component", "cache",
			"data_type", string(dt),
			"error", err,
		)
		return nil, nil
	}
	return records, nil
}

// Put replaces the full cached set for the owner and data type. Records are
// ordered most recent first and trimmed to the type's cap, evicting oldest.
func (c *RecordCache) Put(ctx context.Context, ownerID string, dt DataType, records []Record) error {
	sortRecords(records)

	if cap := CacheCap(dt); len(records) > cap {
		records = records[:cap]
	}

	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	if err := c.kv.SetItem(ctx, recordsKey(ownerID, dt), string(data)); err != nil {
		return fmt.Errorf("write cache: %w", err)
	}
	return nil
}

// UpsertDaily inserts rec into the cached set, replacing any record with the
// same non-empty date (at most one record per day) or the same id.
func (c *RecordCache) UpsertDaily(ctx context.Context, ownerID string, dt DataType, rec Record) error {
	records, err := c.Get(ctx, ownerID, dt)
	if err != nil {
		return err
	}

	replaced := false
	for i := range records {
		sameDay := rec.Date != "" && records[i].Date == rec.Date
		if sameDay || records[i].ID == rec.ID {
			records[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		records = append(records, rec)
	}

	return c.Put(ctx, ownerID, dt, records)
}

// Upsert inserts rec into the cached set, replacing any record with the same
// id. Unlike UpsertDaily, several records may share a date; plans, sessions
// and focus entries are not limited to one per day.
func (c *RecordCache) Upsert(ctx context.Context, ownerID string, dt DataType, rec Record) error {
	records, err := c.Get(ctx, ownerID, dt)
	if err != nil {
		return err
	}

	replaced := false
	for i := range records {
		if records[i].ID == rec.ID {
			records[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		records = append(records, rec)
	}

	return c.Put(ctx, ownerID, dt, records)
}

// ReplaceID swaps the cached record carrying oldID for confirmed. Used when
// the remote store assigns a durable id to a temp record. Missing oldID is a
// no-op; the record may have been evicted.
func (c *RecordCache) ReplaceID(ctx context.Context, ownerID string, dt DataType, oldID string, confirmed Record) error {
	records, err := c.Get(ctx, ownerID, dt)
	if err != nil {
		return err
	}

	for i := range records {
		if records[i].ID == oldID {
			records[i] = confirmed
			return c.Put(ctx, ownerID, dt, records)
		}
	}
	return nil
}

// IsStale reports whether the cached set for (owner, data type) is older than
// threshold. A set that has never been synced is stale. Staleness is
// all-or-nothing per type so that two consecutive cache reads are consistent.
func (c *RecordCache) IsStale(ctx context.Context, ownerID string, dt DataType, threshold time.Duration) bool {
	raw, ok, err := c.kv.GetItem(ctx, syncedKey(ownerID, dt))
	if err != nil || !ok {
		return true
	}
	syncedAt, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return true
	}
	return c.clock().Sub(syncedAt) > threshold
}

// MarkSynced records that the cached set for (owner, data type) was refreshed
// from the remote store just now.
func (c *RecordCache) MarkSynced(ctx context.Context, ownerID string, dt DataType) error {
	return c.kv.SetItem(ctx, syncedKey(ownerID, dt), c.clock().UTC().Format(time.RFC3339))
}

// Clear removes all cached data for an owner across every data type.
func (c *RecordCache) Clear(ctx context.Context, ownerID string) error {
	var keys []string
	for _, dt := range []DataType{DataCheckins, DataPlans, DataSessions, DataFocus} {
		keys = append(keys, recordsKey(ownerID, dt), syncedKey(ownerID, dt))
	}
	return c.kv.MultiRemove(ctx, keys)
}

// sortRecords orders records most recent first: by date when present, then by
// creation time.
func sortRecords(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Date != records[j].Date {
			return records[i].Date > records[j].Date
		}
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
}
