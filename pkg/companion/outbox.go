package companion

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// MaxDrainAttempts is the retry ceiling for a single outbox entry. An entry
// that fails this many drain attempts is dropped: the mutation is permanently
// lost to the remote store while remaining in the local cache.
const MaxDrainAttempts = 5

// Op is the remote operation an outbox entry represents.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Entry is a pending mutation awaiting remote confirmation.
type Entry struct {
	ID             string          `json:"id"` // logical record id (temp or durable)
	DataType       DataType        `json:"data_type"`
	CollectionPath string          `json:"collection_path"`
	Op             Op              `json:"op"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Date           string          `json:"date,omitempty"`
	EnqueuedAt     time.Time       `json:"enqueued_at"`
	RetryCount     int             `json:"retry_count"`
}

// Outbox is the per-owner durable queue of pending mutations. Enqueue
// de-duplicates by record id so at most one pending mutation per logical
// record survives; drains run FIFO and are mutually exclusive.
type Outbox struct {
	kv      KV
	ownerID string
	onDrop  func(Entry)

	// stateMu guards the persisted entry list.
	stateMu sync.Mutex

	// drainMu guards the draining flag.
	drainMu  sync.Mutex
	draining bool
}

// NewOutbox creates the outbox for one owner. onDrop, if non-nil, is invoked
// for every entry dropped at the retry ceiling (a data-loss diagnostic, not a
// user-facing error).
func NewOutbox(kv KV, ownerID string, onDrop func(Entry)) *Outbox {
	return &Outbox{kv: kv, ownerID: ownerID, onDrop: onDrop}
}

func (o *Outbox) key() string {
	return fmt.Sprintf("outbox_%s", o.ownerID)
}

// Enqueue adds an entry, replacing any existing entry with the same id. The
// replacement keeps the original queue position; only the latest mutation for
// a record id survives.
func (o *Outbox) Enqueue(ctx context.Context, entry Entry) error {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()

	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = time.Now().UTC()
	}

	entries, err := o.load(ctx)
	if err != nil {
		return err
	}

	replaced := false
	for i := range entries {
		if entries[i].ID == entry.ID {
			// A replacement is a fresh mutation; retry bookkeeping restarts.
			entry.RetryCount = 0
			entries[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		entries = append(entries, entry)
	}

	return o.save(ctx, entries)
}

// PendingCount returns the number of queued entries.
func (o *Outbox) PendingCount(ctx context.Context) (int, error) {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()

	entries, err := o.load(ctx)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// Entries returns a snapshot of the queued entries in FIFO order.
func (o *Outbox) Entries(ctx context.Context) ([]Entry, error) {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	return o.load(ctx)
}

// Drain attempts every queued entry in FIFO order using apply. Successful
// entries are removed; failed entries have their retry count incremented and
// are dropped once it reaches MaxDrainAttempts. A Drain call arriving while
// another drain is in flight is a silent no-op; callers must re-trigger (for
// example on the next reachability transition) rather than assume their
// request was honored.
func (o *Outbox) Drain(ctx context.Context, apply func(ctx context.Context, e Entry) error) (DrainStats, error) {
	o.drainMu.Lock()
	if o.draining {
		o.drainMu.Unlock()
		return DrainStats{}, nil
	}
	o.draining = true
	o.drainMu.Unlock()

	defer func() {
		o.drainMu.Lock()
		o.draining = false
		o.drainMu.Unlock()
	}()

	o.stateMu.Lock()
	snapshot, err := o.load(ctx)
	o.stateMu.Unlock()
	if err != nil {
		return DrainStats{}, err
	}

	var stats DrainStats
	for _, entry := range snapshot {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}

		if err := apply(ctx, entry); err != nil {
			slog.Warn("outbox entry failed, will retry",
				"component", "outbox",
				"entry_id", entry.ID,
				"op", string(entry.Op),
				"retry_count", entry.RetryCount+1,
				"error", err,
			)
			dropped, err := o.bumpRetry(ctx, entry)
			if err != nil {
				return stats, err
			}
			if dropped {
				stats.Dropped++
			} else {
				stats.Failed++
			}
			continue
		}

		if err := o.removeIfUnchanged(ctx, entry); err != nil {
			return stats, err
		}
		stats.Synced++
	}

	return stats, nil
}

// removeIfUnchanged removes the entry unless it was replaced by a newer
// enqueue while the drain was in flight; a replacement must survive for the
// next drain.
func (o *Outbox) removeIfUnchanged(ctx context.Context, entry Entry) error {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()

	entries, err := o.load(ctx)
	if err != nil {
		return err
	}

	for i := range entries {
		if entries[i].ID == entry.ID {
			if !entries[i].EnqueuedAt.Equal(entry.EnqueuedAt) {
				return nil
			}
			entries = append(entries[:i], entries[i+1:]...)
			return o.save(ctx, entries)
		}
	}
	return nil
}

// bumpRetry increments the entry's retry count, dropping it once the ceiling
// is reached. Returns true if the entry was dropped.
func (o *Outbox) bumpRetry(ctx context.Context, entry Entry) (bool, error) {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()

	entries, err := o.load(ctx)
	if err != nil {
		return false, err
	}

	for i := range entries {
		if entries[i].ID != entry.ID {
			continue
		}
		if !entries[i].EnqueuedAt.Equal(entry.EnqueuedAt) {
			return false, nil
		}

		entries[i].RetryCount++
		if entries[i].RetryCount >= MaxDrainAttempts {
			dropped := entries[i]
			entries = append(entries[:i], entries[i+1:]...)
			if err := o.save(ctx, entries); err != nil {
				return false, err
			}
			slog.Error("outbox entry dropped at retry ceiling",
				"component", "outbox",
				"entry_id", dropped.ID,
				"op", string(dropped.Op),
				"attempts", dropped.RetryCount,
			)
			if o.onDrop != nil {
				o.onDrop(dropped)
			}
			return true, nil
		}
		return false, o.save(ctx, entries)
	}
	return false, nil
}

// discard removes any queued entry for the record id, whatever its state.
// Used when a record is deleted before its create ever reached the remote.
func (o *Outbox) discard(ctx context.Context, id string) error {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()

	entries, err := o.load(ctx)
	if err != nil {
		return err
	}

	for i := range entries {
		if entries[i].ID == id {
			entries = append(entries[:i], entries[i+1:]...)
			return o.save(ctx, entries)
		}
	}
	return nil
}

func (o *Outbox) load(ctx context.Context) ([]Entry, error) {
	raw, ok, err := o.kv.GetItem(ctx, o.key())
	if err != nil {
		return nil, fmt.Errorf("read outbox: %w", err)
	}
	if !ok {
		return nil, nil
	}

	var entries []Entry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		slog.Warn("corrupt outbox entry treated as empty",
			"component", "outbox",
			"error", err,
		)
		return nil, nil
	}
	return entries, nil
}

func (o *Outbox) save(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return o.kv.RemoveItem(ctx, o.key())
	}

	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal outbox: %w", err)
	}
	if err := o.kv.SetItem(ctx, o.key(), string(data)); err != nil {
		return fmt.Errorf("write outbox: %w", err)
	}
	return nil
}
