package companion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// DefaultStaleness is how long a cached set stays fresh before a read attempts
// a remote refresh.
const DefaultStaleness = 5 * time.Minute

// ErrNoOwner is returned by operations invoked without an owner id. The
// synchronizer never guesses an owner; callers must establish identity first.
var ErrNoOwner = errors.New("companion: no owner id set")

// errUnreachable routes a write straight to the outbox when the monitor
// reports no network.
var errUnreachable = errors.New("network unreachable")

// Synchronizer coordinates the cache, the outbox and the remote store for one
// owner. Reads are cache-first with a staleness-gated remote refresh; writes
// go to the cache immediately and to the remote store on a best-effort basis,
// falling back to the outbox.
type Synchronizer struct {
	ownerID   string
	cache     *RecordCache
	outbox    *Outbox
	remote    RemoteStore
	reachable func() bool
	staleness time.Duration
	clock     func() time.Time
}

// NewSynchronizer wires a synchronizer for one owner. reachable reports the
// current network state; nil means always reachable. staleness <= 0 selects
// DefaultStaleness.
func NewSynchronizer(ownerID string, cache *RecordCache, outbox *Outbox, remote RemoteStore, reachable func() bool, staleness time.Duration) *Synchronizer {
	if staleness <= 0 {
		staleness = DefaultStaleness
	}
	return &Synchronizer{
		ownerID:   ownerID,
		cache:     cache,
		outbox:    outbox,
		remote:    remote,
		reachable: reachable,
		staleness: staleness,
		clock:     time.Now,
	}
}

// online reports whether a remote attempt is worth making right now. An
// unreachable device skips the attempt entirely rather than waiting out the
// HTTP timeout.
func (s *Synchronizer) online() bool {
	return s.reachable == nil || s.reachable()
}

// Create writes a new daily record through the cache and attempts the remote
// create. When the remote store is unavailable the record keeps its temporary
// id and a create entry is queued; the caller still gets a usable record.
func (s *Synchronizer) Create(ctx context.Context, dt DataType, date string, payload json.RawMessage) (Record, error) {
	if s.ownerID == "" {
		return Record{}, ErrNoOwner
	}

	now := s.clock().UTC()
	rec := Record{
		ID:        NewTempID(),
		OwnerID:   s.ownerID,
		Date:      date,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
	}

	// Cache first so the record is visible to reads regardless of what the
	// network does next.
	if err := s.upsertCached(ctx, dt, rec); err != nil {
		return Record{}, err
	}

	var confirmed *Record
	err := errUnreachable
	if s.online() {
		confirmed, err = s.remote.Create(ctx, CollectionPath(s.ownerID, dt), RemoteNewRecord{
			Date:    date,
			Payload: payload,
		})
	}
	if err != nil {
		slog.Info("remote create deferred to outbox",
			"component", "sync",
			"data_type", string(dt),
			"error", err,
		)
		if qerr := s.outbox.Enqueue(ctx, Entry{
			ID:             rec.ID,
			DataType:       dt,
			CollectionPath: CollectionPath(s.ownerID, dt),
			Op:             OpCreate,
			Payload:        payload,
			Date:           date,
			EnqueuedAt:     now,
		}); qerr != nil {
			return Record{}, fmt.Errorf("enqueue create: %w", qerr)
		}
		return rec, nil
	}

	if err := s.cache.ReplaceID(ctx, s.ownerID, dt, rec.ID, *confirmed); err != nil {
		return Record{}, err
	}
	return *confirmed, nil
}

// Update rewrites an existing record's payload through the cache and attempts
// the remote update. Updates to still-pending records fold into the queued
// create via outbox de-duplication by id.
func (s *Synchronizer) Update(ctx context.Context, dt DataType, rec Record) (Record, error) {
	if s.ownerID == "" {
		return Record{}, ErrNoOwner
	}

	rec.OwnerID = s.ownerID
	rec.UpdatedAt = s.clock().UTC()
	if err := s.upsertCached(ctx, dt, rec); err != nil {
		return Record{}, err
	}

	op := OpUpdate
	if rec.Pending() {
		// The remote store has never seen this record; the queued mutation
		// must remain a create.
		op = OpCreate
	}

	var err error
	switch {
	case op != OpUpdate:
		err = errors.New("record pending remote creation")
	case !s.online():
		err = errUnreachable
	default:
		err = s.remote.Update(ctx, DocPath(s.ownerID, dt, rec.ID), RemoteNewRecord{
			Date:    rec.Date,
			Payload: rec.Payload,
		})
	}
	if err != nil {
		if qerr := s.outbox.Enqueue(ctx, Entry{
			ID:             rec.ID,
			DataType:       dt,
			CollectionPath: CollectionPath(s.ownerID, dt),
			Op:             op,
			Payload:        rec.Payload,
			Date:           rec.Date,
			EnqueuedAt:     rec.UpdatedAt,
		}); qerr != nil {
			return Record{}, fmt.Errorf("enqueue update: %w", qerr)
		}
	}
	return rec, nil
}

// Delete removes a record from the cache and attempts the remote delete. A
// pending record is dropped from the outbox instead; the remote store never
// knew about it.
func (s *Synchronizer) Delete(ctx context.Context, dt DataType, rec Record) error {
	if s.ownerID == "" {
		return ErrNoOwner
	}

	records, err := s.cache.Get(ctx, s.ownerID, dt)
	if err != nil {
		return err
	}
	kept := records[:0]
	for _, r := range records {
		if r.ID != rec.ID {
			kept = append(kept, r)
		}
	}
	if err := s.cache.Put(ctx, s.ownerID, dt, kept); err != nil {
		return err
	}

	if rec.Pending() {
		return s.outbox.discard(ctx, rec.ID)
	}

	if !s.online() {
		return s.outbox.Enqueue(ctx, Entry{
			ID:             rec.ID,
			DataType:       dt,
			CollectionPath: CollectionPath(s.ownerID, dt),
			Op:             OpDelete,
			EnqueuedAt:     s.clock().UTC(),
		})
	}

	if err := s.remote.Delete(ctx, DocPath(s.ownerID, dt, rec.ID)); err != nil {
		return s.outbox.Enqueue(ctx, Entry{
			ID:             rec.ID,
			DataType:       dt,
			CollectionPath: CollectionPath(s.ownerID, dt),
			Op:             OpDelete,
			EnqueuedAt:     s.clock().UTC(),
		})
	}
	return nil
}

// FetchRecent returns the cached records for the data type, refreshing from
// the remote store first when the cached set is stale and the network is
// reachable. A failed refresh falls back to whatever is cached; offline reads
// stay local and never error.
func (s *Synchronizer) FetchRecent(ctx context.Context, dt DataType, limit int) ([]Record, error) {
	if s.ownerID == "" {
		return nil, ErrNoOwner
	}

	if s.online() && s.cache.IsStale(ctx, s.ownerID, dt, s.staleness) {
		if err := s.refresh(ctx, dt); err != nil {
			slog.Warn("remote refresh failed, serving cached records",
				"component", "sync",
				"data_type", string(dt),
				"error", err,
			)
		}
	}

	records, err := s.cache.Get(ctx, s.ownerID, dt)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// refresh replaces the cached set from the remote store and stamps it synced.
// Pending records are carried over: the remote store does not have them yet,
// so a refresh must not make them vanish locally.
func (s *Synchronizer) refresh(ctx context.Context, dt DataType) error {
	remote, err := s.remote.Query(ctx, CollectionPath(s.ownerID, dt), RemoteQuery{
		Limit: CacheCap(dt),
	})
	if err != nil {
		return err
	}

	cached, err := s.cache.Get(ctx, s.ownerID, dt)
	if err != nil {
		return err
	}
	for _, r := range cached {
		if r.Pending() {
			remote = append(remote, r)
		}
	}

	if err := s.cache.Put(ctx, s.ownerID, dt, remote); err != nil {
		return err
	}
	return s.cache.MarkSynced(ctx, s.ownerID, dt)
}

// Drain flushes the outbox against the remote store. Confirmed creates swap
// the cached temp id for the durable one. An unreachable network makes Drain
// a no-op so queued entries keep their retry budget for a real attempt.
func (s *Synchronizer) Drain(ctx context.Context) (DrainStats, error) {
	if s.ownerID == "" {
		return DrainStats{}, ErrNoOwner
	}
	if !s.online() {
		return DrainStats{}, nil
	}
	return s.outbox.Drain(ctx, s.applyEntry)
}

// upsertCached routes a write into the cache. Check-ins hold one record per
// day; every other data type upserts by id only.
func (s *Synchronizer) upsertCached(ctx context.Context, dt DataType, rec Record) error {
	if dt == DataCheckins {
		return s.cache.UpsertDaily(ctx, s.ownerID, dt, rec)
	}
	return s.cache.Upsert(ctx, s.ownerID, dt, rec)
}

func (s *Synchronizer) applyEntry(ctx context.Context, e Entry) error {
	switch e.Op {
	case OpCreate:
		confirmed, err := s.remote.Create(ctx, e.CollectionPath, RemoteNewRecord{
			Date:    e.Date,
			Payload: e.Payload,
		})
		if err != nil {
			return err
		}
		return s.cache.ReplaceID(ctx, s.ownerID, e.DataType, e.ID, *confirmed)
	case OpUpdate:
		return s.remote.Update(ctx, e.CollectionPath+"/"+e.ID, RemoteNewRecord{
			Date:    e.Date,
			Payload: e.Payload,
		})
	case OpDelete:
		return s.remote.Delete(ctx, e.CollectionPath + "/" + e.ID)
	default:
		return fmt.Errorf("unknown outbox op %q", e.Op)
	}
}
