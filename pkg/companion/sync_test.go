package companion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

// fakeRemote is an in-memory RemoteStore. Setting down makes every call fail.
type fakeRemote struct {
	down    bool
	nextID  int
	records map[string][]Record // keyed by collection path

	createCalls int
	queryCalls  int
	updateCalls int
	deleteCalls int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{records: make(map[string][]Record)}
}

var errRemoteDown = errors.New("remote unreachable")

func (f *fakeRemote) Create(ctx context.Context, collectionPath string, rec RemoteNewRecord) (*Record, error) {
	f.createCalls++
	if f.down {
		return nil, errRemoteDown
	}

	// A same-day check-in replaces in place, like the real service.
	if rec.Date != "" && strings.HasSuffix(collectionPath, "/checkins") {
		for i, existing := range f.records[collectionPath] {
			if existing.Date == rec.Date {
				existing.Payload = rec.Payload
				existing.UpdatedAt = time.Now().UTC()
				f.records[collectionPath][i] = existing
				return &existing, nil
			}
		}
	}

	f.nextID++
	confirmed := Record{
		ID:        fmt.Sprintf("srv-%03d", f.nextID),
		OwnerID:   ownerFromPath(collectionPath),
		Date:      rec.Date,
		Payload:   rec.Payload,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	f.records[collectionPath] = append(f.records[collectionPath], confirmed)
	return &confirmed, nil
}

func (f *fakeRemote) Update(ctx context.Context, docPath string, rec RemoteNewRecord) error {
	f.updateCalls++
	if f.down {
		return errRemoteDown
	}
	return nil
}

func (f *fakeRemote) Delete(ctx context.Context, docPath string) error {
	f.deleteCalls++
	if f.down {
		return errRemoteDown
	}
	return nil
}

func (f *fakeRemote) Query(ctx context.Context, collectionPath string, q RemoteQuery) ([]Record, error) {
	f.queryCalls++
	if f.down {
		return nil, errRemoteDown
	}
	return f.records[collectionPath], nil
}

func (f *fakeRemote) Get(ctx context.Context, docPath string) (*Record, error) {
	if f.down {
		return nil, errRemoteDown
	}
	return nil, errors.New("not found")
}

func (f *fakeRemote) Ping(ctx context.Context) error {
	if f.down {
		return errRemoteDown
	}
	return nil
}

func ownerFromPath(collectionPath string) string {
	parts := strings.Split(collectionPath, "/")
	if len(parts) >= 2 {
		return parts[1]
	}
	return ""
}

func newTestSync(remote RemoteStore) (*Synchronizer, *RecordCache, *Outbox) {
	return newTestSyncReachable(remote, nil)
}

func newTestSyncReachable(remote RemoteStore, reachable func() bool) (*Synchronizer, *RecordCache, *Outbox) {
	kv := NewMemoryKV()
	cache := NewRecordCache(kv)
	outbox := NewOutbox(kv, "owner-1", nil)
	return NewSynchronizer("owner-1", cache, outbox, remote, reachable, 0), cache, outbox
}

func unreachable() bool { return false }

func TestSync_CreateOnlineConfirmsID(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	sync, cache, outbox := newTestSync(remote)

	rec, err := sync.Create(ctx, DataCheckins, "2026-08-31", json.RawMessage(`{"mood":7}`))
	if err != nil {
		t.Fatal(err)
	}

	if rec.Pending() {
		t.Error("Expected confirmed id from online create")
	}

	cached, err := cache.Get(ctx, "owner-1", DataCheckins)
	if err != nil {
		t.Fatal(err)
	}
	if len(cached) != 1 || cached[0].ID != rec.ID {
		t.Errorf("Expected cache to hold confirmed record, got %v", cached)
	}

	count, err := outbox.PendingCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("Expected empty outbox after online create, got %d", count)
	}
}

func TestSync_CreateOfflineQueuesAndReturnsTempRecord(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.down = true
	sync, cache, outbox := newTestSync(remote)

	rec, err := sync.Create(ctx, DataCheckins, "2026-08-31", json.RawMessage(`{"mood":7}`))
	if err != nil {
		t.Fatal(err)
	}

	if !rec.Pending() {
		t.Errorf("Expected temp id while offline, got %s", rec.ID)
	}

	cached, err := cache.Get(ctx, "owner-1", DataCheckins)
	if err != nil {
		t.Fatal(err)
	}
	if len(cached) != 1 {
		t.Fatalf("Expected offline create visible in cache, got %d records", len(cached))
	}

	count, err := outbox.PendingCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("Expected 1 queued entry, got %d", count)
	}
}

func TestSync_DrainConfirmsQueuedCreate(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.down = true
	sync, cache, outbox := newTestSync(remote)

	rec, err := sync.Create(ctx, DataCheckins, "2026-08-31", json.RawMessage(`{"mood":7}`))
	if err != nil {
		t.Fatal(err)
	}

	remote.down = false
	stats, err := sync.Drain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Synced != 1 {
		t.Errorf("Expected 1 synced, got %+v", stats)
	}

	cached, err := cache.Get(ctx, "owner-1", DataCheckins)
	if err != nil {
		t.Fatal(err)
	}
	if len(cached) != 1 {
		t.Fatalf("Expected 1 cached record, got %d", len(cached))
	}
	if cached[0].Pending() {
		t.Error("Expected temp id swapped for durable id after drain")
	}
	if cached[0].ID == rec.ID {
		t.Error("Expected a new durable id, temp id survived")
	}

	count, err := outbox.PendingCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("Expected empty outbox after drain, got %d", count)
	}
}

func TestSync_FetchRecentServesFreshCacheWithoutRemote(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	sync, cache, _ := newTestSync(remote)

	if err := cache.Put(ctx, "owner-1", DataCheckins, []Record{testRecord("a", "2026-08-31")}); err != nil {
		t.Fatal(err)
	}
	if err := cache.MarkSynced(ctx, "owner-1", DataCheckins); err != nil {
		t.Fatal(err)
	}

	records, err := sync.FetchRecent(ctx, DataCheckins, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("Expected 1 cached record, got %d", len(records))
	}
	if remote.queryCalls != 0 {
		t.Errorf("Expected no remote call for fresh cache, got %d", remote.queryCalls)
	}
}

func TestSync_FetchRecentRefreshesStaleCache(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.records["owners/owner-1/checkins"] = []Record{
		{ID: "srv-001", OwnerID: "owner-1", Date: "2026-08-31", Payload: json.RawMessage(`{"mood":7}`)},
	}
	sync, cache, _ := newTestSync(remote)

	// Never synced, so the first read refreshes.
	records, err := sync.FetchRecent(ctx, DataCheckins, 0)
	if err != nil {
		t.Fatal(err)
	}
	if remote.queryCalls != 1 {
		t.Errorf("Expected 1 remote query, got %d", remote.queryCalls)
	}
	if len(records) != 1 || records[0].ID != "srv-001" {
		t.Errorf("Expected remote record in result, got %v", records)
	}

	// Refresh stamped the cache; a second read stays local.
	if _, err := sync.FetchRecent(ctx, DataCheckins, 0); err != nil {
		t.Fatal(err)
	}
	if remote.queryCalls != 1 {
		t.Errorf("Expected no further remote query while fresh, got %d", remote.queryCalls)
	}

	if cache.IsStale(ctx, "owner-1", DataCheckins, DefaultStaleness) {
		t.Error("Expected cache fresh after refresh")
	}
}

func TestSync_FetchRecentFallsBackToCacheWhenRemoteFails(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.down = true
	sync, cache, _ := newTestSync(remote)

	if err := cache.Put(ctx, "owner-1", DataCheckins, []Record{testRecord("a", "2026-08-31")}); err != nil {
		t.Fatal(err)
	}

	// Stale (never synced), refresh fails, cached data still served.
	records, err := sync.FetchRecent(ctx, DataCheckins, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Errorf("Expected cached fallback, got %d records", len(records))
	}
}

func TestSync_RefreshPreservesPendingRecords(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.down = true
	sync, _, _ := newTestSync(remote)

	// Offline create leaves a pending record.
	if _, err := sync.Create(ctx, DataCheckins, "2026-08-31", json.RawMessage(`{"mood":7}`)); err != nil {
		t.Fatal(err)
	}

	// Remote comes back with different data; the pending record must survive
	// the refresh.
	remote.down = false
	remote.records["owners/owner-1/checkins"] = []Record{
		{ID: "srv-001", OwnerID: "owner-1", Date: "2026-08-30", Payload: json.RawMessage(`{"mood":4}`)},
	}

	records, err := sync.FetchRecent(ctx, DataCheckins, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("Expected pending plus remote record, got %d", len(records))
	}

	pending := 0
	for _, r := range records {
		if r.Pending() {
			pending++
		}
	}
	if pending != 1 {
		t.Errorf("Expected 1 pending record preserved, got %d", pending)
	}
}

func TestSync_UpdatePendingRecordStaysACreate(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.down = true
	sync, _, outbox := newTestSync(remote)

	rec, err := sync.Create(ctx, DataCheckins, "2026-08-31", json.RawMessage(`{"mood":7}`))
	if err != nil {
		t.Fatal(err)
	}

	rec.Payload = json.RawMessage(`{"mood":9}`)
	if _, err := sync.Update(ctx, DataCheckins, rec); err != nil {
		t.Fatal(err)
	}

	entries, err := outbox.Entries(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("Expected update to fold into queued create, got %d entries", len(entries))
	}
	if entries[0].Op != OpCreate {
		t.Errorf("Expected queued op to stay create, got %s", entries[0].Op)
	}
	if string(entries[0].Payload) != `{"mood":9}` {
		t.Errorf("Expected latest payload queued, got %s", entries[0].Payload)
	}
}

func TestSync_DeletePendingRecordDiscardsQueuedCreate(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.down = true
	sync, cache, outbox := newTestSync(remote)

	rec, err := sync.Create(ctx, DataCheckins, "2026-08-31", json.RawMessage(`{"mood":7}`))
	if err != nil {
		t.Fatal(err)
	}

	if err := sync.Delete(ctx, DataCheckins, rec); err != nil {
		t.Fatal(err)
	}

	count, err := outbox.PendingCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("Expected queued create discarded, got %d entries", count)
	}
	if remote.deleteCalls != 0 {
		t.Errorf("Expected no remote delete for a pending record, got %d", remote.deleteCalls)
	}

	cached, err := cache.Get(ctx, "owner-1", DataCheckins)
	if err != nil {
		t.Fatal(err)
	}
	if len(cached) != 0 {
		t.Errorf("Expected record removed from cache, got %d", len(cached))
	}
}

func TestSync_CreateWhileUnreachableSkipsRemote(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	sync, cache, outbox := newTestSyncReachable(remote, unreachable)

	rec, err := sync.Create(ctx, DataCheckins, "2026-08-31", json.RawMessage(`{"mood":7}`))
	if err != nil {
		t.Fatal(err)
	}

	if remote.createCalls != 0 {
		t.Errorf("Expected no remote attempt while unreachable, got %d", remote.createCalls)
	}
	if !rec.Pending() {
		t.Errorf("Expected temp id while unreachable, got %s", rec.ID)
	}

	cached, err := cache.Get(ctx, "owner-1", DataCheckins)
	if err != nil {
		t.Fatal(err)
	}
	if len(cached) != 1 {
		t.Fatalf("Expected record cached, got %d", len(cached))
	}

	count, err := outbox.PendingCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("Expected 1 queued entry, got %d", count)
	}
}

func TestSync_UpdateWhileUnreachableQueuesWithoutRemote(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	sync, cache, outbox := newTestSyncReachable(remote, unreachable)

	rec := testRecord("srv-001", "2026-08-31")
	if err := cache.Put(ctx, "owner-1", DataCheckins, []Record{rec}); err != nil {
		t.Fatal(err)
	}

	rec.Payload = json.RawMessage(`{"mood":9}`)
	if _, err := sync.Update(ctx, DataCheckins, rec); err != nil {
		t.Fatal(err)
	}

	if remote.updateCalls != 0 {
		t.Errorf("Expected no remote attempt while unreachable, got %d", remote.updateCalls)
	}

	entries, err := outbox.Entries(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Op != OpUpdate {
		t.Fatalf("Expected 1 queued update, got %v", entries)
	}
}

func TestSync_DeleteWhileUnreachableQueuesWithoutRemote(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	sync, cache, outbox := newTestSyncReachable(remote, unreachable)

	rec := testRecord("srv-001", "2026-08-31")
	if err := cache.Put(ctx, "owner-1", DataCheckins, []Record{rec}); err != nil {
		t.Fatal(err)
	}

	if err := sync.Delete(ctx, DataCheckins, rec); err != nil {
		t.Fatal(err)
	}

	if remote.deleteCalls != 0 {
		t.Errorf("Expected no remote attempt while unreachable, got %d", remote.deleteCalls)
	}

	entries, err := outbox.Entries(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Op != OpDelete {
		t.Fatalf("Expected 1 queued delete, got %v", entries)
	}
}

func TestSync_FetchRecentWhileUnreachableStaysLocal(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	sync, cache, _ := newTestSyncReachable(remote, unreachable)

	// Stale on purpose: cached records but no sync stamp.
	if err := cache.Put(ctx, "owner-1", DataCheckins, []Record{testRecord("a", "2026-08-31")}); err != nil {
		t.Fatal(err)
	}

	records, err := sync.FetchRecent(ctx, DataCheckins, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("Expected cached record served, got %d", len(records))
	}
	if remote.queryCalls != 0 {
		t.Errorf("Expected no remote query while unreachable, got %d", remote.queryCalls)
	}
}

func TestSync_DrainWhileUnreachablePreservesRetryBudget(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	online := false
	sync, _, outbox := newTestSyncReachable(remote, func() bool { return online })

	if _, err := sync.Create(ctx, DataCheckins, "2026-08-31", json.RawMessage(`{"mood":7}`)); err != nil {
		t.Fatal(err)
	}

	stats, err := sync.Drain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats != (DrainStats{}) {
		t.Errorf("Expected no-op drain while unreachable, got %+v", stats)
	}

	entries, err := outbox.Entries(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].RetryCount != 0 {
		t.Fatalf("Expected entry untouched with retry count 0, got %v", entries)
	}

	online = true
	stats, err = sync.Drain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Synced != 1 {
		t.Errorf("Expected 1 synced once reachable, got %+v", stats)
	}
}

func TestSync_SameDaySessionsBothKept(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	sync, cache, _ := newTestSync(remote)

	if _, err := sync.Create(ctx, DataSessions, "2026-08-31", json.RawMessage(`{"kind":"breathing"}`)); err != nil {
		t.Fatal(err)
	}
	if _, err := sync.Create(ctx, DataSessions, "2026-08-31", json.RawMessage(`{"kind":"meditation"}`)); err != nil {
		t.Fatal(err)
	}

	cached, err := cache.Get(ctx, "owner-1", DataSessions)
	if err != nil {
		t.Fatal(err)
	}
	if len(cached) != 2 {
		t.Fatalf("Expected both same-day sessions cached, got %d", len(cached))
	}
	if len(remote.records["owners/owner-1/sessions"]) != 2 {
		t.Errorf("Expected both sessions on the remote, got %d", len(remote.records["owners/owner-1/sessions"]))
	}
}

func TestSync_NoOwnerFailsFast(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	sync := NewSynchronizer("", NewRecordCache(kv), NewOutbox(kv, "", nil), newFakeRemote(), nil, 0)

	if _, err := sync.Create(ctx, DataCheckins, "2026-08-31", json.RawMessage(`{}`)); !errors.Is(err, ErrNoOwner) {
		t.Errorf("Expected ErrNoOwner, got %v", err)
	}
	if _, err := sync.FetchRecent(ctx, DataCheckins, 0); !errors.Is(err, ErrNoOwner) {
		t.Errorf("Expected ErrNoOwner, got %v", err)
	}
	if _, err := sync.Drain(ctx); !errors.Is(err, ErrNoOwner) {
		t.Errorf("Expected ErrNoOwner, got %v", err)
	}
}
