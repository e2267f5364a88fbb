package companion

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// drainTimeout bounds the background drain triggered by a reachability
// transition.
const drainTimeout = 2 * time.Minute

// ClientConfig configures a per-owner Client. KV and Remote override KVPath
// and BaseURL/APIKey when set; tests use them to inject fakes.
type ClientConfig struct {
	OwnerID string

	// BaseURL and APIKey locate the record service.
	BaseURL string
	APIKey  string

	// KVPath is where the local SQLite key-value database lives.
	KVPath string

	// Staleness is how long cached reads stay fresh; zero selects
	// DefaultStaleness.
	Staleness time.Duration

	// OnDrop receives entries dropped at the outbox retry ceiling.
	OnDrop func(Entry)

	// InitiallyReachable seeds the reachability monitor. Platforms with a
	// native network hook should report the real state via Monitor().
	InitiallyReachable bool

	KV     KV
	Remote RemoteStore
}

// Client is the owner-scoped entry point to the offline-first core. All
// methods are safe for concurrent use. Reads never fail just because the
// network is down.
type Client struct {
	ownerID      string
	kv           KV
	ownsKV       bool
	cache        *RecordCache
	outbox       *Outbox
	remote       RemoteStore
	monitor      *Monitor
	sync         *Synchronizer
	achievements *AchievementTracker
	clock        func() time.Time

	mu     sync.Mutex
	streak *StreakState
}

// NewClient wires the cache, outbox, reachability monitor and synchronizer
// for one owner.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.OwnerID == "" {
		return nil, ErrNoOwner
	}

	kv := cfg.KV
	ownsKV := false
	if kv == nil {
		if cfg.KVPath == "" {
			return nil, fmt.Errorf("companion: KVPath or KV required")
		}
		sqlKV, err := NewSQLiteKV(cfg.KVPath)
		if err != nil {
			return nil, err
		}
		kv = sqlKV
		ownsKV = true
	}

	remote := cfg.Remote
	if remote == nil {
		remote = NewHTTPRemoteStore(cfg.BaseURL, cfg.APIKey)
	}

	cache := NewRecordCache(kv)
	outbox := NewOutbox(kv, cfg.OwnerID, cfg.OnDrop)

	// The synchronizer consults the monitor before every remote attempt so
	// offline writes enqueue immediately instead of waiting out HTTP timeouts.
	monitor := NewMonitor(cfg.InitiallyReachable)

	c := &Client{
		ownerID:      cfg.OwnerID,
		kv:           kv,
		ownsKV:       ownsKV,
		cache:        cache,
		outbox:       outbox,
		remote:       remote,
		monitor:      monitor,
		sync:         NewSynchronizer(cfg.OwnerID, cache, outbox, remote, monitor.Reachable, cfg.Staleness),
		achievements: NewAchievementTracker(kv),
		clock:        time.Now,
	}

	c.monitor.OnOnline(func() {
		go c.drainInBackground()
	})

	return c, nil
}

// Monitor exposes the reachability monitor so platform network hooks or a
// polling prober can feed it.
func (c *Client) Monitor() *Monitor {
	return c.monitor
}

// today returns the owner's current local calendar date.
func (c *Client) today() string {
	return c.clock().Format(time.DateOnly)
}

// CreateCheckIn records today's check-in. The returned record may carry a
// temporary id when the service is unreachable; the streak state is the
// optimistic post-write value, confirmed on the next Streak call. Writing a
// second check-in on the same day replaces the first.
func (c *Client) CreateCheckIn(ctx context.Context, metrics CheckInMetrics) (Record, StreakState, error) {
	if err := validateMetrics(metrics); err != nil {
		return Record{}, StreakState{}, err
	}

	payload, err := json.Marshal(metrics)
	if err != nil {
		return Record{}, StreakState{}, fmt.Errorf("marshal check-in: %w", err)
	}

	date := c.today()
	rec, err := c.sync.Create(ctx, DataCheckins, date, payload)
	if err != nil {
		return Record{}, StreakState{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	prev := StreakState{Phase: StreakConfirmed}
	if c.streak != nil {
		prev = *c.streak
	}
	next := OptimisticStreak(prev, date)
	c.streak = &next

	return rec, next, nil
}

// FetchToday returns today's check-in when one exists.
func (c *Client) FetchToday(ctx context.Context) (CheckIn, bool, error) {
	checkIns, err := c.fetchCheckIns(ctx, 0)
	if err != nil {
		return CheckIn{}, false, err
	}

	today := c.today()
	for _, ci := range checkIns {
		if ci.Date == today {
			return ci, true, nil
		}
	}
	return CheckIn{}, false, nil
}

// FetchRecent returns the cached records for a data type, most recent first,
// refreshing from the service when stale.
func (c *Client) FetchRecent(ctx context.Context, dt DataType, limit int) ([]Record, error) {
	return c.sync.FetchRecent(ctx, dt, limit)
}

// Streak recomputes the confirmed streak state from the check-in history.
func (c *Client) Streak(ctx context.Context) (StreakState, error) {
	checkIns, err := c.fetchCheckIns(ctx, 0)
	if err != nil {
		return StreakState{}, err
	}

	state := ComputeStreak(checkIns, c.today())

	c.mu.Lock()
	c.streak = &state
	c.mu.Unlock()

	return state, nil
}

// Trends computes per-metric trends over the recent check-in window.
// windowDays <= 0 selects DefaultTrendWindowDays.
func (c *Client) Trends(ctx context.Context, windowDays int) ([]Trend, error) {
	checkIns, err := c.fetchCheckIns(ctx, 0)
	if err != nil {
		return nil, err
	}
	return ComputeTrends(checkIns, c.today(), windowDays), nil
}

// Correlations computes the curated metric-pair correlations over the cached
// check-in history.
func (c *Client) Correlations(ctx context.Context) ([]Correlation, error) {
	checkIns, err := c.fetchCheckIns(ctx, 0)
	if err != nil {
		return nil, err
	}
	return ComputeCorrelations(checkIns), nil
}

// Achievements evaluates achievement progress against the confirmed streak
// state, unlocking and persisting any newly-met requirements.
func (c *Client) Achievements(ctx context.Context) ([]Achievement, error) {
	streak, err := c.Streak(ctx)
	if err != nil {
		return nil, err
	}
	return c.achievements.Evaluate(ctx, c.ownerID, streak)
}

// PendingCount returns the number of queued outbox entries.
func (c *Client) PendingCount(ctx context.Context) (int, error) {
	return c.outbox.PendingCount(ctx)
}

// Drain flushes the outbox now. Most callers rely on the automatic drain on
// reachability transitions instead.
func (c *Client) Drain(ctx context.Context) (DrainStats, error) {
	return c.sync.Drain(ctx)
}

// Reset clears every locally cached record for the owner. The outbox and
// achievement unlocks are left intact.
func (c *Client) Reset(ctx context.Context) error {
	return c.cache.Clear(ctx, c.ownerID)
}

// Close releases the local database when the client owns it.
func (c *Client) Close() error {
	if c.ownsKV {
		return c.kv.Close()
	}
	return nil
}

func (c *Client) drainInBackground() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	stats, err := c.sync.Drain(ctx)
	if err != nil {
		slog.Warn("background drain failed",
			"component", "client",
			"owner_id", c.ownerID,
			"error", err,
		)
		return
	}
	if stats.Synced > 0 || stats.Failed > 0 || stats.Dropped > 0 {
		slog.Info("background drain finished",
			"component", "client",
			"owner_id", c.ownerID,
			"synced", stats.Synced,
			"failed", stats.Failed,
			"dropped", stats.Dropped,
		)
	}
}

// fetchCheckIns reads the cached check-in history as typed values, skipping
// records whose payloads do not decode.
func (c *Client) fetchCheckIns(ctx context.Context, limit int) ([]CheckIn, error) {
	records, err := c.sync.FetchRecent(ctx, DataCheckins, limit)
	if err != nil {
		return nil, err
	}

	checkIns := make([]CheckIn, 0, len(records))
	for _, rec := range records {
		ci, err := DecodeCheckIn(rec)
		if err != nil {
			slog.Warn("skipping undecodable check-in",
				"component", "client",
				"record_id", rec.ID,
				"error", err,
			)
			continue
		}
		checkIns = append(checkIns, ci)
	}
	return checkIns, nil
}

// validateMetrics enforces the 1-10 scale on every metric.
func validateMetrics(m CheckInMetrics) error {
	for _, v := range []struct {
		name  Metric
		value int
	}{
		{MetricMood, m.Mood},
		{MetricEnergy, m.Energy},
		{MetricStress, m.Stress},
		{MetricAnxiety, m.Anxiety},
		{MetricSleep, m.Sleep},
		{MetricFocus, m.Focus},
	} {
		if v.value < 1 || v.value > 10 {
			return fmt.Errorf("companion: %s must be between 1 and 10, got %d", v.name, v.value)
		}
	}
	return nil
}
