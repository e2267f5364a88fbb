// Package companion implements the offline-first client core for the Anchor
// record service: a local record cache, an outbox of pending mutations, a
// reachability monitor, and the synchronizer that ties them together, plus
// derived streak and insight computation over the cached check-in history.
//
// All reads are served cache-first; remote writes that fail (or happen while
// offline) are queued in the outbox and drained when connectivity returns.
package companion

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// DataType identifies a per-owner record collection.
type DataType string

const (
	DataCheckins DataType = "checkins"
	DataPlans    DataType = "plans"
	DataSessions DataType = "sessions"
	DataFocus    DataType = "focus"
)

// Cache caps. These are real invariants bounding local storage growth, not
// incidental slice operations: every cache write evicts oldest-first down to
// the cap for the data type.
const (
	MaxCachedCheckins = 30
	MaxCachedPlans    = 30
	MaxCachedSessions = 50
	MaxCachedFocus    = 10
)

// CacheCap returns the maximum number of cached records for a data type.
func CacheCap(dt DataType) int {
	switch dt {
	case DataCheckins:
		return MaxCachedCheckins
	case DataPlans:
		return MaxCachedPlans
	case DataSessions:
		return MaxCachedSessions
	case DataFocus:
		return MaxCachedFocus
	default:
		return MaxCachedCheckins
	}
}

// TempIDPrefix marks locally-assigned ids awaiting remote confirmation.
const TempIDPrefix = "temp_"

// NewTempID returns a fresh temporary record id. ULIDs sort by creation time,
// so temp ids preserve local creation order.
func NewTempID() string {
	return TempIDPrefix + ulid.Make().String()
}

// Record is a denormalized record cached locally. Payload is the type-specific
// body (CheckInMetrics for check-ins); the envelope is shared by all types.
type Record struct {
	ID        string          `json:"id"`
	OwnerID   string          `json:"owner_id"`
	Date      string          `json:"date,omitempty"` // YYYY-MM-DD for daily records
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Pending reports whether the record still carries a temporary id, meaning
// the remote store has not confirmed it yet.
func (r Record) Pending() bool {
	return strings.HasPrefix(r.ID, TempIDPrefix)
}

// Metric names a check-in metric.
type Metric string

const (
	MetricMood    Metric = "mood"
	MetricEnergy  Metric = "energy"
	MetricStress  Metric = "stress"
	MetricAnxiety Metric = "anxiety"
	MetricSleep   Metric = "sleep"
	MetricFocus   Metric = "focus"
)

// invertedMetrics are metrics where a numeric decrease is an improvement.
var invertedMetrics = map[Metric]bool{
	MetricStress:  true,
	MetricAnxiety: true,
}

// CheckInMetrics is the payload of a daily check-in: six metrics on a 1-10
// scale plus an optional free-text note.
type CheckInMetrics struct {
	Mood    int    `json:"mood"`
	Energy  int    `json:"energy"`
	Stress  int    `json:"stress"`
	Anxiety int    `json:"anxiety"`
	Sleep   int    `json:"sleep"`
	Focus   int    `json:"focus"`
	Note    string `json:"note,omitempty"`
}

// Value returns the named metric as a float64 for derived computation.
func (m CheckInMetrics) Value(metric Metric) float64 {
	switch metric {
	case MetricMood:
		return float64(m.Mood)
	case MetricEnergy:
		return float64(m.Energy)
	case MetricStress:
		return float64(m.Stress)
	case MetricAnxiety:
		return float64(m.Anxiety)
	case MetricSleep:
		return float64(m.Sleep)
	case MetricFocus:
		return float64(m.Focus)
	default:
		return 0
	}
}

// CheckIn is the typed view of a cached check-in record.
type CheckIn struct {
	ID      string
	Date    string
	Metrics CheckInMetrics
}

// DecodeCheckIn extracts the typed check-in view from a record.
func DecodeCheckIn(r Record) (CheckIn, error) {
	var m CheckInMetrics
	if err := json.Unmarshal(r.Payload, &m); err != nil {
		return CheckIn{}, err
	}
	return CheckIn{ID: r.ID, Date: r.Date, Metrics: m}, nil
}

// StreakPhase distinguishes an optimistic local streak value from one
// recomputed from the authoritative cached history.
type StreakPhase string

const (
	StreakOptimistic StreakPhase = "optimistic"
	StreakConfirmed  StreakPhase = "confirmed"
)

// StreakState is derived from the check-in history; it is never independently
// mutated except for the optimistic increment immediately after a local write.
type StreakState struct {
	CurrentStreak   int         `json:"current_streak"`
	LongestStreak   int         `json:"longest_streak"`
	TotalCheckins   int         `json:"total_checkins"`
	LastCheckinDate string      `json:"last_checkin_date,omitempty"`
	StreakStartDate string      `json:"streak_start_date,omitempty"`
	IsActive        bool        `json:"is_active"`
	Phase           StreakPhase `json:"phase"`
}

// TrendDirection is the direction of a metric's recent mean versus its
// prior-period mean.
type TrendDirection string

const (
	TrendImproving TrendDirection = "improving"
	TrendDeclining TrendDirection = "declining"
	TrendStable    TrendDirection = "stable"
)

// Trend compares the mean of a metric over the recent half of a lookback
// window against the older half.
type Trend struct {
	Metric     Metric         `json:"metric"`
	RecentMean float64        `json:"recent_mean"`
	OlderMean  float64        `json:"older_mean"`
	Change     float64        `json:"change"`
	Direction  TrendDirection `json:"direction"`
	SampleSize int            `json:"sample_size"`
}

// CorrelationStrength buckets the absolute Pearson coefficient.
type CorrelationStrength string

const (
	CorrelationStrong   CorrelationStrength = "strong"
	CorrelationModerate CorrelationStrength = "moderate"
	CorrelationWeak     CorrelationStrength = "weak"
	CorrelationNone     CorrelationStrength = "none"
)

// Correlation is the Pearson association between two metrics across the
// check-in history.
type Correlation struct {
	MetricA     Metric              `json:"metric_a"`
	MetricB     Metric              `json:"metric_b"`
	Coefficient float64             `json:"coefficient"`
	Strength    CorrelationStrength `json:"strength"`
	SampleSize  int                 `json:"sample_size"`
}

// Achievement is a derived progress value against a fixed requirement.
// UnlockedAt is monotonic: once set it is never cleared, even if the
// underlying value later regresses below the requirement.
type Achievement struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Requirement float64    `json:"requirement"`
	Current     float64    `json:"current"`
	Progress    float64    `json:"progress"` // 0-100
	UnlockedAt  *time.Time `json:"unlocked_at,omitempty"`
}

// Unlocked reports whether the achievement has been permanently unlocked.
func (a Achievement) Unlocked() bool {
	return a.UnlockedAt != nil
}

// DrainStats summarizes an outbox drain.
type DrainStats struct {
	Synced  int
	Failed  int
	Dropped int
}
