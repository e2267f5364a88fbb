package companion

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"
)

// DefaultTrendWindowDays is the lookback window for trend computation.
const DefaultTrendWindowDays = 14

// minInsightSamples is the fewest check-ins a trend or correlation needs
// before it says anything.
const minInsightSamples = 3

// trendStableBand is the half-width of the mean delta treated as stable.
const trendStableBand = 0.5

// correlationPairs are the metric pairs worth surfacing. Pairs are fixed
// rather than all fifteen combinations so the output stays readable.
var correlationPairs = [][2]Metric{
	{MetricSleep, MetricMood},
	{MetricStress, MetricSleep},
	{MetricEnergy, MetricMood},
	{MetricAnxiety, MetricSleep},
	{MetricStress, MetricAnxiety},
	{MetricEnergy, MetricFocus},
}

// ComputeTrends compares each metric's mean over the recent half of the
// window against the older half. today bounds the window; windowDays <= 0
// selects DefaultTrendWindowDays. Metrics with fewer than three data points
// in the window are omitted.
func ComputeTrends(checkIns []CheckIn, today string, windowDays int) []Trend {
	if windowDays <= 0 {
		windowDays = DefaultTrendWindowDays
	}

	cutoff := addDays(today, -(windowDays - 1))
	var window []CheckIn
	for _, ci := range checkIns {
		if ci.Date >= cutoff && ci.Date <= today {
			window = append(window, ci)
		}
	}
	// Most recent first so the halves split cleanly.
	sortCheckIns(window)

	var trends []Trend
	for _, metric := range []Metric{MetricMood, MetricEnergy, MetricStress, MetricAnxiety, MetricSleep, MetricFocus} {
		if len(window) < minInsightSamples {
			continue
		}

		half := len(window) / 2
		recent := window[:half]
		older := window[half:]
		if len(recent) == 0 {
			continue
		}

		recentMean := meanOf(recent, metric)
		olderMean := meanOf(older, metric)
		change := recentMean - olderMean

		direction := TrendStable
		if math.Abs(change) > trendStableBand {
			improving := change > 0
			// For stress and anxiety a falling mean is the improvement.
			if invertedMetrics[metric] {
				improving = !improving
			}
			if improving {
				direction = TrendImproving
			} else {
				direction = TrendDeclining
			}
		}

		trends = append(trends, Trend{
			Metric:     metric,
			RecentMean: round2(recentMean),
			OlderMean:  round2(olderMean),
			Change:     round2(change),
			Direction:  direction,
			SampleSize: len(window),
		})
	}
	return trends
}

// ComputeCorrelations returns the Pearson association for each curated metric
// pair across the full check-in history. Pairs with fewer than three samples
// are reported with a zero coefficient and no strength.
func ComputeCorrelations(checkIns []CheckIn) []Correlation {
	correlations := make([]Correlation, 0, len(correlationPairs))
	for _, pair := range correlationPairs {
		a := make([]float64, 0, len(checkIns))
		b := make([]float64, 0, len(checkIns))
		for _, ci := range checkIns {
			a = append(a, ci.Metrics.Value(pair[0]))
			b = append(b, ci.Metrics.Value(pair[1]))
		}

		coeff := 0.0
		if len(checkIns) >= minInsightSamples {
			coeff = pearson(a, b)
		}

		correlations = append(correlations, Correlation{
			MetricA:     pair[0],
			MetricB:     pair[1],
			Coefficient: round2(coeff),
			Strength:    strengthOf(coeff),
			SampleSize:  len(checkIns),
		})
	}
	return correlations
}

// pearson computes the Pearson coefficient for two equal-length series. Two
// identical series correlate perfectly even when both are constant; a single
// constant series against a varying one has no defined correlation and is
// reported as zero. The result is clamped to [-1, 1] to absorb floating-point
// drift.
func pearson(a, b []float64) float64 {
	n := float64(len(a))
	if n == 0 {
		return 0
	}

	meanA, meanB := 0.0, 0.0
	for i := range a {
		meanA += a[i]
		meanB += b[i]
	}
	meanA /= n
	meanB /= n

	var cov, varA, varB float64
	for i := range a {
		da := a[i] - meanA
		db := b[i] - meanB
		cov += da * db
		varA += da * da
		varB += db * db
	}

	if varA == 0 && varB == 0 {
		identical := true
		for i := range a {
			if a[i] != b[i] {
				identical = false
				break
			}
		}
		if identical {
			return 1
		}
		return 0
	}
	if varA == 0 || varB == 0 {
		return 0
	}

	coeff := cov / math.Sqrt(varA*varB)
	return math.Max(-1, math.Min(1, coeff))
}

func strengthOf(coeff float64) CorrelationStrength {
	abs := math.Abs(coeff)
	switch {
	case abs >= 0.7:
		return CorrelationStrong
	case abs >= 0.4:
		return CorrelationModerate
	case abs >= 0.2:
		return CorrelationWeak
	default:
		return CorrelationNone
	}
}

func meanOf(checkIns []CheckIn, metric Metric) float64 {
	if len(checkIns) == 0 {
		return 0
	}
	sum := 0.0
	for _, ci := range checkIns {
		sum += ci.Metrics.Value(metric)
	}
	return sum / float64(len(checkIns))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// sortCheckIns orders check-ins most recent first by date.
func sortCheckIns(checkIns []CheckIn) {
	sort.SliceStable(checkIns, func(i, j int) bool {
		return checkIns[i].Date > checkIns[j].Date
	})
}

// achievementDef is a fixed achievement rule. current extracts the value the
// requirement is measured against.
type achievementDef struct {
	ID          string
	Title       string
	Description string
	Requirement float64
	current     func(streak StreakState) float64
}

var achievementDefs = []achievementDef{
	{
		ID:          "first_checkin",
		Title:       "First Step",
		Description: "Complete your first check-in",
		Requirement: 1,
		current:     func(s StreakState) float64 { return float64(s.TotalCheckins) },
	},
	{
		ID:          "streak_3",
		Title:       "Finding Rhythm",
		Description: "Check in 3 days in a row",
		Requirement: 3,
		current:     func(s StreakState) float64 { return float64(s.LongestStreak) },
	},
	{
		ID:          "streak_7",
		Title:       "One Full Week",
		Description: "Check in 7 days in a row",
		Requirement: 7,
		current:     func(s StreakState) float64 { return float64(s.LongestStreak) },
	},
	{
		ID:          "streak_30",
		Title:       "Monthly Anchor",
		Description: "Check in 30 days in a row",
		Requirement: 30,
		current:     func(s StreakState) float64 { return float64(s.LongestStreak) },
	},
	{
		ID:          "total_10",
		Title:       "Ten Check-ins",
		Description: "Complete 10 check-ins",
		Requirement: 10,
		current:     func(s StreakState) float64 { return float64(s.TotalCheckins) },
	},
	{
		ID:          "total_50",
		Title:       "Fifty Check-ins",
		Description: "Complete 50 check-ins",
		Requirement: 50,
		current:     func(s StreakState) float64 { return float64(s.TotalCheckins) },
	},
}

// AchievementTracker evaluates achievement progress and persists unlock
// timestamps in the KV so unlocks survive history regressions. An unlocked
// achievement stays unlocked even if the value it was measured against later
// drops below the requirement.
type AchievementTracker struct {
	kv    KV
	clock func() time.Time
}

// NewAchievementTracker creates a tracker over the given KV.
func NewAchievementTracker(kv KV) *AchievementTracker {
	return &AchievementTracker{kv: kv, clock: time.Now}
}

func achievementsKey(ownerID string) string {
	return fmt.Sprintf("achievements_%s", ownerID)
}

// Evaluate returns the full achievement list with current progress, unlocking
// any newly-met requirements and persisting the unlock times.
func (t *AchievementTracker) Evaluate(ctx context.Context, ownerID string, streak StreakState) ([]Achievement, error) {
	unlocked, err := t.loadUnlocked(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	changed := false
	achievements := make([]Achievement, 0, len(achievementDefs))
	for _, def := range achievementDefs {
		current := def.current(streak)
		a := Achievement{
			ID:          def.ID,
			Title:       def.Title,
			Description: def.Description,
			Requirement: def.Requirement,
			Current:     current,
			Progress:    math.Min(100, current/def.Requirement*100),
		}

		if at, ok := unlocked[def.ID]; ok {
			a.UnlockedAt = &at
			// Progress never reads below complete once unlocked.
			if a.Progress < 100 {
				a.Progress = 100
			}
		} else if current >= def.Requirement {
			now := t.clock().UTC()
			unlocked[def.ID] = now
			a.UnlockedAt = &now
			changed = true
			slog.Info("achievement unlocked",
				"component", "insights",
				"achievement", def.ID,
			)
		}

		achievements = append(achievements, a)
	}

	if changed {
		if err := t.saveUnlocked(ctx, ownerID, unlocked); err != nil {
			return nil, err
		}
	}
	return achievements, nil
}

func (t *AchievementTracker) loadUnlocked(ctx context.Context, ownerID string) (map[string]time.Time, error) {
	raw, ok, err := t.kv.GetItem(ctx, achievementsKey(ownerID))
	if err != nil {
		return nil, fmt.Errorf("read achievements: %w", err)
	}
	if !ok {
		return make(map[string]time.Time), nil
	}

	var unlocked map[string]time.Time
	if err := json.Unmarshal([]byte(raw), &unlocked); err != nil {
		slog.Warn("corrupt achievement state treated as empty",
			"component", "insights",
			"error", err,
		)
		return make(map[string]time.Time), nil
	}
	return unlocked, nil
}

func (t *AchievementTracker) saveUnlocked(ctx context.Context, ownerID string, unlocked map[string]time.Time) error {
	data, err := json.Marshal(unlocked)
	if err != nil {
		return fmt.Errorf("marshal achievements: %w", err)
	}
	if err := t.kv.SetItem(ctx, achievementsKey(ownerID), string(data)); err != nil {
		return fmt.Errorf("write achievements: %w", err)
	}
	return nil
}
