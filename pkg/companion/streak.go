package companion

import (
	"sort"
	"time"
)

// ComputeStreak derives the streak state from the check-in history. today is
// the caller's local calendar date (YYYY-MM-DD); streak math is calendar-day
// based, so the caller decides which timezone a "day" means.
//
// The current streak counts consecutive days ending at today when today has a
// check-in, or at yesterday otherwise. A streak whose newest day is older than
// yesterday has expired and counts as zero; there is no grace period past
// local midnight plus one day.
func ComputeStreak(checkIns []CheckIn, today string) StreakState {
	days := make(map[string]bool, len(checkIns))
	for _, ci := range checkIns {
		if ci.Date != "" {
			days[ci.Date] = true
		}
	}

	state := StreakState{
		TotalCheckins: len(days),
		Phase:         StreakConfirmed,
	}
	if len(days) == 0 {
		return state
	}

	sorted := make([]string, 0, len(days))
	for d := range days {
		sorted = append(sorted, d)
	}
	sort.Strings(sorted)
	state.LastCheckinDate = sorted[len(sorted)-1]

	yesterday := addDays(today, -1)
	state.IsActive = days[today] || days[yesterday]

	anchor := ""
	switch {
	case days[today]:
		anchor = today
	case days[yesterday]:
		anchor = yesterday
	}
	if anchor != "" {
		current := 0
		for day := anchor; days[day]; day = addDays(day, -1) {
			current++
		}
		state.CurrentStreak = current
		state.StreakStartDate = addDays(anchor, -(current - 1))
	}

	longest, run := 0, 0
	prev := ""
	for _, day := range sorted {
		if prev != "" && day == addDays(prev, 1) {
			run++
		} else {
			run = 1
		}
		if run > longest {
			longest = run
		}
		prev = day
	}
	state.LongestStreak = longest
	if state.CurrentStreak > state.LongestStreak {
		state.LongestStreak = state.CurrentStreak
	}

	return state
}

// OptimisticStreak advances prev for a check-in just written locally on date,
// without waiting for the history to be re-fetched. The result is tagged
// optimistic; a later ComputeStreak over the refreshed history replaces it
// with a confirmed value. A date already counted leaves the numbers untouched.
func OptimisticStreak(prev StreakState, date string) StreakState {
	next := prev
	next.Phase = StreakOptimistic

	if date == prev.LastCheckinDate {
		return next
	}

	next.TotalCheckins = prev.TotalCheckins + 1
	next.LastCheckinDate = date
	next.IsActive = true

	if prev.LastCheckinDate != "" && date == addDays(prev.LastCheckinDate, 1) {
		next.CurrentStreak = prev.CurrentStreak + 1
		if next.StreakStartDate == "" {
			next.StreakStartDate = prev.LastCheckinDate
		}
	} else {
		next.CurrentStreak = 1
		next.StreakStartDate = date
	}
	if next.CurrentStreak > next.LongestStreak {
		next.LongestStreak = next.CurrentStreak
	}
	return next
}

// addDays shifts a YYYY-MM-DD date by n calendar days. Unparsable input is
// returned unchanged so callers degrade to treating it as a non-adjacent day.
func addDays(date string, n int) string {
	t, err := time.Parse(time.DateOnly, date)
	if err != nil {
		return date
	}
	return t.AddDate(0, 0, n).Format(time.DateOnly)
}
