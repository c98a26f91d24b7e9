// Package memory maintains each user's rolling performance aggregate.
package memory

import (
	"math"
	"sort"
	"time"

	"session-analyzer/internal/models"
)

const (
	// Alpha is the EMA smoothing factor.
	Alpha = 0.2
	// WeaknessFloor flags any metric whose latest value is below it.
	WeaknessFloor = 50.0
	// WeaknessRatio flags a metric whose latest value falls below this
	// fraction of its own mean.
	WeaknessRatio = 0.75
	// TrendThreshold separates improving/declining from stable.
	TrendThreshold = 5.0

	appliedCap = 32
)

// Observation is the part of an analysis result folded into a Memory.
type Observation struct {
	AnalysisID string
	Subject    string
	Language   string
	Scores     models.Scores
}

// ObservationFrom extracts the aggregate inputs from a stored result.
func ObservationFrom(r models.AnalysisResult) Observation {
	return Observation{AnalysisID: r.ID, Subject: r.Subject, Language: r.Language, Scores: r.Scores}
}

// UpdateMetric applies one EMA step. Trend is measured against the mean
// before this update.
func UpdateMetric(s models.MetricStats, latest float64) models.MetricStats {
	mean := latest
	if s.Mean != 0 {
		mean = Alpha*latest + (1-Alpha)*s.Mean
	}
	return models.MetricStats{
		Mean:   mean,
		Latest: latest,
		Min:    math.Min(s.Min, latest),
		Max:    math.Max(s.Max, latest),
		Trend:  latest - s.Mean,
	}
}

// IsWeak reports whether a metric should be flagged as a focus area.
func IsWeak(s models.MetricStats) bool {
	return s.Latest < WeaknessFloor || s.Latest < WeaknessRatio*s.Mean
}

// Label classifies a trend.
func Label(trend float64) models.TrendLabel {
	switch {
	case trend > TrendThreshold:
		return models.TrendImproving
	case trend < -TrendThreshold:
		return models.TrendDeclining
	default:
		return models.TrendStable
	}
}

// Apply folds obs into prev and returns the new aggregate. prev is not
// modified. TotalSessions, Version and identity are left to the store, which
// increments them atomically on write.
func Apply(prev models.Memory, obs Observation, now time.Time) models.Memory {
	next := prev
	next.Metrics = make(map[string]models.MetricStats, len(models.MetricNames))
	for _, name := range models.MetricNames {
		next.Metrics[name] = UpdateMetric(prev.Metric(name), obs.Scores.Value(name))
	}

	next.Weaknesses = mergeWeaknesses(prev.Weaknesses, next.Metrics, now)

	next.DominantEmotions = make(map[string]int, len(prev.DominantEmotions)+1)
	for k, v := range prev.DominantEmotions {
		next.DominantEmotions[k] = v
	}
	if obs.Scores.DominantEmotion != "" {
		next.DominantEmotions[obs.Scores.DominantEmotion]++
	}
	next.FrequentDominantEmotion = mode(next.DominantEmotions)

	next.SubjectsCovered = addToSet(prev.SubjectsCovered, obs.Subject)
	next.LanguagesCovered = addToSet(prev.LanguagesCovered, obs.Language)

	var sum float64
	for _, name := range models.MetricNames {
		sum += next.Metrics[name].Mean
	}
	next.OverallScore = sum / float64(len(models.MetricNames))

	next.AppliedAnalyses = appendApplied(prev.AppliedAnalyses, obs.AnalysisID)
	return next
}

func mergeWeaknesses(existing []models.Weakness, metrics map[string]models.MetricStats, now time.Time) []models.Weakness {
	out := append([]models.Weakness(nil), existing...)
	index := make(map[string]int, len(out))
	for i, w := range out {
		index[w.FieldName] = i
	}
	for _, name := range models.MetricNames {
		s := metrics[name]
		if !IsWeak(s) {
			continue
		}
		if i, ok := index[name]; ok {
			out[i].Occurrences++
			out[i].AverageScore = s.Mean
			out[i].LatestScore = s.Latest
			out[i].TrendLabel = Label(s.Trend)
			out[i].LastUpdated = now
			continue
		}
		index[name] = len(out)
		out = append(out, models.Weakness{
			FieldName:    name,
			AverageScore: s.Mean,
			LatestScore:  s.Latest,
			Occurrences:  1,
			TrendLabel:   Label(s.Trend),
			LastUpdated:  now,
		})
	}
	if out == nil {
		out = []models.Weakness{}
	}
	return out
}

// mode returns the most frequent emotion; ties go to the alphabetically
// first name.
func mode(freq map[string]int) string {
	keys := make([]string, 0, len(freq))
	for k := range freq {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	best, bestN := "", 0
	for _, k := range keys {
		if freq[k] > bestN {
			best, bestN = k, freq[k]
		}
	}
	return best
}

func addToSet(set []string, v string) []string {
	out := append([]string{}, set...)
	if v == "" {
		return out
	}
	for _, s := range out {
		if s == v {
			return out
		}
	}
	return append(out, v)
}

func appendApplied(ids []string, id string) []string {
	out := append([]string{}, ids...)
	if id == "" {
		return out
	}
	out = append(out, id)
	if len(out) > appliedCap {
		out = out[len(out)-appliedCap:]
	}
	return out
}
