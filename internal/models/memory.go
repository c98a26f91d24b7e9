package models

import "time"

// Metric names tracked on a Memory, in persisted order.
const (
	MetricClarity        = "clarityScore"
	MetricConfidence     = "confidenceScore"
	MetricEngagement     = "engagementScore"
	MetricGesture        = "gestureIndex"
	MetricTechnicalDepth = "technicalDepth"
	MetricInteraction    = "interactionIndex"
	MetricTopicRelevance = "topicRelevanceScore"
)

// MetricNames lists the seven tracked metrics.
var MetricNames = []string{
	MetricClarity,
	MetricConfidence,
	MetricEngagement,
	MetricGesture,
	MetricTechnicalDepth,
	MetricInteraction,
	MetricTopicRelevance,
}

// Value returns the named metric from s.
func (s Scores) Value(metric string) float64 {
	switch metric {
	case MetricClarity:
		return s.ClarityScore
	case MetricConfidence:
		return s.ConfidenceScore
	case MetricEngagement:
		return s.EngagementScore
	case MetricGesture:
		return s.GestureIndex
	case MetricTechnicalDepth:
		return s.TechnicalDepth
	case MetricInteraction:
		return s.InteractionIndex
	case MetricTopicRelevance:
		return s.TopicRelevanceScore
	}
	return 0
}

// MetricStats summarises one metric across sessions. Mean is an EMA.
type MetricStats struct {
	Mean   float64 `json:"mean"`
	Latest float64 `json:"latest"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Trend  float64 `json:"trend"`
}

// EmptyMetric is the seed used before a user's first session.
func EmptyMetric() MetricStats {
	return MetricStats{Min: 100}
}

// TrendLabel is the direction of a weakness.
type TrendLabel string

const (
	TrendImproving TrendLabel = "improving"
	TrendDeclining TrendLabel = "declining"
	TrendStable    TrendLabel = "stable"
)

// Weakness is a metric currently flagged as a coaching focus.
type Weakness struct {
	FieldName    string     `json:"fieldName"`
	AverageScore float64    `json:"averageScore"`
	LatestScore  float64    `json:"latestScore"`
	Occurrences  int        `json:"occurrences"`
	TrendLabel   TrendLabel `json:"trendLabel"`
	LastUpdated  time.Time  `json:"lastUpdated"`
}

// Memory is the per-user rolling aggregate. Version is bumped on every
// persisted write and used for compare-and-swap.
type Memory struct {
	ID                      string                 `json:"id"`
	UserID                  string                 `json:"userId"`
	TotalSessions           int                    `json:"totalSessions"`
	Metrics                 map[string]MetricStats `json:"metrics"`
	Weaknesses              []Weakness             `json:"weaknesses"`
	DominantEmotions        map[string]int         `json:"dominantEmotions"`
	FrequentDominantEmotion string                 `json:"frequentDominantEmotion,omitempty"`
	SubjectsCovered         []string               `json:"subjectsCovered"`
	LanguagesCovered        []string               `json:"languagesCovered"`
	OverallScore            float64                `json:"overallScore"`
	AppliedAnalyses         []string               `json:"-"`
	Version                 int64                  `json:"-"`
	LastAnalysisDate        *time.Time             `json:"lastAnalysisDate,omitempty"`
	LastSessionDate         *time.Time             `json:"lastSessionDate,omitempty"`
	CreatedAt               time.Time              `json:"createdAt"`
	UpdatedAt               time.Time              `json:"updatedAt"`
}

// NewMemory returns the unpersisted default used to seed a first update.
func NewMemory(userID string) Memory {
	metrics := make(map[string]MetricStats, len(MetricNames))
	for _, name := range MetricNames {
		metrics[name] = EmptyMetric()
	}
	return Memory{
		UserID:           userID,
		Metrics:          metrics,
		Weaknesses:       []Weakness{},
		DominantEmotions: map[string]int{},
		SubjectsCovered:  []string{},
		LanguagesCovered: []string{},
	}
}

// Metric returns the stats for name, or the empty seed.
func (m Memory) Metric(name string) MetricStats {
	if s, ok := m.Metrics[name]; ok {
		return s
	}
	return EmptyMetric()
}

// HasApplied reports whether analysisID was already folded into m.
func (m Memory) HasApplied(analysisID string) bool {
	for _, id := range m.AppliedAnalyses {
		if id == analysisID {
			return true
		}
	}
	return false
}
