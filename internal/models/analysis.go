package models

import "time"

// ComponentStatus is the per-modality processing state recorded on a result.
type ComponentStatus string

const (
	ComponentPending    ComponentStatus = "pending"
	ComponentProcessing ComponentStatus = "processing"
	ComponentCompleted  ComponentStatus = "completed"
	ComponentFailed     ComponentStatus = "failed"
)

// ProcessingStatus mirrors phase completion for audit purposes.
type ProcessingStatus struct {
	Video    ComponentStatus `json:"video"`
	Audio    ComponentStatus `json:"audio"`
	Text     ComponentStatus `json:"text"`
	Feedback ComponentStatus `json:"feedback"`
	Overall  ComponentStatus `json:"overall"`
}

// Scores are the numeric outputs of inference, flattened.
type Scores struct {
	ClarityScore        float64            `json:"clarityScore"`
	ConfidenceScore     float64            `json:"confidenceScore"`
	AudioFeatures       []float64          `json:"audioFeatures,omitempty"`
	EngagementScore     float64            `json:"engagementScore"`
	GestureIndex        float64            `json:"gestureIndex"`
	DominantEmotion     string             `json:"dominantEmotion"`
	TechnicalDepth      float64            `json:"technicalDepth"`
	InteractionIndex    float64            `json:"interactionIndex"`
	TopicMatches        map[string]float64 `json:"topicMatches,omitempty"`
	TopicRelevanceScore float64            `json:"topicRelevanceScore"`
}

// TeachingStyle classifies delivery.
type TeachingStyle struct {
	Style       string `json:"style"`
	Explanation string `json:"explanation"`
}

// ContentMetadata holds publishing suggestions for the recording.
type ContentMetadata struct {
	Titles   []string `json:"titles"`
	Hashtags []string `json:"hashtags"`
}

// Feedback is the structured coaching report.
type Feedback struct {
	PerformanceSummary   string          `json:"performance_summary" validate:"required"`
	TeachingStyle        TeachingStyle   `json:"teaching_style"`
	Strengths            []string        `json:"strengths" validate:"required,min=1"`
	Weaknesses           []string        `json:"weaknesses" validate:"required,min=1"`
	FactualAccuracyAudit []string        `json:"factual_accuracy_audit"`
	ContentMetadata      ContentMetadata `json:"content_metadata"`
	MultilingualFeedback *string         `json:"multilingual_feedback"`
}

// AnalysisResult is the durable outcome of one successful pipeline run.
type AnalysisResult struct {
	ID               string           `json:"id"`
	JobID            string           `json:"jobId"`
	UserID           string           `json:"userId"`
	Subject          string           `json:"subject"`
	Language         string           `json:"language"`
	VideoMetadata    *VideoMetadata   `json:"videoMetadata,omitempty"`
	VideoURL         string           `json:"videoUrl,omitempty"`
	SessionID        string           `json:"sessionId"`
	Topic            string           `json:"topic"`
	Transcript       string           `json:"transcript"`
	Scores           Scores           `json:"scores"`
	Feedback         *Feedback        `json:"coachFeedback,omitempty"`
	FeedbackError    string           `json:"coachFeedbackError,omitempty"`
	ProcessingStatus ProcessingStatus `json:"processingStatus"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}
