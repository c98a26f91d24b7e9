package models

import (
	"time"

	"session-analyzer/internal/jobstate"
)

// VideoMetadata describes the submitted media. Storage fields are filled in
// once the upload phase succeeds.
type VideoMetadata struct {
	FileName    string `json:"fileName"`
	FileSize    int64  `json:"fileSize,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
	Duration    int    `json:"duration,omitempty"`
	StoragePath string `json:"storagePath,omitempty"`
	VideoURL    string `json:"videoUrl,omitempty"`
}

// Merge returns m with every non-empty field of other applied over it.
func (m VideoMetadata) Merge(other VideoMetadata) VideoMetadata {
	if other.FileName != "" {
		m.FileName = other.FileName
	}
	if other.FileSize != 0 {
		m.FileSize = other.FileSize
	}
	if other.MimeType != "" {
		m.MimeType = other.MimeType
	}
	if other.Duration != 0 {
		m.Duration = other.Duration
	}
	if other.StoragePath != "" {
		m.StoragePath = other.StoragePath
	}
	if other.VideoURL != "" {
		m.VideoURL = other.VideoURL
	}
	return m
}

// Job tracks one submitted video through the analysis pipeline.
type Job struct {
	ID              string          `json:"id"`
	UserID          string          `json:"userId"`
	Status          jobstate.Status `json:"status"`
	Progress        int             `json:"progress"`
	Error           *string         `json:"error,omitempty"`
	VideoMetadata   *VideoMetadata  `json:"videoMetadata,omitempty"`
	Subject         string          `json:"subject"`
	Language        string          `json:"language"`
	AnalysisID      *string         `json:"analysisId,omitempty"`
	StatusStartedAt time.Time       `json:"statusStartedAt"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// StoragePath returns the persisted storage path, if the upload landed.
func (j Job) StoragePath() string {
	if j.VideoMetadata == nil {
		return ""
	}
	return j.VideoMetadata.StoragePath
}

// JobUpdate is a partial mutation. Nil fields are left untouched.
type JobUpdate struct {
	Status        *jobstate.Status
	Progress      *int
	Error         *string
	VideoMetadata *VideoMetadata
	AnalysisID    *string
}

// Apply folds u into j under the ledger and progress rules and reports
// whether anything besides the timestamp changed. Terminal jobs are frozen.
func (u JobUpdate) Apply(j Job, now time.Time) (Job, bool) {
	j.UpdatedAt = now
	if j.Status.Terminal() {
		return j, false
	}
	changed := false
	if u.Status != nil {
		if next, ok := jobstate.Advance(j.Status, *u.Status); ok {
			j.Status = next
			j.StatusStartedAt = now
			changed = true
		}
	}
	if u.Progress != nil {
		if p := jobstate.Bump(j.Progress, *u.Progress); p != j.Progress {
			j.Progress = p
			changed = true
		}
	}
	if u.Error != nil && j.Status == jobstate.Failed {
		msg := *u.Error
		j.Error = &msg
		changed = true
	}
	if u.VideoMetadata != nil {
		base := VideoMetadata{}
		if j.VideoMetadata != nil {
			base = *j.VideoMetadata
		}
		merged := base.Merge(*u.VideoMetadata)
		j.VideoMetadata = &merged
		changed = true
	}
	if u.AnalysisID != nil && *u.AnalysisID != "" {
		id := *u.AnalysisID
		j.AnalysisID = &id
		changed = true
	}
	return j, changed
}

// StatusUpdate is shorthand for a status plus progress floor.
func StatusUpdate(st jobstate.Status, progress int) JobUpdate {
	return JobUpdate{Status: &st, Progress: &progress}
}

// FailureUpdate moves a job to failed with a user-facing message.
func FailureUpdate(msg string) JobUpdate {
	st := jobstate.Failed
	return JobUpdate{Status: &st, Error: &msg}
}
