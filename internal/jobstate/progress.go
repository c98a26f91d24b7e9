package jobstate

// Progress floors for each pipeline step.
const (
	ProgressUploading          = 5
	ProgressUploaded           = 20
	ProgressAnalyzing          = 30
	ProgressAnalysisDone       = 70
	ProgressGeneratingFeedback = 75
	ProgressFeedbackDone       = 90
	ProgressCompleted          = 100
)

// Clamp bounds p to [0, 100].
func Clamp(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// Bump returns the progress after proposing a new value; it never decreases.
func Bump(current, proposed int) int {
	current = Clamp(current)
	if p := Clamp(proposed); p > current {
		return p
	}
	return current
}
