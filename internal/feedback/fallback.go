package feedback

import (
	"fmt"

	"session-analyzer/internal/models"
)

// Fallback synthesizes a report from clarity, confidence and engagement
// when the generation service is unavailable. It always validates.
func Fallback(teacherName string, s models.Scores) models.Feedback {
	if teacherName == "" {
		teacherName = DefaultTeacherName
	}
	avg := (s.ClarityScore + s.ConfidenceScore + s.EngagementScore) / 3

	var level string
	switch {
	case avg >= 80:
		level = "strong"
	case avg >= 60:
		level = "good"
	case avg >= 40:
		level = "developing"
	default:
		level = "needs improvement"
	}

	var strengths []string
	if s.ClarityScore >= 70 {
		strengths = append(strengths, "Clear communication and content presentation")
	}
	if s.ConfidenceScore >= 70 {
		strengths = append(strengths, "Confident and assured delivery")
	}
	if s.EngagementScore >= 70 {
		strengths = append(strengths, "Good audience engagement")
	}
	if len(strengths) == 0 {
		strengths = []string{"Session completed successfully", "Content delivered"}
	}

	var weaknesses []string
	if s.ClarityScore < 60 {
		weaknesses = append(weaknesses, "Improve clarity and articulation of concepts")
	}
	if s.ConfidenceScore < 60 {
		weaknesses = append(weaknesses, "Build more confidence in presentation")
	}
	if s.EngagementScore < 60 {
		weaknesses = append(weaknesses, "Increase interaction and audience engagement")
	}
	if len(weaknesses) == 0 {
		weaknesses = []string{"Continue maintaining current teaching standards"}
	}

	return models.Feedback{
		PerformanceSummary: fmt.Sprintf("%s, your session demonstrated %s overall performance. "+
			"Your scores highlight your strengths and areas for growth. "+
			"Keep practicing and refining your skills for continued improvement.", teacherName, level),
		TeachingStyle: models.TeachingStyle{
			Style:       "Developing",
			Explanation: "Session shows potential with room for refining your teaching approach.",
		},
		Strengths:            strengths,
		Weaknesses:           weaknesses,
		FactualAccuracyAudit: []string{"Detailed audit unavailable"},
		ContentMetadata: models.ContentMetadata{
			Titles: []string{
				"Teaching Session Lesson Recording",
				"Educational Video Content",
				"Online Classroom Session",
			},
			Hashtags: []string{"#TeacherLife", "#OnlineTeaching", "#Education", "#LearningContent", "#ClassroomSession"},
		},
	}
}
