package feedback

import (
	"encoding/json"
	"fmt"
	"strings"

	"session-analyzer/internal/models"
)

// DefaultTeacherName is used when the user's name is unknown.
const DefaultTeacherName = "Teacher"

// PromptInput carries everything the coaching prompt refers to.
type PromptInput struct {
	TeacherName string
	Topic       string
	Language    string
	Transcript  string
	Scores      models.Scores
	// Memory is nil for a user's first session.
	Memory *models.Memory
}

// BuildPrompt renders the coaching prompt. Returning users get a summary of
// their history so the report can refer back to earlier sessions.
func BuildPrompt(in PromptInput) string {
	name := in.TeacherName
	if name == "" {
		name = DefaultTeacherName
	}
	summary := ""
	if in.Memory != nil {
		summary = MemorySummary(*in.Memory)
	}
	newUser := summary == ""

	scores, _ := json.MarshalIndent(in.Scores, "", "  ")

	var b strings.Builder
	fmt.Fprintf(&b, "You are an expert Pedagogical Coach and Technical Auditor.\n")
	fmt.Fprintf(&b, "Your goal is to evaluate %s based on their session transcript and computed AI scores.\n\n", name)
	fmt.Fprintf(&b, "**Session Details:**\n")
	fmt.Fprintf(&b, "- Teacher: %s\n- Topic: %s\n- Language: %s\n", name, in.Topic, in.Language)
	if newUser {
		fmt.Fprintf(&b, "- User Type: New teacher (first session)\n")
	} else {
		fmt.Fprintf(&b, "- User Type: Returning teacher\n")
	}
	fmt.Fprintf(&b, "- AI Analysis Scores: %s\n\n", scores)
	if !newUser {
		fmt.Fprintf(&b, "**Previous Performance Summary:**\n%s\n\n", summary)
	}
	fmt.Fprintf(&b, "**Transcript:**\n%q\n\n", in.Transcript)

	fmt.Fprintf(&b, "**Task:**\nAnalyze the session and generate a JSON report containing:\n\n")
	if newUser {
		fmt.Fprintf(&b, "1. **performance_summary**: A 2-3 sentence executive summary. For this first session, focus on foundational observations and initial potential.\n")
	} else {
		fmt.Fprintf(&b, "1. **performance_summary**: A 2-3 sentence executive summary. Reference %s's previous performance to show continuity and improvement or decline.\n", name)
	}
	fmt.Fprintf(&b, "2. **teaching_style**: Classify the style (e.g. 'Authoritative', 'Facilitator', 'Demonstrator', 'Hybrid') with a 1-sentence explanation.\n")
	fmt.Fprintf(&b, "3. **strengths**: 3 key strengths based on the scores and transcript.\n")
	fmt.Fprintf(&b, "4. **weaknesses**: 3 areas for improvement based on the scores and transcript.\n")
	fmt.Fprintf(&b, "5. **factual_accuracy_audit**: Corrections of technical errors relative to the topic '%s', or [\"No errors found\"].\n", in.Topic)
	fmt.Fprintf(&b, "6. **content_metadata.titles**: 3 catchy titles for this video lesson.\n")
	fmt.Fprintf(&b, "7. **content_metadata.hashtags**: 5 relevant hashtags.\n")
	fmt.Fprintf(&b, "8. **multilingual_feedback**: If '%s' is not English, the performance_summary translated into %s; otherwise null.\n\n", in.Language, in.Language)

	fmt.Fprintf(&b, "**Output Format:**\nReturn ONLY the raw JSON object, without markdown formatting:\n")
	b.WriteString(`{
    "performance_summary": "...",
    "teaching_style": { "style": "...", "explanation": "..." },
    "strengths": ["...", "...", "..."],
    "weaknesses": ["...", "...", "..."],
    "factual_accuracy_audit": ["..."],
    "content_metadata": { "titles": ["..."], "hashtags": ["..."] },
    "multilingual_feedback": "..." or null
}`)
	return b.String()
}

// MemorySummary condenses a user's history into one line of sentences.
// It returns "" when there is nothing worth mentioning.
func MemorySummary(m models.Memory) string {
	var parts []string
	if m.TotalSessions > 0 {
		parts = append(parts, fmt.Sprintf("Total sessions completed: %d", m.TotalSessions))
	}
	for _, avg := range []struct{ label, metric string }{
		{"clarity", models.MetricClarity},
		{"confidence", models.MetricConfidence},
		{"engagement", models.MetricEngagement},
	} {
		if mean := m.Metric(avg.metric).Mean; mean != 0 {
			parts = append(parts, fmt.Sprintf("Average %s: %.1f%%", avg.label, mean))
		}
	}
	switch trend := m.Metric(models.MetricClarity).Trend; {
	case trend > 0:
		parts = append(parts, "Clarity trend: improving")
	case trend < 0:
		parts = append(parts, "Clarity trend: declining")
	}
	if len(m.Weaknesses) > 0 {
		var fields []string
		for i, w := range m.Weaknesses {
			if i == 3 {
				break
			}
			fields = append(fields, w.FieldName)
		}
		parts = append(parts, "Known areas for improvement: "+strings.Join(fields, ", "))
	}
	if len(m.SubjectsCovered) > 0 {
		parts = append(parts, "Subjects taught: "+strings.Join(m.SubjectsCovered, ", "))
	}
	if len(parts) == 0 {
		return ""
	}
	return strings.Join(parts, ". ") + "."
}
