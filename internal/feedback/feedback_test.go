package feedback

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"session-analyzer/internal/models"
)

const report = `{"performance_summary":"Solid session.","teaching_style":{"style":"Facilitator","explanation":"Asks questions."},"strengths":["pacing"],"weaknesses":["volume"],"factual_accuracy_audit":["No errors found"],"content_metadata":{"titles":["Sorting 101"],"hashtags":["#cs"]},"multilingual_feedback":null}`

func TestGenerate_PostsPromptAndDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/generate_genai_feedback", r.URL.Path)
		var body generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "the prompt", body.UserPrompt)
		_, _ = w.Write([]byte(report))
	}))
	defer srv.Close()

	fb, err := New(srv.URL, time.Second).Generate(context.Background(), "the prompt")
	require.NoError(t, err)
	assert.Equal(t, "Solid session.", fb.PerformanceSummary)
	assert.Equal(t, "Facilitator", fb.TeachingStyle.Style)
	assert.Nil(t, fb.MultilingualFeedback)
}

func TestGenerate_ServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"GenAI model not initialized"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, time.Second).Generate(context.Background(), "p")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GenAI model not initialized")
}

func TestDecode_Shapes(t *testing.T) {
	c := New("http://unused", time.Second)

	fenced, _ := json.Marshal("```json\n" + report + "\n```")
	wrapped := `{"data":[` + string(fenced) + `]}`

	for name, raw := range map[string]string{
		"object":         report,
		"fenced string":  string(fenced),
		"gradio wrapper": wrapped,
		"bare fence":     "```\n" + report + "\n```",
	} {
		t.Run(name, func(t *testing.T) {
			fb, err := c.Decode([]byte(raw))
			require.NoError(t, err)
			assert.Equal(t, []string{"pacing"}, fb.Strengths)
		})
	}
}

func TestDecode_RequiresCoreFields(t *testing.T) {
	c := New("http://unused", time.Second)
	for name, raw := range map[string]string{
		"no summary":      `{"strengths":["a"],"weaknesses":["b"]}`,
		"empty strengths": `{"performance_summary":"s","strengths":[],"weaknesses":["b"]}`,
		"no weaknesses":   `{"performance_summary":"s","strengths":["a"]}`,
		"garbage":         `not json`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := c.Decode([]byte(raw))
			assert.ErrorIs(t, err, ErrInvalidFeedback)
		})
	}
}

func TestFallback_Levels(t *testing.T) {
	strong := Fallback("Asha", models.Scores{ClarityScore: 90, ConfidenceScore: 85, EngagementScore: 80})
	assert.Contains(t, strong.PerformanceSummary, "Asha, your session demonstrated strong overall performance")
	assert.Len(t, strong.Strengths, 3)
	assert.Equal(t, []string{"Continue maintaining current teaching standards"}, strong.Weaknesses)

	good := Fallback("", models.Scores{ClarityScore: 60, ConfidenceScore: 60, EngagementScore: 60})
	assert.True(t, strings.HasPrefix(good.PerformanceSummary, "Teacher, your session demonstrated good"))
	assert.Equal(t, []string{"Session completed successfully", "Content delivered"}, good.Strengths)

	developing := Fallback("T", models.Scores{ClarityScore: 40, ConfidenceScore: 40, EngagementScore: 40})
	assert.Contains(t, developing.PerformanceSummary, "developing")
	assert.Len(t, developing.Weaknesses, 3)

	weak := Fallback("T", models.Scores{ClarityScore: 10, ConfidenceScore: 75, EngagementScore: 20})
	assert.Contains(t, weak.PerformanceSummary, "needs improvement")
	assert.Equal(t, []string{"Confident and assured delivery"}, weak.Strengths)
	assert.Equal(t, []string{"Detailed audit unavailable"}, weak.FactualAccuracyAudit)
	assert.Equal(t, "Developing", weak.TeachingStyle.Style)
}

func TestFallback_AlwaysValid(t *testing.T) {
	c := New("http://unused", time.Second)
	raw, err := json.Marshal(Fallback("T", models.Scores{}))
	require.NoError(t, err)
	_, err = c.Decode(raw)
	assert.NoError(t, err)
}

func TestMemorySummary(t *testing.T) {
	assert.Empty(t, MemorySummary(models.NewMemory("u1")))

	m := models.NewMemory("u1")
	m.TotalSessions = 4
	m.Metrics[models.MetricClarity] = models.MetricStats{Mean: 72.24, Trend: -3}
	m.Metrics[models.MetricEngagement] = models.MetricStats{Mean: 60}
	m.Weaknesses = []models.Weakness{{FieldName: "a"}, {FieldName: "b"}, {FieldName: "c"}, {FieldName: "d"}}
	m.SubjectsCovered = []string{"Algorithms", "Physics"}

	assert.Equal(t, "Total sessions completed: 4. Average clarity: 72.2%. Average engagement: 60.0%. "+
		"Clarity trend: declining. Known areas for improvement: a, b, c. Subjects taught: Algorithms, Physics.",
		MemorySummary(m))
}

func TestBuildPrompt(t *testing.T) {
	first := BuildPrompt(PromptInput{Topic: "Algorithms", Language: "English", Transcript: "hello"})
	assert.Contains(t, first, "Teacher: Teacher")
	assert.Contains(t, first, "New teacher (first session)")
	assert.NotContains(t, first, "Previous Performance Summary")
	assert.Contains(t, first, `"clarityScore"`)

	m := models.NewMemory("u1")
	m.TotalSessions = 2
	again := BuildPrompt(PromptInput{TeacherName: "Asha", Topic: "Algorithms", Language: "Hindi", Memory: &m})
	assert.Contains(t, again, "Returning teacher")
	assert.Contains(t, again, "Total sessions completed: 2.")
	assert.Contains(t, again, "If 'Hindi' is not English")
}

func TestBuildPrompt_TaskFieldsMatchOutputSchema(t *testing.T) {
	p := BuildPrompt(PromptInput{Topic: "Algorithms", Language: "English"})
	assert.NotContains(t, p, "**video_titles**")
	assert.NotContains(t, p, "**hashtags**")
	assert.Contains(t, p, "**content_metadata.titles**")
	assert.Contains(t, p, "**content_metadata.hashtags**")
	assert.Contains(t, p, `"content_metadata": { "titles": ["..."], "hashtags": ["..."] }`)
}

func TestStripFences(t *testing.T) {
	assert.Equal(t, `{"a":1}`, StripFences("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, StripFences(`  {"a":1} `))
}
