// Package inference talks to the ML service that scores a teaching session
// video. Responses are validated strictly: a missing numeric score is an
// error, never a zero.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"session-analyzer/internal/models"
)

// ErrInvalidResponse marks a reply that is missing required fields or is
// not decodable.
var ErrInvalidResponse = errors.New("invalid inference response")

// Request is one video to analyze.
type Request struct {
	Video       []byte
	FileName    string
	ContentType string
	Topic       string
	Language    string
}

// Result is the validated, flattened inference output.
type Result struct {
	SessionID  string
	Topic      string
	Transcript string
	Scores     models.Scores
}

// Client calls POST <baseURL>/analyze with a multipart body.
type Client struct {
	baseURL    string
	httpClient *http.Client
	validate   *validator.Validate
}

func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		validate:   validator.New(),
	}
}

type envelope struct {
	Success bool      `json:"success"`
	Data    *response `json:"data"`
	Error   string    `json:"error"`
}

type response struct {
	SessionID  string  `json:"session_id"`
	Topic      string  `json:"topic"`
	Transcript string  `json:"transcript"`
	Scores     *scores `json:"scores" validate:"required"`
}

type scores struct {
	Audio *audioScores `json:"audio" validate:"required"`
	Video *videoScores `json:"video" validate:"required"`
	Text  *textScores  `json:"text" validate:"required"`
}

type audioScores struct {
	Clarity    *float64  `json:"clarity_score" validate:"required"`
	Confidence *float64  `json:"confidence_score" validate:"required"`
	Features   []float64 `json:"features"`
}

type videoScores struct {
	Engagement      *float64 `json:"engagement_score" validate:"required"`
	GestureIndex    *float64 `json:"gesture_index" validate:"required"`
	DominantEmotion string   `json:"dominant_emotion"`
}

type textScores struct {
	TechnicalDepth   *float64        `json:"technical_depth" validate:"required"`
	InteractionIndex *float64        `json:"interaction_index" validate:"required"`
	TopicRelevance   *topicRelevance `json:"topic_relevance" validate:"required"`
}

type topicRelevance struct {
	Matches        map[string]float64 `json:"matches"`
	RelevanceScore *float64           `json:"relevance_score" validate:"required"`
}

// Analyze uploads the video and returns validated scores.
func (c *Client) Analyze(ctx context.Context, in Request) (Result, error) {
	body, contentType, err := encodeRequest(in)
	if err != nil {
		return Result{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/analyze", body)
	if err != nil {
		return Result{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("inference request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return Result{}, fmt.Errorf("reading inference response: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return Result{}, fmt.Errorf("inference rate limit: status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("inference service returned status %d: %s", resp.StatusCode, snippet(raw))
	}
	return c.decode(raw)
}

func (c *Client) decode(raw []byte) (Result, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if !env.Success || env.Data == nil {
		msg := env.Error
		if msg == "" {
			msg = "analysis unsuccessful"
		}
		return Result{}, fmt.Errorf("%w: %s", ErrInvalidResponse, msg)
	}
	if err := c.validate.Struct(env.Data); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}

	d := env.Data
	emotion := d.Scores.Video.DominantEmotion
	if emotion == "" {
		emotion = "neutral"
	}
	return Result{
		SessionID:  d.SessionID,
		Topic:      d.Topic,
		Transcript: d.Transcript,
		Scores: models.Scores{
			ClarityScore:        *d.Scores.Audio.Clarity,
			ConfidenceScore:     *d.Scores.Audio.Confidence,
			AudioFeatures:       d.Scores.Audio.Features,
			EngagementScore:     *d.Scores.Video.Engagement,
			GestureIndex:        *d.Scores.Video.GestureIndex,
			DominantEmotion:     emotion,
			TechnicalDepth:      *d.Scores.Text.TechnicalDepth,
			InteractionIndex:    *d.Scores.Text.InteractionIndex,
			TopicMatches:        d.Scores.Text.TopicRelevance.Matches,
			TopicRelevanceScore: *d.Scores.Text.TopicRelevance.RelevanceScore,
		},
	}, nil
}

func encodeRequest(in Request) (*bytes.Buffer, string, error) {
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	name := in.FileName
	if name == "" {
		name = "video.mp4"
	}
	part, err := w.CreateFormFile("video", name)
	if err != nil {
		return nil, "", fmt.Errorf("creating video part: %w", err)
	}
	if _, err := part.Write(in.Video); err != nil {
		return nil, "", fmt.Errorf("writing video part: %w", err)
	}
	for k, v := range map[string]string{"topic": in.Topic, "language": in.Language} {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", fmt.Errorf("writing %s: %w", k, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("closing multipart body: %w", err)
	}
	return buf, w.FormDataContentType(), nil
}

const maxSnippetRunes = 200

// snippet returns the start of a response body as valid UTF-8.
func snippet(b []byte) string {
	s := strings.ToValidUTF8(strings.TrimSpace(string(b)), "")
	if r := []rune(s); len(r) > maxSnippetRunes {
		return string(r[:maxSnippetRunes])
	}
	return s
}
