// Package feedback produces the coaching report for an analyzed session:
// it builds the prompt, calls the text-generation service and, when that
// fails, synthesizes a report from the scores alone.
package feedback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"session-analyzer/internal/models"
)

// ErrInvalidFeedback marks a reply without a summary, strengths and
// weaknesses.
var ErrInvalidFeedback = errors.New("invalid feedback structure")

// Client calls POST <baseURL>/generate_genai_feedback.
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

type generateRequest struct {
	UserPrompt string `json:"user_prompt"`
}

type errorReply struct {
	Error   string `json:"error"`
	Details string `json:"details"`
}

// Generate sends prompt and returns the validated report.
func (c *Client) Generate(ctx context.Context, prompt string) (models.Feedback, error) {
	payload, err := json.Marshal(generateRequest{UserPrompt: prompt})
	if err != nil {
		return models.Feedback{}, fmt.Errorf("marshalling request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/generate_genai_feedback", bytes.NewReader(payload))
	if err != nil {
		return models.Feedback{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return models.Feedback{}, fmt.Errorf("feedback request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return models.Feedback{}, fmt.Errorf("reading feedback response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var e errorReply
		_ = json.Unmarshal(raw, &e)
		if e.Error == "" {
			e.Error = strings.TrimSpace(string(raw))
		}
		return models.Feedback{}, fmt.Errorf("feedback service returned status %d: %s", resp.StatusCode, e.Error)
	}
	return c.Decode(raw)
}

// Decode accepts a JSON report, a JSON string holding one (optionally
// wrapped in a markdown code fence), or a {"data": [report]} envelope.
func (c *Client) Decode(raw []byte) (models.Feedback, error) {
	body := bytes.TrimSpace(raw)

	var s string
	if err := json.Unmarshal(body, &s); err == nil {
		body = []byte(StripFences(s))
	} else {
		body = []byte(StripFences(string(body)))
	}

	var env struct {
		Data []json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err == nil && len(env.Data) > 0 {
		return c.Decode(env.Data[0])
	}

	var fb models.Feedback
	if err := json.Unmarshal(body, &fb); err != nil {
		return models.Feedback{}, fmt.Errorf("%w: %v", ErrInvalidFeedback, err)
	}
	if err := c.validate.Struct(fb); err != nil {
		return models.Feedback{}, fmt.Errorf("%w: %v", ErrInvalidFeedback, err)
	}
	return fb, nil
}

// StripFences removes a surrounding ``` or ```json fence.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
