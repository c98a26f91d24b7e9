package pipeline

import (
	"context"
	"errors"
	"strings"
)

// User-facing failure messages.
const (
	MsgGeneric            = "Analysis failed. Please try again."
	MsgTimeout            = "Analysis timed out. Please try again with a shorter video or retry later."
	MsgRateLimited        = "The analysis service is busy (rate-limited). Please wait a minute and try again."
	MsgUpload             = "Video upload failed. Please check your connection and try again."
	MsgNetwork            = "Network error while contacting the analysis service. Please try again."
	MsgMissingStoragePath = "Missing storage path; please re-upload and retry."
	MsgSignedURLFailed    = "Could not fetch video from storage for restart. Please re-upload and retry."
	MsgDownloadFailed     = "Failed to download video for restart. Please re-upload and retry."
)

const maxMessageRunes = 180

var networkMarkers = []string{"network", "fetch", "econn", "enotfound", "connection refused", "connection reset", "no such host", "dial tcp"}

// UserMessage maps an internal error to a short, non-technical string. Known
// categories get fixed messages; anything else is cut to 180 runes. The
// result is always valid UTF-8.
func UserMessage(err error) string {
	if err == nil {
		return MsgGeneric
	}
	msg := strings.TrimSpace(strings.ToValidUTF8(err.Error(), ""))
	lower := strings.ToLower(msg)
	switch {
	case msg == "":
		return MsgGeneric
	case errors.Is(err, context.DeadlineExceeded),
		strings.Contains(lower, "timeout"),
		strings.Contains(lower, "timed out"),
		strings.Contains(lower, "deadline exceeded"):
		return MsgTimeout
	case strings.Contains(lower, "rate") && (strings.Contains(lower, "limit") || strings.Contains(lower, "429")):
		return MsgRateLimited
	case strings.Contains(lower, "upload"):
		return MsgUpload
	case containsAny(lower, networkMarkers):
		return MsgNetwork
	}
	if r := []rune(msg); len(r) > maxMessageRunes {
		return string(r[:maxMessageRunes]) + "…"
	}
	return msg
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
