package orchestrator

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/sigumaa/pigeon/internal/llm"
	"github.com/sigumaa/pigeon/internal/reply"
	"github.com/sigumaa/pigeon/internal/rotation"
)

const (
	QuotaText = ":x: Too many requests, try again later?"

	maxFailureMessageRunes = 900
	ellipsis               = "..."
)

// FailureText renders the reply for a failed request. API errors carry their
// decoded payload in a spoilered code block; the whole text fits in one
// message.
func FailureText(cause error, quota bool) string {
	if quota {
		return QuotaText
	}

	message := "unknown error"
	var exhausted *rotation.ExhaustedError
	switch {
	case errors.As(cause, &exhausted) && exhausted.Err != nil:
		message = exhausted.Err.Error()
	case cause != nil:
		message = cause.Error()
	}
	message = truncateRunes(strings.ReplaceAll(message, "`", "'"), maxFailureMessageRunes)
	text := ":x: Error:\n||`" + message + "`||"

	apiErr, ok := llm.AsAPIError(cause)
	if !ok {
		return text
	}

	const open, closing = "\nAPI Error: ||```json\n", "\n```||"
	detail := apiErrorJSON(apiErr)
	room := reply.MaxMessageLength - runeCount(text) - runeCount(open) - runeCount(closing)
	if room <= runeCount(ellipsis) {
		return text
	}
	return text + open + truncateRunes(detail, room) + closing
}

func apiErrorJSON(apiErr *llm.APIError) string {
	payload := struct {
		Code    int    `json:"code"`
		Message string `json:"message,omitempty"`
		Status  string `json:"status,omitempty"`
	}{
		Code:    apiErr.StatusCode,
		Message: apiErr.Message,
		Status:  apiErr.Reason,
	}
	if payload.Message == "" {
		payload.Message = strings.TrimSpace(apiErr.Body)
	}
	body, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return apiErr.Error()
	}
	return strings.ReplaceAll(string(body), "```", "'''")
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	keep := limit - runeCount(ellipsis)
	if keep < 0 {
		keep = 0
	}
	return string(runes[:keep]) + ellipsis
}

func runeCount(s string) int {
	return len([]rune(s))
}
