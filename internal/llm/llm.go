// Package llm defines the backend-agnostic request and result shapes shared by
// the generative model adapters.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

type Message struct {
	Role Role
	Text string
}

type Request struct {
	SystemPrompt    string
	Messages        []Message
	Temperature     float64
	MaxOutputTokens int
	WebSearch       bool
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Result is the first candidate of a generation call. HasCandidate is false
// when the backend returned no candidate at all; Text is empty when the
// candidate carried no usable text. Citations lists cited URLs for logging;
// only GroundingChunks drives citation cleanup and the footer.
type Result struct {
	HasCandidate    bool
	Text            string
	Usage           *Usage
	GroundingChunks int
	Citations       []string
	Model           string
	Raw             []byte
}

type Backend interface {
	Name() string
	Generate(ctx context.Context, credential string, req Request) (Result, error)
	// IsQuotaError reports whether err means the credential or project ran
	// out of quota.
	IsQuotaError(err error) bool
}

// APIError is returned for non-2xx backend responses. Reason carries the
// provider status such as RESOURCE_EXHAUSTED when the body names one.
type APIError struct {
	StatusCode int
	Status     string
	Reason     string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	message := strings.TrimSpace(e.Message)
	if message == "" {
		message = strings.TrimSpace(e.Body)
	}
	if message == "" {
		message = e.Status
	}
	if e.StatusCode == 0 {
		return message
	}
	return fmt.Sprintf("status %d: %s", e.StatusCode, message)
}

func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
