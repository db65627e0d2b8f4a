package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/sigumaa/pigeon/internal/llm"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultModel   = "gemini-2.5-flash"
)

var quotaPattern = regexp.MustCompile(`(?i)quota`)

type Config struct {
	BaseURL    string
	Model      string
	HTTPClient *http.Client
}

type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

func NewClient(cfg Config) *Client {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}

	return &Client{
		baseURL:    baseURL,
		model:      model,
		httpClient: httpClient,
	}
}

func (c *Client) Name() string {
	return "gemini"
}

func (c *Client) Model() string {
	return c.model
}

func (c *Client) Generate(ctx context.Context, credential string, req llm.Request) (llm.Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return llm.Result{}, errors.New("credential is required")
	}
	if len(req.Messages) == 0 {
		return llm.Result{}, errors.New("at least one message is required")
	}

	body, err := json.Marshal(buildRequest(req))
	if err != nil {
		return llm.Result{}, fmt.Errorf("marshal generate request: %w", err)
	}

	endpoint := strings.TrimRight(c.baseURL, "/") + "/models/" + url.PathEscape(c.model) + ":generateContent"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return llm.Result{}, fmt.Errorf("build generate request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("x-goog-api-key", credential)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return llm.Result{}, fmt.Errorf("post generate request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return llm.Result{}, fmt.Errorf("read generate body: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return llm.Result{}, decodeAPIError(resp, respBody)
	}

	var decoded generateResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return llm.Result{}, fmt.Errorf("decode generate body: %w", err)
	}

	result := llm.Result{
		Model: strings.TrimSpace(decoded.ModelVersion),
		Raw:   respBody,
	}
	if decoded.UsageMetadata != nil {
		result.Usage = &llm.Usage{
			PromptTokens:     decoded.UsageMetadata.PromptTokenCount,
			CompletionTokens: decoded.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      decoded.UsageMetadata.TotalTokenCount,
		}
	}
	if len(decoded.Candidates) == 0 {
		return result, nil
	}

	candidate := decoded.Candidates[0]
	result.HasCandidate = true
	result.Text = firstText(candidate.Content.Parts)
	if candidate.GroundingMetadata != nil {
		result.GroundingChunks = len(candidate.GroundingMetadata.GroundingChunks)
	}
	return result, nil
}

// IsQuotaError matches HTTP 429, the RESOURCE_EXHAUSTED status, or any error
// mentioning quota.
func (c *Client) IsQuotaError(err error) bool {
	if err == nil {
		return false
	}
	if apiErr, ok := llm.AsAPIError(err); ok {
		if apiErr.StatusCode == http.StatusTooManyRequests || apiErr.Reason == "RESOURCE_EXHAUSTED" {
			return true
		}
	}
	return quotaPattern.MatchString(err.Error())
}

func buildRequest(req llm.Request) generateRequest {
	out := generateRequest{
		Contents: make([]content, 0, len(req.Messages)),
		GenerationConfig: generationConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxOutputTokens,
		},
	}
	if system := strings.TrimSpace(req.SystemPrompt); system != "" {
		out.SystemInstruction = &content{Parts: []part{{Text: system}}}
	}
	for _, msg := range req.Messages {
		role := "user"
		if msg.Role == llm.RoleModel {
			role = "model"
		}
		out.Contents = append(out.Contents, content{Role: role, Parts: []part{{Text: msg.Text}}})
	}
	if req.WebSearch {
		out.Tools = []tool{{GoogleSearch: &struct{}{}}}
	}
	return out
}

func firstText(parts []part) string {
	for _, p := range parts {
		if text := strings.TrimSpace(p.Text); text != "" {
			return text
		}
	}
	return ""
}

func decodeAPIError(resp *http.Response, body []byte) error {
	apiErr := &llm.APIError{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Body:       strings.TrimSpace(string(body)),
	}
	var envelope errorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != nil {
		apiErr.Message = strings.TrimSpace(envelope.Error.Message)
		apiErr.Reason = strings.TrimSpace(envelope.Error.Status)
		if raw, err := json.Marshal(envelope.Error); err == nil {
			apiErr.Body = string(raw)
		}
	}
	return apiErr
}

type generateRequest struct {
	SystemInstruction *content         `json:"systemInstruction,omitempty"`
	Contents          []content        `json:"contents"`
	Tools             []tool           `json:"tools,omitempty"`
	GenerationConfig  generationConfig `json:"generationConfig"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text,omitempty"`
}

type tool struct {
	GoogleSearch *struct{} `json:"googleSearch,omitempty"`
}

type generationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type generateResponse struct {
	Candidates    []candidate    `json:"candidates"`
	UsageMetadata *usageMetadata `json:"usageMetadata"`
	ModelVersion  string         `json:"modelVersion"`
}

type candidate struct {
	Content           content            `json:"content"`
	FinishReason      string             `json:"finishReason"`
	GroundingMetadata *groundingMetadata `json:"groundingMetadata"`
}

type groundingMetadata struct {
	GroundingChunks []json.RawMessage `json:"groundingChunks"`
}

type usageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type errorEnvelope struct {
	Error *errorBody `json:"error"`
}

type errorBody struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Status  string          `json:"status"`
	Details json.RawMessage `json:"details,omitempty"`
}
