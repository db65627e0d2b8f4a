package xai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/sigumaa/pigeon/internal/llm"
)

const (
	defaultBaseURL = "https://api.x.ai/v1"
	defaultModel   = "grok-4"
)

var quotaPattern = regexp.MustCompile(`(?i)quota|rate limit`)

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

type Citation struct {
	Type  string `json:"type,omitempty"`
	URL   string `json:"url,omitempty"`
	Title string `json:"title,omitempty"`
}

// UnmarshalJSON accepts either a citation object or a bare URL string.
func (c *Citation) UnmarshalJSON(data []byte) error {
	var url string
	if err := json.Unmarshal(data, &url); err == nil {
		*c = Citation{URL: url}
		return nil
	}
	type plain Citation
	var decoded plain
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	*c = Citation(decoded)
	return nil
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
	return "xai"
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

	body, err := json.Marshal(c.buildRequest(req))
	if err != nil {
		return llm.Result{}, fmt.Errorf("marshal responses request: %w", err)
	}

	endpoint := strings.TrimRight(c.baseURL, "/") + "/responses"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return llm.Result{}, fmt.Errorf("build responses request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+credential)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return llm.Result{}, fmt.Errorf("post responses request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return llm.Result{}, fmt.Errorf("read responses body: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return llm.Result{}, decodeAPIError(resp, respBody)
	}

	var decoded responsesResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return llm.Result{}, fmt.Errorf("decode responses body: %w", err)
	}

	text := strings.TrimSpace(decoded.OutputText)
	if text == "" {
		text = restoreOutputText(decoded.Output)
	}

	result := llm.Result{
		HasCandidate:    strings.TrimSpace(decoded.OutputText) != "" || len(decoded.Output) > 0,
		Text:            text,
		GroundingChunks: 0,
		Model:           strings.TrimSpace(decoded.Model),
		Raw:             respBody,
	}
	for _, citation := range collectCitations(decoded) {
		result.Citations = append(result.Citations, citation.URL)
	}
	if decoded.Usage != nil {
		result.Usage = &llm.Usage{
			PromptTokens:     decoded.Usage.InputTokens,
			CompletionTokens: decoded.Usage.OutputTokens,
			TotalTokens:      decoded.Usage.TotalTokens,
		}
	}
	return result, nil
}

func (c *Client) IsQuotaError(err error) bool {
	if err == nil {
		return false
	}
	if apiErr, ok := llm.AsAPIError(err); ok && apiErr.StatusCode == http.StatusTooManyRequests {
		return true
	}
	return quotaPattern.MatchString(err.Error())
}

func (c *Client) buildRequest(req llm.Request) responsesRequest {
	input := make([]inputMessage, 0, len(req.Messages)+1)
	if system := strings.TrimSpace(req.SystemPrompt); system != "" {
		input = append(input, inputMessage{Role: "system", Content: system})
	}
	for _, msg := range req.Messages {
		role := "user"
		if msg.Role == llm.RoleModel {
			role = "assistant"
		}
		input = append(input, inputMessage{Role: role, Content: msg.Text})
	}

	out := responsesRequest{
		Model:           c.model,
		Input:           input,
		Temperature:     req.Temperature,
		MaxOutputTokens: req.MaxOutputTokens,
	}
	if req.WebSearch {
		out.Tools = []searchTool{{Type: "web_search"}}
	}
	return out
}

func decodeAPIError(resp *http.Response, body []byte) error {
	apiErr := &llm.APIError{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Body:       strings.TrimSpace(string(body)),
	}
	var envelope struct {
		Error json.RawMessage `json:"error"`
		Code  string          `json:"code"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return apiErr
	}
	apiErr.Reason = strings.TrimSpace(envelope.Code)

	var message string
	if err := json.Unmarshal(envelope.Error, &message); err == nil {
		apiErr.Message = strings.TrimSpace(message)
		return apiErr
	}
	var detailed struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	}
	if err := json.Unmarshal(envelope.Error, &detailed); err == nil {
		apiErr.Message = strings.TrimSpace(detailed.Message)
		if apiErr.Reason == "" {
			apiErr.Reason = strings.TrimSpace(detailed.Type)
		}
	}
	return apiErr
}

type responsesRequest struct {
	Model           string         `json:"model"`
	Input           []inputMessage `json:"input"`
	Tools           []searchTool   `json:"tools,omitempty"`
	Temperature     float64        `json:"temperature"`
	MaxOutputTokens int            `json:"max_output_tokens,omitempty"`
}

type inputMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type searchTool struct {
	Type string `json:"type"`
}

type responsesResponse struct {
	ID         string           `json:"id"`
	Model      string           `json:"model"`
	OutputText string           `json:"output_text"`
	Citations  []Citation       `json:"citations"`
	Output     []responseOutput `json:"output"`
	Usage      *responseUsage   `json:"usage"`
}

type responseOutput struct {
	Content []responseContent `json:"content"`
}

type responseContent struct {
	Text        string     `json:"text"`
	Annotations []Citation `json:"annotations"`
}

type responseUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

func restoreOutputText(outputs []responseOutput) string {
	parts := make([]string, 0, len(outputs))
	for _, output := range outputs {
		for _, content := range output.Content {
			text := strings.TrimSpace(content.Text)
			if text != "" {
				parts = append(parts, text)
			}
		}
	}
	return strings.Join(parts, "\n")
}

// collectCitations dedupes top-level citations and inline annotations by URL.
func collectCitations(resp responsesResponse) []Citation {
	out := make([]Citation, 0, len(resp.Citations))
	seen := map[string]struct{}{}

	add := func(c Citation) {
		key := strings.TrimSpace(c.URL)
		if key == "" {
			return
		}
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		out = append(out, c)
	}

	for _, citation := range resp.Citations {
		add(citation)
	}
	for _, output := range resp.Output {
		for _, content := range output.Content {
			for _, citation := range content.Annotations {
				add(citation)
			}
		}
	}
	return out
}
