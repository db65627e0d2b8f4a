package prompt

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"regexp"
	"strings"
	"text/template"
	"time"

	"github.com/sigumaa/pigeon/internal/history"
	"github.com/sigumaa/pigeon/internal/llm"
)

const (
	AttachmentPlaceholder = "[Attachment]"

	defaultTemplateName = "system.md.tmpl"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

type SystemInput struct {
	BotName     string
	ModelName   string
	DisplayName string
	WebSearch   bool
	Now         time.Time
}

type SystemTemplate struct {
	tmpl *template.Template
}

// LoadSystemTemplate parses the template at path, or the embedded default when
// path is empty.
func LoadSystemTemplate(path string) (*SystemTemplate, error) {
	var (
		body []byte
		err  error
	)
	path = strings.TrimSpace(path)
	if path == "" {
		body, err = templateFS.ReadFile("templates/" + defaultTemplateName)
	} else {
		body, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read system prompt template: %w", err)
	}

	tmpl, err := template.New(defaultTemplateName).Option("missingkey=error").Parse(string(body))
	if err != nil {
		return nil, fmt.Errorf("parse system prompt template: %w", err)
	}
	return &SystemTemplate{tmpl: tmpl}, nil
}

// Render builds the system prompt for one request.
func (t *SystemTemplate) Render(in SystemInput) (string, error) {
	data := struct {
		BotName     string
		ModelName   string
		DisplayName string
		WebSearch   bool
		Now         string
	}{
		BotName:     valueOrFallback(in.BotName, "pigeon"),
		ModelName:   valueOrFallback(in.ModelName, "an LLM"),
		DisplayName: valueOrFallback(in.DisplayName, "User"),
		WebSearch:   in.WebSearch,
		Now:         in.Now.UTC().Format(time.RFC3339),
	}

	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render system prompt: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

func mentionPattern(botUserID string) *regexp.Regexp {
	return regexp.MustCompile(`<@!?` + regexp.QuoteMeta(botUserID) + `>`)
}

// MentionsBot reports whether content contains <@id> or <@!id> for the bot.
func MentionsBot(content string, botUserID string) bool {
	botUserID = strings.TrimSpace(botUserID)
	if botUserID == "" {
		return false
	}
	return strings.Contains(content, "<@"+botUserID+">") || strings.Contains(content, "<@!"+botUserID+">")
}

// StripMention removes every mention of the bot. An empty result becomes the
// attachment placeholder so the backend never receives an empty prompt.
func StripMention(content string, botUserID string) string {
	botUserID = strings.TrimSpace(botUserID)
	if botUserID != "" {
		content = mentionPattern(botUserID).ReplaceAllString(content, "")
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return AttachmentPlaceholder
	}
	return content
}

// HistoryMessages maps a rolling transcript to backend messages.
func HistoryMessages(entries []history.Entry) []llm.Message {
	out := make([]llm.Message, 0, len(entries))
	for _, entry := range entries {
		if entry.Role == history.RoleAssistant {
			out = append(out, llm.Message{Role: llm.RoleModel, Text: "Assistant: " + entry.Content})
			continue
		}
		out = append(out, llm.Message{Role: llm.RoleUser, Text: "User: " + entry.Content})
	}
	return out
}

func valueOrFallback(value string, fallback string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}
	return value
}
