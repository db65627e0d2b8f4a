package prompt

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sigumaa/pigeon/internal/llm"
)

const (
	mentionWindow     = 10
	mentionFetchLimit = mentionWindow + 1
)

type RuntimeMessage struct {
	ID                string
	AuthorID          string
	AuthorUsername    string
	AuthorDisplayName string
	Content           string
	HasAttachments    bool
	CreatedAt         time.Time
}

// ChannelHistory reads channel messages from the platform.
type ChannelHistory interface {
	MessagesAround(ctx context.Context, channelID string, messageID string, limit int) ([]RuntimeMessage, error)
	Message(ctx context.Context, channelID string, messageID string) (RuntimeMessage, error)
}

type MentionInput struct {
	ChannelID         string
	MessageID         string
	ReferencedID      string
	BotUserID         string
	AuthorUsername    string
	AuthorDisplayName string
	Prompt            string
}

// AuthorLabel renders "Name (@user)" or "@user" when no display name is known.
func AuthorLabel(displayName string, username string) string {
	username = valueOrFallback(username, "unknown")
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return "@" + username
	}
	return displayName + " (@" + username + ")"
}

// GatherMentionContext builds the message list for a request that mentions the
// bot: up to ten messages around the trigger, the replied-to message when it is
// outside that window, and finally the labeled prompt. The returned messages
// are always usable; a non-nil error only reports that the surrounding context
// could not be read and the list holds just the prompt.
func GatherMentionContext(ctx context.Context, channel ChannelHistory, in MentionInput) ([]llm.Message, error) {
	promptMessage := llm.Message{
		Role: llm.RoleUser,
		Text: fmt.Sprintf("Prompt from %s: %s", AuthorLabel(in.AuthorDisplayName, in.AuthorUsername), in.Prompt),
	}
	if channel == nil {
		return []llm.Message{promptMessage}, errors.New("channel history is unavailable")
	}

	window, err := channel.MessagesAround(ctx, in.ChannelID, in.MessageID, mentionFetchLimit)
	if err != nil {
		return []llm.Message{promptMessage}, fmt.Errorf("fetch surrounding messages: %w", err)
	}

	surrounding := make([]RuntimeMessage, 0, len(window)+1)
	for _, msg := range window {
		if msg.ID == in.MessageID {
			continue
		}
		surrounding = append(surrounding, msg)
	}
	sort.SliceStable(surrounding, func(i, j int) bool {
		return surrounding[i].CreatedAt.Before(surrounding[j].CreatedAt)
	})
	if len(surrounding) > mentionWindow {
		surrounding = surrounding[len(surrounding)-mentionWindow:]
	}

	var refErr error
	if refID := strings.TrimSpace(in.ReferencedID); refID != "" && !containsMessage(surrounding, refID) {
		referenced, err := channel.Message(ctx, in.ChannelID, refID)
		if err != nil {
			refErr = fmt.Errorf("fetch referenced message: %w", err)
		} else {
			surrounding = append([]RuntimeMessage{referenced}, surrounding...)
		}
	}

	out := make([]llm.Message, 0, len(surrounding)+1)
	for _, msg := range surrounding {
		if in.BotUserID != "" && msg.AuthorID == in.BotUserID {
			continue
		}
		content := strings.TrimSpace(msg.Content)
		if content == "" && msg.HasAttachments {
			content = AttachmentPlaceholder
		}
		if content == "" {
			continue
		}
		out = append(out, llm.Message{
			Role: llm.RoleUser,
			Text: AuthorLabel(msg.AuthorDisplayName, msg.AuthorUsername) + ": " + content,
		})
	}
	out = append(out, promptMessage)
	return out, refErr
}

func containsMessage(messages []RuntimeMessage, id string) bool {
	for _, msg := range messages {
		if msg.ID == id {
			return true
		}
	}
	return false
}
