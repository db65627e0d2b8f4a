package discordx

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/sigumaa/pigeon/internal/prompt"
)

const maxHistoryLimit = 100

// replyFlags keeps link previews out of bot replies and avoids pinging
// channel members.
const replyFlags = discordgo.MessageFlagsSuppressEmbeds | discordgo.MessageFlagsSuppressNotifications

// Session is the subset of *discordgo.Session the gateway calls.
type Session interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEdit(channelID string, messageID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageDelete(channelID string, messageID string, options ...discordgo.RequestOption) error
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
	ChannelMessages(channelID string, limit int, beforeID string, afterID string, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
	ChannelMessage(channelID string, messageID string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	UpdateListeningStatus(name string) error
}

type Gateway struct {
	session Session

	mu        sync.RWMutex
	botUserID string
}

func NewGateway(session Session) *Gateway {
	return &Gateway{session: session}
}

// SetBotUserID records the bot's own user id once the session is ready.
func (g *Gateway) SetBotUserID(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.botUserID = strings.TrimSpace(id)
}

func (g *Gateway) BotUserID() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.botUserID
}

// Reply answers messageID with content. Mentions are never parsed, including
// the implicit ping of the replied-to author.
func (g *Gateway) Reply(ctx context.Context, channelID string, guildID string, messageID string, content string) (string, error) {
	if strings.TrimSpace(messageID) == "" {
		return "", errors.New("reply_to_message_id is required")
	}
	return g.send(ctx, channelID, &discordgo.MessageSend{
		Content:         content,
		Flags:           replyFlags,
		AllowedMentions: noMentions(),
		Reference: &discordgo.MessageReference{
			GuildID:   guildID,
			ChannelID: channelID,
			MessageID: messageID,
		},
	})
}

// ReplySilent replies without message flags. Mentions stay disabled.
func (g *Gateway) ReplySilent(ctx context.Context, channelID string, guildID string, messageID string, content string) (string, error) {
	if strings.TrimSpace(messageID) == "" {
		return "", errors.New("reply_to_message_id is required")
	}
	return g.send(ctx, channelID, &discordgo.MessageSend{
		Content:         content,
		AllowedMentions: noMentions(),
		Reference: &discordgo.MessageReference{
			GuildID:   guildID,
			ChannelID: channelID,
			MessageID: messageID,
		},
	})
}

// SendMessage posts content to the channel without a reply reference.
func (g *Gateway) SendMessage(ctx context.Context, channelID string, content string) (string, error) {
	return g.send(ctx, channelID, &discordgo.MessageSend{
		Content:         content,
		Flags:           replyFlags,
		AllowedMentions: noMentions(),
	})
}

func (g *Gateway) EditMessage(ctx context.Context, channelID string, messageID string, content string) error {
	if err := validateChannel(channelID); err != nil {
		return err
	}
	if strings.TrimSpace(messageID) == "" {
		return errors.New("message_id is required")
	}
	if strings.TrimSpace(content) == "" {
		return errors.New("content is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := g.session.ChannelMessageEdit(channelID, messageID, content); err != nil {
		return fmt.Errorf("edit message: %w", err)
	}
	return nil
}

func (g *Gateway) DeleteMessage(ctx context.Context, channelID string, messageID string) error {
	if err := validateChannel(channelID); err != nil {
		return err
	}
	if strings.TrimSpace(messageID) == "" {
		return errors.New("message_id is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := g.session.ChannelMessageDelete(channelID, messageID); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

func (g *Gateway) Typing(ctx context.Context, channelID string) error {
	if err := validateChannel(channelID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := g.session.ChannelTyping(channelID); err != nil {
		return fmt.Errorf("send typing: %w", err)
	}
	return nil
}

// MessagesAround returns up to limit messages centered on messageID, in the
// order the platform returns them.
func (g *Gateway) MessagesAround(ctx context.Context, channelID string, messageID string, limit int) ([]prompt.RuntimeMessage, error) {
	if err := validateChannel(channelID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	history, err := g.session.ChannelMessages(channelID, limit, "", "", messageID)
	if err != nil {
		return nil, fmt.Errorf("fetch channel history: %w", err)
	}

	out := make([]prompt.RuntimeMessage, 0, len(history))
	for _, msg := range history {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if msg == nil || msg.Author == nil {
			continue
		}
		out = append(out, runtimeMessage(msg))
	}
	return out, nil
}

func (g *Gateway) Message(ctx context.Context, channelID string, messageID string) (prompt.RuntimeMessage, error) {
	if err := validateChannel(channelID); err != nil {
		return prompt.RuntimeMessage{}, err
	}
	if strings.TrimSpace(messageID) == "" {
		return prompt.RuntimeMessage{}, errors.New("message_id is required")
	}
	if err := ctx.Err(); err != nil {
		return prompt.RuntimeMessage{}, err
	}
	msg, err := g.session.ChannelMessage(channelID, messageID)
	if err != nil {
		return prompt.RuntimeMessage{}, fmt.Errorf("fetch message: %w", err)
	}
	if msg == nil || msg.Author == nil {
		return prompt.RuntimeMessage{}, errors.New("message author is nil")
	}
	return runtimeMessage(msg), nil
}

// SetListening updates the bot presence to "Listening to <name>".
func (g *Gateway) SetListening(name string) error {
	if err := g.session.UpdateListeningStatus(name); err != nil {
		return fmt.Errorf("update presence: %w", err)
	}
	return nil
}

func (g *Gateway) send(ctx context.Context, channelID string, data *discordgo.MessageSend) (string, error) {
	if err := validateChannel(channelID); err != nil {
		return "", err
	}
	if strings.TrimSpace(data.Content) == "" {
		return "", errors.New("content is required")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	msg, err := g.session.ChannelMessageSendComplex(channelID, data)
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	if msg == nil {
		return "", nil
	}
	return msg.ID, nil
}

func noMentions() *discordgo.MessageAllowedMentions {
	return &discordgo.MessageAllowedMentions{
		Parse:       []discordgo.AllowedMentionType{},
		RepliedUser: false,
	}
}

func validateChannel(channelID string) error {
	if strings.TrimSpace(channelID) == "" {
		return errors.New("channel_id is required")
	}
	return nil
}

func runtimeMessage(msg *discordgo.Message) prompt.RuntimeMessage {
	display := AuthorDisplayName(msg)
	if display == msg.Author.Username || display == msg.Author.ID {
		display = ""
	}
	return prompt.RuntimeMessage{
		ID:                msg.ID,
		AuthorID:          msg.Author.ID,
		AuthorUsername:    msg.Author.Username,
		AuthorDisplayName: display,
		Content:           strings.TrimSpace(msg.Content),
		HasAttachments:    len(msg.Attachments) > 0,
		CreatedAt:         msg.Timestamp,
	}
}

// AuthorDisplayName prefers the guild nickname, then the global name, then
// the username.
func AuthorDisplayName(msg *discordgo.Message) string {
	if msg == nil || msg.Author == nil {
		return "unknown"
	}
	if msg.Member != nil && strings.TrimSpace(msg.Member.Nick) != "" {
		return msg.Member.Nick
	}
	if strings.TrimSpace(msg.Author.GlobalName) != "" {
		return msg.Author.GlobalName
	}
	if strings.TrimSpace(msg.Author.Username) != "" {
		return msg.Author.Username
	}
	return msg.Author.ID
}
