package policy

import (
	"strings"
	"sync"
	"time"

	"github.com/sigumaa/pigeon/internal/config"
)

const (
	ReasonMissingAuthor    = "missing_author"
	ReasonBlockedUser      = "blocked_user"
	ReasonBotAuthor        = "bot_author"
	ReasonNoChannelRoute   = "no_channel_route"
	ReasonChannelNotRouted = "channel_not_routed"
)

type Incoming struct {
	GuildID     string
	ChannelID   string
	AuthorID    string
	AuthorIsBot bool
	WebhookID   string
	MentionsBot bool
}

// Policy decides which messages enter the pipeline. Channel routes and ignore
// windows change at runtime through admin commands; the block-list is fixed.
type Policy struct {
	blocked map[string]struct{}

	mu     sync.RWMutex
	routes map[string]string
	ignore map[string]time.Time
}

func New(cfg config.DiscordConfig) *Policy {
	p := &Policy{
		blocked: map[string]struct{}{},
		routes:  map[string]string{},
		ignore:  map[string]time.Time{},
	}
	for _, id := range cfg.BlockedUserIDs {
		if id = strings.TrimSpace(id); id != "" {
			p.blocked[id] = struct{}{}
		}
	}
	for guildID, channelID := range cfg.ChannelRoutes {
		guildID, channelID = strings.TrimSpace(guildID), strings.TrimSpace(channelID)
		if guildID != "" && channelID != "" {
			p.routes[guildID] = channelID
		}
	}
	for userID, untilMS := range cfg.IgnoreWindows {
		if userID = strings.TrimSpace(userID); userID != "" && untilMS > 0 {
			p.ignore[userID] = time.UnixMilli(untilMS)
		}
	}
	return p
}

// Evaluate reports whether msg is eligible and, when it is not, why.
// Direct messages are always eligible. Guild messages must arrive in the
// guild's routed channel unless they mention the bot.
func (p *Policy) Evaluate(msg Incoming) (bool, string) {
	if strings.TrimSpace(msg.AuthorID) == "" {
		return false, ReasonMissingAuthor
	}
	if _, ok := p.blocked[msg.AuthorID]; ok {
		return false, ReasonBlockedUser
	}
	if msg.AuthorIsBot || msg.WebhookID != "" {
		return false, ReasonBotAuthor
	}
	if msg.GuildID == "" {
		return true, ""
	}
	if msg.MentionsBot {
		return true, ""
	}

	target, ok := p.Route(msg.GuildID)
	if !ok {
		return false, ReasonNoChannelRoute
	}
	if msg.ChannelID != target {
		return false, ReasonChannelNotRouted
	}
	return true, ""
}

func (p *Policy) Route(guildID string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	channelID, ok := p.routes[guildID]
	return channelID, ok
}

func (p *Policy) SetRoute(guildID string, channelID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.routes[guildID] = channelID
}

func (p *Policy) RemoveRoute(guildID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.routes[guildID]; !ok {
		return false
	}
	delete(p.routes, guildID)
	return true
}

func (p *Policy) RouteCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.routes)
}

// Ignored reports whether the user is inside an ignore window at now.
func (p *Policy) Ignored(userID string, now time.Time) bool {
	until, ok := p.IgnoredUntil(userID)
	return ok && now.Before(until)
}

func (p *Policy) IgnoredUntil(userID string) (time.Time, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	until, ok := p.ignore[userID]
	return until, ok
}

func (p *Policy) Mute(userID string, until time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ignore[userID] = until
}

func (p *Policy) Unmute(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.ignore[userID]; !ok {
		return false
	}
	delete(p.ignore, userID)
	return true
}
