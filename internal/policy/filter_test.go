package policy

import (
	"testing"
	"time"

	"github.com/sigumaa/pigeon/internal/config"
)

func TestEvaluate(t *testing.T) {
	t.Parallel()

	p := New(config.DiscordConfig{
		BlockedUserIDs: []string{"user-blocked"},
		ChannelRoutes:  map[string]string{"guild-1": "chan-a"},
	})

	tests := []struct {
		name       string
		msg        Incoming
		want       bool
		wantReason string
	}{
		{
			name: "direct message",
			msg:  Incoming{ChannelID: "dm-chan", AuthorID: "user-1"},
			want: true,
		},
		{
			name: "routed channel",
			msg:  Incoming{GuildID: "guild-1", ChannelID: "chan-a", AuthorID: "user-1"},
			want: true,
		},
		{
			name:       "other channel without mention",
			msg:        Incoming{GuildID: "guild-1", ChannelID: "chan-b", AuthorID: "user-1"},
			wantReason: ReasonChannelNotRouted,
		},
		{
			name: "other channel with mention",
			msg:  Incoming{GuildID: "guild-1", ChannelID: "chan-b", AuthorID: "user-1", MentionsBot: true},
			want: true,
		},
		{
			name:       "guild without route",
			msg:        Incoming{GuildID: "guild-2", ChannelID: "chan-x", AuthorID: "user-1"},
			wantReason: ReasonNoChannelRoute,
		},
		{
			name: "guild without route but mentioned",
			msg:  Incoming{GuildID: "guild-2", ChannelID: "chan-x", AuthorID: "user-1", MentionsBot: true},
			want: true,
		},
		{
			name:       "blocked user",
			msg:        Incoming{ChannelID: "dm-chan", AuthorID: "user-blocked"},
			wantReason: ReasonBlockedUser,
		},
		{
			name:       "bot author",
			msg:        Incoming{GuildID: "guild-1", ChannelID: "chan-a", AuthorID: "bot-1", AuthorIsBot: true, MentionsBot: true},
			wantReason: ReasonBotAuthor,
		},
		{
			name:       "webhook",
			msg:        Incoming{GuildID: "guild-1", ChannelID: "chan-a", AuthorID: "hook-1", WebhookID: "w1"},
			wantReason: ReasonBotAuthor,
		},
		{
			name:       "missing author",
			msg:        Incoming{GuildID: "guild-1", ChannelID: "chan-a"},
			wantReason: ReasonMissingAuthor,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, reason := p.Evaluate(tc.msg)
			if got != tc.want {
				t.Fatalf("Evaluate() = %v, want %v", got, tc.want)
			}
			if reason != tc.wantReason {
				t.Fatalf("Evaluate() reason = %q, want %q", reason, tc.wantReason)
			}
		})
	}
}

func TestRoutesChangeAtRuntime(t *testing.T) {
	t.Parallel()

	p := New(config.DiscordConfig{})
	msg := Incoming{GuildID: "g1", ChannelID: "c1", AuthorID: "u1"}
	if ok, _ := p.Evaluate(msg); ok {
		t.Fatal("Evaluate() before SetRoute = true, want false")
	}
	p.SetRoute("g1", "c1")
	if ok, _ := p.Evaluate(msg); !ok {
		t.Fatal("Evaluate() after SetRoute = false, want true")
	}
	if !p.RemoveRoute("g1") {
		t.Fatal("RemoveRoute() = false, want true")
	}
	if p.RemoveRoute("g1") {
		t.Fatal("second RemoveRoute() = true, want false")
	}
	if ok, _ := p.Evaluate(msg); ok {
		t.Fatal("Evaluate() after RemoveRoute = true, want false")
	}
}

func TestIgnoreWindows(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	p := New(config.DiscordConfig{
		IgnoreWindows: map[string]int64{"u1": now.Add(time.Minute).UnixMilli()},
	})

	if !p.Ignored("u1", now) {
		t.Fatal("Ignored(u1) = false, want true")
	}
	if p.Ignored("u1", now.Add(2*time.Minute)) {
		t.Fatal("Ignored(u1) after expiry = true, want false")
	}
	if p.Ignored("u2", now) {
		t.Fatal("Ignored(u2) = true, want false")
	}

	p.Mute("u2", now.Add(time.Hour))
	if !p.Ignored("u2", now) {
		t.Fatal("Ignored(u2) after Mute = false, want true")
	}
	if !p.Unmute("u2") {
		t.Fatal("Unmute(u2) = false, want true")
	}
	if p.Ignored("u2", now) {
		t.Fatal("Ignored(u2) after Unmute = true, want false")
	}
}
