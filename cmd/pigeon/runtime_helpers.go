package main

import (
	"log"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/sigumaa/pigeon/internal/discordx"
	"github.com/sigumaa/pigeon/internal/orchestrator"
)

// runShutdownStep runs fn and reports whether it outlived timeout.
func runShutdownStep(name string, timeout time.Duration, fn func()) bool {
	if fn == nil {
		return false
	}
	started := time.Now()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()

	if timeout <= 0 {
		<-done
		log.Printf("event=shutdown_step_completed step=%s latency_ms=%d", name, durationMS(time.Since(started)))
		return false
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		log.Printf("event=shutdown_step_completed step=%s latency_ms=%d", name, durationMS(time.Since(started)))
		return false
	case <-timer.C:
		log.Printf("event=shutdown_step_timeout step=%s timeout_ms=%d", name, durationMS(timeout))
		return true
	}
}

// inboundFromMessage converts a gateway event. A missing author is passed
// through so admission can reject it with a reason.
func inboundFromMessage(m *discordgo.MessageCreate) (orchestrator.Inbound, bool) {
	if m == nil || m.Message == nil {
		return orchestrator.Inbound{}, false
	}
	in := orchestrator.Inbound{
		MessageID:      m.ID,
		ChannelID:      m.ChannelID,
		GuildID:        m.GuildID,
		WebhookID:      m.WebhookID,
		Content:        m.Content,
		HasAttachments: len(m.Attachments) > 0,
	}
	if m.Author != nil {
		in.AuthorID = m.Author.ID
		in.AuthorIsBot = m.Author.Bot
		in.AuthorUsername = m.Author.Username
		in.AuthorDisplayName = discordx.AuthorDisplayName(m.Message)
	}
	if m.MessageReference != nil {
		in.ReferencedID = strings.TrimSpace(m.MessageReference.MessageID)
	}
	return in, true
}
