package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sigumaa/pigeon/internal/heartbeat"
	"github.com/sigumaa/pigeon/internal/history"
	"github.com/sigumaa/pigeon/internal/llm"
	"github.com/sigumaa/pigeon/internal/policy"
	"github.com/sigumaa/pigeon/internal/prompt"
	"github.com/sigumaa/pigeon/internal/ratelimit"
	"github.com/sigumaa/pigeon/internal/reply"
	"github.com/sigumaa/pigeon/internal/rotation"
	"github.com/sigumaa/pigeon/internal/stats"
)

// ErrorStage is the journal stage used for every pipeline failure.
const ErrorStage = "messageCreate"

// Platform is the chat surface the pipeline reads from and replies to.
type Platform interface {
	prompt.ChannelHistory
	BotUserID() string
	Reply(ctx context.Context, channelID string, guildID string, messageID string, content string) (string, error)
	ReplySilent(ctx context.Context, channelID string, guildID string, messageID string, content string) (string, error)
	SendMessage(ctx context.Context, channelID string, content string) (string, error)
	EditMessage(ctx context.Context, channelID string, messageID string, content string) error
	DeleteMessage(ctx context.Context, channelID string, messageID string) error
	Typing(ctx context.Context, channelID string) error
}

// Journal records per-user reply counts and pipeline errors.
type Journal interface {
	RecordMessage(ctx context.Context, userID string) (int64, error)
	RecordError(ctx context.Context, stage string, cause error) (stats.ErrorRecord, error)
}

type Executor interface {
	Execute(ctx context.Context, backend llm.Backend, req llm.Request, notifier rotation.Notifier) (llm.Result, error)
}

// Inbound is a platform message reduced to what admission and processing
// need. An empty GuildID marks a direct message.
type Inbound struct {
	MessageID         string
	ChannelID         string
	GuildID           string
	AuthorID          string
	AuthorUsername    string
	AuthorDisplayName string
	AuthorIsBot       bool
	WebhookID         string
	Content           string
	HasAttachments    bool
	ReferencedID      string
}

// Admission is an Inbound that passed policy and rate limiting.
type Admission struct {
	Inbound
	RunID      string
	Mention    bool
	Scope      string
	AdmittedAt time.Time
}

type Deps struct {
	Policy   *policy.Policy
	Limiter  *ratelimit.Limiter
	History  *history.Store
	Executor Executor
	Backend  llm.Backend
	Platform Platform
	Prompt   *prompt.SystemTemplate
	Activity *heartbeat.Activity
	Journal  Journal
}

type Settings struct {
	BotName         string
	ModelName       string
	Temperature     float64
	MaxOutputTokens int
	WebSearch       bool
}

type Orchestrator struct {
	deps     Deps
	settings Settings
	now      func() time.Time
	runSeq   atomic.Uint64
}

type Option func(*Orchestrator)

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

func New(deps Deps, settings Settings, opts ...Option) (*Orchestrator, error) {
	switch {
	case deps.Policy == nil:
		return nil, errors.New("policy is required")
	case deps.Limiter == nil:
		return nil, errors.New("rate limiter is required")
	case deps.History == nil:
		return nil, errors.New("history store is required")
	case deps.Executor == nil:
		return nil, errors.New("executor is required")
	case deps.Backend == nil:
		return nil, errors.New("backend is required")
	case deps.Platform == nil:
		return nil, errors.New("platform is required")
	case deps.Prompt == nil:
		return nil, errors.New("system prompt template is required")
	}
	o := &Orchestrator{
		deps:     deps,
		settings: settings,
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o, nil
}

// Admit runs at event arrival: eligibility, mention detection and the rate
// limit. A denied rate limit is answered with a notice before returning.
func (o *Orchestrator) Admit(ctx context.Context, in Inbound) (Admission, bool) {
	botID := o.deps.Platform.BotUserID()
	mention := botID != "" && prompt.MentionsBot(in.Content, botID)

	if ok, reason := o.deps.Policy.Evaluate(policy.Incoming{
		GuildID:     in.GuildID,
		ChannelID:   in.ChannelID,
		AuthorID:    in.AuthorID,
		AuthorIsBot: in.AuthorIsBot,
		WebhookID:   in.WebhookID,
		MentionsBot: mention,
	}); !ok {
		log.Printf("event=message_filtered message=%s guild=%s channel=%s author=%s reason=%s", in.MessageID, in.GuildID, in.ChannelID, in.AuthorID, reason)
		return Admission{}, false
	}

	now := o.now()
	decision := o.deps.Limiter.Admit(in.AuthorID, now)
	if !decision.Allowed {
		log.Printf("event=message_rate_limited message=%s author=%s remaining_ms=%d", in.MessageID, in.AuthorID, decision.Remaining.Milliseconds())
		notice := RateLimitText(in.AuthorID, decision)
		if _, err := o.deps.Platform.ReplySilent(ctx, in.ChannelID, in.GuildID, in.MessageID, notice); err != nil {
			log.Printf("event=rate_limit_notice_failed message=%s err=%v", in.MessageID, err)
		}
		return Admission{}, false
	}

	return Admission{
		Inbound:    in,
		RunID:      fmt.Sprintf("msg-%d", o.runSeq.Add(1)),
		Mention:    mention,
		Scope:      history.ScopeKey(in.GuildID, in.AuthorID),
		AdmittedAt: now,
	}, true
}

// RateLimitText is the notice for a request inside the user's window.
func RateLimitText(userID string, d ratelimit.Decision) string {
	return fmt.Sprintf("<@%s> hey, slow down! You can send another message in **%ss**! :no_entry:", userID, d.Seconds())
}

// Process runs an admitted message through context assembly, the backend
// and the reply path. The returned error is the pipeline failure, if any,
// after it has been journaled and reported to the user.
func (o *Orchestrator) Process(ctx context.Context, adm Admission) error {
	started := o.now()
	in := adm.Inbound

	text := strings.TrimSpace(in.Content)
	if adm.Mention {
		text = prompt.StripMention(in.Content, o.deps.Platform.BotUserID())
	} else if text == "" {
		text = prompt.AttachmentPlaceholder
	}

	var rolling []history.Entry
	if !adm.Mention {
		rolling = o.deps.History.Append(adm.Scope, in.AuthorID, history.Entry{Role: history.RoleUser, Content: text})
	}

	if o.deps.Policy.Ignored(in.AuthorID, started) {
		log.Printf("event=message_ignored run_id=%s message=%s author=%s", adm.RunID, in.MessageID, in.AuthorID)
		return nil
	}

	if err := o.deps.Platform.Typing(ctx, in.ChannelID); err != nil {
		log.Printf("event=typing_failed run_id=%s channel=%s err=%v", adm.RunID, in.ChannelID, err)
	}
	if o.deps.Activity != nil {
		o.deps.Activity.Touch()
	}

	log.Printf("event=message_started run_id=%s message=%s guild=%s channel=%s author=%s mention=%t", adm.RunID, in.MessageID, in.GuildID, in.ChannelID, in.AuthorID, adm.Mention)

	req, err := o.buildRequest(ctx, adm, text, rolling)
	if err != nil {
		return o.fail(ctx, adm, err)
	}

	result, err := o.deps.Executor.Execute(ctx, o.deps.Backend, req, &statusNotifier{platform: o.deps.Platform, adm: adm})
	if err != nil {
		return o.fail(ctx, adm, err)
	}

	normalized := reply.Normalize(result)
	if normalized.Kind == reply.KindNoCandidate {
		log.Print(malformedResponseLine(adm.RunID, o.deps.Backend.Name(), result.Raw))
	}

	if !adm.Mention {
		o.deps.History.Append(adm.Scope, in.AuthorID, history.Entry{Role: history.RoleAssistant, Content: normalized.Text})
		if o.deps.Journal != nil {
			if _, err := o.deps.Journal.RecordMessage(ctx, in.AuthorID); err != nil {
				log.Printf("event=stats_record_failed run_id=%s author=%s err=%v", adm.RunID, in.AuthorID, err)
			}
		}
	}

	footer := reply.Footer(o.now().Sub(started), result.Usage, normalized.Sites)
	chunks := reply.Compose(normalized.Text, footer, reply.MaxMessageLength)
	sent := o.sendChunks(ctx, adm, chunks)

	log.Printf("event=message_completed run_id=%s message=%s kind=%s chunks=%d sent=%d sites=%d citations=%d latency_ms=%d", adm.RunID, in.MessageID, normalized.Kind, len(chunks), sent, normalized.Sites, len(result.Citations), o.now().Sub(started).Milliseconds())
	return nil
}

func (o *Orchestrator) buildRequest(ctx context.Context, adm Admission, text string, rolling []history.Entry) (llm.Request, error) {
	in := adm.Inbound
	displayName := strings.TrimSpace(in.AuthorDisplayName)
	if displayName == "" {
		displayName = in.AuthorUsername
	}
	system, err := o.deps.Prompt.Render(prompt.SystemInput{
		BotName:     o.settings.BotName,
		ModelName:   o.settings.ModelName,
		DisplayName: displayName,
		WebSearch:   o.settings.WebSearch,
		Now:         o.now(),
	})
	if err != nil {
		return llm.Request{}, err
	}

	var messages []llm.Message
	if adm.Mention {
		messages, err = prompt.GatherMentionContext(ctx, o.deps.Platform, prompt.MentionInput{
			ChannelID:         in.ChannelID,
			MessageID:         in.MessageID,
			ReferencedID:      in.ReferencedID,
			BotUserID:         o.deps.Platform.BotUserID(),
			AuthorUsername:    in.AuthorUsername,
			AuthorDisplayName: in.AuthorDisplayName,
			Prompt:            text,
		})
		if err != nil {
			log.Printf("event=mention_context_degraded run_id=%s channel=%s err=%v", adm.RunID, in.ChannelID, err)
		}
	} else {
		messages = prompt.HistoryMessages(rolling)
	}

	return llm.Request{
		SystemPrompt:    system,
		Messages:        messages,
		Temperature:     o.settings.Temperature,
		MaxOutputTokens: o.settings.MaxOutputTokens,
		WebSearch:       o.settings.WebSearch,
	}, nil
}

// sendChunks replies with every chunk in order. A failed reply falls back to
// one plain channel send; a failed fallback drops the chunk.
func (o *Orchestrator) sendChunks(ctx context.Context, adm Admission, chunks []string) int {
	in := adm.Inbound
	sent := 0
	for i, chunk := range chunks {
		_, err := o.deps.Platform.Reply(ctx, in.ChannelID, in.GuildID, in.MessageID, chunk)
		if err == nil {
			sent++
			continue
		}
		log.Printf("event=reply_send_failed run_id=%s chunk=%d/%d err=%v", adm.RunID, i+1, len(chunks), err)
		if _, err := o.deps.Platform.SendMessage(ctx, in.ChannelID, chunk); err != nil {
			log.Printf("event=reply_fallback_failed run_id=%s chunk=%d/%d err=%v", adm.RunID, i+1, len(chunks), err)
			continue
		}
		sent++
	}
	return sent
}

func (o *Orchestrator) fail(ctx context.Context, adm Admission, cause error) error {
	in := adm.Inbound
	log.Printf("event=message_failed run_id=%s message=%s author=%s err=%v", adm.RunID, in.MessageID, in.AuthorID, cause)
	if o.deps.Journal != nil {
		if _, err := o.deps.Journal.RecordError(context.WithoutCancel(ctx), ErrorStage, cause); err != nil {
			log.Printf("event=error_journal_failed run_id=%s err=%v", adm.RunID, err)
		}
	}
	if ctx.Err() != nil {
		return cause
	}

	text := FailureText(cause, o.deps.Backend.IsQuotaError(cause))
	if _, err := o.deps.Platform.ReplySilent(ctx, in.ChannelID, in.GuildID, in.MessageID, text); err != nil {
		log.Printf("event=failure_notice_failed run_id=%s err=%v", adm.RunID, err)
	}
	return cause
}

// statusNotifier shows retry progress as a reply to the triggering message.
type statusNotifier struct {
	platform  Platform
	adm       Admission
	messageID string
}

func (s *statusNotifier) SendStatus(ctx context.Context, text string) error {
	id, err := s.platform.ReplySilent(ctx, s.adm.ChannelID, s.adm.GuildID, s.adm.MessageID, text)
	if err != nil {
		return err
	}
	s.messageID = id
	return nil
}

func (s *statusNotifier) EditStatus(ctx context.Context, text string) error {
	if s.messageID == "" {
		return s.SendStatus(ctx, text)
	}
	return s.platform.EditMessage(ctx, s.adm.ChannelID, s.messageID, text)
}

func (s *statusNotifier) DeleteStatus(ctx context.Context) error {
	if s.messageID == "" {
		return nil
	}
	err := s.platform.DeleteMessage(ctx, s.adm.ChannelID, s.messageID)
	s.messageID = ""
	return err
}

// malformedResponseLine keeps the whole body so the payload can be replayed.
func malformedResponseLine(runID, backend string, raw []byte) string {
	return fmt.Sprintf("event=backend_malformed_response run_id=%s backend=%s raw_bytes=%d raw=%q", runID, backend, len(raw), raw)
}
