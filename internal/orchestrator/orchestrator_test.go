package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sigumaa/pigeon/internal/config"
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

type sentMessage struct {
	channelID string
	replyTo   string
	content   string
}

type fakePlatform struct {
	mu       sync.Mutex
	botID    string
	replyErr error
	around   []prompt.RuntimeMessage
	replies  []sentMessage
	silent   []sentMessage
	sends    []sentMessage
	edits    []string
	deletes  []string
	typing   int
	nextID   int
}

func (f *fakePlatform) BotUserID() string { return f.botID }

func (f *fakePlatform) id() string {
	f.nextID++
	return fmt.Sprintf("out-%d", f.nextID)
}

func (f *fakePlatform) Reply(_ context.Context, channelID string, _ string, messageID string, content string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.replyErr != nil {
		return "", f.replyErr
	}
	f.replies = append(f.replies, sentMessage{channelID: channelID, replyTo: messageID, content: content})
	return f.id(), nil
}

func (f *fakePlatform) ReplySilent(_ context.Context, channelID string, _ string, messageID string, content string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.silent = append(f.silent, sentMessage{channelID: channelID, replyTo: messageID, content: content})
	return f.id(), nil
}

func (f *fakePlatform) SendMessage(_ context.Context, channelID string, content string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, sentMessage{channelID: channelID, content: content})
	return f.id(), nil
}

func (f *fakePlatform) EditMessage(_ context.Context, _ string, messageID string, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, messageID+":"+content)
	return nil
}

func (f *fakePlatform) DeleteMessage(_ context.Context, _ string, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, messageID)
	return nil
}

func (f *fakePlatform) Typing(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing++
	return nil
}

func (f *fakePlatform) MessagesAround(_ context.Context, _ string, _ string, limit int) ([]prompt.RuntimeMessage, error) {
	if len(f.around) > limit {
		return f.around[:limit], nil
	}
	return f.around, nil
}

func (f *fakePlatform) Message(context.Context, string, string) (prompt.RuntimeMessage, error) {
	return prompt.RuntimeMessage{}, errors.New("not found")
}

type step struct {
	result llm.Result
	err    error
}

type fakeBackend struct {
	steps    []step
	requests []llm.Request
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) Generate(_ context.Context, _ string, req llm.Request) (llm.Result, error) {
	b.requests = append(b.requests, req)
	if len(b.steps) == 0 {
		return llm.Result{}, errors.New("no scripted step")
	}
	next := b.steps[0]
	if len(b.steps) > 1 {
		b.steps = b.steps[1:]
	}
	return next.result, next.err
}

func (b *fakeBackend) IsQuotaError(err error) bool {
	apiErr, ok := llm.AsAPIError(err)
	return ok && apiErr.StatusCode == http.StatusTooManyRequests
}

type fakeJournal struct {
	messages []string
	errors   []string
}

func (j *fakeJournal) RecordMessage(_ context.Context, userID string) (int64, error) {
	j.messages = append(j.messages, userID)
	return int64(len(j.messages)), nil
}

func (j *fakeJournal) RecordError(_ context.Context, stage string, cause error) (stats.ErrorRecord, error) {
	j.errors = append(j.errors, stage+":"+cause.Error())
	return stats.ErrorRecord{Stage: stage, Message: cause.Error()}, nil
}

type harness struct {
	orch     *Orchestrator
	platform *fakePlatform
	backend  *fakeBackend
	journal  *fakeJournal
	history  *history.Store
	activity *heartbeat.Activity
	now      *time.Time
}

func newHarness(t *testing.T, discord config.DiscordConfig, extraAttempts int, steps ...step) *harness {
	t.Helper()

	pool, err := rotation.NewPool([]string{"key-aaaaaaaa"})
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	executor, err := rotation.NewExecutor(pool,
		rotation.WithExtraAttempts(extraAttempts),
		rotation.WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }),
	)
	if err != nil {
		t.Fatalf("NewExecutor() error = %v", err)
	}
	limiter, err := ratelimit.New(2500*time.Millisecond, 0)
	if err != nil {
		t.Fatalf("ratelimit.New() error = %v", err)
	}
	store, err := history.NewStore(history.DefaultLimit, 0)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	tmpl, err := prompt.LoadSystemTemplate("")
	if err != nil {
		t.Fatalf("LoadSystemTemplate() error = %v", err)
	}

	h := &harness{
		platform: &fakePlatform{botID: "bot"},
		backend:  &fakeBackend{steps: steps},
		journal:  &fakeJournal{},
		history:  store,
		activity: heartbeat.NewActivity(),
	}
	current := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	h.now = &current

	h.orch, err = New(Deps{
		Policy:   policy.New(discord),
		Limiter:  limiter,
		History:  store,
		Executor: executor,
		Backend:  h.backend,
		Platform: h.platform,
		Prompt:   tmpl,
		Activity: h.activity,
		Journal:  h.journal,
	}, Settings{
		BotName:         "pigeon",
		ModelName:       "gemini-2.5-flash",
		Temperature:     1.2,
		MaxOutputTokens: 1024,
		WebSearch:       true,
	}, WithClock(func() time.Time { return *h.now }))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return h
}

func textResult(text string) step {
	return step{result: llm.Result{
		HasCandidate: true,
		Text:         text,
		Usage:        &llm.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}}
}

func dm(id string, content string) Inbound {
	return Inbound{
		MessageID:      id,
		ChannelID:      "dm-chan",
		AuthorID:       "u1",
		AuthorUsername: "alice",
		Content:        content,
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	t.Parallel()

	if _, err := New(Deps{}, Settings{}); err == nil {
		t.Fatal("New() error = nil, want missing dependency error")
	}
}

func TestAdmitFiltersAndRateLimits(t *testing.T) {
	t.Parallel()

	h := newHarness(t, config.DiscordConfig{}, 0, textResult("hi"))
	ctx := context.Background()

	guild := Inbound{MessageID: "g-1", GuildID: "guild-1", ChannelID: "c1", AuthorID: "u2", Content: "hello"}
	if _, ok := h.orch.Admit(ctx, guild); ok {
		t.Fatal("Admit(unrouted guild) = true, want false")
	}
	if len(h.platform.silent) != 0 {
		t.Fatalf("silent replies = %d, want none for filtered message", len(h.platform.silent))
	}

	adm, ok := h.orch.Admit(ctx, dm("m1", "hello"))
	if !ok {
		t.Fatal("Admit(dm) = false, want true")
	}
	if adm.Mention || adm.Scope != "dm-u1" || adm.RunID == "" {
		t.Fatalf("Admission = %+v", adm)
	}

	*h.now = h.now.Add(time.Second)
	if _, ok := h.orch.Admit(ctx, dm("m2", "again")); ok {
		t.Fatal("Admit(within window) = true, want false")
	}
	if len(h.platform.silent) != 1 {
		t.Fatalf("silent replies = %d, want 1 rate-limit notice", len(h.platform.silent))
	}
	want := "<@u1> hey, slow down! You can send another message in **1.5s**! :no_entry:"
	if got := h.platform.silent[0]; got.content != want || got.replyTo != "m2" {
		t.Fatalf("notice = %+v, want %q replying to m2", got, want)
	}

	*h.now = h.now.Add(2 * time.Second)
	if _, ok := h.orch.Admit(ctx, dm("m3", "later")); !ok {
		t.Fatal("Admit(after window) = false, want true")
	}
}

func TestProcessRollingHistoryReply(t *testing.T) {
	t.Parallel()

	h := newHarness(t, config.DiscordConfig{}, 0, textResult("  hello there  "))
	ctx := context.Background()

	adm, ok := h.orch.Admit(ctx, dm("m1", "hi"))
	if !ok {
		t.Fatal("Admit() = false, want true")
	}
	if err := h.orch.Process(ctx, adm); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	if len(h.backend.requests) != 1 {
		t.Fatalf("backend requests = %d, want 1", len(h.backend.requests))
	}
	req := h.backend.requests[0]
	if !strings.Contains(req.SystemPrompt, "You are pigeon") || !strings.Contains(req.SystemPrompt, "User's display name: alice") {
		t.Fatalf("SystemPrompt = %q", req.SystemPrompt)
	}
	if len(req.Messages) != 1 || req.Messages[0].Text != "User: hi" {
		t.Fatalf("Messages = %#v, want the pushed user entry", req.Messages)
	}
	if req.Temperature != 1.2 || req.MaxOutputTokens != 1024 || !req.WebSearch {
		t.Fatalf("request settings = %+v", req)
	}

	entries := h.history.Snapshot("dm-u1", "u1")
	if len(entries) != 2 || entries[0].Content != "hi" || entries[1].Role != history.RoleAssistant || entries[1].Content != "hello there" {
		t.Fatalf("history = %#v", entries)
	}
	if len(h.journal.messages) != 1 || h.journal.messages[0] != "u1" {
		t.Fatalf("journal messages = %v, want [u1]", h.journal.messages)
	}
	if h.platform.typing != 1 {
		t.Fatalf("typing = %d, want 1", h.platform.typing)
	}
	if count, _ := h.activity.Snapshot(); count != 1 {
		t.Fatalf("activity count = %d, want 1", count)
	}

	want := "hello there\n-# took 0.0s (fast) | tokens: 15 (10+5)"
	if len(h.platform.replies) != 1 || h.platform.replies[0].content != want {
		t.Fatalf("replies = %#v, want %q", h.platform.replies, want)
	}
}

func TestProcessMentionUsesChannelContext(t *testing.T) {
	t.Parallel()

	h := newHarness(t, config.DiscordConfig{}, 0, textResult("sure"))
	h.platform.around = []prompt.RuntimeMessage{
		{ID: "m0", AuthorID: "u2", AuthorUsername: "bob", Content: "anyone here?", CreatedAt: time.Date(2026, 10, 18, 11, 59, 0, 0, time.UTC)},
		{ID: "m1", AuthorID: "u1", AuthorUsername: "alice", Content: "<@bot> what's up", CreatedAt: time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)},
	}
	h.history.Append("guild-1", "u1", history.Entry{Role: history.RoleUser, Content: "earlier question"})
	h.history.Append("guild-1", "u1", history.Entry{Role: history.RoleAssistant, Content: "earlier answer"})
	before := h.history.Snapshot("guild-1", "u1")
	ctx := context.Background()

	adm, ok := h.orch.Admit(ctx, Inbound{
		MessageID:         "m1",
		GuildID:           "guild-1",
		ChannelID:         "c9",
		AuthorID:          "u1",
		AuthorUsername:    "alice",
		AuthorDisplayName: "Alice",
		Content:           "<@bot> what's up",
	})
	if !ok {
		t.Fatal("Admit(mention) = false, want true")
	}
	if !adm.Mention || adm.Scope != "guild-1" {
		t.Fatalf("Admission = %+v, want mention in guild scope", adm)
	}
	if err := h.orch.Process(ctx, adm); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	msgs := h.backend.requests[0].Messages
	if len(msgs) != 2 {
		t.Fatalf("Messages = %#v, want context plus prompt", msgs)
	}
	if msgs[0].Text != "@bob: anyone here?" || msgs[1].Text != "Prompt from Alice (@alice): what's up" {
		t.Fatalf("Messages = %#v", msgs)
	}
	for _, msg := range msgs {
		if strings.Contains(msg.Text, "earlier") || strings.HasPrefix(msg.Text, "User: ") || strings.HasPrefix(msg.Text, "Assistant: ") {
			t.Fatalf("mention request read rolling history: %#v", msgs)
		}
	}
	if after := h.history.Snapshot("guild-1", "u1"); !reflect.DeepEqual(after, before) {
		t.Fatalf("history = %#v, want unchanged %#v", after, before)
	}
	if len(h.journal.messages) != 0 {
		t.Fatalf("journal messages = %v, want none for mentions", h.journal.messages)
	}
}

func TestProcessIgnoredUserSkipsBackend(t *testing.T) {
	t.Parallel()

	until := time.Date(2026, 10, 18, 13, 0, 0, 0, time.UTC)
	h := newHarness(t, config.DiscordConfig{IgnoreWindows: map[string]int64{"u1": until.UnixMilli()}}, 0, textResult("x"))
	ctx := context.Background()

	adm, ok := h.orch.Admit(ctx, dm("m1", ""))
	if !ok {
		t.Fatal("Admit() = false, want true")
	}
	if err := h.orch.Process(ctx, adm); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if len(h.backend.requests) != 0 {
		t.Fatalf("backend requests = %d, want 0 for ignored user", len(h.backend.requests))
	}
	entries := h.history.Snapshot("dm-u1", "u1")
	if len(entries) != 1 || entries[0].Content != prompt.AttachmentPlaceholder {
		t.Fatalf("history = %#v, want the placeholder user entry", entries)
	}
	if len(h.platform.replies)+len(h.platform.silent) != 0 {
		t.Fatal("ignored user received a reply")
	}
}

func TestProcessSplitsLongReplies(t *testing.T) {
	t.Parallel()

	long := strings.Repeat(strings.Repeat("a", 99)+"\n", 50)
	h := newHarness(t, config.DiscordConfig{}, 0, textResult(long))
	ctx := context.Background()

	adm, _ := h.orch.Admit(ctx, dm("m1", "essay please"))
	if err := h.orch.Process(ctx, adm); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if len(h.platform.replies) != 3 {
		t.Fatalf("replies = %d, want 3", len(h.platform.replies))
	}
	for i, r := range h.platform.replies {
		prefix := fmt.Sprintf("-# (%d/3)\n", i+1)
		if !strings.HasPrefix(r.content, prefix) {
			t.Fatalf("reply %d = %q..., want prefix %q", i, r.content[:12], prefix)
		}
		if n := len([]rune(r.content)); n > reply.MaxMessageLength {
			t.Fatalf("reply %d has %d runes, want <= %d", i, n, reply.MaxMessageLength)
		}
	}
	if !strings.Contains(h.platform.replies[2].content, "tokens: 15") {
		t.Fatal("footer missing from last chunk")
	}
}

func TestProcessFallsBackToChannelSend(t *testing.T) {
	t.Parallel()

	h := newHarness(t, config.DiscordConfig{}, 0, textResult("ok"))
	h.platform.replyErr = errors.New("unknown message")
	ctx := context.Background()

	adm, _ := h.orch.Admit(ctx, dm("m1", "hi"))
	if err := h.orch.Process(ctx, adm); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if len(h.platform.sends) != 1 || !strings.HasPrefix(h.platform.sends[0].content, "ok\n-# took") {
		t.Fatalf("sends = %#v, want one fallback send", h.platform.sends)
	}
}

func TestProcessNoCandidatePlaceholder(t *testing.T) {
	t.Parallel()

	h := newHarness(t, config.DiscordConfig{}, 0, step{result: llm.Result{Raw: []byte(`{"candidates":[]}`)}})
	ctx := context.Background()

	adm, _ := h.orch.Admit(ctx, dm("m1", "hi"))
	if err := h.orch.Process(ctx, adm); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if !strings.HasPrefix(h.platform.replies[0].content, reply.NoCandidateText) {
		t.Fatalf("reply = %q, want placeholder", h.platform.replies[0].content)
	}
	entries := h.history.Snapshot("dm-u1", "u1")
	if entries[len(entries)-1].Content != reply.NoCandidateText {
		t.Fatalf("history tail = %q, want placeholder", entries[len(entries)-1].Content)
	}
}

func TestProcessRetryStatusIsDeletedOnSuccess(t *testing.T) {
	t.Parallel()

	h := newHarness(t, config.DiscordConfig{}, 1,
		step{err: errors.New("connection reset")},
		textResult("recovered"),
	)
	ctx := context.Background()

	adm, _ := h.orch.Admit(ctx, dm("m1", "hi"))
	if err := h.orch.Process(ctx, adm); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if len(h.platform.silent) != 1 || h.platform.silent[0].content != rotation.RetryStatusText(1, 2) {
		t.Fatalf("status messages = %#v", h.platform.silent)
	}
	if len(h.platform.deletes) != 1 || h.platform.deletes[0] != "out-1" {
		t.Fatalf("deletes = %v, want [out-1]", h.platform.deletes)
	}
	if len(h.platform.replies) != 1 || !strings.HasPrefix(h.platform.replies[0].content, "recovered") {
		t.Fatalf("replies = %#v", h.platform.replies)
	}
}

func TestProcessQuotaFailure(t *testing.T) {
	t.Parallel()

	quota := &llm.APIError{StatusCode: http.StatusTooManyRequests, Reason: "RESOURCE_EXHAUSTED", Message: "quota exceeded"}
	h := newHarness(t, config.DiscordConfig{}, 0, step{err: quota})
	ctx := context.Background()

	adm, _ := h.orch.Admit(ctx, dm("m1", "hi"))
	err := h.orch.Process(ctx, adm)
	var exhausted *rotation.ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("Process() error = %v, want ExhaustedError", err)
	}

	if len(h.platform.silent) != 2 {
		t.Fatalf("silent replies = %#v, want exhausted status and quota notice", h.platform.silent)
	}
	if h.platform.silent[0].content != rotation.ExhaustedStatusText(1) {
		t.Fatalf("status = %q", h.platform.silent[0].content)
	}
	if h.platform.silent[1].content != QuotaText {
		t.Fatalf("failure notice = %q, want %q", h.platform.silent[1].content, QuotaText)
	}
	if len(h.journal.errors) != 1 || !strings.HasPrefix(h.journal.errors[0], ErrorStage+":") {
		t.Fatalf("journal errors = %v", h.journal.errors)
	}
	if len(h.platform.replies) != 0 {
		t.Fatalf("replies = %#v, want none", h.platform.replies)
	}
	if entries := h.history.Snapshot("dm-u1", "u1"); len(entries) != 1 {
		t.Fatalf("history = %#v, want only the user entry", entries)
	}
}

func TestFailureText(t *testing.T) {
	t.Parallel()

	apiErr := &llm.APIError{StatusCode: 500, Reason: "INTERNAL", Message: "backend `exploded`"}

	tests := []struct {
		name         string
		err          error
		quota        bool
		wantPrefix   string
		wantContains []string
		wantMissing  string
	}{
		{
			name:       "quota",
			err:        apiErr,
			quota:      true,
			wantPrefix: QuotaText,
		},
		{
			name:         "plain error",
			err:          errors.New("dial tcp: timeout"),
			wantPrefix:   ":x: Error:\n||`dial tcp: timeout`||",
			wantMissing:  "API Error",
			wantContains: []string{"timeout"},
		},
		{
			name:       "exhausted unwraps last error",
			err:        &rotation.ExhaustedError{Attempts: 6, Err: fmt.Errorf("generate: %w", apiErr)},
			wantPrefix: ":x: Error:\n||`generate: status 500: backend 'exploded'`||",
			wantContains: []string{
				"\nAPI Error: ||```json\n",
				`"code": 500`,
				`"status": "INTERNAL"`,
			},
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := FailureText(tc.err, tc.quota)
			if !strings.HasPrefix(got, tc.wantPrefix) {
				t.Fatalf("FailureText() = %q, want prefix %q", got, tc.wantPrefix)
			}
			for _, want := range tc.wantContains {
				if !strings.Contains(got, want) {
					t.Fatalf("FailureText() = %q, want %q", got, want)
				}
			}
			if tc.wantMissing != "" && strings.Contains(got, tc.wantMissing) {
				t.Fatalf("FailureText() = %q, should not contain %q", got, tc.wantMissing)
			}
		})
	}
}

func TestFailureTextFitsOneMessage(t *testing.T) {
	t.Parallel()

	huge := &llm.APIError{StatusCode: 400, Body: strings.Repeat("x", 5000)}
	got := FailureText(huge, false)
	if n := len([]rune(got)); n > reply.MaxMessageLength {
		t.Fatalf("FailureText() has %d runes, want <= %d", n, reply.MaxMessageLength)
	}
	if !strings.HasSuffix(got, "\n```||") {
		t.Fatalf("FailureText() = %q..., want closed code block", got[len(got)-20:])
	}
}

func TestMalformedResponseLineKeepsFullBody(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"candidates":[{"content":{"parts":[]}}],"pad":"` + strings.Repeat("z", 9000) + `"}`)
	line := malformedResponseLine("msg-1", "gemini", raw)

	if !strings.HasPrefix(line, "event=backend_malformed_response run_id=msg-1 backend=gemini ") {
		t.Fatalf("malformedResponseLine() prefix = %q", line[:80])
	}
	if want := fmt.Sprintf("raw_bytes=%d raw=%q", len(raw), raw); !strings.HasSuffix(line, want) {
		t.Fatalf("malformedResponseLine() does not end with the full quoted body")
	}
	if strings.Contains(line, "truncated") {
		t.Fatal("malformedResponseLine() marked the body as truncated")
	}
}
