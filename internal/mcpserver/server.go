package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sigumaa/pigeon/internal/history"
	"github.com/sigumaa/pigeon/internal/policy"
	"github.com/sigumaa/pigeon/internal/ratelimit"
	"github.com/sigumaa/pigeon/internal/stats"
)

const (
	maxMuteDuration = 365 * 24 * time.Hour
	maxMuteSeconds  = int(maxMuteDuration / time.Second)
)

// StatsReader is the read side of the stats store.
type StatsReader interface {
	MessageCount(ctx context.Context, userID string) (int64, error)
	RecentErrors(ctx context.Context, limit int) ([]stats.ErrorRecord, error)
}

type Deps struct {
	History *history.Store
	Policy  *policy.Policy
	Limiter *ratelimit.Limiter
	Stats   StatsReader
}

// Server exposes the admin commands as MCP tools over streamable HTTP.
type Server struct {
	bind       string
	deps       Deps
	now        func() time.Time
	mcpServer  *mcp.Server
	httpServer *http.Server
}

type ClearHistoryArgs struct {
	UserID  string `json:"user_id" jsonschema:"user whose transcript is cleared"`
	GuildID string `json:"guild_id,omitempty" jsonschema:"guild scope; empty clears the direct-message transcript"`
}

type ClearHistoryResult struct {
	Cleared bool `json:"cleared"`
}

type SetChannelArgs struct {
	GuildID   string `json:"guild_id" jsonschema:"guild id"`
	ChannelID string `json:"channel_id" jsonschema:"channel the bot listens to in that guild"`
}

type RemoveChannelArgs struct {
	GuildID string `json:"guild_id" jsonschema:"guild id"`
}

type SimpleOK struct {
	OK bool `json:"ok"`
}

type MuteUserArgs struct {
	UserID      string `json:"user_id" jsonschema:"user to ignore"`
	DurationSec int    `json:"duration_sec" jsonschema:"ignore window length in seconds"`
}

type MuteUserResult struct {
	MutedUntil string `json:"muted_until"`
}

type UnmuteUserArgs struct {
	UserID string `json:"user_id" jsonschema:"user to stop ignoring"`
}

type UserStatusArgs struct {
	UserID  string `json:"user_id" jsonschema:"user id"`
	GuildID string `json:"guild_id,omitempty" jsonschema:"guild scope; empty reads the direct-message transcript"`
}

type UserStatusResult struct {
	UserID               string `json:"user_id"`
	Scope                string `json:"scope"`
	HistoryLength        int    `json:"history_length"`
	HistoryLimit         int    `json:"history_limit"`
	RateLimitRemainingMS int64  `json:"rate_limit_remaining_ms"`
	MutedUntil           string `json:"muted_until,omitempty"`
	MessageCount         int64  `json:"message_count"`
}

type BotStatusArgs struct{}

type BotStatusResult struct {
	TrackedUsers      int   `json:"tracked_users"`
	ChannelRoutes     int   `json:"channel_routes"`
	RateLimitWindowMS int64 `json:"rate_limit_window_ms"`
	HistoryLimit      int   `json:"history_limit"`
}

type RecentErrorsArgs struct {
	Limit int `json:"limit,omitempty" jsonschema:"maximum rows, newest first"`
}

type RecentErrorsResult struct {
	Errors []ErrorItem `json:"errors"`
}

type ErrorItem struct {
	ID        string `json:"id"`
	Stage     string `json:"stage"`
	Message   string `json:"message"`
	CreatedAt string `json:"created_at"`
}

func New(bind string, deps Deps) (*Server, error) {
	bind = strings.TrimSpace(bind)
	if bind == "" {
		return nil, errors.New("mcp bind is required")
	}
	if deps.History == nil {
		return nil, errors.New("history store is required")
	}
	if deps.Policy == nil {
		return nil, errors.New("policy is required")
	}
	if deps.Limiter == nil {
		return nil, errors.New("rate limiter is required")
	}

	m := mcp.NewServer(&mcp.Implementation{
		Name:    "pigeon-admin",
		Version: "v0.1.0",
	}, nil)

	s := &Server{
		bind:      bind,
		deps:      deps,
		now:       time.Now,
		mcpServer: m,
	}
	s.registerTools()

	handler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return s.mcpServer
	}, nil)
	mux := http.NewServeMux()
	mux.Handle("/mcp", handler)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	s.httpServer = &http.Server{
		Addr:              bind,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) URL() string {
	return "http://" + s.bind + "/mcp"
}

// Start serves until ctx is done or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "clear_history",
		Description: "Reset a user's rolling transcript",
	}, s.handleClearHistory)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "set_channel",
		Description: "Route a guild to the channel the bot answers in",
	}, s.handleSetChannel)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "remove_channel",
		Description: "Stop listening in a guild unless mentioned",
	}, s.handleRemoveChannel)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "mute_user",
		Description: "Ignore a user's messages for a while",
	}, s.handleMuteUser)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "unmute_user",
		Description: "Lift a user's ignore window",
	}, s.handleUnmuteUser)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "get_user_status",
		Description: "Show transcript size, rate limit and mute state for a user",
	}, s.handleGetUserStatus)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "get_bot_status",
		Description: "Show rate limiter, routing and history settings",
	}, s.handleGetBotStatus)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "recent_errors",
		Description: "List the latest pipeline errors",
	}, s.handleRecentErrors)
}

func (s *Server) handleClearHistory(_ context.Context, _ *mcp.CallToolRequest, args ClearHistoryArgs) (*mcp.CallToolResult, ClearHistoryResult, error) {
	userID, err := required("user_id", args.UserID)
	if err != nil {
		return nil, ClearHistoryResult{}, err
	}
	scope := history.ScopeKey(strings.TrimSpace(args.GuildID), userID)
	cleared := s.deps.History.Clear(scope, userID)
	log.Printf("event=admin_history_cleared scope=%s user=%s cleared=%t", scope, userID, cleared)
	return nil, ClearHistoryResult{Cleared: cleared}, nil
}

func (s *Server) handleSetChannel(_ context.Context, _ *mcp.CallToolRequest, args SetChannelArgs) (*mcp.CallToolResult, SimpleOK, error) {
	guildID, err := required("guild_id", args.GuildID)
	if err != nil {
		return nil, SimpleOK{}, err
	}
	channelID, err := required("channel_id", args.ChannelID)
	if err != nil {
		return nil, SimpleOK{}, err
	}
	s.deps.Policy.SetRoute(guildID, channelID)
	log.Printf("event=admin_channel_set guild=%s channel=%s", guildID, channelID)
	return nil, SimpleOK{OK: true}, nil
}

func (s *Server) handleRemoveChannel(_ context.Context, _ *mcp.CallToolRequest, args RemoveChannelArgs) (*mcp.CallToolResult, SimpleOK, error) {
	guildID, err := required("guild_id", args.GuildID)
	if err != nil {
		return nil, SimpleOK{}, err
	}
	removed := s.deps.Policy.RemoveRoute(guildID)
	log.Printf("event=admin_channel_removed guild=%s removed=%t", guildID, removed)
	return nil, SimpleOK{OK: removed}, nil
}

func (s *Server) handleMuteUser(_ context.Context, _ *mcp.CallToolRequest, args MuteUserArgs) (*mcp.CallToolResult, MuteUserResult, error) {
	userID, err := required("user_id", args.UserID)
	if err != nil {
		return nil, MuteUserResult{}, err
	}
	if args.DurationSec <= 0 || args.DurationSec > maxMuteSeconds {
		return nil, MuteUserResult{}, fmt.Errorf("duration_sec must be between 1 and %d", maxMuteSeconds)
	}
	until := s.now().Add(time.Duration(args.DurationSec) * time.Second).UTC()
	s.deps.Policy.Mute(userID, until)
	log.Printf("event=admin_user_muted user=%s until=%s", userID, until.Format(time.RFC3339))
	return nil, MuteUserResult{MutedUntil: until.Format(time.RFC3339)}, nil
}

func (s *Server) handleUnmuteUser(_ context.Context, _ *mcp.CallToolRequest, args UnmuteUserArgs) (*mcp.CallToolResult, SimpleOK, error) {
	userID, err := required("user_id", args.UserID)
	if err != nil {
		return nil, SimpleOK{}, err
	}
	removed := s.deps.Policy.Unmute(userID)
	log.Printf("event=admin_user_unmuted user=%s removed=%t", userID, removed)
	return nil, SimpleOK{OK: removed}, nil
}

func (s *Server) handleGetUserStatus(ctx context.Context, _ *mcp.CallToolRequest, args UserStatusArgs) (*mcp.CallToolResult, UserStatusResult, error) {
	userID, err := required("user_id", args.UserID)
	if err != nil {
		return nil, UserStatusResult{}, err
	}
	now := s.now()
	scope := history.ScopeKey(strings.TrimSpace(args.GuildID), userID)
	out := UserStatusResult{
		UserID:               userID,
		Scope:                scope,
		HistoryLength:        s.deps.History.Len(scope, userID),
		HistoryLimit:         s.deps.History.Limit(),
		RateLimitRemainingMS: s.deps.Limiter.Remaining(userID, now).Milliseconds(),
	}
	if until, ok := s.deps.Policy.IgnoredUntil(userID); ok && now.Before(until) {
		out.MutedUntil = until.UTC().Format(time.RFC3339)
	}
	if s.deps.Stats != nil {
		count, err := s.deps.Stats.MessageCount(ctx, userID)
		if err != nil {
			return nil, UserStatusResult{}, err
		}
		out.MessageCount = count
	}
	return nil, out, nil
}

func (s *Server) handleGetBotStatus(_ context.Context, _ *mcp.CallToolRequest, _ BotStatusArgs) (*mcp.CallToolResult, BotStatusResult, error) {
	return nil, BotStatusResult{
		TrackedUsers:      s.deps.Limiter.Tracked(),
		ChannelRoutes:     s.deps.Policy.RouteCount(),
		RateLimitWindowMS: s.deps.Limiter.Window().Milliseconds(),
		HistoryLimit:      s.deps.History.Limit(),
	}, nil
}

func (s *Server) handleRecentErrors(ctx context.Context, _ *mcp.CallToolRequest, args RecentErrorsArgs) (*mcp.CallToolResult, RecentErrorsResult, error) {
	if s.deps.Stats == nil {
		return nil, RecentErrorsResult{Errors: []ErrorItem{}}, nil
	}
	records, err := s.deps.Stats.RecentErrors(ctx, args.Limit)
	if err != nil {
		return nil, RecentErrorsResult{}, err
	}
	out := make([]ErrorItem, 0, len(records))
	for _, r := range records {
		out = append(out, ErrorItem{
			ID:        r.ID,
			Stage:     r.Stage,
			Message:   r.Message,
			CreatedAt: r.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return nil, RecentErrorsResult{Errors: out}, nil
}

func required(name string, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("%s is required", name)
	}
	return value, nil
}
