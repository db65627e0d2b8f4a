package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/sigumaa/pigeon/internal/config"
	"github.com/sigumaa/pigeon/internal/discordx"
	"github.com/sigumaa/pigeon/internal/dispatch"
	"github.com/sigumaa/pigeon/internal/gemini"
	"github.com/sigumaa/pigeon/internal/heartbeat"
	"github.com/sigumaa/pigeon/internal/history"
	"github.com/sigumaa/pigeon/internal/llm"
	"github.com/sigumaa/pigeon/internal/mcpserver"
	"github.com/sigumaa/pigeon/internal/orchestrator"
	"github.com/sigumaa/pigeon/internal/policy"
	"github.com/sigumaa/pigeon/internal/prompt"
	"github.com/sigumaa/pigeon/internal/ratelimit"
	"github.com/sigumaa/pigeon/internal/rotation"
	"github.com/sigumaa/pigeon/internal/stats"
	"github.com/sigumaa/pigeon/internal/xai"
)

const (
	discordIntents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent

	retryDelayAllowance = 30 * time.Second
)

type modelBackend interface {
	llm.Backend
	Model() string
}

func runApplication(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	pool, err := rotation.NewPool(cfg.Backend.APIKeys)
	if err != nil {
		return fmt.Errorf("create credential pool: %w", err)
	}
	backend, err := newBackend(cfg.Backend)
	if err != nil {
		return err
	}
	executor, err := rotation.NewExecutor(pool, rotation.WithExtraAttempts(cfg.Backend.ExtraAttempts))
	if err != nil {
		return fmt.Errorf("create executor: %w", err)
	}
	limiter, err := ratelimit.New(cfg.Limits.RateLimitWindow(), cfg.Limits.MaxTrackedUsers)
	if err != nil {
		return fmt.Errorf("create rate limiter: %w", err)
	}
	store, err := history.NewStore(cfg.Limits.HistoryLimit, cfg.Limits.MaxHistoryBuffers)
	if err != nil {
		return fmt.Errorf("create history store: %w", err)
	}
	systemPrompt, err := prompt.LoadSystemTemplate(cfg.Persona.SystemPromptPath)
	if err != nil {
		return err
	}
	pol := policy.New(cfg.Discord)

	var (
		statsStore  *stats.Store
		journal     orchestrator.Journal
		statsReader mcpserver.StatsReader
	)
	if cfg.Stats.DBPath != "" {
		statsStore, err = stats.Open(cfg.Stats.DBPath)
		if err != nil {
			return fmt.Errorf("open stats store: %w", err)
		}
		defer statsStore.Close()
		journal = statsStore
		statsReader = statsStore
	}

	discord, err := discordgo.New("Bot " + cfg.Discord.Token)
	if err != nil {
		return fmt.Errorf("create discord session: %w", err)
	}
	discord.Identify.Intents = discordIntents

	gateway := discordx.NewGateway(discord)
	activity := heartbeat.NewActivity()

	orch, err := orchestrator.New(orchestrator.Deps{
		Policy:   pol,
		Limiter:  limiter,
		History:  store,
		Executor: executor,
		Backend:  backend,
		Platform: gateway,
		Prompt:   systemPrompt,
		Activity: activity,
		Journal:  journal,
	}, orchestrator.Settings{
		BotName:         cfg.Persona.Name,
		ModelName:       backend.Model(),
		Temperature:     cfg.Backend.Temperature,
		MaxOutputTokens: cfg.Backend.MaxOutputTokens,
		WebSearch:       cfg.Backend.WebSearch,
	})
	if err != nil {
		return fmt.Errorf("create orchestrator: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	processTimeout := messageTimeout(cfg.Backend.Timeout(), executor.MaxAttempts())
	dispatcher := dispatch.New[orchestrator.Admission](ctx, cfg.Limits.QueueSize, func(workerCtx context.Context, adm orchestrator.Admission, meta dispatch.CallbackMetadata) {
		log.Printf("event=message_dequeued run_id=%s message=%s author=%s queue_wait_ms=%d enqueued_at=%s", adm.RunID, adm.MessageID, meta.Key, durationMS(meta.QueueWait), meta.EnqueuedAt.UTC().Format(time.RFC3339Nano))
		runCtx, cancel := context.WithTimeout(workerCtx, processTimeout)
		defer cancel()
		_ = orch.Process(runCtx, adm)
	})

	discord.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		if r == nil || r.User == nil {
			return
		}
		gateway.SetBotUserID(r.User.ID)
		log.Printf("event=discord_ready_completed user=%s guilds=%d", r.User.ID, len(r.Guilds))
	})
	discord.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		in, ok := inboundFromMessage(m)
		if !ok {
			return
		}
		adm, ok := orch.Admit(ctx, in)
		if !ok {
			return
		}
		if dropped := dispatcher.Enqueue(adm.AuthorID, adm); dropped {
			log.Printf("event=dispatch_queue_dropped author=%s message=%s", adm.AuthorID, adm.MessageID)
		}
	})

	if err := discord.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	if cfg.Activity.Enabled {
		runner, err := heartbeat.NewRunner(cfg.Activity.Cron, cfg.Activity.Timezone, heartbeat.PresenceHandler(activity, heartbeat.DefaultIdleAfter, gateway.SetListening))
		if err != nil {
			_ = discord.Close()
			return fmt.Errorf("init activity runner: %w", err)
		}
		runner.Start(ctx)
	}

	errCh := make(chan error, 1)
	adminURL := "disabled"
	if cfg.Admin.Enabled {
		adminSrv, err := mcpserver.New(cfg.Admin.Bind, mcpserver.Deps{
			History: store,
			Policy:  pol,
			Limiter: limiter,
			Stats:   statsReader,
		})
		if err != nil {
			_ = discord.Close()
			return fmt.Errorf("create admin server: %w", err)
		}
		adminURL = adminSrv.URL()
		go func() {
			if err := adminSrv.Start(ctx); err != nil {
				errCh <- err
				stop()
			}
		}()
	}

	log.Printf(
		"event=pigeon_started backend=%s model=%s credentials=%d max_attempts=%d rate_limit_window_ms=%d channel_routes=%d admin_url=%s stats=%t activity=%t",
		backend.Name(),
		backend.Model(),
		pool.Size(),
		executor.MaxAttempts(),
		limiter.Window().Milliseconds(),
		pol.RouteCount(),
		adminURL,
		statsStore != nil,
		cfg.Activity.Enabled,
	)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			log.Printf("event=admin_server_failed err=%v", err)
		}
	}
	stop()
	log.Printf("event=shutdown_started")
	runShutdownStep("discord_close", 2*time.Second, func() {
		_ = discord.Close()
	})
	runShutdownStep("dispatcher_drain", 5*time.Second, dispatcher.Wait)
	log.Printf("event=shutdown_completed")
	return nil
}

func newBackend(cfg config.BackendConfig) (modelBackend, error) {
	httpClient := &http.Client{Timeout: cfg.Timeout()}
	switch cfg.Provider {
	case config.ProviderGemini:
		return gemini.NewClient(gemini.Config{
			BaseURL:    cfg.BaseURL,
			Model:      cfg.Model,
			HTTPClient: httpClient,
		}), nil
	case config.ProviderXAI:
		return xai.NewClient(xai.Config{
			BaseURL:    cfg.BaseURL,
			Model:      cfg.Model,
			HTTPClient: httpClient,
		}), nil
	default:
		return nil, fmt.Errorf("backend provider %q is not supported", cfg.Provider)
	}
}

// messageTimeout bounds one message's processing: every attempt may run to the
// HTTP timeout, plus the retry delays between them.
func messageTimeout(perAttempt time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	return perAttempt*time.Duration(attempts) + retryDelayAllowance
}
