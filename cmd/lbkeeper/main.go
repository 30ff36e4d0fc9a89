package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/0xvermeer/lbkeeper/internal/advisor"
	"github.com/0xvermeer/lbkeeper/internal/chain"
	"github.com/0xvermeer/lbkeeper/internal/config"
	"github.com/0xvermeer/lbkeeper/internal/executor"
	"github.com/0xvermeer/lbkeeper/internal/keeper"
	"github.com/0xvermeer/lbkeeper/internal/llm"
	"github.com/0xvermeer/lbkeeper/internal/logger"
	"github.com/0xvermeer/lbkeeper/internal/notifier"
	"github.com/0xvermeer/lbkeeper/internal/policy"
	"github.com/0xvermeer/lbkeeper/internal/state"
	"github.com/0xvermeer/lbkeeper/internal/web"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	if err := config.LoadConfig(); err != nil {
		logger.Initialize("info")
		logger.Get().Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger.Initialize(config.LogLevel)
	log := logger.GetForComponent("main")

	if err := state.InitDB(config.DatabaseURL); err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer state.CloseDB()

	if err := state.EnsureSchema(); err != nil {
		log.Fatal().Err(err).Msg("Failed to ensure database schema")
	}

	// Dashboard runs alongside the loop; it only reads recorded snapshots.
	webServer := web.NewWebServer(config.WebPort)
	go func() {
		if err := webServer.Start(); err != nil {
			log.Error().Err(err).Msg("Web server stopped")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := chain.NewClient(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize chain client")
	}
	defer client.Close()

	var adv advisor.Advisor
	if config.AdvisorEnabled {
		llmClient, err := llm.New(llm.Options{
			Provider: config.LLMProvider,
			Model:    config.LLMModel,
			BaseURL:  config.LLMBaseURL,
			APIKey:   config.OpenAIAPIKey,
			Timeout:  time.Duration(config.LLMTimeoutSeconds) * time.Second,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize LLM advisor")
		}
		adv = advisor.NewLLMAdvisor(llmClient)
		log.Info().Str("advisor", adv.Name()).Msg("Advisory hook enabled")
	}

	telegram := notifier.NewTelegram(config.TelegramBotToken, config.TelegramChatID)
	var notif notifier.Notifier
	if telegram != nil {
		notif = telegram
		log.Info().Msg("Telegram escalation enabled")
	}

	if config.LiveMode {
		log.Warn().Msg("KEEPER_MODE=live: transactions WILL be submitted")
	} else {
		log.Info().Msg("Dry-run mode: decisions are recorded, nothing is submitted")
	}

	k, err := keeper.New(keeper.Config{
		Reader:   client,
		Policy:   policy.NewFromConfig(),
		Advisor:  adv,
		Executor: executor.New(client, client, config.GasReserveWei, config.RewardRange),
		Store:    state.Store{},
		Notifier: notif,
		Interval: time.Duration(config.LoopIntervalSeconds) * time.Second,
		Live:     config.LiveMode,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize keeper")
	}

	// Shut down cleanly on SIGINT/SIGTERM; the running cycle finishes through
	// context cancellation.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
		cancel()
	}()

	k.RunLoop(ctx)
	log.Info().Msg("Keeper stopped")
}
