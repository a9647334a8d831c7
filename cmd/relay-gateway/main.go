// ABOUTME: Entry point for the relay-gateway message delivery service
// ABOUTME: Wires store, queue, worker, bus, router, registry, and sessions together

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/chatforge/relay/internal/bus"
	"github.com/chatforge/relay/internal/config"
	"github.com/chatforge/relay/internal/delivery"
	"github.com/chatforge/relay/internal/pipeline"
	"github.com/chatforge/relay/internal/queue"
	"github.com/chatforge/relay/internal/registry"
	"github.com/chatforge/relay/internal/responder"
	"github.com/chatforge/relay/internal/store"
	"github.com/chatforge/relay/internal/whatsapp"
	"github.com/chatforge/relay/internal/worker"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
           _                               _
  _ __ ___| | __ _ _   _        __ _  __ _| |_ _____      ____ _ _   _
 | '__/ _ \ |/ _' | | | |_____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
 | | |  __/ | (_| | |_| |_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
 |_|  \___|_|\__,_|\__, |      \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                   |___/       |___/                             |___/
`

const cleanInterval = time.Hour

// getConfigPath returns the path to the gateway config file.
// Priority: RELAY_CONFIG env var > XDG_CONFIG_HOME/relay/gateway.yaml > ~/.config/relay/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("RELAY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "relay", "gateway.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: relay-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve     Start the gateway")
		fmt.Println("  health    Check queue health")
		fmt.Println("  stats     Show queue statistics")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "health":
		err = runHealth(ctx)
	case "stats":
		err = runStats(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	color.New(color.FgHiBlack).Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Workers:   %d\n", cfg.Queue.Concurrency)
	if cfg.WhatsApp.Enabled {
		green.Print("    ▶ ")
		fmt.Print("WhatsApp:  ")
		cyan.Println(cfg.WhatsApp.BridgeURL)
	}
	if cfg.Telegram.Enabled {
		green.Print("    ▶ ")
		fmt.Println("Telegram:  enabled")
	}
	fmt.Println()

	logger.Info("starting relay-gateway",
		"config", configPath,
		"database", cfg.Database.Path,
		"concurrency", cfg.Queue.Concurrency,
	)

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	q, err := queue.New(st.DB(), queue.Policy{
		Attempts:       cfg.Queue.Attempts,
		RetryBackoff:   cfg.Queue.RetryBackoff,
		AttemptTimeout: cfg.Queue.AttemptTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening queue: %w", err)
	}

	b := bus.New(logger)
	defer b.Close()

	fallback := true
	if cfg.Push.FallbackBroadcast != nil {
		fallback = *cfg.Push.FallbackBroadcast
	}
	reg := registry.New(fallback, logger)
	defer reg.Close()

	svc := pipeline.New(st, q)

	handlers := make(map[store.Channel]delivery.Handler)
	handlers[store.ChannelAPI] = delivery.NewAPIHandler()

	var sessions *whatsapp.Manager
	if cfg.WhatsApp.Enabled {
		sessions = whatsapp.NewManager(
			&whatsapp.BridgeDialer{URL: cfg.WhatsApp.BridgeURL, Logger: logger},
			st, svc, reg,
			whatsapp.Config{
				AuthDir:      cfg.WhatsApp.AuthDir,
				InitialDelay: cfg.WhatsApp.ReconnectInitialDelay,
				MaxDelay:     cfg.WhatsApp.ReconnectMaxDelay,
				MaxAttempts:  cfg.WhatsApp.MaxReconnectAttempts,
			},
		)
		defer sessions.Close()
		handlers[store.ChannelWhatsApp] = delivery.NewWhatsAppHandler(sessions)
	}

	if cfg.Telegram.Enabled {
		bot, err := tgbotapi.NewBotAPI(cfg.Telegram.BotToken)
		if err != nil {
			return fmt.Errorf("connecting telegram bot: %w", err)
		}
		logger.Info("telegram bot connected", "username", bot.Self.UserName)
		handlers[store.ChannelTelegram] = delivery.NewTelegramHandler(bot)
	}

	gen := responder.NewHTTPResponder(cfg.Responder.URL, cfg.Responder.Token, cfg.Responder.Timeout)
	w := worker.New(q, st, st, gen, b, cfg.Queue.Concurrency)
	router := delivery.NewRouter(b, reg, handlers)

	go w.Run(ctx)
	go router.Run(ctx)
	go cleanLoop(ctx, q, logger)

	logger.Info("relay-gateway running")
	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// cleanLoop prunes finished jobs past their retention on a fixed cadence.
func cleanLoop(ctx context.Context, q *queue.Queue, logger *slog.Logger) {
	ticker := time.NewTicker(cleanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.Clean(ctx); err != nil {
				logger.Warn("queue clean failed", "error", err)
			}
		}
	}
}

func runHealth(ctx context.Context) error {
	svc, closeFn, err := openPipeline()
	if err != nil {
		return err
	}
	defer closeFn()

	health, err := svc.HealthCheck(ctx)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	if health.Healthy {
		color.New(color.FgGreen, color.Bold).Println("healthy")
	} else {
		color.New(color.FgRed, color.Bold).Println("unhealthy")
	}
	printStats(health.Stats)

	if !health.Healthy {
		os.Exit(1)
	}
	return nil
}

func runStats(ctx context.Context) error {
	svc, closeFn, err := openPipeline()
	if err != nil {
		return err
	}
	defer closeFn()

	stats, err := svc.GetQueueStatistics(ctx)
	if err != nil {
		return fmt.Errorf("reading stats: %w", err)
	}
	printStats(stats)
	return nil
}

// openPipeline opens the store and queue for the read-only CLI commands.
func openPipeline() (*pipeline.Service, func(), error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening store: %w", err)
	}

	q, err := queue.New(st.DB(), queue.DefaultPolicy())
	if err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("opening queue: %w", err)
	}

	return pipeline.New(st, q), func() { st.Close() }, nil
}

func printStats(stats *queue.Stats) {
	gray := color.New(color.FgHiBlack)
	gray.Print("  waiting:   ")
	fmt.Println(stats.Waiting)
	gray.Print("  active:    ")
	fmt.Println(stats.Active)
	gray.Print("  delayed:   ")
	fmt.Println(stats.Delayed)
	gray.Print("  completed: ")
	color.New(color.FgGreen).Println(stats.Completed)
	gray.Print("  failed:    ")
	color.New(color.FgRed).Println(stats.Failed)
}
