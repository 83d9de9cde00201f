// Command assistantd runs the orchestration fabric: the event bus, task
// store, skill sandbox, orchestrator, rate limiter, and MCP gateway in one
// process, plus an optional reference channel adapter for local testing.
//
// Flag parsing, config-path resolution, logger setup (log/slog text
// handler, config-driven level), and the SIGINT/SIGTERM graceful-shutdown
// sequence are grounded on cmd/thane/main.go's runServe.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/thane-ai-agent/internal/auditlog"
	"github.com/nugget/thane-ai-agent/internal/buildinfo"
	"github.com/nugget/thane-ai-agent/internal/bus"
	"github.com/nugget/thane-ai-agent/internal/bus/memorybus"
	"github.com/nugget/thane-ai-agent/internal/bus/mqttbus"
	"github.com/nugget/thane-ai-agent/internal/bus/sqlitekv"
	"github.com/nugget/thane-ai-agent/internal/config"
	"github.com/nugget/thane-ai-agent/internal/mcpgateway"
	"github.com/nugget/thane-ai-agent/internal/orchestrator"
	"github.com/nugget/thane-ai-agent/internal/ratelimit"
	"github.com/nugget/thane-ai-agent/internal/skills"
	"github.com/nugget/thane-ai-agent/internal/taskstore"

	_ "github.com/mattn/go-sqlite3"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if flag.NArg() > 0 && flag.Arg(0) == "version" {
		fmt.Println(buildinfo.String())
		for k, v := range buildinfo.BuildInfo() {
			fmt.Printf("  %-12s %s\n", k+":", v)
		}
		return
	}

	runServe(logger, *configPath)
}

func runServe(logger *slog.Logger, configPath string) {
	logger.Info("starting assistantd", "version", buildinfo.Version, "commit", buildinfo.GitCommit)

	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			logger.Error("invalid log_level in config", "error", err)
			os.Exit(1)
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		logger.Error("failed to create data directory", "path", cfg.DataDir, "error", err)
		os.Exit(1)
	}

	b, sqliteDB, err := buildBus(cfg, logger)
	if err != nil {
		logger.Error("failed to build bus", "backend", cfg.Bus.Backend, "error", err)
		os.Exit(1)
	}
	if sqliteDB != nil {
		defer sqliteDB.Close()
	}

	auditDB, err := sql.Open("sqlite3", cfg.DataDir+"/audit.db")
	if err != nil {
		logger.Error("failed to open audit database", "error", err)
		os.Exit(1)
	}
	defer auditDB.Close()
	audit, err := auditlog.Open(auditDB, logger)
	if err != nil {
		logger.Error("failed to open audit log", "error", err)
		os.Exit(1)
	}

	tasks := taskstore.New(b.KV("task"), cfg.TaskStore.WindowSize)

	sandboxCfg := skills.DefaultSandboxConfig()
	if len(cfg.Sandbox.AllowedPrograms) > 0 {
		sandboxCfg.AllowedPrograms = cfg.Sandbox.AllowedPrograms
	}
	if len(cfg.Sandbox.DeniedPatterns) > 0 {
		sandboxCfg.DeniedPatterns = cfg.Sandbox.DeniedPatterns
	}
	sandbox := skills.NewSandbox(sandboxCfg)
	registry := skills.NewRegistry()
	registry.Freeze() // no hot-plug skill reload; skills are registered at startup only
	toolAgent := skills.NewToolAgent(registry, sandbox, audit)

	limiter := ratelimit.New(b.KV("ratelimit"), ratelimit.Config{
		Capacity: cfg.RateLimit.Capacity, RefillPerSec: cfg.RateLimit.RefillPerSec,
	})

	orchCfg := orchestrator.DefaultConfig()
	orchCfg.AutonomousMode = cfg.Orchestrator.AutonomousMode
	orchCfg.MaxIterations = cfg.Orchestrator.MaxIterations
	orchCfg.QualityThreshold = cfg.Orchestrator.QualityThreshold
	orchCfg.CloudFallbackEnabled = cfg.Orchestrator.CloudFallbackEnabled
	if cfg.Orchestrator.ClaimTTLSec > 0 {
		orchCfg.ClaimTTL = time.Duration(cfg.Orchestrator.ClaimTTLSec) * time.Second
	}
	if cfg.Orchestrator.TaskDeadlineSec > 0 {
		orchCfg.TaskDeadline = time.Duration(cfg.Orchestrator.TaskDeadlineSec) * time.Second
	}
	workerID := uuid.NewString()
	orch := orchestrator.New(b, tasks, noopAgent{}, toolAgent, workerID, orchCfg, logger)

	endpoints := mcpgateway.NewEndpointRegistry(b.KV("mcp"))
	confirmations := mcpgateway.NewConfirmationStore(b.KV("mcp"), b)
	feedback := mcpgateway.NewFeedbackQueue(b.KV("mcp"))
	gateway := mcpgateway.NewServer(b, endpoints, confirmations, feedback, audit, cfg.MCPGateway.AdminToken, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go confirmations.RunSweeper(ctx)
	go runIncomingLoop(ctx, b, orch, limiter, endpoints, confirmations, feedback, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	addr := fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port)
	logger.Info("mcp gateway listening", "addr", addr)
	srv := &http.Server{Addr: addr, Handler: gateway.Handler()}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	if err := srv.ListenAndServe(); err != nil && ctx.Err() == nil && err != http.ErrServerClosed {
		logger.Error("gateway server failed", "error", err)
		os.Exit(1)
	}

	logger.Info("assistantd stopped")
}

func buildBus(cfg *config.Config, logger *slog.Logger) (bus.Bus, *sql.DB, error) {
	switch cfg.Bus.Backend {
	case "mqtt":
		kvDB, err := sql.Open("sqlite3", cfg.Bus.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open bus kv database: %w", err)
		}
		store, err := sqlitekv.Open(kvDB)
		if err != nil {
			return nil, nil, fmt.Errorf("migrate bus kv: %w", err)
		}
		m, err := mqttbus.Connect(context.Background(), mqttbus.Config{
			BrokerURL: cfg.Bus.MQTT.BrokerURL, ClientID: cfg.Bus.MQTT.ClientID,
			Username: cfg.Bus.MQTT.Username, Password: cfg.Bus.MQTT.Password,
			TopicPrefix: cfg.Bus.MQTT.TopicPrefix,
		}, store.Namespace("bus"), logger)
		if err != nil {
			return nil, kvDB, fmt.Errorf("connect mqtt bus: %w", err)
		}
		return m, kvDB, nil
	case "sqlite":
		db, err := sql.Open("sqlite3", cfg.Bus.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open bus database: %w", err)
		}
		store, err := sqlitekv.Open(db)
		if err != nil {
			return nil, db, fmt.Errorf("migrate bus kv: %w", err)
		}
		return sqliteKVBus{store}, db, nil
	default:
		return memorybus.New(logger), nil, nil
	}
}

// sqliteKVBus adapts a sqlitekv.Store (pure KV, no pub/sub) to bus.Bus by
// layering an in-process memorybus for the publish/subscribe half — the
// "sqlite" backend choice is about durable KV (Task Store, rate limits,
// MCP endpoint registry) surviving a restart, not cross-process pub/sub.
type sqliteKVBus struct {
	store *sqlitekv.Store
}

func (s sqliteKVBus) Publish(ctx context.Context, topic string, env bus.Envelope) error {
	return fallbackBus.Publish(ctx, topic, env)
}
func (s sqliteKVBus) Subscribe(ctx context.Context, topic string) (bus.Subscription, error) {
	return fallbackBus.Subscribe(ctx, topic)
}
func (s sqliteKVBus) KV(namespace string) bus.KV {
	return s.store.Namespace(namespace)
}

var fallbackBus = memorybus.New(nil)

// devFeedbackPrefix marks a chat message as free-form feedback for an MCP
// tenant rather than an ordinary orchestrator request (spec §4.5 Feedback
// path).
const devFeedbackPrefix = "/dev "

// runIncomingLoop subscribes to bus.TopicIncoming and hands each message
// to the orchestrator after a rate-limit check, one goroutine per message
// so a slow tool loop for one user never blocks ingestion for another.
// Before reaching the orchestrator, a message is first offered to the
// confirmation correlation protocol (confirm:/reject: callbacks and
// grace-window text replies) and to the `/dev `-prefixed feedback path
// (spec §4.5); either one consuming the message ends handling there.
func runIncomingLoop(ctx context.Context, b bus.Bus, orch *orchestrator.Orchestrator, limiter *ratelimit.Limiter, endpoints *mcpgateway.EndpointRegistry, confirmations *mcpgateway.ConfirmationStore, feedback *mcpgateway.FeedbackQueue, logger *slog.Logger) {
	sub, err := b.Subscribe(ctx, bus.TopicIncoming)
	if err != nil {
		logger.Error("subscribe incoming failed", "error", err)
		return
	}
	defer sub.Close()

	for {
		env, err := sub.Recv(ctx)
		if err != nil {
			return
		}
		var msg bus.IncomingMessage
		if err := env.DecodePayload(&msg); err != nil {
			logger.Warn("decode incoming message failed", "error", err)
			continue
		}

		go func(msg bus.IncomingMessage) {
			if text, ok := strings.CutPrefix(msg.Text, devFeedbackPrefix); ok {
				ep, found, err := endpoints.FindByChatID(ctx, msg.ChatID)
				if err != nil {
					logger.Error("feedback endpoint lookup failed", "chat_id", msg.ChatID, "error", err)
					return
				}
				if !found {
					logger.Info("feedback message with no matching endpoint", "chat_id", msg.ChatID)
					return
				}
				if err := feedback.Enqueue(ctx, ep.ID, msg.ChatID, text); err != nil {
					logger.Error("feedback enqueue failed", "endpoint_id", ep.ID, "error", err)
				}
				return
			}

			handled, err := confirmations.HandleText(ctx, msg.ChatID, msg.Text)
			if err != nil {
				logger.Error("confirmation resolution failed", "chat_id", msg.ChatID, "error", err)
				return
			}
			if handled {
				return
			}

			ok, _, err := limiter.Acquire(ctx, msg.UserID, 1)
			if err != nil {
				logger.Error("rate limit check failed", "user_id", msg.UserID, "error", err)
				return
			}
			if !ok {
				logger.Info("message dropped by rate limit", "user_id", msg.UserID)
				return
			}
			if err := orch.HandleIncoming(ctx, msg); err != nil {
				logger.Error("handle incoming failed", "message_id", msg.MessageID, "error", err)
			}
		}(msg)
	}
}

// noopAgent is a placeholder AssistantAgent used when no model gateway is
// configured; wiring a real provider is an external integration left to
// the deployment (spec §1: the model gateway is out of scope).
type noopAgent struct{}

func (noopAgent) Generate(ctx context.Context, tc orchestrator.TaskContext, stream orchestrator.StreamFunc) (orchestrator.AgentResponse, error) {
	return orchestrator.AgentResponse{}, fmt.Errorf("no model gateway configured")
}
