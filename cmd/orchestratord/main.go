package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"orchestration-core/internal/api"
	"orchestration-core/internal/approval"
	"orchestration-core/internal/bus"
	"orchestration-core/internal/config"
	"orchestration-core/internal/decision"
	"orchestration-core/internal/envelope"
	"orchestration-core/internal/models"
	"orchestration-core/internal/orchestrator"
	"orchestration-core/internal/pipeline"
	"orchestration-core/internal/ratelimit"
	"orchestration-core/internal/store"
)

func main() {
	cfg := config.Load()
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "orchestratord")
	slog.SetDefault(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer st.Close()
	if err := st.RunMigrations(ctx); err != nil {
		log.Error("migrations", "error", err)
		os.Exit(1)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer client.Close()

	var transport bus.Transport
	switch cfg.Transport {
	case config.TransportPubSub:
		transport = bus.NewPubSubTransport(client, log)
	default:
		transport = bus.NewStreamTransport(client, bus.StreamConfig{
			Group:          cfg.StreamGroup,
			Consumer:       cfg.StreamConsumer,
			BatchSize:      cfg.StreamBatchSize,
			Block:          cfg.StreamBlock,
			BackoffInitial: cfg.BackoffInitial,
			BackoffMax:     cfg.BackoffMax,
		}, log)
	}

	b := bus.New(transport, envelope.NewSigner(cfg.SigningSecret), envelope.NewRegistry(), cfg.Producer, log)
	if err := b.Connect(ctx); err != nil {
		log.Error("connect bus", "error", err)
		os.Exit(1)
	}

	rules, err := st.LoadRules(ctx)
	if err != nil {
		log.Error("load decision rules", "error", err)
		os.Exit(1)
	}
	approvals := st.Approvals()
	engine, err := decision.NewEngine(rules, approvals,
		decision.WithApprovalTTL(cfg.ApprovalTTL),
		decision.WithThresholdOverrides(cfg.ConfidenceThresholds),
	)
	if err != nil {
		log.Error("build decision engine", "error", err)
		os.Exit(1)
	}

	orch := orchestrator.New(log)

	coord := pipeline.New(b, engine, approvals, orch, st, st, log)
	if err := coord.Start(ctx); err != nil {
		log.Error("start pipeline", "error", err)
		os.Exit(1)
	}

	escalate := func(ctx context.Context, rec models.ApprovalRecord) error {
		_, err := b.Publish(ctx, pipeline.TopicApprovalEscalated, pipeline.ApprovalRequestedEvent{
			ApprovalID: rec.ID,
			TaskID:     rec.TaskID,
			TaskType:   rec.TaskType,
			RiskLevel:  string(rec.RiskLevel),
			Reasoning:  rec.Reasoning,
		})
		return err
	}
	sweeper, err := approval.NewSweeper(approvals, approval.ExpiryPolicy(cfg.ExpiryPolicy), escalate, log)
	if err != nil {
		log.Error("build sweeper", "error", err)
		os.Exit(1)
	}
	go runSweeper(ctx, sweeper, cfg.SweepInterval, log)

	limiter := ratelimit.NewTokenBucket(client, cfg.RateLimitCapacity, cfg.RateLimitRefill, cfg.RateLimitTTL)

	server := api.New(approvals, b, st, limiter, log)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Info("api listening", "port", cfg.HTTPPort, "transport", cfg.Transport)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("listen", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	if err := orch.Shutdown(shutdownCtx); err != nil {
		log.Warn("orchestrator shutdown", "error", err)
	}
	if err := b.Disconnect(shutdownCtx); err != nil {
		log.Warn("bus disconnect", "error", err)
	}
}

// runSweeper applies the expiry policy to overdue approvals on a fixed
// cadence until the process context is cancelled.
func runSweeper(ctx context.Context, sweeper *approval.Sweeper, interval time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept, err := sweeper.Sweep(ctx)
			if err != nil {
				log.Warn("approval sweep", "error", err)
				continue
			}
			if len(swept) > 0 {
				log.Info("swept expired approvals", "count", len(swept))
			}
		}
	}
}
