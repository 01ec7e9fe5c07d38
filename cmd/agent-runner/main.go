package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Rajchodisetti/trading-arena/internal/agent"
	"github.com/Rajchodisetti/trading-arena/internal/config"
	"github.com/Rajchodisetti/trading-arena/internal/exchange"
	"github.com/Rajchodisetti/trading-arena/internal/observ"
	"github.com/Rajchodisetti/trading-arena/internal/outbox"
	"github.com/Rajchodisetti/trading-arena/internal/store"
	"github.com/Rajchodisetti/trading-arena/internal/sweep"
)

func seedTenants(ctx context.Context, db *store.GormStore, seeds []config.TenantSeed, defaultModel string) error {
	for _, seed := range seeds {
		model := seed.Model
		if model == "" {
			model = defaultModel
		}
		t, created, err := db.EnsureTenant(ctx, store.Tenant{
			Name:           seed.Name,
			ModelName:      model,
			AccountIndex:   seed.AccountIndex,
			ExchangeAPIKey: os.Getenv(seed.APIKeyEnv),
		})
		if err != nil {
			return err
		}
		if created {
			observ.Log("tenant_created", map[string]any{"tenant_id": t.ID, "name": t.Name, "model": t.ModelName})
		}
	}
	return nil
}

func main() {
	var cfgPath string
	var once bool
	var metricsAddr string
	flag.StringVar(&cfgPath, "config", "config/config.yaml", "config path")
	flag.BoolVar(&once, "once", false, "run a single sweep and exit")
	flag.StringVar(&metricsAddr, "metrics-addr", "127.0.0.1:8090", "address for /metrics and /health (empty disables)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v (did you copy config.example.yaml?)", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := observ.NewLogger("agent-runner")

	db, err := store.NewGormStore(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer db.Close()

	if err := seedTenants(ctx, db, cfg.Tenants, cfg.Agent.Model); err != nil {
		log.Fatalf("seed tenants: %v", err)
	}

	client := exchange.NewClient(exchange.Config{
		BaseURL:           cfg.Exchange.BaseURL,
		RequestsPerMinute: cfg.Exchange.RequestsPerMinute,
		Timeout:           cfg.Exchange.Timeout(),
		Logger:            observ.NewLogger("exchange"),
	})

	orders, err := outbox.New(cfg.Paper.OutboxPath, outbox.Options{
		DedupeWindow: cfg.Paper.DedupeWindow(),
		SlippageBps:  cfg.Paper.SlippageBps,
	})
	if err != nil {
		log.Fatalf("create outbox: %v", err)
	}

	advisor, err := agent.NewClaudeAdvisor(agent.ClaudeConfig{
		APIKey:            cfg.Agent.AnthropicAPIKey,
		MaxTokens:         cfg.Agent.MaxTokens,
		RequestsPerMinute: cfg.Agent.AdvisorPerMinute,
		Instructions:      cfg.Agent.SystemInstructions,
		DefaultModel:      cfg.Agent.Model,
		Logger:            observ.NewLogger("advisor"),
	})
	if err != nil {
		log.Fatalf("create advisor: %v (set ANTHROPIC_API_KEY)", err)
	}

	job := agent.NewJob(agent.Config{
		MaxAllocation: cfg.Agent.MaxAllocation,
		CandleCount:   cfg.Agent.CandleCount,
	}, client, db, orders, advisor, nil, observ.NewLogger("agent"))

	scheduler := sweep.New(sweep.Config{
		Period:     cfg.Sweep.Period(),
		RunOnStart: *cfg.Sweep.RunOnStart,
		Overlap:    sweep.OverlapPolicy(cfg.Sweep.Overlap),
		JobTimeout: cfg.Sweep.JobTimeout(),
	}, db, job, db, logger)

	if once {
		report := scheduler.RunSweep(ctx)
		if report.Err != nil {
			log.Fatalf("sweep: %v", report.Err)
		}
		observ.Log("done", map[string]any{
			"succeeded": report.Count(sweep.OutcomeSucceeded),
			"failed":    report.Count(sweep.OutcomeFailed),
		})
		return
	}

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if rate, ok := client.Health().Snapshot()["error_rate"].(float64); ok {
				observ.SetGauge("exchange_error_rate", rate, nil)
			}
			observ.Handler().ServeHTTP(w, r)
		}))
		mux.Handle("/health", observ.HealthHandler())
		srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		observ.Log("metrics_listen", map[string]any{"addr": metricsAddr})
		go func() { _ = srv.ListenAndServe() }()
		defer srv.Close()
	}

	if err := scheduler.Start(ctx); err != nil {
		log.Fatalf("start scheduler: %v", err)
	}
	<-ctx.Done()
	logger.Printf("shutting down, waiting for running jobs")
	scheduler.Stop()
}
