package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/Rajchodisetti/trading-arena/internal/config"
	"github.com/Rajchodisetti/trading-arena/internal/exchange"
	"github.com/Rajchodisetti/trading-arena/internal/observ"
	"github.com/Rajchodisetti/trading-arena/internal/sampler"
	"github.com/Rajchodisetti/trading-arena/internal/store"
)

func main() {
	var cfgPath string
	var once bool
	flag.StringVar(&cfgPath, "config", "config/config.yaml", "config path")
	flag.BoolVar(&once, "once", false, "record a single sample per tenant and exit")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v (did you copy config.example.yaml?)", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.NewGormStore(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer db.Close()

	client := exchange.NewClient(exchange.Config{
		BaseURL:           cfg.Exchange.BaseURL,
		RequestsPerMinute: cfg.Exchange.RequestsPerMinute,
		Timeout:           cfg.Exchange.Timeout(),
		Logger:            observ.NewLogger("exchange"),
	})

	s := sampler.New(sampler.Config{
		Period:        cfg.Sampler.Period(),
		RunOnStart:    *cfg.Sampler.RunOnStart,
		SampleTimeout: cfg.Exchange.Timeout() * 2,
	}, db, client, db, nil, observ.NewLogger("price-tracker"))

	if once {
		report := s.Tick(ctx)
		if report.Err != nil {
			log.Fatalf("tick: %v", report.Err)
		}
		observ.Log("done", map[string]any{"recorded": report.Recorded, "failed": len(report.Failed)})
		return
	}

	if err := s.Start(ctx); err != nil {
		log.Fatalf("start sampler: %v", err)
	}
	<-ctx.Done()
	s.Stop()
}
