package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/Rajchodisetti/trading-arena/internal/api"
	"github.com/Rajchodisetti/trading-arena/internal/config"
	"github.com/Rajchodisetti/trading-arena/internal/observ"
	"github.com/Rajchodisetti/trading-arena/internal/store"
)

func main() {
	var cfgPath string
	var addr string
	flag.StringVar(&cfgPath, "config", "config/config.yaml", "config path")
	flag.StringVar(&addr, "addr", "", "listen address (overrides config)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v (did you copy config.example.yaml?)", err)
	}
	if addr == "" {
		addr = cfg.API.Addr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.NewGormStore(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer db.Close()

	srv := api.NewServer(api.Config{
		PerformanceTTL: cfg.Cache.PerformanceTTL(),
		InvocationsTTL: cfg.Cache.InvocationsTTL(),
		Window:         cfg.Cache.InvocationsWindow,
		DefaultLimit:   cfg.Cache.DefaultLimit,
		FetchTimeout:   cfg.Cache.FetchTimeout(),
	}, db, db, observ.NewLogger("arena-api"))

	observ.Log("api_listen", map[string]any{"addr": addr})
	if err := srv.ListenAndServe(ctx, addr); err != nil {
		log.Fatalf("serve: %v", err)
	}
}
