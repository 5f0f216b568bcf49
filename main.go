package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"

	"waterflux/internal/config"
	"waterflux/internal/coordinator"
	"waterflux/internal/kraken"
	"waterflux/internal/notify"
	"waterflux/internal/observability/metrics"
	"waterflux/internal/server"
	"waterflux/internal/statistics"
	influxstore "waterflux/internal/statistics/influx"
	pgstore "waterflux/internal/statistics/postgres"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	configPath := flag.String("config", "", "path to yaml config file")
	generateKey := flag.Bool("generate-api-key", false, "exchange WATERFLUX_BROWSER_TOKEN for an API key and exit")
	flag.Parse()

	logger := log.New(os.Stdout, "", log.LstdFlags)

	if *generateKey {
		token := os.Getenv("WATERFLUX_BROWSER_TOKEN")
		key, err := kraken.GenerateAPIKey(context.Background(), os.Getenv("WATERFLUX_API_URL"), token)
		if err != nil {
			logger.Fatalf("api key generation error: %v", err)
		}
		fmt.Println(key)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("config error: %v", err)
	}

	metrics.Init()

	var stores []statistics.Store

	if cfg.Postgres.DSN != "" {
		db, err := sql.Open("pgx", cfg.Postgres.DSN)
		if err != nil {
			logger.Fatalf("db open error: %v", err)
		}
		defer db.Close()
		if err := db.Ping(); err != nil {
			logger.Fatalf("db ping error: %v", err)
		}
		var opts []pgstore.Option
		if cfg.Postgres.Table != "" {
			opts = append(opts, pgstore.WithTable(cfg.Postgres.Table))
		}
		store := pgstore.NewStore(db, opts...)
		if err := store.EnsureSchema(context.Background()); err != nil {
			logger.Fatalf("statistics schema error: %v", err)
		}
		stores = append(stores, store)
	}

	if cfg.Influx.URL != "" {
		store, err := influxstore.NewStore(cfg.Influx.URL, cfg.Influx.Token, cfg.Influx.Org, cfg.Influx.Bucket)
		if err != nil {
			logger.Fatalf("influx store error: %v", err)
		}
		defer store.Close()
		stores = append(stores, store)
	}

	if len(stores) == 0 {
		logger.Printf("no statistics store configured, records will only be logged")
		stores = append(stores, statistics.NewLoggingStore(logger))
	}
	store := statistics.NewMultiStore(stores...)

	var channel notify.Channel = notify.NopChannel{}
	if cfg.WebhookURL != "" {
		webhook, err := notify.NewWebhookChannel(cfg.WebhookURL)
		if err != nil {
			logger.Fatalf("webhook channel error: %v", err)
		}
		channel = webhook
	}

	coordinators := make([]*coordinator.Coordinator, 0, len(cfg.Accounts))
	for _, account := range cfg.Accounts {
		client, err := kraken.NewClient(kraken.Config{
			APIURL:              cfg.APIURL,
			APIKey:              cfg.APIKey,
			AccountNumber:       account.Number,
			MarketSupplyPointID: account.MarketSupplyPointID,
			DeviceID:            account.DeviceID,
			CapabilityType:      account.CapabilityType,
		}, logger)
		if err != nil {
			logger.Fatalf("kraken client error: account=%s: %v", account.Number, err)
		}
		publisher, err := statistics.NewPublisher(store, account.Number, logger)
		if err != nil {
			logger.Fatalf("publisher error: account=%s: %v", account.Number, err)
		}
		c, err := coordinator.NewCoordinator(account.Number, client, publisher, logger,
			coordinator.WithNotifier(channel),
			coordinator.WithCycleTimeout(cfg.CycleTimeout.Std()),
		)
		if err != nil {
			logger.Fatalf("coordinator error: account=%s: %v", account.Number, err)
		}
		coordinators = append(coordinators, c)
	}

	if cfg.BackfillOnStart {
		go func() {
			for _, c := range coordinators {
				if _, err := c.Backfill(context.Background()); err != nil {
					logger.Printf("startup backfill error: account=%s: %v", c.Account(), err)
				}
			}
		}()
	}

	scheduler := coordinator.NewScheduler(coordinators, cfg.ScheduleHour, logger)
	go scheduler.Start(context.Background())

	adminHandler, err := server.NewHandler(coordinators, logger)
	if err != nil {
		logger.Fatalf("admin handler error: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/admin/status", adminHandler)
	mux.Handle("/admin/backfill", adminHandler)
	mux.Handle("/admin/report", adminHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	logger.Printf("http listening on %s", cfg.ListenAddr)
	logger.Fatal(httpServer.ListenAndServe())
}
