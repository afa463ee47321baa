package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/egor/ecocrm/channels"
	"github.com/egor/ecocrm/channels/instagram"
	"github.com/egor/ecocrm/channels/meta"
	"github.com/egor/ecocrm/channels/telegram"
	"github.com/egor/ecocrm/channels/whatsapp"
	"github.com/egor/ecocrm/commission"
	"github.com/egor/ecocrm/config"
	"github.com/egor/ecocrm/conversations"
	"github.com/egor/ecocrm/database"
	"github.com/egor/ecocrm/events"
	"github.com/egor/ecocrm/handlers"
	"github.com/egor/ecocrm/llm"
	"github.com/egor/ecocrm/metrics"
	"github.com/egor/ecocrm/middleware"
	"github.com/egor/ecocrm/partners"
	"github.com/egor/ecocrm/scheduler"
	"github.com/egor/ecocrm/settings"
	"github.com/egor/ecocrm/store"
	"github.com/egor/ecocrm/store/memory"
	"github.com/egor/ecocrm/websocket"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	logger := config.NewLogger(cfg.App)
	log := logger.WithField("service", "ecocrm")

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("Server stopped with error")
	}
}

func openStore(ctx context.Context, cfg config.DatabaseConfig, log *logrus.Entry) (store.Store, error) {
	if cfg.Driver == "memory" {
		log.Warn("Using in-memory store; data is lost on restart")
		return memory.New(), nil
	}
	db, err := database.Open(ctx, cfg, log.WithField("component", "database"))
	if err != nil {
		return nil, err
	}
	if cfg.AutoMigrate {
		if err := db.Migrate(); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}

func settingsCache(cfg config.RedisConfig, log *logrus.Entry) settings.Cache {
	if cfg.URL == "" {
		return settings.NoOpCache{}
	}
	c, err := settings.NewRedisCache(cfg.URL, log)
	if err != nil {
		log.WithError(err).Warn("Redis unavailable, settings are read from the store every time")
		return settings.NoOpCache{}
	}
	return c
}

func publisher(cfg config.NATSConfig, log *logrus.Entry) events.Publisher {
	if cfg.URL == "" {
		return events.Noop{}
	}
	p, err := events.NewNATSPublisher(cfg, log)
	if err != nil {
		log.WithError(err).Warn("NATS unavailable, domain events are dropped")
		return events.Noop{}
	}
	return p
}

func run(cfg *config.Config, log *logrus.Entry) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	st, err := openStore(ctx, cfg.Database, log)
	if err != nil {
		return err
	}
	defer st.Close()

	cache := settingsCache(cfg.Redis, log)
	defer cache.Close()
	rules := settings.NewLoader(st, cache, cfg.Redis.SettingsTTL, log)

	pub := publisher(cfg.NATS, log)
	defer pub.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	graph := meta.NewClient(meta.Config{
		BaseURL: cfg.Channels.GraphBaseURL,
		Version: cfg.Channels.GraphAPIVersion,
		Timeout: cfg.Channels.ProviderTimeout,
		Rate:    cfg.Channels.GraphRatePerSecond,
		Burst:   cfg.Channels.GraphBurst,
	}, log)
	adapters := channels.Adapters{
		WhatsApp:  whatsapp.New(graph),
		Instagram: instagram.New(graph),
		Telegram: telegram.New(telegram.Config{
			ServerURL: cfg.Channels.TelegramBaseURL,
			Timeout:   cfg.Channels.ProviderTimeout,
		}, log),
	}

	conv := conversations.NewService(st, log)
	router := channels.NewRouter(adapters, st, conv, m, channels.Options{
		ProviderTimeout:     cfg.Channels.ProviderTimeout,
		ValidateConcurrency: cfg.Channels.ValidateConcurrency,
	}, log)
	commissions := commission.NewService(st, rules, pub, m,
		commission.Options{LegacyTransitions: cfg.Commission.LegacyTransitions}, log)
	program := partners.NewService(st, rules,
		partners.Options{MonotonicTiers: cfg.Partners.MonotonicTiers}, log)

	var tagger *llm.Tagger
	if cfg.LLM.BaseURL != "" {
		tagger = llm.NewTagger(llm.NewClassifier(llm.NewClient(cfg.LLM)), conv, 4, cfg.LLM.Timeout, log)
		log.WithField("model", cfg.LLM.Model).Info("Intent classification enabled")
	}

	sched := scheduler.New(cfg.Scheduler.JobTimeout, m, log)
	if err := sched.RegisterAll(scheduler.Jobs(cfg.Scheduler, scheduler.Deps{
		Commissions: commissions,
		Partners:    program,
		Publisher:   pub,
		Now:         time.Now,
		Log:         log,
	})); err != nil {
		return err
	}
	if cfg.Scheduler.Enabled {
		sched.Start()
	}

	hub := websocket.NewHub(log)
	go hub.Run(ctx)

	h := handlers.New(handlers.Deps{
		Router:         router,
		Conversations:  conv,
		Commissions:    commissions,
		Partners:       program,
		Scheduler:      sched,
		Tenants:        st,
		Auth:           middleware.NewAuth(cfg.Auth),
		Hub:            hub,
		Publisher:      pub,
		Tagger:         tagger,
		Gatherer:       reg,
		Metrics:        m,
		Ping:           st.Ping,
		BillingSecret:  cfg.Auth.BillingSecret,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Log:            log,
	})

	srv := &http.Server{
		Addr:              cfg.ServerAddress(),
		Handler:           h.Engine(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", srv.Addr).Info("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	sched.Stop(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Server shutdown failed")
		return err
	}
	log.Info("Server stopped")
	return nil
}
