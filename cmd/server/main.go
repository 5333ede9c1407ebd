package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tempinbox/backend/internal/allocator"
	"tempinbox/backend/internal/config"
	"tempinbox/backend/internal/health"
	"tempinbox/backend/internal/logger"
	"tempinbox/backend/internal/monitoring"
	"tempinbox/backend/internal/receiver"
	"tempinbox/backend/internal/security"
	"tempinbox/backend/internal/service"
	"tempinbox/backend/internal/smtp"
	"tempinbox/backend/internal/storage"
	"tempinbox/backend/internal/storage/memory"
	redisstore "tempinbox/backend/internal/storage/redis"
	sqlstore "tempinbox/backend/internal/storage/sql"
	"tempinbox/backend/internal/sweeper"
	httptransport "tempinbox/backend/internal/transport/http"
	"tempinbox/backend/internal/websocket"
)

const version = "1.0.0"

// main 启动同时包含 HTTP API、SMTP 与过期清理的一次性邮箱服务。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	if cfg.Log.Development {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting tempinbox server",
		zap.String("version", version),
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
		zap.Strings("domains", cfg.Mailbox.AllowedDomains),
	)

	if err := run(cfg, log); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
	log.Info("server exited cleanly")
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 监控
	metrics := monitoring.NewMetrics()
	monitoring.RegisterRuntimeCollectors(prometheus.DefaultRegisterer)

	var deps []monitoring.Dependency

	// 冷却账本（可选）
	var ledger storage.CooldownLedger
	if cfg.Database.Type != "" {
		sqlLedger, err := sqlstore.Open(cfg.Database, log)
		if err != nil {
			return fmt.Errorf("open cooldown ledger: %w", err)
		}
		defer func() { _ = sqlLedger.Close() }()
		ledger = sqlLedger
		deps = append(deps, monitoring.Dependency{Name: "database", Ping: sqlLedger.Ping, Critical: true})
	} else {
		log.Info("cooldown ledger disabled, cooldowns are kept in memory only")
	}

	// Redis（可选）：邮箱登记表、跨实例事件转发与共享限流
	var (
		redisClient *redisstore.Client
		relay       *redisstore.Relay
		directory   *redisstore.Directory
	)
	if cfg.Redis.Address != "" {
		client, err := redisstore.New(cfg.Redis, log)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer func() { _ = client.Close() }()
		redisClient = client
		relay = redisstore.NewRelay(client, cfg.Redis.Channel)
		directory = redisstore.NewDirectory(client, cfg.Redis.DirectoryPrefix)
		deps = append(deps, monitoring.Dependency{Name: "redis", Ping: client.Ping})
	}

	// 核心组件
	alloc := allocator.New(allocator.Options{
		Domains:         cfg.Mailbox.AllowedDomains,
		LocalPartLength: cfg.Mailbox.LocalPartLength,
		Cooldown:        cfg.Mailbox.ReuseCooldown,
		MaxActive:       cfg.Mailbox.MaxActive,
		Ledger:          ledger,
		Logger:          log.Named("allocator"),
	})
	restoreCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err := alloc.Restore(restoreCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("restore cooldowns: %w", err)
	}

	store := memory.NewStore(memory.WithMaxMessages(cfg.Mailbox.MaxMessages))
	mailboxService := service.NewMailboxService(store, alloc, cfg.Mailbox, log.Named("mailbox"))
	if directory != nil {
		mailboxService.SetDirectory(directory)
	}

	wsHub := websocket.NewHub(mailboxService, cfg.CORS.AllowedOrigins, log.Named("websocket"))
	wsHub.SetMetrics(metrics)

	notifier := service.FanOut{wsHub}
	if relay != nil {
		notifier = append(notifier, relay)
	}
	mailboxService.SetNotifier(notifier)
	mailboxService.SetMetrics(metrics)

	rcv := receiver.New(store,
		receiver.WithNotifier(notifier),
		receiver.WithSanitizer(security.NewContentFilter()),
		receiver.WithMetrics(metrics),
		receiver.WithLogger(log.Named("receiver")),
	)

	sw := sweeper.New(store, alloc, sweeper.Options{
		Interval:    cfg.Sweeper.Interval,
		Timeout:     cfg.Sweeper.Timeout,
		Concurrency: cfg.Sweeper.Concurrency,
		Notifier:    notifier,
		Metrics:     metrics,
		Logger:      log.Named("sweeper"),
	})

	// 健康检查与告警
	healthChecker := monitoring.NewHealthChecker(store, alloc, log.Named("health"), version, deps...)
	probes := health.NewChecker(sw, log.Named("probe"), deps...)

	alertManager := monitoring.NewAlertManager(log.Named("alert"))
	alertManager.AddReceiver(monitoring.NewLogAlertReceiver(log))
	alertManager.AddRule(monitoring.HighMemoryUsageRule(512.0))
	alertManager.AddRule(monitoring.NamespacePressureRule(alloc, 0.9))
	for _, dep := range deps {
		alertManager.AddRule(monitoring.DependencyRule(dep))
	}

	// HTTP
	routerDeps := httptransport.RouterDependencies{
		Config:         cfg,
		MailboxService: mailboxService,
		WebSocketHub:   wsHub,
		Metrics:        metrics,
		HealthChecker:  healthChecker,
		Probes:         probes,
		Logger:         log.Named("http"),
	}
	if redisClient != nil {
		routerDeps.RateCounter = redisClient
	}
	router := httptransport.NewRouter(routerDeps)

	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// SMTP
	smtpBackend := smtp.NewBackend(rcv, alloc, cfg.SMTP, log.Named("smtp"))
	smtpBackend.SetMetrics(metrics)
	smtpServer := smtp.NewServer(smtpBackend, cfg.SMTP)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		log.Info("starting SMTP server",
			zap.String("address", cfg.SMTP.BindAddr),
			zap.String("domain", cfg.SMTP.Domain),
		)
		if err := smtpServer.ListenAndServe(); err != nil && !errors.Is(err, gosmtp.ErrServerClosed) {
			return fmt.Errorf("smtp server: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		return sw.Run(groupCtx)
	})

	group.Go(func() error {
		wsHub.Run(groupCtx)
		return nil
	})

	if relay != nil {
		sub, err := relay.Subscribe(groupCtx)
		if err != nil {
			return fmt.Errorf("subscribe relay: %w", err)
		}
		group.Go(func() error {
			log.Info("relaying events from other instances", zap.String("channel", cfg.Redis.Channel))
			return sub.Run(groupCtx, func(ev storage.Event) {
				if err := wsHub.Publish(groupCtx, ev); err != nil {
					log.Warn("failed to deliver relayed event", zap.String("address", ev.Address), zap.Error(err))
				}
			})
		})
	}

	group.Go(func() error {
		healthChecker.StartPeriodicHealthCheck(groupCtx, 30*time.Second)
		return nil
	})

	group.Go(func() error {
		alertManager.StartMonitoring(groupCtx, time.Minute)
		return nil
	})

	// 优雅关闭
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		if err := smtpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("SMTP server shutdown warning", zap.Error(err))
		}

		log.Info("servers stopped")
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
