package main

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/gofrs/flock"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"vpn-subscription-bot/config"
	"vpn-subscription-bot/internal/admin"
	"vpn-subscription-bot/internal/api"
	"vpn-subscription-bot/internal/bot"
	"vpn-subscription-bot/internal/db"
	"vpn-subscription-bot/internal/engine"
	"vpn-subscription-bot/internal/hooks"
	"vpn-subscription-bot/internal/logger"
	"vpn-subscription-bot/internal/panel"
	"vpn-subscription-bot/internal/servers"
	"vpn-subscription-bot/internal/services"
)

func main() {
	config.LoadConfig()
	cfg := config.AppCfg

	// Один экземпляр бота на хост
	lock := flock.New(cfg.LockFile)
	locked, err := lock.TryLock()
	if err != nil {
		log.Fatalf("lock %s: %v", cfg.LockFile, err)
	}
	if !locked {
		log.Fatalf("another instance holds %s", cfg.LockFile)
	}
	defer func() { _ = lock.Unlock() }()

	// --- Логирование в файл и консоль ---
	logFile, err := os.OpenFile("bot.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		log.Fatalf("Не удалось открыть файл логов: %v", err)
	}
	defer logFile.Close()
	mw := io.MultiWriter(os.Stdout, logFile)
	log.SetOutput(mw)
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	logger.SetLogger(logger.New(mw, zapcore.InfoLevel))
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := db.NewStore(db.InitDB())

	factory := panel.NewFactory(panel.Options{
		XUIUsername:       cfg.XUIUsername,
		XUIPassword:       cfg.XUIPassword,
		RemnawaveLogin:    cfg.RemnawaveLogin,
		RemnawavePassword: cfg.RemnawavePassword,
		RemnawaveToken:    cfg.RemnawaveToken,
		Timeout:           cfg.PanelTimeout,
		ConnectTimeout:    cfg.PanelConnectTimeout,
		SessionTTL:        cfg.PanelSessionTTL,
		RPS:               cfg.PanelRPS,
		Supernode:         cfg.Supernode,
		HappCryptolink:    cfg.HappCryptolink,
	})

	bus := hooks.NewBus()
	modules, err := hooks.LoadModules(cfg.ModulesFile)
	if err != nil {
		logger.Warn("modules file ignored", zap.String("path", cfg.ModulesFile), zap.Error(err))
	}
	bus.SetEnabled(modules)

	registry := servers.NewRegistry(store, factory, bus, cfg.ReservedGroups)

	var guard engine.Guard = engine.NewMemoryGuard()
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unavailable, using in-memory guard", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		} else {
			guard = engine.NewRedisGuard(rdb, 2*time.Minute)
		}
	}

	eng := engine.New(store, registry, factory, bus, guard, engine.Options{
		PublicLink:      cfg.PublicLink,
		HappCryptolink:  cfg.HappCryptolink,
		RemnawaveWebapp: cfg.RemnawaveWebapp,
		FanoutLimit:     cfg.FanoutLimit,
	})

	botapi, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		logger.Error("failed to create bot", zap.Error(err))
		return
	}
	logger.InitNotifier(botapi, cfg.PrimaryAdminID())

	monitor := services.NewStatusMonitor(registry)
	pay := services.NewYooKassa(cfg.YooKassaShopID, cfg.YooKassaSecret, "https://t.me/"+botapi.Self.UserName)
	adm := admin.NewHandler(store, eng, monitor, bus, cfg.AdminIDs, cfg.DatabaseURL)
	tg := bot.New(botapi, store, eng, bus, pay, adm, cfg.TrialTariffID)

	c := cron.New()
	job := func(name string, timeout time.Duration, fn func(ctx context.Context)) func() {
		return func() {
			defer logger.NotifyOnPanic("cron:" + name)
			jobCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			fn(jobCtx)
		}
	}
	// Автоматическое обновление статуса серверов
	mustAdd(c, "@every 1m", job("server_status", 50*time.Second, monitor.UpdateAllServerStatuses))
	// Уведомления о скором окончании подписки
	mustAdd(c, "*/15 * * * *", job("notify_expiring", 10*time.Minute, func(ctx context.Context) {
		if _, err := services.NotifyExpiringSubscriptions(ctx, botapi, store, time.Now()); err != nil {
			logger.Error("notify expiring", zap.Error(err))
		}
	}))
	// Удаление ключей, просроченных дольше grace-периода (каждый день в 03:30)
	mustAdd(c, "30 3 * * *", job("expire_keys", time.Hour, func(ctx context.Context) {
		if _, err := services.DeleteExpiredKeys(ctx, botapi, store, eng, cfg.ExpiredKeysGraceDays, time.Now()); err != nil {
			logger.Error("delete expired keys", zap.Error(err))
		}
	}))
	// Автоматический бэкап БД раз в сутки
	mustAdd(c, "0 3 * * *", job("backup", 10*time.Minute, func(ctx context.Context) {
		_ = admin.AutoBackupDatabase(ctx, "backups", cfg.DatabaseURL)
	}))
	c.Start()
	defer c.Stop()

	// Webhook-сервер для YooKassa
	mux := http.NewServeMux()
	mux.HandleFunc("/yookassa/webhook", services.WebhookHandler(store, botapi, cfg.YooKassaSecret))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	httpServers := []*http.Server{{Addr: cfg.WebhookAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}}

	if cfg.JWTSecret != "" && cfg.AdminAPIPasswordHash != "" {
		adminAPI := api.New(eng, monitor, api.Config{
			User:         cfg.AdminAPIUser,
			PasswordHash: cfg.AdminAPIPasswordHash,
			JWTSecret:    cfg.JWTSecret,
		})
		httpServers = append(httpServers, &http.Server{Addr: cfg.AdminAPIAddr, Handler: adminAPI.Router(), ReadHeaderTimeout: 10 * time.Second})
	} else {
		logger.Warn("admin API disabled: JWT_SECRET or ADMIN_API_PASSWORD_HASH not set")
	}
	for _, srv := range httpServers {
		srv := srv
		go func() {
			logger.Info("http server started", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server stopped", zap.String("addr", srv.Addr), zap.Error(err))
				logger.NotifyAdmin("HTTP server " + srv.Addr + ": " + err.Error())
			}
		}()
	}

	// Запуск Telegram-бота (polling) до сигнала остановки
	tg.StartBotWithInstance(ctx, botapi)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range httpServers {
		_ = srv.Shutdown(shutdownCtx)
	}
	logger.Info("bot stopped")
}

func mustAdd(c *cron.Cron, spec string, fn func()) {
	if _, err := c.AddFunc(spec, fn); err != nil {
		log.Fatalf("cron %q: %v", spec, err)
	}
}
