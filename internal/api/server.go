// Package api: HTTP API администратора поверх движка ключей.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"vpn-subscription-bot/internal/engine"
	"vpn-subscription-bot/internal/logger"
	"vpn-subscription-bot/internal/services"
)

// Keys: операции движка, доступные через API
type Keys interface {
	Create(ctx context.Context, req engine.CreateRequest) (*engine.Outcome, error)
	Renew(ctx context.Context, req engine.RenewRequest) (*engine.Outcome, error)
	Migrate(ctx context.Context, email string, tariffID uint) (*engine.Outcome, error)
	Relocate(ctx context.Context, email, cluster string) (*engine.Outcome, error)
	Toggle(ctx context.Context, email string, enable bool) (*engine.Outcome, error)
	ResetTraffic(ctx context.Context, email string) (*engine.Outcome, error)
	UpdateAll(ctx context.Context, email string) (*engine.Outcome, error)
	Delete(ctx context.Context, email string) (*engine.Outcome, error)
	GetTraffic(ctx context.Context, email string) (*engine.TrafficReport, error)
	Link(ctx context.Context, email string) (*engine.Outcome, error)
}

// Statuses: источник статусов серверов
type Statuses interface {
	Statuses() []services.ServerStatus
}

type Config struct {
	User         string
	PasswordHash string
	JWTSecret    string
	TokenTTL     time.Duration
	// RPS и Burst: лимит запросов на один IP
	RPS   float64
	Burst int
}

type Server struct {
	keys    Keys
	servers Statuses
	cfg     Config
	secret  []byte
	limiter *IPRateLimiter
	now     func() time.Time
}

func New(keys Keys, servers Statuses, cfg Config) *Server {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	if cfg.RPS <= 0 {
		cfg.RPS = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 20
	}
	return &Server{
		keys:    keys,
		servers: servers,
		cfg:     cfg,
		secret:  []byte(cfg.JWTSecret),
		limiter: NewIPRateLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		now:     time.Now,
	}
}

// Router собирает gin-роутер со всеми маршрутами
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(), s.limiter.Middleware())

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	api.POST("/login", s.login)

	auth := api.Group("", s.JWTMiddleware())
	auth.GET("/servers", s.listServers)
	auth.POST("/keys", s.createKey)
	keys := auth.Group("/keys/:email")
	keys.GET("", s.getKey)
	keys.DELETE("", s.deleteKey)
	keys.GET("/traffic", s.traffic)
	keys.POST("/renew", s.renewKey)
	keys.POST("/migrate", s.migrateKey)
	keys.POST("/relocate", s.relocateKey)
	keys.POST("/toggle", s.toggleKey)
	keys.POST("/reset-traffic", s.resetTraffic)
	keys.POST("/update-all", s.updateAll)
	return r
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		logger.Debug("api request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(started)),
			zap.String("admin", c.GetString("admin")),
		)
	}
}

// statusOf переводит ошибку движка в HTTP-статус
func statusOf(err error) int {
	switch {
	case errors.Is(err, engine.ErrKeyNotFound), errors.Is(err, engine.ErrTariffNotFound):
		return http.StatusNotFound
	case engine.IsBusy(err):
		return http.StatusConflict
	case errors.Is(err, engine.ErrInvalidExpiry):
		return http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, engine.ErrNoServersAvailable), errors.Is(err, engine.ErrPanelUnreachable):
		return http.StatusServiceUnavailable
	case errors.Is(err, engine.ErrPanelRejected), errors.Is(err, engine.ErrNotFound):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// respond отдаёт результат; при ошибке детализация по серверам тоже возвращается
func respond(c *gin.Context, result interface{}, err error) {
	if err != nil {
		body := gin.H{"error": err.Error()}
		if o, ok := result.(*engine.Outcome); ok && o != nil {
			body["nodes"] = o.Nodes
		}
		if t, ok := result.(*engine.TrafficReport); ok && t != nil {
			body["nodes"] = t.Nodes
		}
		c.JSON(statusOf(err), body)
		return
	}
	c.JSON(http.StatusOK, result)
}
