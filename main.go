package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"vaulted/internal/auth"
	"vaulted/internal/config"
	"vaulted/internal/db"
	"vaulted/internal/handlers"
	vlogging "vaulted/internal/logging"
	"vaulted/internal/mailer"
	"vaulted/internal/middleware"
	"vaulted/internal/observability"
	"vaulted/internal/presence"
	"vaulted/internal/rabbitmq"
	"vaulted/internal/relay"
	"vaulted/internal/repositories"
	"vaulted/internal/telemetry"
	"vaulted/internal/ws"
)

var log = logging.Logger("vaulted")

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	if err := vlogging.Setup(cfg.LogLevel); err != nil {
		log.Fatalf("invalid LOG_LEVEL: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.OTLPEndpoint)
	if err != nil {
		log.Fatalf("failed to init tracing: %v", err)
	}

	database, err := db.Connect(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		log.Fatalf("failed to connect to db: %v", err)
	}
	defer database.Close()

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange)
	defer publisher.Close()
	observability.SetPublisher(publisher)
	audit := telemetry.NewAuditEmitter(publisher, "audit.vaulted", "vaulted", cfg.Environment)
	log.Infow("event publisher ready", "mode", rabbitmq.PublisherMode(publisher), "noop_reason", rabbitmq.PublisherNoopReason(publisher))

	userRepo := repositories.NewUserRepo(database)
	chatRepo := repositories.NewChatRepo(database)
	messageRepo := repositories.NewMessageRepo(database)
	tokenRepo := repositories.NewLoginTokenRepo(database, cfg.LoginTokenTTL)

	sessions := auth.NewSessions(cfg.SessionSecret, cfg.SessionTTL)
	registry := presence.NewRegistry()
	router := relay.NewRouter(registry)

	var m mailer.Mailer = mailer.LogMailer{}
	if cfg.SMTPHost != "" {
		m = mailer.NewSMTPMailer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword, cfg.SMTPFrom)
	}

	authHandler := handlers.NewAuthHandler(userRepo, tokenRepo, sessions, m, cfg.PublicURL, audit)
	userHandler := handlers.NewUserHandler(userRepo)
	chatHandler := handlers.NewChatHandler(chatRepo, userRepo, audit)
	messageHandler := handlers.NewMessageHandler(chatRepo, messageRepo, audit)
	wsHandler := ws.NewHandler(registry, router, sessions, cfg.SendBuffer)

	engine := gin.Default()
	engine.Use(otelgin.Middleware("vaulted"))
	engine.Use(observability.HTTPMetricsMiddleware())

	magicLimit := middleware.RateLimit(middleware.RateLimitConfig{
		Prefix:         "vaulted:magic",
		Capacity:       cfg.MagicPerHour,
		RefillTokens:   cfg.MagicPerHour,
		RefillInterval: time.Hour,
		TTL:            2 * time.Hour,
	}, newRedis(ctx, cfg.RedisAddr))
	authMiddleware := middleware.AuthMiddleware(sessions)

	engine.GET("/healthz", func(c *gin.Context) {
		if err := database.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	engine.POST("/auth/magic", magicLimit, authHandler.Magic)
	engine.GET("/auth/complete", authHandler.Complete)
	engine.POST("/auth/complete", authHandler.Complete)

	engine.GET("/me", authMiddleware, authHandler.Me)
	engine.GET("/users/:id", authMiddleware, userHandler.GetUser)
	engine.GET("/chats", authMiddleware, chatHandler.ListChats)
	engine.POST("/chats/create", authMiddleware, chatHandler.CreateChat)
	engine.GET("/chats/:id/members", authMiddleware, chatHandler.Members)
	engine.GET("/messages/:chatId", authMiddleware, messageHandler.ListMessages)
	engine.POST("/messages/:chatId", authMiddleware, messageHandler.PostMessage)

	engine.GET("/ws", wsHandler.Handle)

	handlers.RegisterDebugRoutes(engine, audit, registry, cfg.DebugRoutes)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: engine}
	go func() {
		log.Infow("listening", "addr", srv.Addr, "db", cfg.DBDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnw("http shutdown", "err", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warnw("tracing shutdown", "err", err)
	}
}

// newRedis connects to Redis for rate limiting. Without an address, or when
// the server does not answer, limiting is disabled.
func newRedis(ctx context.Context, addr string) redis.Scripter {
	if addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warnw("redis unavailable, rate limiting disabled", "addr", addr, "err", err)
		_ = client.Close()
		return nil
	}
	return client
}
