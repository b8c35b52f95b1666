package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"Aurelia/server/internal/chat"
	"Aurelia/server/internal/config"
	"Aurelia/server/internal/engine"
	"Aurelia/server/internal/imagegen"
	"Aurelia/server/internal/logger"
	"Aurelia/server/internal/relay"
	"Aurelia/server/internal/repository"
	"Aurelia/server/internal/storage"
	"Aurelia/server/internal/story"
	"Aurelia/server/internal/web"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zlog, err := logger.New(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer zlog.Sync()

	mysqlStore, err := storage.NewMySQLStore(cfg.Database.MySQL)
	if err != nil {
		zlog.Fatal("failed to connect to MySQL", zap.Error(err))
	}
	defer mysqlStore.Close()
	zlog.Info("MySQL connected")

	redisStore, err := storage.NewRedisStore(cfg.Database.Redis)
	if err != nil {
		zlog.Fatal("failed to connect to Redis", zap.Error(err))
	}
	defer redisStore.Close()
	zlog.Info("Redis connected")

	db := mysqlStore.GetDB()
	personas := repository.NewPersonaRepository(db)
	sessions := repository.NewSessionRepository(db)
	messages := repository.NewMessageRepository(db)
	chapters := repository.NewStoryRepository(db)
	progress := repository.NewProgressRepository(db)
	limiter := repository.NewUsageLimiter(redisStore, cfg.Chat)

	windower := chat.NewHistoryWindower(messages, cfg.Chat)
	narrative := story.NewEngine(personas, chapters, progress, messages, zlog)
	composer := imagegen.NewComposer(
		cfg.AI.ImageSynth.RefModel,
		cfg.AI.ImageSynth.OutputWidth,
		cfg.AI.ImageSynth.OutputHeight,
	)
	images := imagegen.NewClient(cfg.AI.ImageSynth, zlog)
	completion := engine.NewCompletionClient(cfg.AI.Completion, zlog)

	orchestrator := engine.NewOrchestrator(
		personas, sessions, messages,
		windower, narrative, composer,
		images, completion, limiter, zlog,
	)
	chatRelay := relay.NewRelay(orchestrator, personas, chapters, progress, redisStore, zlog)

	hub := web.NewChatHub(zlog)
	go hub.Run()

	router := web.NewRouter(web.NewHandlers(chatRelay, orchestrator, hub, zlog), zlog)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		zlog.Info("server starting", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal("server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zlog.Info("server shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		zlog.Error("server shutdown error", zap.Error(err))
	}

	zlog.Info("server stopped")
}
