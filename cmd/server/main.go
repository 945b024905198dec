package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SteamVC/soundboard/internal/auth"
	"github.com/SteamVC/soundboard/internal/config"
	"github.com/SteamVC/soundboard/internal/handlers"
	"github.com/SteamVC/soundboard/internal/history"
	httpx "github.com/SteamVC/soundboard/internal/http"
	"github.com/SteamVC/soundboard/internal/repo"
	"github.com/SteamVC/soundboard/internal/service"
	"github.com/SteamVC/soundboard/internal/session"
	"github.com/SteamVC/soundboard/internal/sounds"
	"github.com/SteamVC/soundboard/internal/voice"
	"github.com/redis/go-redis/v9"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	sessions, err := session.NewService(cfg.SessionSecret, nil)
	if err != nil {
		return err
	}

	library := sounds.NewLibrary(cfg.SoundDirs, logger)
	logger.Info("sound library ready", "dirs", library.Dirs(), "clips", len(library.List()))
	transport := voice.NewLocalTransport(voice.LocalOptions{
		ClipDuration: cfg.VoiceClipDuration,
		RoomNames:    cfg.RoomNames,
		Logger:       logger,
	})
	rooms := service.NewRoomService(transport, library, service.Options{
		RoomIDs:       cfg.RoomIDs,
		DefaultVolume: cfg.DefaultVolume,
		Discover:      cfg.RoomDiscovery,
		Logger:        logger,
	})

	buf := history.New(cfg.HistoryLimit)
	logger.Info("history buffer ready", "capacity", buf.Capacity())
	var recorder handlers.HistoryRecorder
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:         cfg.RedisAddr,
			PoolSize:     10,              // 接続プールサイズ
			MinIdleConns: 2,               // 最小アイドル接続数
			MaxRetries:   3,               // リトライ回数
			DialTimeout:  5 * time.Second, // 接続タイムアウト
			ReadTimeout:  3 * time.Second, // 読み込みタイムアウト
			WriteTimeout: 3 * time.Second, // 書き込みタイムアウト
			PoolTimeout:  4 * time.Second, // プールからの取得タイムアウト
		})
		defer rdb.Close()

		// Redis接続確認
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return err
		}
		logger.Info("connected to redis", "addr", cfg.RedisAddr)

		persister := history.NewPersister(repo.NewRedisHistoryRepo(rdb), cfg.HistoryLimit, logger)
		defer persister.Close()

		loadCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		entries, err := persister.Load(loadCtx)
		cancel()
		if err != nil {
			logger.Warn("failed to restore history", "error", err)
		} else {
			buf.Restore(entries)
			logger.Info("history restored", "entries", buf.Len())
		}
		recorder = persister
	}

	hub := handlers.NewHub(rooms, sessions, library, handlers.HubOptions{
		History:  buf,
		Recorder: recorder,
		Logger:   logger,
	})
	transport.SetListener(hub)
	go transport.Run(ctx)
	go hub.RunHeartbeat(ctx, cfg.HeartbeatInterval)
	go func() {
		if err := library.Watch(ctx, func() { hub.BroadcastClips(library.List()) }); err != nil {
			logger.Warn("sound directory watcher disabled", "error", err)
		}
	}()

	provider := auth.NewDiscord(auth.Config{
		ClientID:     cfg.DiscordClientID,
		ClientSecret: cfg.DiscordClientSecret,
		RedirectURL:  cfg.RedirectURI,
	})
	router := httpx.NewRouter(httpx.Handlers{
		Auth:      handlers.NewAuthHandler(provider, sessions, cfg.SecureCookies(), logger),
		Rooms:     handlers.NewRoomHandler(hub, transport, sessions, cfg.VoiceJoinTimeout, logger),
		WebSocket: handlers.NewWebSocketHandler(hub, cfg.AllowedOrigin, logger),
	}, cfg.AllowedOrigin, logger)

	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.APIAddr, "redirect_uri", cfg.RedirectURI, "rooms", cfg.RoomIDs)
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
	logger.Info("shutdown signal received, shutting down gracefully")

	// 30秒のタイムアウトでGraceful Shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	hub.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown error", "error", err)
	}
	return nil
}
