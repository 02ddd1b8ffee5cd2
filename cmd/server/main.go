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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"studysync-backend/internal/backup"
	"studysync-backend/internal/config"
	"studysync-backend/internal/database"
	"studysync-backend/internal/handlers"
	"studysync-backend/internal/metrics"
	"studysync-backend/internal/middleware"
	"studysync-backend/internal/models"
	"studysync-backend/internal/pubsub"
	"studysync-backend/internal/repository"
	"studysync-backend/internal/repository/memstore"
	"studysync-backend/internal/router"
	"studysync-backend/internal/services"
	"studysync-backend/internal/websocket"
	"studysync-backend/internal/worker"
)

type stores struct {
	presence services.PresenceStore
	rooms    services.RoomStore
	state    services.RoomStateStore
	typing   services.TypingStore
	chat     services.ChatStore
	studyLog services.StudyLogStore
	sessions services.StudySessionStore
	cache    services.LeaderboardCache
}

func main() {
	log.Println("🚀 Starting StudySync Backend...")

	// ──── Step 1: Load Environment Variables ────
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("✗ Invalid configuration: %v", err)
	}
	log.Printf("✓ Environment variables loaded (store: %s, backup queue: %s)", cfg.StoreDriver, cfg.BackupQueue)

	checks := map[string]handlers.Pinger{}

	// ──── Step 2: Initialize PostgreSQL Connection Pool ────
	var pool *pgxpool.Pool
	if cfg.StoreDriver == config.StoreDriverPostgres {
		var err error
		pool, err = database.NewPostgresPool(cfg.DatabaseURL, 0)
		if err != nil {
			log.Fatalf("✗ PostgreSQL connection failed: %v", err)
		}
		defer pool.Close()
		checks["postgres"] = handlers.PingFunc(pool.Ping)
		log.Println("✓ PostgreSQL connected")

		if err := database.RunMigrations(pool, "migrations"); err != nil {
			log.Fatalf("✗ Database migration failed: %v", err)
		}
		log.Println("✓ Database migrations applied")
	}

	// ──── Step 3: Initialize Redis Clients ────
	var redisClients *database.RedisClients
	if cfg.RedisURL != "" {
		var err error
		redisClients, err = database.NewRedisClients(cfg.RedisURL)
		if err != nil {
			log.Fatalf("✗ Redis connection failed: %v", err)
		}
		defer redisClients.Close()
		checks["redis"] = redisClients
		log.Println("✓ Redis connected")
	}

	// ──── Step 4: Initialize Stores and Event Broker ────
	var st stores
	if pool != nil {
		roomRepo := repository.NewRoomRepo(pool)
		st = stores{
			presence: repository.NewPresenceRepo(redisClients.Data),
			rooms:    roomRepo,
			state:    roomRepo,
			typing:   repository.NewTypingRepo(redisClients.Data),
			chat:     repository.NewChatRepo(pool),
			studyLog: repository.NewStudyLogRepo(pool),
			sessions: repository.NewStudySessionRepo(pool),
			cache:    repository.NewLeaderboardCache(redisClients.Data, 10*time.Minute),
		}
		log.Println("✓ PostgreSQL and Redis stores initialized")
	} else {
		roomStore := memstore.NewRoomStore()
		st = stores{
			presence: memstore.NewPresenceStore(),
			rooms:    roomStore,
			state:    roomStore,
			typing:   roomStore,
			chat:     memstore.NewChatStore(),
			studyLog: memstore.NewStudyLogStore(),
			sessions: memstore.NewStudySessionStore(),
			cache:    memstore.NewLeaderboardCache(),
		}
		log.Println("✓ In-memory stores initialized (state is lost on restart)")
	}

	var broker pubsub.Broker
	if redisClients != nil {
		redisBroker := pubsub.NewRedisBroker(redisClients.PubSub)
		defer redisBroker.Close()
		broker = redisBroker
		log.Println("✓ Redis event relay started")
	} else {
		broker = pubsub.NewMemoryBroker()
		log.Println("✓ In-process event broker started")
	}

	// ──── Step 5: Open Chat Backup Store and Start Worker Pool ────
	backupStore, err := backup.NewStore(cfg.BackupDBPath)
	if err != nil {
		log.Fatalf("✗ Chat backup store failed: %v", err)
	}
	defer backupStore.Close()
	if err := backupStore.Migrate(context.Background()); err != nil {
		log.Fatalf("✗ Chat backup migration failed: %v", err)
	}
	log.Printf("✓ Chat backup store opened at %s", cfg.BackupDBPath)

	// ──── Initialize Services ────
	m := metrics.New()
	clock := services.Clock(services.SystemClock)

	// Workers report exhausted records back through the chat service.
	var chatService *services.ChatService
	var queueRedis *redis.Client
	if cfg.BackupQueue == config.BackupQueueRedis {
		queueRedis = redisClients.Data
	}
	backupPool := worker.NewPool(queueRedis, backupStore, worker.Options{
		Workers: cfg.BackupWorkers,
		OnFailure: func(rec models.BackupRecord, err error) {
			chatService.BackupFailed(&services.BackupFailure{MessageID: rec.MessageID, Err: err})
		},
	})

	rooms := services.NewRoomService(st.rooms, st.state, st.typing, broker, clock, cfg.TypingTTL)
	presence := services.NewPresenceService(st.presence, rooms, broker, clock, cfg.PresenceTimeout, cfg.PresenceGrace)
	rooms.SetPresence(presence)
	roomState := services.NewRoomStateService(st.rooms, st.state, st.typing, broker, clock, cfg.TypingTTL)
	chatLimiter := middleware.NewRateLimiter(cfg.ChatRatePerSecond, cfg.ChatBurst, 10*time.Minute)
	defer chatLimiter.Close()
	chatService = services.NewChatService(st.chat, st.rooms, broker, backupPool, clock, chatLimiter)
	chatService.SetMetrics(m)
	board := services.NewLeaderboardService(st.studyLog, st.cache, clock, cfg.Location())
	sessions := services.NewStudySessionService(st.sessions, board, clock)

	backupPool.Start()
	log.Printf("✓ Backup worker pool started (%d goroutines)", cfg.BackupWorkers)

	// ──── Step 6: Start Background Jobs ────
	presence.Start()
	log.Printf("✓ Presence sweeper started (timeout %s)", cfg.PresenceTimeout)

	onlineWatch := presence.Watch(func(list models.PresenceList) {
		m.SetOnlineUsers(list.OnlineCount())
	})

	scheduler, err := services.NewLeaderboardScheduler(board, cfg.LeaderboardCron)
	if err != nil {
		log.Fatalf("✗ Leaderboard scheduler failed: %v", err)
	}
	scheduler.Start()
	log.Printf("✓ Leaderboard scheduler started (%s, %s)", cfg.LeaderboardCron, cfg.LeaderboardTZ)

	// ──── Step 7: Start WebSocket Hub ────
	jwtAuth := middleware.NewJWTAuth(cfg.JWTSecret)
	limiter := middleware.NewRateLimiter(cfg.APIRatePerSecond, cfg.APIBurst, 5*time.Minute)
	defer limiter.Close()

	wsHub := websocket.NewHub(jwtAuth, websocket.Services{
		Presence: presence,
		Rooms:    rooms,
		State:    roomState,
		Chat:     chatService,
	}, cfg.AllowedOrigins)
	wsHub.SetMetrics(m)
	wsHub.SetLimiter(limiter)
	log.Println("✓ WebSocket hub started")

	// ──── Step 8: Start HTTP Server ────
	r := router.New(jwtAuth, router.Handlers{
		Presence:     handlers.NewPresenceHandler(presence),
		Rooms:        handlers.NewRoomHandler(rooms),
		RoomState:    handlers.NewRoomStateHandler(roomState),
		Chat:         handlers.NewChatHandler(chatService),
		Leaderboard:  handlers.NewLeaderboardHandler(board),
		StudySession: handlers.NewStudySessionHandler(sessions),
		Health:       handlers.NewHealthHandler(checks),
	}, wsHub, router.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		Limiter:        limiter,
		Metrics:        m.Handler(),
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	done := make(chan struct{})
	go func() {
		defer close(done)
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		server.Shutdown(ctx)

		wsHub.Shutdown()
		onlineWatch.Cancel()
		scheduler.Stop()
		presence.Stop()
		chatService.Wait()
		backupPool.Stop()
	}()

	log.Printf("✓ StudySync Backend ready on http://localhost:%s", cfg.Port)
	log.Printf("  API: http://localhost:%s/api/v1", cfg.Port)
	log.Printf("  WS:  ws://localhost:%s/ws", cfg.Port)

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}
	<-done
}

