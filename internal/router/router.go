package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"studysync-backend/internal/handlers"
	"studysync-backend/internal/middleware"
	"studysync-backend/internal/websocket"
)

type Handlers struct {
	Presence     *handlers.PresenceHandler
	Rooms        *handlers.RoomHandler
	RoomState    *handlers.RoomStateHandler
	Chat         *handlers.ChatHandler
	Leaderboard  *handlers.LeaderboardHandler
	StudySession *handlers.StudySessionHandler
	Health       *handlers.HealthHandler
}

type Options struct {
	AllowedOrigins []string
	// Limiter throttles authenticated API calls. Optional.
	Limiter *middleware.RateLimiter
	// Metrics is served on /metrics when set.
	Metrics http.Handler
}

func New(jwtAuth *middleware.JWTAuth, h Handlers, wsHub *websocket.Hub, opts Options) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(opts.AllowedOrigins))

	r.Get("/health", h.Health.Health)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}
	r.Get("/ws", wsHub.HandleWebSocket)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(jwtAuth.Middleware)
		if opts.Limiter != nil {
			r.Use(opts.Limiter.Middleware)
		}

		// ──── Presence ────
		r.Route("/presence", func(r chi.Router) {
			r.Post("/", h.Presence.Register)
			r.Get("/", h.Presence.List)
			r.Delete("/", h.Presence.Deregister)
			r.Post("/heartbeat", h.Presence.Heartbeat)
			r.Put("/status", h.Presence.SetStatus)
			r.Put("/activity", h.Presence.SetActivity)
		})

		// ──── Rooms ────
		r.Route("/rooms", func(r chi.Router) {
			r.Post("/", h.Rooms.Create)
			r.Get("/", h.Rooms.ListPublic)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.Rooms.Get)
				r.With(middleware.RequireAdmin).Delete("/", h.Rooms.Delete)
				r.Post("/join", h.Rooms.Join)
				r.Post("/leave", h.Rooms.Leave)

				// Shared state
				r.Put("/timer", h.RoomState.UpdateTimer)
				r.Put("/typing", h.RoomState.SetTyping)
				r.Post("/notepads", h.RoomState.CreateNotepad)
				r.Put("/notepads/active", h.RoomState.SetActiveNotepad)
				r.Put("/notepads/{nid}", h.RoomState.UpdateNotepad)
				r.Post("/notepads/{nid}/claim", h.RoomState.ClaimNotepad)
				r.Put("/notepads/{nid}/name", h.RoomState.RenameNotepad)

				// Chat
				r.Get("/messages", h.Chat.List)
				r.Post("/messages", h.Chat.Send)
				r.Post("/messages/{mid}/reactions", h.Chat.React)
			})
		})

		// ──── Leaderboard ────
		r.Route("/leaderboard", func(r chi.Router) {
			r.Get("/weekly", h.Leaderboard.Weekly)
			r.Get("/all-time", h.Leaderboard.AllTime)
		})

		// ──── Study Sessions ────
		r.Route("/study-sessions", func(r chi.Router) {
			r.Post("/start", h.StudySession.Start)
			r.Post("/{id}/heartbeat", h.StudySession.Heartbeat)
			r.Post("/{id}/stop", h.StudySession.Stop)
		})
	})

	return r
}
