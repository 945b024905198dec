package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/SteamVC/soundboard/internal/handlers"
	"github.com/SteamVC/soundboard/internal/logging"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Handlers はルーターに登録するハンドラーの集合です
type Handlers struct {
	Auth      *handlers.AuthHandler
	Rooms     *handlers.RoomHandler
	WebSocket *handlers.WebSocketHandler
}

func NewRouter(h Handlers, allowedOrigins []string, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger(logger), middleware.Recoverer)

	if len(allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   allowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
			ExposedHeaders:   []string{"Link"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/api/v1/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	r.Route("/auth", func(r chi.Router) {
		r.Get("/login", h.Auth.Login)
		r.Get("/callback", h.Auth.Callback)
		r.Get("/session", h.Auth.Session)
	})

	r.Route("/api/v1/rooms", func(r chi.Router) {
		r.Get("/", h.Rooms.List)
		r.Post("/{roomId}/join", h.Rooms.Join)
		r.Post("/{roomId}/leave", h.Rooms.Leave)
	})

	// WebSocketエンドポイント
	r.Get("/ws", h.WebSocket.HandleWebSocket)

	return r
}

// requestLogger はリクエストIDを付けたロガーをcontextに載せ、完了時にアクセスログを出力します
func requestLogger(base *slog.Logger) func(http.Handler) http.Handler {
	base = logging.OrDefault(base).With("component", "http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger := base.With("request_id", middleware.GetReqID(r.Context()))
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r.WithContext(logging.ContextWithLogger(r.Context(), logger)))

			logger.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
			)
		})
	}
}
