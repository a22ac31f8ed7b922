package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/zhouzirui/clm-bridge/backend/internal/config"
	"github.com/zhouzirui/clm-bridge/backend/internal/handler/chat"
	"github.com/zhouzirui/clm-bridge/backend/internal/handler/provider"
	"github.com/zhouzirui/clm-bridge/backend/internal/handler/stream"
	"github.com/zhouzirui/clm-bridge/backend/internal/handler/voice"
	"github.com/zhouzirui/clm-bridge/backend/internal/metrics"
	middlewarePkg "github.com/zhouzirui/clm-bridge/backend/internal/middleware"
	chatModel "github.com/zhouzirui/clm-bridge/backend/internal/model/chat"
	"github.com/zhouzirui/clm-bridge/backend/internal/service/ai"
	"github.com/zhouzirui/clm-bridge/backend/internal/service/session"
	"github.com/zhouzirui/clm-bridge/backend/pkg/utils"
)

// Version is reported by the info endpoint.
var Version = "dev"

// Deps 是路由依赖的核心服务。
type Deps struct {
	Registry        *session.Registry
	Providers       *ai.Set
	DefaultProvider chatModel.Provider
	Metrics         *metrics.Collector
	Server          config.ServerConfig
	Logger          *zap.Logger
}

// NewRouter wires HTTP routes to core services. ctx bounds background work such as
// rate limiter cleanup.
func NewRouter(ctx context.Context, deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.Metrics(deps.Metrics))
	r.Use(middlewarePkg.CORS(deps.Server.AllowedOrigins))
	r.Use(middlewarePkg.SharedSecret(deps.Server.SharedSecret, "/healthz", "/metrics"))

	voiceHandler := voice.NewHandler(deps.Registry, deps.Metrics, logger)
	chatHandler := chat.New(deps.Registry, deps.Providers, deps.DefaultProvider, logger)
	streamHandler := stream.New(deps.Registry, logger)
	providerHandler := provider.New(deps.Providers, deps.DefaultProvider)
	limiter := middlewarePkg.RateLimiter(ctx, deps.Server.RateLimitRPS, deps.Server.RateLimitBurst, logger)

	r.Get("/", handleInfo)
	r.Get("/healthz", handleHealth)
	r.Handle("/metrics", deps.Metrics.Handler())
	voiceHandler.RegisterRoutes(r)

	r.Route("/api", func(api chi.Router) {
		providerHandler.RegisterRoutes(api)
		voiceHandler.RegisterAPIRoutes(api)
		chatHandler.RegisterSessionRoutes(api)

		api.Group(func(limited chi.Router) {
			limited.Use(limiter)
			chatHandler.RegisterChatRoutes(limited)
			streamHandler.RegisterRoutes(limited)
		})
	})

	return r
}

func handleInfo(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"service": "clm-bridge",
		"version": Version,
		"endpoints": map[string]string{
			"websocket": "/ws/clm",
			"chat":      "/api/chat",
			"stream":    "/api/chat/stream",
			"status":    "/api/status",
			"providers": "/api/providers",
		},
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
