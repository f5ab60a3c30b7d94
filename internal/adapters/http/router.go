package http

import (
	"context"
	"net/http"

	"github.com/dkeye/Call/internal/adapters/signal"
	"github.com/dkeye/Call/internal/app/orch"
	"github.com/dkeye/Call/internal/auth"
	"github.com/dkeye/Call/internal/config"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
)

type Deps struct {
	Orch     *orch.Orchestrator
	Tokens   *auth.Tokens
	Limiter  *signal.SignalRateLimiter
	Gatherer prometheus.Gatherer
}

func SetupRouter(ctx context.Context, cfg *config.Config, deps Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 3600 * 24 * 7, HttpOnly: true})
	r.Use(sessions.Sessions("CallSessions", store))

	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
	}
	if deps.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	h := &handlers{orch: deps.Orch}
	ws := signal.NewRelayWSController(deps.Orch, cfg.ReadLimit, cfg.PingPeriod)

	api := r.Group("/api", AuthMiddleware(deps.Tokens))
	api.GET("/me", h.me)
	api.GET("/presence", h.presence)
	api.POST("/relay/auth", h.authorizeChannel)
	api.POST("/chat/typing", h.typing)
	api.POST("/chat/read", h.read)
	if deps.Limiter != nil {
		api.POST("/call/signal", RateLimit(deps.Limiter.Allow), h.signal)
	} else {
		api.POST("/call/signal", h.signal)
	}

	api.GET("/ws/relay", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("user", string(currentUser(c).ID)).Msg("ws relay endpoint hit")
		ws.HandleRelay(ctx, c, currentUser(c))
	})

	return r
}

// WithCORS wraps the engine for browser clients served from other origins.
func WithCORS(h http.Handler, origins []string) http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Socket-ID"},
		AllowCredentials: true,
	}).Handler(h)
}
