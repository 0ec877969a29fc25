package http

import (
	"context"
	"net/http"
	"time"

	"github.com/dkeye/LiveAvatar/internal/app"
	"github.com/dkeye/LiveAvatar/internal/app/live"
	"github.com/dkeye/LiveAvatar/internal/config"
	"github.com/dkeye/LiveAvatar/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Avatar is what the presentation layer may do with the controller.
type Avatar interface {
	Snapshot() live.Snapshot
	ToggleLocalMute() bool
	SetSignals(domain.Signals)
}

type Deps struct {
	Avatar      Avatar
	Broadcaster *app.Broadcaster
	Metrics     http.Handler
}

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
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
	r.Use(sessions.Sessions("AvatarSessions", store))
	r.Use(ClientTokenMiddleware())

	h := &avatarHandlers{
		avatar:    deps.Avatar,
		hub:       deps.Broadcaster,
		limiter:   NewRateLimiter(cfg.Viewers.MuteLimit, cfg.Viewers.MuteInterval),
		readLimit: cfg.ReadLimit,
		ping:      cfg.PingPeriod,
		buffer:    cfg.Viewers.SendBuffer,
	}
	if h.ping <= 0 {
		h.ping = 54 * time.Second
	}
	if h.buffer <= 0 {
		h.buffer = 16
	}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "state": deps.Avatar.Snapshot().State})
	})
	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	api := r.Group("/api")
	api.GET("/avatar", h.getState)
	api.POST("/avatar/mute", h.toggleMute)
	api.PUT("/avatar/signals", h.putSignals)
	api.GET("/ws/avatar", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("sid", c.GetString("client_token")).Msg("ws avatar endpoint hit")
		h.stream(ctx, c)
	})

	log.Info().Str("module", "adapters.http").Msg("router setup")
	return r
}
