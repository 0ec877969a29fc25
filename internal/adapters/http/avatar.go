package http

import (
	"context"
	"net/http"
	"time"

	"github.com/dkeye/LiveAvatar/internal/app"
	"github.com/dkeye/LiveAvatar/internal/core"
	"github.com/dkeye/LiveAvatar/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const sessionNameKey = "viewer_name"

type avatarHandlers struct {
	avatar    Avatar
	hub       *app.Broadcaster
	limiter   *RateLimiter
	readLimit int64
	ping      time.Duration
	buffer    int
}

func (h *avatarHandlers) getState(c *gin.Context) {
	c.JSON(http.StatusOK, h.avatar.Snapshot())
}

func (h *avatarHandlers) toggleMute(c *gin.Context) {
	id := domain.ViewerID(c.GetString("client_token"))
	if !h.limiter.Allow(id) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too_many_requests"})
		return
	}
	muted := h.avatar.ToggleLocalMute()
	c.JSON(http.StatusOK, gin.H{"muted": muted})
}

type signalsPayload struct {
	Speaking     bool   `json:"speaking"`
	Status       string `json:"status"`
	RespondingTo string `json:"responding_to"`
}

func (h *avatarHandlers) putSignals(c *gin.Context) {
	var p signalsPayload
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_payload"})
		return
	}
	status, err := domain.ParseStatus(p.Status)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.avatar.SetSignals(domain.Signals{
		Speaking:     p.Speaking,
		Status:       status,
		RespondingTo: p.RespondingTo,
	})
	c.JSON(http.StatusOK, h.avatar.Snapshot())
}

// viewerName prefers the ?name= query and remembers it in the cookie
// session for later connections.
func viewerName(c *gin.Context) string {
	sess := sessions.Default(c)
	if name := c.Query("name"); name != "" {
		sess.Set(sessionNameKey, name)
		if err := sess.Save(); err != nil {
			log.Warn().Err(err).Str("module", "adapters.http").Msg("session save")
		}
		return name
	}
	if name, ok := sess.Get(sessionNameKey).(string); ok && name != "" {
		return name
	}
	return "guest"
}

func (h *avatarHandlers) stream(ctx context.Context, c *gin.Context) {
	v, err := domain.NewViewer(domain.ViewerID(c.GetString("client_token")), viewerName(c))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// the handshake response only carries headers passed explicitly
	hdr := http.Header{}
	for _, ck := range c.Writer.Header().Values("Set-Cookie") {
		hdr.Add("Set-Cookie", ck)
	}
	ws, err := upgrader.Upgrade(c.Writer, c.Request, hdr)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("ws upgrade")
		return
	}
	conn := &wsViewerConn{
		conn: ws,
		send: make(chan core.Frame, h.buffer),
	}

	ctx, cancel := context.WithCancel(ctx)
	h.hub.Join(v, conn, cancel)

	go writePump(ctx, conn, h.ping)
	go func() {
		defer func() {
			cancel()
			h.hub.Leave(v.ID, conn)
		}()
		readPump(ctx, v, conn, h.readLimit, h.ping*10/9)
	}()
}
