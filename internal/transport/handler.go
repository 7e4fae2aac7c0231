package transport

import (
	"context"
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"ridedispatch/internal/logger"
	"ridedispatch/internal/middleware"
)

// Handler upgrades authenticated requests to sessions.
type Handler struct {
	hub      *Hub
	verifier *middleware.Verifier
	sink     LocationSink
	log      logger.ILogger
	upgrader websocket.Upgrader
	ctx      context.Context
}

// NewHandler creates a websocket Handler. ctx bounds inbound message
// processing for every session; cancel it on shutdown.
func NewHandler(ctx context.Context, hub *Hub, verifier *middleware.Verifier, sink LocationSink, allowedOrigins []string, log logger.ILogger) *Handler {
	return &Handler{
		hub:      hub,
		verifier: verifier,
		sink:     sink,
		log:      log,
		ctx:      ctx,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || slices.Contains(allowed, "*") {
			return true
		}
		return slices.Contains(allowed, origin)
	}
}

// Connect handles GET /ws. The token comes from the Authorization header or
// the token query parameter, since browsers cannot set headers on upgrade.
func (h *Handler) Connect(c *gin.Context) {
	token, err := middleware.BearerToken(c.Request)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	claims, err := h.verifier.Parse(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": middleware.ErrInvalidToken.Error()})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the response.
		h.log.Warning("websocket upgrade failed", logger.String("user_id", claims.UserID), logger.Error(err))
		return
	}

	s := newSession(h.hub, conn, claims.UserID, claims.Role, h.sink, h.log)
	h.hub.register(s)

	go s.WritePump()
	go s.ReadPump(h.ctx)
}
