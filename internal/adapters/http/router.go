// Package http wires the gin surface: health endpoint and the authenticated
// WebSocket entry point.
package http

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/Evian1k/sparkmatch/internal/adapters/ws"
	"github.com/Evian1k/sparkmatch/internal/auth"
	"github.com/Evian1k/sparkmatch/internal/config"
)

// CredentialMiddleware stashes the raw bearer token; verification happens in
// the lifecycle handler so a bad token refuses the socket, not the upgrade.
func CredentialMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("credential", auth.ExtractToken(c.Request))
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, ctl *ws.Controller) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	api.GET("/ws", CredentialMiddleware(), func(c *gin.Context) {
		ctl.Handle(ctx, c)
	})

	log.Info().Str("module", "adapters.http").Msg("router setup")
	return r
}
