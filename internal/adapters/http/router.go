// Package http mounts the admin surface: read-only registry views for
// dashboards, the capabilities alias the NDI bridge polls, prometheus
// metrics and the signaling WebSocket endpoint.
package http

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/Stefan-migo/MCR/internal/adapters/signal"
	"github.com/Stefan-migo/MCR/internal/app/orch"
	"github.com/Stefan-migo/MCR/internal/config"
)

func SetupRouter(ctx context.Context, cfg *config.Config, o *orch.Orchestrator) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	h := &handlers{orch: o}
	r.GET("/capabilities", h.capabilities)
	r.GET("/streams", h.streams)
	r.GET("/streams/:id", h.stream)
	r.GET("/plain-transports", h.plainTransports)
	r.GET("/api/rtp-capabilities", h.rtpCapabilitiesAlias)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	ctl := signal.NewController(o, cfg)
	r.GET("/ws", func(c *gin.Context) {
		ctl.HandleSignal(ctx, c)
	})

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")
	return r
}
