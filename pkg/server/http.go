package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"smallbiznis-autopost/pkg/config"
	"smallbiznis-autopost/pkg/health"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ProvideOpsServer serves health probes and prometheus metrics for the worker.
var ProvideOpsServer = fx.Module("ops.server",
	fx.Provide(NewOpsServer),
	fx.Invoke(Run),
)

type Server struct {
	server *http.Server
}

type Params struct {
	fx.In
	Config *config.Config
	Health health.HealthService
}

func NewRouter(h health.HealthService) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health/liveness", h.Liveness)
	r.GET("/health/readiness", h.Readiness)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func NewOpsServer(p Params) *Server {
	cfg := p.Config
	return &Server{
		server: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.OpsServer.Host, cfg.OpsServer.Port),
			Handler:           NewRouter(p.Health),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
		},
	}
}

func (s *Server) Addr() string {
	return s.server.Addr
}

func Run(lc fx.Lifecycle, srv *Server) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			zap.L().Info("Starting ops HTTP server", zap.String("addr", srv.server.Addr))
			go func() {
				if err := srv.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					zap.L().Error("ops HTTP server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			zap.L().Info("Shutting down ops HTTP server gracefully...")
			return srv.server.Shutdown(ctx)
		},
	})
}
