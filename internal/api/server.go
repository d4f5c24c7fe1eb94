// Package api implements the admin HTTP API of the RubyCave server: public
// status routes, player management, session history and Prometheus metrics.
package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/rubycave-project/rubycave/internal/config"
	"github.com/rubycave-project/rubycave/internal/db"
	"github.com/rubycave-project/rubycave/internal/events"
	"github.com/rubycave-project/rubycave/internal/game"
	"github.com/rubycave-project/rubycave/internal/metrics"
	intnet "github.com/rubycave-project/rubycave/internal/network"
	"github.com/rubycave-project/rubycave/internal/util"
)

// Server is the admin REST API.
type Server struct {
	cfg       *config.Config
	eventBus  *events.EventBus
	world     *game.World
	sessions  *db.SessionStore
	metrics   *metrics.Metrics
	startedAt time.Time

	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates a new API server. sessions may be nil when history is unavailable.
func NewServer(cfg *config.Config, eventBus *events.EventBus, world *game.World,
	sessions *db.SessionStore, m *metrics.Metrics) *Server {

	if cfg.GetLogging().Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:       cfg,
		eventBus:  eventBus,
		world:     world,
		sessions:  sessions,
		metrics:   m,
		startedAt: time.Now(),
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves the API until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	apiCfg := s.cfg.GetAPI()
	addr := fmt.Sprintf(":%d", apiCfg.Port)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	lc := intnet.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start API listener on %s: %w", addr, err)
	}

	if apiCfg.TLSEnabled {
		if err := util.EnsureCertificate(apiCfg.TLSCertFile, apiCfg.TLSKeyFile, "localhost", "127.0.0.1", util.GetLocalIP()); err != nil {
			ln.Close()
			return fmt.Errorf("failed to prepare TLS certificate: %w", err)
		}
		cert, err := tls.LoadX509KeyPair(apiCfg.TLSCertFile, apiCfg.TLSKeyFile)
		if err != nil {
			ln.Close()
			return fmt.Errorf("failed to load TLS certificate: %w", err)
		}
		s.httpServer.TLSConfig = &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
		}
		ln = tls.NewListener(ln, s.httpServer.TLSConfig)
	}

	log.Info().
		Str("addr", addr).
		Bool("tls", apiCfg.TLSEnabled).
		Msg("REST API server starting")

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	})
	defer stop()

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

func (s *Server) buildRouter() *gin.Engine {
	apiCfg := s.cfg.GetAPI()
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	allowedOrigins := apiCfg.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	router.Use(IPWhitelist(apiCfg.IPWhitelist))
	router.Use(NewRateLimiter(apiCfg.RateLimitRPS).Middleware())

	public := router.Group("/api/public")
	{
		public.GET("/ping", s.handlePing)
		public.GET("/server_info", s.handleServerInfo)
	}

	protected := router.Group("/api")
	protected.Use(RequireToken(apiCfg.AuthToken))
	{
		protected.GET("/players", s.handleListPlayers)
		protected.GET("/players/:username", s.handleGetPlayer)
		protected.POST("/players/:username/kick", s.handleKickPlayer)
		protected.POST("/players/:username/teleport", s.handleTeleportPlayer)

		protected.GET("/sessions", s.handleListSessions)

		protected.GET("/monitor/cpu", s.handleCPUUsage)
		protected.GET("/monitor/memory", s.handleMemoryUsage)
		protected.GET("/monitor/process", s.handleProcessUsage)

		protected.GET("/config", s.handleGetConfig)
	}

	router.GET("/metrics", RequireToken(apiCfg.AuthToken), gin.WrapH(s.metrics.Handler()))

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "RubyCave admin API is running"})
	})

	return router
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
