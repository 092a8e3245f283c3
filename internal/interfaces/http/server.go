package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/loomlab/loom/kernel/internal/application"
	"github.com/loomlab/loom/kernel/internal/interfaces/http/handlers"
	ws "github.com/loomlab/loom/kernel/internal/interfaces/websocket"
)

// Server is the HTTP interface: message intake, engine state, health, and
// the websocket event stream.
type Server struct {
	app    *application.App
	engine *http.Server
	logger *zap.Logger
}

// NewServer builds the gin router and handlers.
func NewServer(app *application.App, logger *zap.Logger) *Server {
	if app.Config.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))

	conv := handlers.NewConversationHandler(app.Registry, logger)
	events := ws.NewEventStream(app.Bus, logger)

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"engines": app.Registry.Len(),
		})
	})

	api := router.Group("/api/v1")
	{
		api.POST("/conversations/:id/messages", conv.SendMessage)
		api.GET("/conversations/:id/state", conv.GetState)
	}

	router.GET("/ws/events", events.Handle)

	addr := fmt.Sprintf("%s:%d", app.Config.Server.Host, app.Config.Server.Port)
	return &Server{
		app: app,
		engine: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger.With(zap.String("component", "http-server")),
	}
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", zap.String("addr", s.engine.Addr))
	if err := s.engine.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.engine.Shutdown(ctx)
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
