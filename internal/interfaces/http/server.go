package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vicw/vicw/internal/interfaces/http/handlers"
)

// Server is the HTTP front of the memory engine.
type Server struct {
	server *http.Server
	logger *zap.Logger
}

// Config is the listener setup.
type Config struct {
	Host  string
	Port  int
	Mode  string // debug, release
	Model string // model name advertised on /v1/models
}

func NewServer(cfg Config, chat handlers.ChatService, health handlers.HealthSource, logger *zap.Logger) *Server {
	if cfg.Mode == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logger))

	chatHandler := handlers.NewChatHandler(chat, health, logger)
	openaiHandler := handlers.NewOpenAIHandler(chat, cfg.Model, logger)
	setupRoutes(router, chatHandler, openaiHandler)

	return &Server{
		server: &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler: router,
		},
		logger: logger,
	}
}

// Start begins serving in the background.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop drains in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}

func setupRoutes(router *gin.Engine, chat *handlers.ChatHandler, openai *handlers.OpenAIHandler) {
	router.POST("/chat", chat.Chat)
	router.GET("/health", chat.Health)
	router.GET("/stats", chat.Stats)
	router.POST("/reset", chat.Reset)

	// OpenAI-compatible surface
	oai := router.Group("/v1")
	{
		oai.POST("/chat/completions", openai.ChatCompletions)
		oai.GET("/models", openai.ListModels)
	}
}

func ginLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()),
		)
	}
}
