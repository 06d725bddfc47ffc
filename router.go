package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rubberduck/rubberduck/pkg/config"
	"github.com/rubberduck/rubberduck/pkg/handler"
	"github.com/rubberduck/rubberduck/pkg/models"
	"github.com/rubberduck/rubberduck/pkg/utils"
)

type Server struct {
	ginEngine  *gin.Engine
	httpServer *http.Server
	cfg        *config.AppConfig
	svcs       handler.Services
	logger     *slog.Logger
	port       int
}

func NewServer(cfg *config.AppConfig, svcs handler.Services) *Server {
	ginEngine := gin.New()
	ginEngine.Use(gin.Recovery())
	ginEngine.Use(requestLogger(utils.GetLogger()))

	// CORS: allow localhost origins only. Browsers on other origins are rejected.
	ginEngine.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		// No Origin header means this is not a browser CORS request.
		if origin != "" {
			if !localOrigin(origin) {
				c.AbortWithStatus(http.StatusForbidden)
				return
			}
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, Conversation-Id")
		}

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})

	server := &Server{
		ginEngine: ginEngine,
		cfg:       cfg,
		svcs:      svcs,
		logger:    utils.GetLogger(),
	}

	server.SetupRoutes()

	return server
}

func localOrigin(origin string) bool {
	for _, prefix := range []string{"http://localhost", "http://127.0.0.1", "https://localhost", "https://127.0.0.1"} {
		if strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	return false
}

// requestLogger logs one line per request. Streams log when they end.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

// Start binds the configured address and serves in the background. A port
// that is already taken is reported immediately.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host(), s.cfg.Port())
	s.httpServer = &http.Server{Addr: addr, Handler: s.ginEngine}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
		s.port = tcpAddr.Port
	} else {
		s.port = s.cfg.Port()
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- s.httpServer.Serve(ln)
	}()

	s.logger.Info("server listening", "addr", ln.Addr().String())

	select {
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	default:
	}
	return nil
}

// Shutdown stops accepting connections and waits up to five seconds for
// open requests, including event streams, to finish.
func (s *Server) Shutdown() error {
	if s.httpServer == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) SetupRoutes() {
	// API group
	// /api
	apiGroup := s.ginEngine.Group("/api")

	// Runtime info so clients can discover base URLs
	apiGroup.GET("/runtime", func(c *gin.Context) {
		port := s.port
		if port == 0 {
			port = s.cfg.Port()
		}
		host := s.cfg.Host()
		c.JSON(http.StatusOK, models.RuntimeInfo{
			HTTPBaseURL:     fmt.Sprintf("http://%s:%d", host, port),
			WSBaseURL:       fmt.Sprintf("ws://%s:%d", host, port),
			Port:            port,
			ModelConfigured: s.svcs.ModelInfo.Configured,
		})
	})

	handler.Mount(apiGroup, s.svcs, s.logger)
}
