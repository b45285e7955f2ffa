// Package http provides HTTP server adapter for the application layer.
// This is a thin adapter layer that translates HTTP requests to application service calls.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bitsacco/bitsacco-sub002/internal/application/monitor"
	"github.com/bitsacco/bitsacco-sub002/internal/application/service"
	"github.com/bitsacco/bitsacco-sub002/internal/domain/entity"
	"github.com/bitsacco/bitsacco-sub002/internal/domain/workflow"
)

// Logger interface for logging operations
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// WithdrawalAPI is the withdrawal workflow as seen by HTTP handlers
type WithdrawalAPI interface {
	Submit(ctx context.Context, req service.SubmitRequest) (*entity.Withdrawal, error)
	Get(ctx context.Context, id string) (*entity.Withdrawal, error)
	History(ctx context.Context, id string) ([]*entity.WithdrawalTransition, error)
	ListByChama(ctx context.Context, chamaID string, limit, offset int) ([]*entity.Withdrawal, error)
	PermittedActions(ctx context.Context, id string) ([]workflow.Trigger, error)
	Approve(ctx context.Context, id, actor, comment string) (*entity.Withdrawal, error)
	Reject(ctx context.Context, id, actor, reason string) (*entity.Withdrawal, error)
	Execute(ctx context.Context, id, actor, paymentMethod string) (*entity.Withdrawal, error)
	Cancel(ctx context.Context, id, actor, reason string) (*entity.Withdrawal, error)
	ExportAudit(ctx context.Context, id string) (string, error)
}

// MonitorAPI is the transaction status monitor as seen by HTTP handlers
type MonitorAPI interface {
	Monitor(tx *entity.UnifiedTransaction) error
	StopMonitoring(id string)
	UpdateTransactionStatus(id string, status entity.TransactionStatus) error
	Entry(id string) (monitor.EntryInfo, bool)
	GetMonitoredTransactions() []*entity.UnifiedTransaction
	GetTransactionsByStatus(status entity.TransactionStatus) []*entity.UnifiedTransaction
	GetTransactionsByContext(ctx entity.TransactionContext) []*entity.UnifiedTransaction
	GetHighPriorityTransactions() []*entity.UnifiedTransaction
	GetStats() monitor.Stats
}

// SignatureVerifier authenticates backend webhook callbacks
type SignatureVerifier interface {
	Verify(timestamp, signature string, body []byte) error
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:         "0.0.0.0",
		Port:         8080,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// Server is the HTTP server adapter
type Server struct {
	config      ServerConfig
	httpServer  *http.Server
	router      *gin.Engine
	withdrawals WithdrawalAPI
	monitor     MonitorAPI
	verifier    SignatureVerifier
	logger      Logger
}

// NewServer creates a new HTTP server. A nil verifier accepts unsigned webhooks.
func NewServer(
	config ServerConfig,
	withdrawals WithdrawalAPI,
	monitor MonitorAPI,
	verifier SignatureVerifier,
	logger Logger,
) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	server := &Server{
		config:      config,
		router:      router,
		withdrawals: withdrawals,
		monitor:     monitor,
		verifier:    verifier,
		logger:      logger,
	}

	server.setupMiddleware()
	server.setupRoutes()

	return server
}

// setupMiddleware configures middleware for the router
func (s *Server) setupMiddleware() {
	s.router.Use(gin.Recovery())
	s.router.Use(s.loggingMiddleware())
}

// loggingMiddleware creates a logging middleware
func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		s.logger.Info("HTTP request",
			"method", method,
			"path", path,
			"status", c.Writer.Status(),
			"latency", time.Since(start).String(),
			"client_ip", c.ClientIP(),
		)
	}
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	handlers := NewHandlers(s.withdrawals, s.monitor, s.verifier, s.logger)

	s.router.GET("/health", handlers.HealthCheck)

	api := s.router.Group("/api")
	{
		api.POST("/withdrawals", handlers.SubmitWithdrawal)
		api.GET("/withdrawals/:id", handlers.GetWithdrawal)
		api.GET("/withdrawals/:id/transitions", handlers.ListTransitions)
		api.GET("/withdrawals/:id/audit.xlsx", handlers.ExportAudit)
		api.POST("/withdrawals/:id/approve", handlers.ApproveWithdrawal)
		api.POST("/withdrawals/:id/reject", handlers.RejectWithdrawal)
		api.POST("/withdrawals/:id/execute", handlers.ExecuteWithdrawal)
		api.POST("/withdrawals/:id/cancel", handlers.CancelWithdrawal)

		api.GET("/chamas/:id/withdrawals", handlers.ListChamaWithdrawals)

		api.GET("/transactions/monitored", handlers.ListMonitored)
		api.GET("/transactions/high-priority", handlers.ListHighPriority)
		api.GET("/transactions/stats", handlers.MonitorStats)
		api.GET("/transactions/:id", handlers.GetMonitored)
		api.POST("/transactions", handlers.StartMonitoring)
		api.DELETE("/transactions/:id", handlers.StopMonitoring)

		api.POST("/webhooks/transaction-status", handlers.TransactionStatusWebhook)
	}
}

// Start starts the HTTP server
func (s *Server) Start(ctx context.Context) error {
	addr := s.Address()

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("Starting HTTP server", "address", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("HTTP server shutdown requested")
		return s.Stop()
	case err := <-errCh:
		s.logger.Error("HTTP server error", "error", err)
		return err
	}
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}

	s.logger.Info("Stopping HTTP server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
		return err
	}

	s.logger.Info("HTTP server stopped")
	return nil
}

// Router returns the underlying gin router (for testing)
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Address returns the server address
func (s *Server) Address() string {
	return fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
}
