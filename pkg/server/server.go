// Package server exposes the facilitator over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/speedrun-hq/x402-facilitator/pkg/blockchain"
	"github.com/speedrun-hq/x402-facilitator/pkg/facilitator"
	"github.com/speedrun-hq/x402-facilitator/pkg/logger"
	"github.com/speedrun-hq/x402-facilitator/pkg/monitor"
	"github.com/speedrun-hq/x402-facilitator/pkg/protocol"
)

const (
	// ServiceName is reported by /health
	ServiceName = "x402-facilitator"
	// Version is reported by /health
	Version = "1.0.0"
)

// Config holds the HTTP server settings
type Config struct {
	Port string
	// FacilitatorKey signs and pays for settlement transactions
	FacilitatorKey string
	// MetricsAPIKey protects /metrics with a bearer token when set
	MetricsAPIKey string
}

// Server serves the facilitator API
type Server struct {
	cfg         Config
	facilitator *facilitator.Facilitator
	monitor     *monitor.Monitor
	logger      logger.Logger
	router      *gin.Engine
	httpServer  *http.Server
	gasPayer    common.Address
}

type monitorRequest struct {
	CallbackURL string `json:"callbackUrl"`
}

// NewServer creates the server and registers its routes
func NewServer(cfg Config, f *facilitator.Facilitator, m *monitor.Monitor, logger logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:         cfg,
		facilitator: f,
		monitor:     m,
		logger:      logger,
		router:      gin.New(),
	}
	if account, err := blockchain.NewAccount(cfg.FacilitatorKey); err == nil {
		s.gasPayer = account.Address
	}

	s.router.Use(gin.Recovery(), s.requestLogger())
	s.routes()

	s.httpServer = &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the router, mostly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info("Starting facilitator API on port %s", s.cfg.Port)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and drains in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) routes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/ready", s.handleReady)
	s.router.GET("/status", s.handleStatus)
	s.router.GET("/config", s.handleConfig)

	s.router.POST("/verify", s.handleVerify)
	s.router.POST("/settle", s.handleSettle)

	s.router.POST("/payments/create", s.handleCreatePayment)
	s.router.GET("/payments/:paymentId", s.handleGetPayment)
	s.router.POST("/payments/:paymentId/monitor", s.handleStartMonitor)
	s.router.DELETE("/payments/:paymentId/monitor", s.handleStopMonitor)

	s.router.GET("/metrics", s.metricsAuth(), gin.WrapH(promhttp.Handler()))
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"service":   ServiceName,
		"version":   Version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleReady(c *gin.Context) {
	if err := s.facilitator.Ready(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": true})
}

// handleStatus reports the gas payer's balance and monitor load
func (s *Server) handleStatus(c *gin.Context) {
	status := gin.H{
		"chainId":           s.facilitator.Config().ChainID,
		"facilitator":       s.gasPayer.Hex(),
		"monitoredPayments": s.monitor.Len(),
	}
	if balance, err := s.facilitator.NativeBalance(c.Request.Context(), s.gasPayer); err == nil {
		status["gasBalance"] = balance.String()
	} else {
		status["gasBalanceError"] = err.Error()
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleConfig(c *gin.Context) {
	c.JSON(http.StatusOK, s.facilitator.Config())
}

func (s *Server) handleVerify(c *gin.Context) {
	encoded, ok := s.bindPayment(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.facilitator.Verify(c.Request.Context(), encoded))
}

func (s *Server) handleSettle(c *gin.Context) {
	encoded, ok := s.bindPayment(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.facilitator.Settle(c.Request.Context(), encoded, s.cfg.FacilitatorKey))
}

func (s *Server) handleCreatePayment(c *gin.Context) {
	var req facilitator.CreatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	desc, err := s.facilitator.CreatePaymentRequest(c.Request.Context(), req)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, desc)
}

func (s *Server) handleGetPayment(c *gin.Context) {
	info, err := s.facilitator.CheckPaymentStatus(c.Request.Context(), c.Param("paymentId"))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) handleStartMonitor(c *gin.Context) {
	paymentID := c.Param("paymentId")

	var req monitorRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.CallbackURL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "callbackUrl is required"})
		return
	}

	if err := s.monitor.Start(c.Request.Context(), paymentID, req.CallbackURL); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"paymentId":   paymentID,
		"monitoring":  true,
		"callbackUrl": req.CallbackURL,
	})
}

func (s *Server) handleStopMonitor(c *gin.Context) {
	paymentID := c.Param("paymentId")
	s.monitor.Stop(paymentID)
	c.JSON(http.StatusOK, gin.H{"paymentId": paymentID, "monitoring": false})
}

// bindPayment reads {payment} and answers 400 itself when it is missing
func (s *Server) bindPayment(c *gin.Context) (string, bool) {
	var req protocol.PaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return "", false
	}
	if strings.TrimSpace(req.Payment) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing payment"})
		return "", false
	}
	return req.Payment, true
}

// metricsAuth checks the bearer token when a metrics API key is configured
func (s *Server) metricsAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.MetricsAPIKey == "" {
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing Authorization header"})
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid Authorization header format"})
			return
		}

		if parts[1] != s.cfg.MetricsAPIKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid API key"})
			return
		}
		c.Next()
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("%s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, facilitator.ErrInvalidRequest),
		errors.Is(err, monitor.ErrInvalidCallback):
		return http.StatusBadRequest
	case errors.Is(err, facilitator.ErrPaymentNotFound):
		return http.StatusNotFound
	case errors.Is(err, monitor.ErrRegistryFull),
		errors.Is(err, monitor.ErrMonitorStopped):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
