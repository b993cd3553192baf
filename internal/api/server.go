// Package api exposes the network, bonus and wallet services over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"mlm_service/internal/apperr"
	"mlm_service/internal/bonus"
	"mlm_service/internal/network"
	"mlm_service/internal/order"
	"mlm_service/internal/progression"
	"mlm_service/internal/wallet"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type OrderRecorder interface {
	Record(ctx context.Context, o *order.RepeatOrder) (*order.RepeatOrder, error)
}

type Deps struct {
	DB          *gorm.DB
	Network     *network.Service
	Progression *progression.Tracker
	Bonuses     *bonus.Engine
	Orders      OrderRecorder
	Wallets     *wallet.Service
	// Gatherer serves /metrics; nil disables the route.
	Gatherer prometheus.Gatherer
	Location *time.Location
}

type Server struct {
	Deps
	logger *zap.Logger
}

func NewServer(deps Deps, logger *zap.Logger) *Server {
	if deps.Location == nil {
		deps.Location = time.UTC
	}
	return &Server{Deps: deps, logger: logger.Named("api")}
}

func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", s.health)
	if s.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{})))
	}

	members := r.Group("/members")
	members.POST("", s.registerMember)
	members.GET("/:id", s.getMember)
	members.GET("/:id/downline", s.getDownline)
	members.GET("/:id/progress", s.getProgress)
	members.GET("/:id/bonuses", s.memberBonuses)
	members.POST("/:id/status", s.setStatus)

	runs := r.Group("/runs")
	runs.POST("/daily", s.runDaily)
	runs.POST("/monthly", s.runMonthly)
	runs.GET("/:type", s.listRuns)
	runs.GET("/:type/:key", s.getRun)
	runs.GET("/:type/:key/bonuses", s.runBonuses)

	bonuses := r.Group("/bonuses")
	bonuses.GET("/:id", s.getBonus)
	bonuses.POST("/:id/approve", s.approveBonus)
	bonuses.POST("/:id/reject", s.rejectBonus)
	bonuses.POST("/:id/paid", s.markPaid)

	r.POST("/orders", s.recordOrder)

	wallets := r.Group("/wallets")
	wallets.GET("/:user_id", s.getWallet)
	wallets.GET("/:user_id/entries", s.walletEntries)
	wallets.POST("/:user_id/credit", s.credit)
	wallets.POST("/:user_id/debit", s.debit)

	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)))
	}
}

func (s *Server) health(c *gin.Context) {
	sqlDB, err := s.DB.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	if errors.Is(err, wallet.ErrInsufficientBalance) {
		return http.StatusPaymentRequired
	}
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindStateConflict:
		return http.StatusConflict
	case apperr.KindNetworkFull:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	status := statusFor(err)
	body := gin.H{"error": err.Error()}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		body["code"] = appErr.Code
		body["kind"] = appErr.Kind
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, body)
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}
