// Package server exposes the engine over HTTP: the WebSocket transport,
// alert-rule and dashboard management, event ingestion and health/metrics.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/advisoros/pulse/internal/config"
	"github.com/advisoros/pulse/internal/engine"
	"github.com/advisoros/pulse/pkg/models"
)

type Server struct {
	engine *engine.Engine
	cfg    config.ServerConfig
	logger *zap.Logger
	http   *http.Server
}

func New(eng *engine.Engine, cfg config.ServerConfig, logger *zap.Logger) *Server {
	return &Server{engine: eng, cfg: cfg, logger: logger}
}

// Router builds the gin handler tree.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(ginzap.Ginzap(s.logger, time.RFC3339, true))
	r.Use(ginzap.RecoveryWithZap(s.logger, true))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ws", func(c *gin.Context) {
		s.engine.Hub().ServeWS(c.Writer, c.Request)
	})

	api := r.Group("/api/v1")
	api.POST("/events", s.postEvent)
	api.POST("/alert-rules", s.postAlertRule)
	api.DELETE("/alert-rules/:id", s.deleteAlertRule)
	api.GET("/organizations/:orgId/alerts", s.getAlerts)
	api.POST("/organizations/:orgId/alerts/:alertId/ack", s.ackAlert)
	api.POST("/anomalies", s.postAnomaly)
	api.POST("/dashboards", s.postDashboard)
	api.GET("/dashboards/:id/metrics", s.getDashboardMetrics)
	api.DELETE("/dashboards/:id", s.deleteDashboard)
	return r
}

func (s *Server) postEvent(c *gin.Context) {
	var event models.AnalyticsEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed event"})
		return
	}
	if err := s.engine.ProcessFinancialData(c.Request.Context(), event); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

type alertRuleRequest struct {
	Scope        models.TenantScope        `json:"scope"`
	MetricName   string                    `json:"metricName"`
	Threshold    models.ThresholdConfig    `json:"threshold"`
	Notification models.NotificationConfig `json:"notification"`
}

func (s *Server) postAlertRule(c *gin.Context) {
	var req alertRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed alert rule"})
		return
	}
	if req.Scope.OrganizationID == "" || req.MetricName == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "scope.organizationId and metricName are required"})
		return
	}
	id := s.engine.CreateAlertRule(req.Scope, req.MetricName, req.Threshold, req.Notification)
	c.JSON(http.StatusCreated, gin.H{"ruleId": id})
}

func (s *Server) deleteAlertRule(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid rule id"})
		return
	}
	if err := s.engine.DisableAlertRule(id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) getAlerts(c *gin.Context) {
	alerts, err := s.engine.Alerts(c.Request.Context(), c.Param("orgId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list alerts"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts})
}

func (s *Server) ackAlert(c *gin.Context) {
	alertID, err := uuid.Parse(c.Param("alertId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid alert id"})
		return
	}
	if err := s.engine.Acknowledge(c.Request.Context(), c.Param("orgId"), alertID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

type anomalyRequest struct {
	Alert        models.RealtimeAlert       `json:"alert"`
	Notification *models.NotificationConfig `json:"notification,omitempty"`
}

func (s *Server) postAnomaly(c *gin.Context) {
	var req anomalyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed anomaly"})
		return
	}
	if req.Alert.Scope.OrganizationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "alert.scope.organizationId is required"})
		return
	}
	if err := s.engine.RaiseAnomaly(c.Request.Context(), &req.Alert, req.Notification); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to raise anomaly"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"alertId": req.Alert.ID})
}

type dashboardRequest struct {
	Scope   models.TenantScope `json:"scope"`
	Metrics []string           `json:"metrics"`
}

func (s *Server) postDashboard(c *gin.Context) {
	var req dashboardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed dashboard"})
		return
	}
	if req.Scope.OrganizationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "scope.organizationId is required"})
		return
	}
	id, err := s.engine.CreateDashboard(c.Request.Context(), req.Scope, req.Metrics)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create dashboard"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dashboardId": id})
}

func (s *Server) getDashboardMetrics(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid dashboard id"})
		return
	}
	metrics, err := s.engine.DashboardMetrics(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"metrics": metrics})
}

func (s *Server) deleteDashboard(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid dashboard id"})
		return
	}
	s.engine.CloseDashboard(id)
	c.Status(http.StatusNoContent)
}

// Start begins serving; it returns once the listener stops.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler: s.Router(),
	}
	s.logger.Info("http server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
