package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"vpn-subscription-bot/internal/engine"
	"vpn-subscription-bot/internal/logger"
)

type createRequest struct {
	TgID        int64  `json:"tg_id" binding:"required"`
	TariffID    uint   `json:"tariff_id" binding:"required"`
	Username    string `json:"username"`
	Cluster     string `json:"cluster"`
	DeviceLimit *int   `json:"device_limit"`
	TrafficGB   *int   `json:"traffic_gb"`
	Price       *int64 `json:"price"`
	IsTrial     bool   `json:"is_trial"`
	ExpiryMs    int64  `json:"expiry_ms"`
	Alias       string `json:"alias"`
}

type renewRequest struct {
	NewExpiryMs  int64 `json:"new_expiry_ms"`
	Days         int   `json:"days"`
	TariffID     uint  `json:"tariff_id"`
	ResetTraffic *bool `json:"reset_traffic"`
	Charge       int64 `json:"charge"`
}

type migrateRequest struct {
	TariffID uint `json:"tariff_id" binding:"required"`
}

type relocateRequest struct {
	Cluster string `json:"cluster" binding:"required"`
}

type toggleRequest struct {
	Enable *bool `json:"enable" binding:"required"`
}

// audit пишет действие администратора API в журнал
func audit(c *gin.Context, action string) {
	logger.LogAdminAction(0, "api:"+action, c.GetString("admin")+" "+c.Param("email"))
}

func (s *Server) listServers(c *gin.Context) {
	if s.servers == nil {
		c.JSON(http.StatusOK, gin.H{"servers": []interface{}{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"servers": s.servers.Statuses()})
}

func (s *Server) createKey(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ExpiryMs < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "expiry_ms must be positive"})
		return
	}
	audit(c, "create")
	out, err := s.keys.Create(c.Request.Context(), engine.CreateRequest{
		TgID:        req.TgID,
		Username:    req.Username,
		TariffID:    req.TariffID,
		Cluster:     req.Cluster,
		DeviceLimit: req.DeviceLimit,
		TrafficGB:   req.TrafficGB,
		Price:       req.Price,
		IsTrial:     req.IsTrial,
		ExpiryMs:    req.ExpiryMs,
		Alias:       req.Alias,
	})
	respond(c, out, err)
}

func (s *Server) getKey(c *gin.Context) {
	out, err := s.keys.Link(c.Request.Context(), c.Param("email"))
	respond(c, out, err)
}

func (s *Server) deleteKey(c *gin.Context) {
	audit(c, "delete")
	out, err := s.keys.Delete(c.Request.Context(), c.Param("email"))
	respond(c, out, err)
}

func (s *Server) traffic(c *gin.Context) {
	report, err := s.keys.GetTraffic(c.Request.Context(), c.Param("email"))
	respond(c, report, err)
}

func (s *Server) renewKey(c *gin.Context) {
	var req renewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Days < 0 || req.NewExpiryMs < 0 || req.Charge < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "negative values are not allowed"})
		return
	}
	audit(c, "renew")
	out, err := s.keys.Renew(c.Request.Context(), engine.RenewRequest{
		Email:        c.Param("email"),
		NewExpiryMs:  req.NewExpiryMs,
		Days:         req.Days,
		TariffID:     req.TariffID,
		ResetTraffic: req.ResetTraffic,
		Charge:       req.Charge,
	})
	respond(c, out, err)
}

func (s *Server) migrateKey(c *gin.Context) {
	var req migrateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	audit(c, "migrate")
	out, err := s.keys.Migrate(c.Request.Context(), c.Param("email"), req.TariffID)
	respond(c, out, err)
}

func (s *Server) relocateKey(c *gin.Context) {
	var req relocateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	audit(c, "relocate")
	out, err := s.keys.Relocate(c.Request.Context(), c.Param("email"), req.Cluster)
	respond(c, out, err)
}

func (s *Server) toggleKey(c *gin.Context) {
	var req toggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	audit(c, "toggle")
	out, err := s.keys.Toggle(c.Request.Context(), c.Param("email"), *req.Enable)
	respond(c, out, err)
}

func (s *Server) resetTraffic(c *gin.Context) {
	audit(c, "reset-traffic")
	out, err := s.keys.ResetTraffic(c.Request.Context(), c.Param("email"))
	respond(c, out, err)
}

func (s *Server) updateAll(c *gin.Context) {
	audit(c, "update-all")
	out, err := s.keys.UpdateAll(c.Request.Context(), c.Param("email"))
	respond(c, out, err)
}
