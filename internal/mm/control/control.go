// Package control exposes an operator-facing REST API over the driver's
// registry and main loop: read-only telemetry and health endpoints plus
// the operator knobs (fan bounds, voltage level/offset, per-module LED,
// reboot request, AUC clock/xdelay) as POST endpoints instead of
// process-restart-only config.
package control

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"mmdriver/internal/mm/discovery"
	"mmdriver/internal/mm/driver"
	"mmdriver/internal/mm/registry"
	"mmdriver/internal/mm/transport"
)

// Server is the operator control surface: module telemetry snapshots, a
// manual discovery-scan trigger, a health endpoint, and the live
// configuration-mutation endpoints below.
type Server struct {
	Reg    *registry.Registry
	Xport  transport.Transport
	Loop   *driver.Loop
	router *gin.Engine
}

// New builds a Server with its routes registered but not yet listening.
func New(reg *registry.Registry, xport transport.Transport, loop *driver.Loop) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{Reg: reg, Xport: xport, Loop: loop, router: router}

	api := router.Group("/api/v1")
	{
		api.GET("/health", s.handleHealth)
		api.GET("/modules", s.handleModules)
		api.GET("/metrics", s.handleMetrics)
		api.POST("/discovery/scan", s.handleDiscoveryScan)
		api.POST("/modules/:addr/led", s.handleSetLED)
		api.POST("/modules/:addr/reboot", s.handleReboot)
		api.POST("/modules/:addr/fan", s.handleSetFanBounds)
		api.POST("/modules/:addr/voltage", s.handleSetVoltage)
		api.POST("/config/auc", s.handleSetAUCParams)
	}

	return s
}

// Handler returns the underlying http.Handler, for embedding in an
// http.Server.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleHealth(c *gin.Context) {
	count := s.Reg.Count()
	status := "healthy"
	if count == 0 {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":          status,
		"module_count":    count,
		"conn_overloaded": s.Reg.ConnOverloaded(),
	})
}

func (s *Server) handleModules(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"modules": s.Reg.SnapshotAll()})
}

func (s *Server) handleMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"total_hashes": driver.TotalHashes(s.Reg),
		"module_count": s.Reg.Count(),
	})
}

func (s *Server) handleDiscoveryScan(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	discovery.Scan(ctx, s.Reg, s.Xport, s.Loop.Overrides, time.Now())

	s.Reg.RLock()
	enabled := s.Reg.Enabled()
	s.Reg.RUnlock()
	c.JSON(http.StatusOK, gin.H{"enabled": enabled})
}

// moduleAt looks up the enabled slot named by the :addr path param, writing
// the appropriate error response and returning ok=false if it isn't one.
func (s *Server) moduleAt(c *gin.Context) (addr uint8, ok bool) {
	n, err := strconv.Atoi(c.Param("addr"))
	if err != nil || n <= 0 || n >= registry.DefaultModulars {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid module address"})
		return 0, false
	}
	s.Reg.RLock()
	m := s.Reg.At(uint8(n))
	s.Reg.RUnlock()
	if m == nil || !m.Enabled {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such module"})
		return 0, false
	}
	return uint8(n), true
}

// handleSetLED sets a module's LED indicator state, picked up by the next
// polling-sweep tick.
func (s *Server) handleSetLED(c *gin.Context) {
	addr, ok := s.moduleAt(c)
	if !ok {
		return
	}
	var body struct {
		State int `json:"state"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.Reg.Lock()
	s.Reg.At(addr).LEDIndicator = body.State
	s.Reg.Unlock()
	c.JSON(http.StatusOK, gin.H{"addr": addr, "led": body.State})
}

// handleReboot flags a module for a reboot request, sent on the next
// polling-sweep tick.
func (s *Server) handleReboot(c *gin.Context) {
	addr, ok := s.moduleAt(c)
	if !ok {
		return
	}
	s.Reg.Lock()
	s.Reg.At(addr).Reboot = true
	s.Reg.Unlock()
	c.JSON(http.StatusOK, gin.H{"addr": addr, "reboot": true})
}

// handleSetFanBounds adjusts a module's fan-PID clamp range, bounded
// 0..100 with min <= max.
func (s *Server) handleSetFanBounds(c *gin.Context) {
	addr, ok := s.moduleAt(c)
	if !ok {
		return
	}
	var body struct {
		Min int `json:"min"`
		Max int `json:"max"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if body.Min < 0 {
		body.Min = 0
	}
	if body.Max > 100 {
		body.Max = 100
	}
	if body.Min > body.Max {
		body.Min = body.Max
	}

	s.Reg.Lock()
	m := s.Reg.At(addr)
	m.FanMin = body.Min
	m.FanMax = body.Max
	s.Reg.Unlock()
	c.JSON(http.StatusOK, gin.H{"addr": addr, "fan_min": body.Min, "fan_max": body.Max})
}

// handleSetVoltage adjusts a module's per-miner voltage level and its
// voltage-level offset (-2..1), the level clamped to the module's own
// generation's domain.
func (s *Server) handleSetVoltage(c *gin.Context) {
	addr, ok := s.moduleAt(c)
	if !ok {
		return
	}
	var body struct {
		Level  *int `json:"level"`
		Offset *int `json:"offset"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.Reg.Lock()
	m := s.Reg.At(addr)
	if body.Level != nil {
		lvl := clamp(*body.Level, m.Gen.VoltageLevelMin(), m.Gen.VoltageLevelMax())
		for i := range m.VoltageLevel {
			m.VoltageLevel[i] = lvl
		}
	}
	if body.Offset != nil {
		m.VoltageLevelOffset = clamp(*body.Offset, -2, 1)
	}
	level := append([]int(nil), m.VoltageLevel...)
	offset := m.VoltageLevelOffset
	s.Reg.Unlock()
	c.JSON(http.StatusOK, gin.H{"addr": addr, "level": level, "offset": offset})
}

// handleSetAUCParams re-runs the USB bridge's bring-up sequence with a new
// clock/xdelay. It's a no-op error on a direct-I2C transport, which has no
// bridge to re-init.
func (s *Server) handleSetAUCParams(c *gin.Context) {
	bridge, ok := s.Xport.(interface {
		SetParams(ctx context.Context, speed, xdelay uint32) error
	})
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "transport has no AUC bridge to reconfigure"})
		return
	}
	var body struct {
		Clock  uint32 `json:"clock"`
		XDelay uint32 `json:"xdelay"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()
	if err := bridge.SetParams(ctx, body.Clock, body.XDelay); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"clock": body.Clock, "xdelay": body.XDelay})
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
