package server

import (
	"errors"
	"net/http"
	"runtime"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/NicolasHaas/gojam/pkg/logging"
	"github.com/NicolasHaas/gojam/pkg/metrics"
	"github.com/NicolasHaas/gojam/pkg/signaling"
	"github.com/NicolasHaas/gojam/pkg/version"
)

// newHTTP builds the echo router: health, metrics and the websocket.
func (s *Server) newHTTP(ws *signaling.WSHandler) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	logger := logging.Component("http")
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			logger.Debug("http request", "method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency)
			return nil
		},
	}))
	e.Use(middleware.Recover())

	e.GET("/health", s.handleHealth)
	e.GET("/metrics", s.handleMetrics)
	ws.Register(e)
	return e
}

// HealthResponse is the payload for GET /health.
type HealthResponse struct {
	Status        string       `json:"status"`
	Version       version.Info `json:"version"`
	Uptime        string       `json:"uptime"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	Connections   int          `json:"connections"`
	Rooms         int          `json:"rooms"`
	UDPClients    int          `json:"udp_clients"`
	Sessions      int          `json:"sessions"`
	Goroutines    int          `json:"goroutines"`
	Memory        MemoryStats  `json:"memory"`
}

// MemoryStats is the subset of runtime.MemStats reported by /health.
type MemoryStats struct {
	AllocBytes     uint64 `json:"alloc_bytes"`
	HeapInUseBytes uint64 `json:"heap_in_use_bytes"`
	SysBytes       uint64 `json:"sys_bytes"`
	NumGC          uint32 `json:"num_gc"`
}

func (s *Server) handleHealth(c echo.Context) error {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	uptime := s.metrics.Uptime()
	return c.JSON(http.StatusOK, HealthResponse{
		Status:        "ok",
		Version:       version.Get(),
		Uptime:        uptime.Round(time.Second).String(),
		UptimeSeconds: int64(uptime.Seconds()),
		Connections:   s.dispatcher.ConnectionCount(),
		Rooms:         s.rooms.Count(),
		UDPClients:    s.relay.Table().Len(),
		Sessions:      s.sessions.Count(),
		Goroutines:    runtime.NumGoroutine(),
		Memory: MemoryStats{
			AllocBytes:     mem.Alloc,
			HeapInUseBytes: mem.HeapInuse,
			SysBytes:       mem.Sys,
			NumGC:          mem.NumGC,
		},
	})
}

// handleMetrics writes all metrics in Prometheus text exposition format.
func (s *Server) handleMetrics(c echo.Context) error {
	c.Response().Header().Set(echo.HeaderContentType, "text/plain; version=0.0.4; charset=utf-8")
	c.Response().WriteHeader(http.StatusOK)
	s.metrics.WritePrometheus(c.Response(),
		metrics.Gauge{Name: "gojam_rooms", Help: "Rooms currently registered.", Value: int64(s.rooms.Count())},
		metrics.Gauge{Name: "gojam_relay_clients", Help: "UDP relay clients in the session table.", Value: int64(s.relay.Table().Len())},
		metrics.Gauge{Name: "gojam_relay_rooms", Help: "Rooms with at least one bound UDP client.", Value: int64(s.relay.Table().RoomCount())},
		metrics.Gauge{Name: "gojam_sessions", Help: "Stored login sessions.", Value: int64(s.sessions.Count())},
		metrics.Gauge{Name: "gojam_sfu_rooms", Help: "Rooms mixing on the server.", Value: int64(len(s.mixer.Rooms()))},
		metrics.Gauge{Name: "gojam_users", Help: "Approved accounts.", Value: int64(s.credentials.Count())},
		metrics.Gauge{Name: "gojam_audit_entries", Help: "Entries retained in the audit ring.", Value: int64(s.audit.Len())},
	)
	return nil
}

func isServerClosed(err error) bool {
	return errors.Is(err, http.ErrServerClosed)
}
