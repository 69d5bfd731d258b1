package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"media-proxy-go/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
	started time.Time
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, started: time.Now()}
}

// StatusResponse is the body of /proxy/status.
type StatusResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	PublicURL     string `json:"public_url"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	PlaylistMax   int64  `json:"playlist_max_bytes"`
	StreamIdle    int    `json:"stream_idle_timeout_seconds"`
	Metrics       bool   `json:"metrics_enabled"`
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status reports the build version and the settings that shape proxied URLs
// and streams. Players can use public_url to build proxy links themselves.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, StatusResponse{
		Status:        "ok",
		Version:       string(h.version),
		PublicURL:     h.cfg.Server.PublicURL,
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
		PlaylistMax:   h.cfg.Playlist.MaxBytes,
		StreamIdle:    h.cfg.Stream.IdleTimeoutSeconds,
		Metrics:       h.cfg.Metrics.Enabled,
	})
}
