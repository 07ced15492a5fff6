package handler

import (
	"context"
	"net/http"
	"net/netip"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/GoPolymarket/shieldgate/internal/pkg/apperrors"
	"github.com/GoPolymarket/shieldgate/internal/pkg/logger"
)

// Pinger is a dependency the health endpoint reports on.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Unblocker lifts a client block early.
type Unblocker interface {
	Unblock(ctx context.Context, clientKey string) error
}

type SystemHandler struct {
	version   string
	deps      map[string]Pinger
	readOnly  func() bool
	dropped   func() int64
	blocks    Unblocker
	clientKey func(ip string) string
}

type SystemOptions struct {
	Version   string
	Deps      map[string]Pinger
	ReadOnly  func() bool
	Dropped   func() int64
	Blocks    Unblocker
	ClientKey func(ip string) string
}

func NewSystemHandler(opts SystemOptions) *SystemHandler {
	return &SystemHandler{
		version:   opts.Version,
		deps:      opts.Deps,
		readOnly:  opts.ReadOnly,
		dropped:   opts.Dropped,
		blocks:    opts.Blocks,
		clientKey: opts.ClientKey,
	}
}

// Health reports each dependency. Any failing dependency turns the response into 503.
func (h *SystemHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(h.deps))
	for name, dep := range h.deps {
		if err := dep.Ping(ctx); err != nil {
			checks[name] = "down"
			status = http.StatusServiceUnavailable
			logger.WarnThrottled("health."+name, "health check failed", "dependency", name, "error", err)
			continue
		}
		checks[name] = "up"
	}
	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	c.JSON(status, gin.H{"status": state, "checks": checks})
}

func (h *SystemHandler) Info(c *gin.Context) {
	body := gin.H{"service": "shieldgate", "version": h.version}
	if h.readOnly != nil {
		body["read_only"] = h.readOnly()
	}
	if h.dropped != nil {
		body["events_dropped"] = h.dropped()
	}
	c.JSON(http.StatusOK, body)
}

type UnblockRequest struct {
	ClientIP string `json:"client_ip" binding:"required"`
}

// Unblock clears the block and the violation count of one client address.
func (h *SystemHandler) Unblock(c *gin.Context) {
	if h.blocks == nil || h.clientKey == nil {
		c.Error(apperrors.New(apperrors.ErrNotFound, "block list is disabled", nil))
		return
	}
	var req UnblockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.NewInvalidRequest(err.Error()))
		return
	}
	addr, err := netip.ParseAddr(req.ClientIP)
	if err != nil {
		c.Error(apperrors.NewInvalidRequest("client_ip is not an IP address"))
		return
	}
	if err := h.blocks.Unblock(c.Request.Context(), h.clientKey(addr.String())); err != nil {
		c.Error(apperrors.NewDependencyUnavailable("block_list", err))
		return
	}
	logger.Info("client unblocked", "client_ip", addr.String())
	c.JSON(http.StatusOK, gin.H{"client_ip": addr.String(), "status": "unblocked"})
}
