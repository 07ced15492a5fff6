package handler

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/GoPolymarket/shieldgate/internal/audit"
	"github.com/GoPolymarket/shieldgate/internal/model"
	"github.com/GoPolymarket/shieldgate/internal/pkg/apperrors"
	"github.com/gin-gonic/gin"
)

const maxListLimit = 1000

// EventSource is the read side of the security event dispatcher.
type EventSource interface {
	List(ctx context.Context, f audit.Filter) ([]*model.SecurityEvent, error)
	Subscribe(buffer int) (<-chan *model.SecurityEvent, func())
}

type AuditHandler struct {
	events EventSource
}

func NewAuditHandler(events EventSource) *AuditHandler {
	return &AuditHandler{events: events}
}

// List returns recent security events, newest first.
// Query: type, identity_id, limit, from, to (RFC3339 or unix seconds).
func (h *AuditHandler) List(c *gin.Context) {
	f, err := filterFromQuery(c)
	if err != nil {
		c.Error(apperrors.NewInvalidRequest(err.Error()))
		return
	}

	records, err := h.events.List(c.Request.Context(), f)
	if err != nil {
		c.Error(apperrors.New(apperrors.ErrInternal, "", err))
		return
	}
	if records == nil {
		records = []*model.SecurityEvent{}
	}
	c.JSON(http.StatusOK, records)
}

func filterFromQuery(c *gin.Context) (audit.Filter, error) {
	f := audit.Filter{
		Type:       model.EventType(c.Query("type")),
		IdentityID: c.Query("identity_id"),
		Limit:      100,
	}
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			f.Limit = parsed
		}
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	if raw := c.Query("from"); raw != "" {
		t, err := parseTime(raw)
		if err != nil {
			return f, fmt.Errorf("from: %w", err)
		}
		f.From = &t
	}
	if raw := c.Query("to"); raw != "" {
		t, err := parseTime(raw)
		if err != nil {
			return f, fmt.Errorf("to: %w", err)
		}
		f.To = &t
	}
	return f, nil
}

func parseTime(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	if unix, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("invalid time format")
}
