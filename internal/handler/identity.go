package handler

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/GoPolymarket/shieldgate/internal/auth"
	"github.com/GoPolymarket/shieldgate/internal/model"
	"github.com/GoPolymarket/shieldgate/internal/pkg/apperrors"
	"github.com/GoPolymarket/shieldgate/internal/pkg/logger"
	"github.com/gin-gonic/gin"
)

type IdentityHandler struct {
	registry *auth.Registry
}

func NewIdentityHandler(registry *auth.Registry) *IdentityHandler {
	return &IdentityHandler{registry: registry}
}

type IdentityCreateRequest struct {
	ID    string   `json:"id" binding:"required"`
	Name  string   `json:"name"`
	Roles []string `json:"roles"`
}

type IdentityStateRequest struct {
	State model.AccountState `json:"state" binding:"required"`
}

// IdentityCreated is returned once; the API key is not retrievable afterwards.
type IdentityCreated struct {
	*model.Identity
	APIKey string `json:"api_key"`
}

func (h *IdentityHandler) List(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	identities, err := h.registry.List(c.Request.Context(), limit)
	if err != nil {
		c.Error(apperrors.New(apperrors.ErrInternal, "", err))
		return
	}
	if identities == nil {
		identities = []*model.Identity{}
	}
	c.JSON(http.StatusOK, identities)
}

func (h *IdentityHandler) Get(c *gin.Context) {
	id := c.Param("id")
	found, ok, err := h.registry.GetByID(c.Request.Context(), id)
	if err != nil {
		c.Error(apperrors.New(apperrors.ErrInternal, "", err))
		return
	}
	if !ok {
		c.Error(apperrors.New(apperrors.ErrNotFound, "identity not found", nil))
		return
	}
	c.JSON(http.StatusOK, found)
}

func (h *IdentityHandler) Create(c *gin.Context) {
	var req IdentityCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.NewInvalidRequest(err.Error()))
		return
	}
	req.ID = strings.TrimSpace(req.ID)
	if _, exists, err := h.registry.GetByID(c.Request.Context(), req.ID); err == nil && exists {
		c.Error(apperrors.NewInvalidRequest("identity already exists"))
		return
	}

	apiKey, err := newAPIKey()
	if err != nil {
		c.Error(apperrors.New(apperrors.ErrInternal, "", err))
		return
	}
	ident := &model.Identity{ID: req.ID, Name: req.Name, Roles: req.Roles, State: model.AccountActive}
	if err := h.registry.Create(c.Request.Context(), ident, apiKey); err != nil {
		c.Error(apperrors.New(apperrors.ErrInternal, "", err))
		return
	}
	logger.Info("identity created", "identity_id", ident.ID, "roles", ident.Roles)
	c.JSON(http.StatusCreated, IdentityCreated{Identity: ident, APIKey: apiKey})
}

// UpdateState locks, suspends, deactivates or re-activates an identity.
func (h *IdentityHandler) UpdateState(c *gin.Context) {
	id := c.Param("id")
	var req IdentityStateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.NewInvalidRequest(err.Error()))
		return
	}
	if model.ParseAccountState(string(req.State)) != req.State {
		c.Error(apperrors.NewInvalidRequest("unknown account state").WithDetail("state", string(req.State)))
		return
	}
	if err := h.registry.SetAccountState(c.Request.Context(), id, req.State); err != nil {
		if errors.Is(err, auth.ErrIdentityNotFound) {
			c.Error(apperrors.New(apperrors.ErrNotFound, "identity not found", nil))
			return
		}
		c.Error(apperrors.New(apperrors.ErrInternal, "", err))
		return
	}
	logger.Warn("account state changed", "identity_id", id, "state", req.State)
	c.JSON(http.StatusOK, gin.H{"id": id, "state": req.State})
}

func newAPIKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "sk-" + hex.EncodeToString(buf), nil
}
