package calendar

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/carepoint/practice/internal/platform/db"
)

const stateTTL = 10 * time.Minute

// Connector runs the provider's OAuth consent flow.
type Connector interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (refreshToken string, err error)
}

// StateStore keeps OAuth state between the connect call and the callback.
type StateStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// TenantScope runs fn against a tenant's schema. The OAuth callback arrives
// without tenant headers, so the tenant travels in the state.
type TenantScope func(ctx context.Context, tenantID string, fn func(ctx context.Context) error) error

type Handler struct {
	store     ConnectionStore
	connector Connector
	states    StateStore
	scope     TenantScope
	logger    zerolog.Logger
}

func NewHandler(store ConnectionStore, connector Connector, states StateStore, scope TenantScope, logger zerolog.Logger) *Handler {
	return &Handler{
		store:     store,
		connector: connector,
		states:    states,
		scope:     scope,
		logger:    logger.With().Str("component", "calendar").Logger(),
	}
}

// RegisterRoutes adds the tenant-scoped routes to api and the public OAuth
// callback to public.
func (h *Handler) RegisterRoutes(api, public *echo.Group) {
	api.GET("/practitioners/:id/calendar", h.GetConnection)
	api.POST("/practitioners/:id/calendar/connect", h.Connect)
	api.DELETE("/practitioners/:id/calendar", h.Disconnect)
	public.GET("/calendar/oauth/callback", h.Callback)
}

func practitionerParam(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func (h *Handler) GetConnection(c echo.Context) error {
	pid, err := practitionerParam(c)
	if err != nil {
		return err
	}
	conn, err := h.store.Get(c.Request().Context(), pid)
	if errors.Is(err, ErrNotConnected) {
		return c.JSON(http.StatusOK, map[string]interface{}{"connected": false})
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"connected":  conn.Active(),
		"connection": conn,
	})
}

func (h *Handler) Connect(c echo.Context) error {
	pid, err := practitionerParam(c)
	if err != nil {
		return err
	}
	tenant := db.TenantFromContext(c.Request().Context())
	state := uuid.NewString()
	if err := h.states.Set(c.Request().Context(), "oauth-state:"+state, tenant+"|"+pid.String(), stateTTL); err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "cannot start calendar connection").SetInternal(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"auth_url": h.connector.AuthCodeURL(state)})
}

func (h *Handler) Disconnect(c echo.Context) error {
	pid, err := practitionerParam(c)
	if err != nil {
		return err
	}
	if err := h.store.Revoke(c.Request().Context(), pid); err != nil {
		if errors.Is(err, ErrNotConnected) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
	}
	h.logger.Info().Str("practitioner_id", pid.String()).Msg("calendar disconnected")
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Callback(c echo.Context) error {
	ctx := c.Request().Context()
	if reason := c.QueryParam("error"); reason != "" {
		return echo.NewHTTPError(http.StatusBadRequest, "calendar access was not granted: "+reason)
	}
	state, code := c.QueryParam("state"), c.QueryParam("code")
	if state == "" || code == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "state and code are required")
	}

	raw, ok, err := h.states.Get(ctx, "oauth-state:"+state)
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "cannot verify calendar connection").SetInternal(err)
	}
	tenant, pidRaw, found := strings.Cut(raw, "|")
	if !ok || !found {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown or expired state")
	}
	pid, err := uuid.Parse(pidRaw)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown or expired state")
	}

	token, err := h.connector.Exchange(ctx, code)
	if err != nil {
		h.logger.Warn().Err(err).Str("practitioner_id", pid.String()).Msg("calendar code exchange failed")
		return echo.NewHTTPError(http.StatusBadGateway, "calendar provider rejected the authorisation")
	}

	conn := &Connection{
		PractitionerID: pid,
		Provider:       ProviderGoogle,
		CalendarID:     "primary",
		RefreshToken:   token,
		ConnectedAt:    time.Now().UTC(),
	}
	err = h.scope(ctx, tenant, func(ctx context.Context) error {
		return h.store.Save(ctx, conn)
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
	}

	h.logger.Info().Str("tenant_id", tenant).Str("practitioner_id", pid.String()).Msg("calendar connected")
	return c.JSON(http.StatusOK, map[string]interface{}{"connected": true, "practitioner_id": pid})
}
