package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"handle.lopezb.com/internal/handle/availability"
	"handle.lopezb.com/internal/handle/bloom"
	"handle.lopezb.com/internal/handle/store"
	"handle.lopezb.com/internal/handle/username"
)

// usernameRequest is the body of POST /api/availability and
// POST /api/usernames. A pointer distinguishes a missing field from an empty
// one.
type usernameRequest struct {
	Username *string `json:"username"`
}

type availabilityResponse struct {
	Success   bool   `json:"success"`
	Username  string `json:"username"`
	Available bool   `json:"available"`
	Reason    string `json:"reason"`
}

type registerResponse struct {
	Success  bool   `json:"success"`
	Username string `json:"username"`
}

type statusResponse struct {
	Status string `json:"status"`
}

type statsResponse struct {
	Ready      bool         `json:"ready"`
	Rebuilding bool         `json:"rebuilding"`
	Filter     *bloom.Stats `json:"filter,omitempty"`
	LastLoad   *loadStatus  `json:"last_load,omitempty"`
}

// bindUsername decodes the request body and returns the raw username.
func (app *application) bindUsername(c echo.Context) (string, bool, error) {
	var req usernameRequest
	if err := c.Bind(&req); err != nil {
		return "", false, app.badRequestResponse(c, "request body must be JSON with a username field")
	}
	if req.Username == nil {
		return "", false, app.badRequestResponse(c, "username is required")
	}
	return *req.Username, true, nil
}

// availabilityHandler handles POST /api/availability.
func (app *application) availabilityHandler(c echo.Context) error {
	raw, ok, err := app.bindUsername(c)
	if !ok {
		return err
	}

	verdict, err := app.resolver.CheckAvailability(c.Request().Context(), raw)
	switch {
	case errors.Is(err, username.ErrInvalidUsername):
		return app.badRequestResponse(c, err.Error())
	case errors.Is(err, availability.ErrStoreUnavailable):
		return app.storeUnavailableResponse(c, err)
	case err != nil:
		return app.serverErrorResponse(c, err)
	}

	return c.JSON(http.StatusOK, availabilityResponse{
		Success:   true,
		Username:  username.Fold(raw),
		Available: verdict.Available,
		Reason:    verdict.Reason.String(),
	})
}

// registerHandler handles POST /api/usernames. The store's uniqueness
// constraint decides concurrent claims; the filter is updated only after the
// store accepted the name.
func (app *application) registerHandler(c echo.Context) error {
	raw, ok, err := app.bindUsername(c)
	if !ok {
		return err
	}

	name, err := username.Normalize(raw)
	if err != nil {
		app.metrics.RecordRegistration("invalid")
		return app.badRequestResponse(c, err.Error())
	}

	ctx := c.Request().Context()
	if t := app.config.Server.LookupTimeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	err = app.store.Insert(ctx, name)
	switch {
	case errors.Is(err, store.ErrDuplicate):
		app.metrics.RecordRegistration("duplicate")
		return app.conflictResponse(c, "username is already taken")
	case err != nil:
		app.metrics.RecordRegistration("unavailable")
		return app.storeUnavailableResponse(c, err)
	}

	app.gate.Insert(name)
	app.metrics.RecordRegistration("created")
	if f := app.gate.Current(); f != nil {
		app.metrics.SetFilter(f.Count(), f.EstimatedFalsePositiveRate())
	}

	app.logger.Debug("username registered", zap.String("username", name))
	return c.JSON(http.StatusCreated, registerResponse{Success: true, Username: name})
}

// healthHandler handles GET /health.
func (app *application) healthHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, statusResponse{Status: "ok"})
}

// readyHandler handles GET /ready. The server is ready once a filter has
// been published.
func (app *application) readyHandler(c echo.Context) error {
	if !app.gate.Ready() {
		return c.JSON(http.StatusServiceUnavailable, statusResponse{Status: "loading"})
	}
	return c.JSON(http.StatusOK, statusResponse{Status: "ready"})
}

// statsHandler handles GET /api/stats.
func (app *application) statsHandler(c echo.Context) error {
	resp := statsResponse{
		Ready:      app.gate.Ready(),
		Rebuilding: app.isRebuilding.Load(),
		LastLoad:   app.lastLoad.Load(),
	}
	if f := app.gate.Current(); f != nil {
		stats := f.Stats()
		resp.Filter = &stats
		app.metrics.SetFilter(stats.Items, stats.EstimatedFalsePositiveRate)
	}
	return c.JSON(http.StatusOK, resp)
}

// rebuildHandler handles POST /api/admin/rebuild.
func (app *application) rebuildHandler(c echo.Context) error {
	if !app.startRebuild() {
		return app.conflictResponse(c, "a filter load is already running")
	}
	return c.JSON(http.StatusAccepted, statusResponse{Status: "rebuilding"})
}
