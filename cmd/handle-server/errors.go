package main

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// errorEnvelope is the body of every error response.
type errorEnvelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// errorResponse sends a JSON error envelope with the given status.
func (app *application) errorResponse(c echo.Context, status int, message string) error {
	return c.JSON(status, errorEnvelope{Success: false, Message: message})
}

// serverErrorResponse logs an unexpected error and sends a generic 500.
func (app *application) serverErrorResponse(c echo.Context, err error) error {
	app.logger.Error("request failed",
		zap.Error(err),
		zap.String("method", c.Request().Method),
		zap.String("uri", c.Request().RequestURI),
		zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
	)
	return app.errorResponse(c, http.StatusInternalServerError,
		"the server encountered a problem and could not process your request")
}

// badRequestResponse sends a 400 with the given message.
func (app *application) badRequestResponse(c echo.Context, message string) error {
	return app.errorResponse(c, http.StatusBadRequest, message)
}

// conflictResponse sends a 409 with the given message.
func (app *application) conflictResponse(c echo.Context, message string) error {
	return app.errorResponse(c, http.StatusConflict, message)
}

// storeUnavailableResponse sends a 503 asking the client to retry.
func (app *application) storeUnavailableResponse(c echo.Context, err error) error {
	app.logger.Warn("store unavailable",
		zap.Error(err),
		zap.String("uri", c.Request().RequestURI),
	)
	c.Response().Header().Set("Retry-After", "1")
	return app.errorResponse(c, http.StatusServiceUnavailable,
		"the username store is unavailable, please try again")
}

// rateLimitedResponse sends a 429.
func (app *application) rateLimitedResponse(c echo.Context, identifier string) error {
	app.logger.Warn("rate limit exceeded", zap.String("remote_addr", identifier))
	return app.errorResponse(c, http.StatusTooManyRequests, "rate limit exceeded")
}

// httpErrorHandler renders errors returned by handlers and middleware in the
// same envelope as everything else.
func (app *application) httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg := http.StatusText(he.Code)
		if s, ok := he.Message.(string); ok && s != "" {
			msg = s
		} else if he.Message != nil {
			msg = fmt.Sprint(he.Message)
		}
		_ = app.errorResponse(c, he.Code, msg)
		return
	}

	_ = app.serverErrorResponse(c, err)
}
