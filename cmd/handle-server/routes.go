package main

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// routes builds the echo instance with middleware and every endpoint.
func (app *application) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = app.httpErrorHandler

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(app.logRequest)
	if app.config.Server.BodyLimit != "" {
		e.Use(middleware.BodyLimit(app.config.Server.BodyLimit))
	}
	if app.config.Server.RateLimit > 0 {
		e.Use(middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
			Skipper: probeSkipper,
			Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
				Rate:      rate.Limit(app.config.Server.RateLimit),
				Burst:     app.config.Server.RateBurst,
				ExpiresIn: 3 * time.Minute,
			}),
			IdentifierExtractor: func(c echo.Context) (string, error) {
				return c.RealIP(), nil
			},
			ErrorHandler: func(c echo.Context, err error) error {
				return app.errorResponse(c, http.StatusForbidden, "unable to identify client")
			},
			DenyHandler: func(c echo.Context, identifier string, err error) error {
				return app.rateLimitedResponse(c, identifier)
			},
		}))
	}

	e.GET("/health", app.healthHandler)
	e.GET("/ready", app.readyHandler)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(app.registry, promhttp.HandlerOpts{})))

	api := e.Group("/api")
	api.POST("/availability", app.availabilityHandler)
	api.POST("/usernames", app.registerHandler)
	api.GET("/stats", app.statsHandler)
	api.POST("/admin/rebuild", app.rebuildHandler)

	return e
}

// probeSkipper exempts liveness, readiness and scrape endpoints from rate
// limiting.
func probeSkipper(c echo.Context) bool {
	switch c.Path() {
	case "/health", "/ready", "/metrics":
		return true
	}
	return false
}

// logRequest logs one line per request.
func (app *application) logRequest(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			// Render now so the logged status is the one the client sees.
			c.Error(err)
		}

		app.logger.Info("http request",
			zap.String("method", c.Request().Method),
			zap.String("uri", c.Request().RequestURI),
			zap.Int("status", c.Response().Status),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", c.RealIP()),
			zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
		)
		return nil
	}
}
