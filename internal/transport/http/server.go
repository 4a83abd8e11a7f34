// Package http builds the control plane's echo servers.
package http

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/phys-sims/pm-bot-sub001/internal/metrics"
	"github.com/phys-sims/pm-bot-sub001/internal/service"
	"github.com/phys-sims/pm-bot-sub001/internal/transport/http/internalapi"
	v1 "github.com/phys-sims/pm-bot-sub001/internal/transport/http/v1"
)

// NewExternalServer creates the admission server: runs, changesets,
// webhooks, health and metrics.
func NewExternalServer(svc *service.Service, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	v1.NewHandler(svc).RegisterRoutes(e)
	if m != nil {
		e.GET("/metrics", echo.WrapHandler(m.Handler()))
	}

	return e
}

// NewInternalServer creates the worker-facing server.
func NewInternalServer(svc *service.Service) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	internalapi.NewHandler(svc).RegisterRoutes(e)

	return e
}
