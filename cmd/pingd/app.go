package main

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"pingrpc/ping"
)

// App is the HTTP bridge: it turns GET /ping into a Ping.Ping call through the stub.
type App struct {
	router *gin.Engine
	logger *zap.Logger
	pinger ping.Service // The RPC stub
}

// NewApp creates the bridge with its injected stub
func NewApp(ginMode string, logger *zap.Logger, pinger ping.Service) *App {
	gin.SetMode(ginMode)

	router := gin.New()
	router.Use(gin.Recovery())

	app := &App{
		router: router,
		logger: logger,
		pinger: pinger,
	}
	app.registerRoutes()
	return app
}

// Handler exposes the router for an http.Server
func (app *App) Handler() http.Handler {
	return app.router
}
