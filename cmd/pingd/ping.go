package main

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"pingrpc/ping"
)

// handlePing forwards a fixed "ping" to the RPC service and returns its reply as text.
// Any RPC failure becomes a 500; there is no fallback body.
func (app *App) handlePing(c *gin.Context) {
	resp, err := app.pinger.Ping(c.Request.Context(), &ping.Request{Message: ping.Greeting})
	if err != nil {
		app.logger.Error("ping rpc failed", zap.Error(err))
		c.String(http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
		return
	}
	c.String(http.StatusOK, resp.Message)
}

func (app *App) handleHealth(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}
