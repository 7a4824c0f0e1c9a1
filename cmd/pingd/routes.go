package main

// registerRoutes sets up all endpoints
func (app *App) registerRoutes() {
	app.router.GET("/ping", app.handlePing)

	// Liveness of the HTTP side only, does not touch RPC
	app.router.GET("/healthz", app.handleHealth)
}
