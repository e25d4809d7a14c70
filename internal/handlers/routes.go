package handlers

import (
	"database/sql"

	"gameplay-go/backend/internal/config"
	"gameplay-go/backend/internal/game"
	"gameplay-go/backend/internal/notify"
	"gameplay-go/backend/internal/services"

	"github.com/gin-gonic/gin"
)

func RegisterAuthRoutes(rg *gin.RouterGroup, db *sql.DB, cfg config.Config) {
	rg.POST("/auth/signup", SignupHandler(db, cfg))
	rg.POST("/auth/login", LoginHandler(db, cfg))
}

// RegisterAgentRoutes wires agent registration, which requires auth (callers
// register agents they own). The public agent listing lives with the other
// read-only routes.
func RegisterAgentRoutes(rg *gin.RouterGroup, db *sql.DB, games *game.Registry, driver *services.AgentDriver) {
	rg.POST("/agents", CreateAgentHandler(db, games, driver))
}

func RegisterMatchRoutes(rg *gin.RouterGroup, db *sql.DB, games *game.Registry, exec *services.TurnExecutor, driver *services.AgentDriver) {
	rg.POST("/matches", CreateMatchHandler(db, games, driver))
	rg.POST("/matches/:id/turns", CreateTurnHandler(db, exec, driver))
}

// RegisterPublicRoutes wires the read-only surface: fetching and listing
// matches, listing games and agents, and the SSE watch stream.
func RegisterPublicRoutes(rg *gin.RouterGroup, db *sql.DB, games *game.Registry, notifier *notify.Notifier) {
	rg.GET("/games", ListGamesHandler(games))
	rg.GET("/matches", ListMatchesHandler(db))
	rg.GET("/matches/:id", GetMatchHandler(db))
	rg.GET("/matches/:id/watch", WatchMatchHandler(notifier))
	rg.GET("/agents", ListAgentsHandler(db))
}
