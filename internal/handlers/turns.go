package handlers

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"strconv"

	"gameplay-go/backend/internal/services"
	"gameplay-go/backend/internal/tracing"

	"github.com/gin-gonic/gin"
)

type createTurnRequest struct {
	Player *int `json:"player" binding:"required"`
	Column *int `json:"column" binding:"required"`
}

// CreateTurnHandler submits a human turn through the executor and, on
// success, kicks the driver in case the opponent is an agent.
func CreateTurnHandler(db *sql.DB, exec *services.TurnExecutor, driver *services.AgentDriver) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracing.StartSpan(c.Request.Context(), "handlers.CreateTurn")
		defer span.End()

		userID, ok := userIDFromContext(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		matchID, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid match id"})
			return
		}

		var req createTurnRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}

		action, err := json.Marshal(gin.H{"column": *req.Column})
		if err != nil {
			writeAPIError(c, err)
			return
		}

		m, err := exec.Submit(ctx, matchID, *req.Player, action, services.UserAuthority(userID))
		if err != nil {
			writeAPIError(c, err)
			return
		}

		driver.Trigger(matchID)
		c.JSON(http.StatusOK, m)
	}
}
