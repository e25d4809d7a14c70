package handlers

import (
	"net/http"
	"sort"

	"gameplay-go/backend/internal/game"

	"github.com/gin-gonic/gin"
)

// ListGamesHandler returns the game tags the server has rules for, the
// values accepted by agent registration and match creation.
func ListGamesHandler(games *game.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		tags := games.Types()
		sort.Strings(tags)
		c.JSON(http.StatusOK, gin.H{"games": tags})
	}
}
