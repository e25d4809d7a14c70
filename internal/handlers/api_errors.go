package handlers

import (
	"database/sql"
	"errors"
	"log"
	"net/http"
	"strings"

	"gameplay-go/backend/internal/models"
	"gameplay-go/backend/internal/services"

	"github.com/gin-gonic/gin"
)

// writeAPIError maps store and executor errors onto the HTTP surface. Rule
// rejection detail is safe to echo; anything unknown is logged and hidden.
func writeAPIError(c *gin.Context, err error) {
	if err == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	switch {
	case errors.Is(err, services.ErrMatchNotFound),
		errors.Is(err, models.ErrNotFound),
		errors.Is(err, sql.ErrNoRows):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	case errors.Is(err, services.ErrMatchOver):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "match is over"})
		return
	case errors.Is(err, services.ErrNotYourTurn):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "not your turn"})
		return
	case errors.Is(err, services.ErrInvalidAction):
		detail := strings.TrimPrefix(err.Error(), services.ErrInvalidAction.Error()+": ")
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": detail})
		return
	case errors.Is(err, services.ErrRaceLost):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "turn already taken"})
		return
	case errors.Is(err, models.ErrAgentNameTaken):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "You already have an agent with that name"})
		return
	}

	log.Printf("internal error: %v", err)
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
}
