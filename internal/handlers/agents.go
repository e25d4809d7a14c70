package handlers

import (
	"context"
	"database/sql"
	"net/http"
	"net/url"
	"strings"

	"gameplay-go/backend/internal/game"
	"gameplay-go/backend/internal/models"
	"gameplay-go/backend/internal/services"
	"gameplay-go/backend/internal/tracing"

	"github.com/gin-gonic/gin"
)

type createAgentRequest struct {
	Game      string `json:"game"`
	AgentName string `json:"agentname"`
	URL       string `json:"url"`
}

func validAgentName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

func validateAgentURL(raw string) (string, string) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "URL is not valid"
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", "URL must be http or https"
	}
	if u.Host == "" {
		return "", "URL must have a host"
	}
	return u.String(), ""
}

// CreateAgentHandler registers a new agent and launches the async validation
// probe against its endpoint.
func CreateAgentHandler(db *sql.DB, games *game.Registry, driver *services.AgentDriver) gin.HandlerFunc {
	return func(c *gin.Context) {
		_, span := tracing.StartSpan(c.Request.Context(), "handlers.CreateAgent")
		defer span.End()

		userID, ok := userIDFromContext(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var req createAgentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}

		if _, ok := games.Get(req.Game); !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown game"})
			return
		}
		if !validAgentName(req.AgentName) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Agent name can only contain letters, numbers, hyphens and underscores"})
			return
		}
		cleanURL, urlErr := validateAgentURL(strings.TrimSpace(req.URL))
		if urlErr != "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": urlErr})
			return
		}

		agent, err := models.CreateAgent(db, userID, req.Game, req.AgentName, cleanURL)
		if err != nil {
			writeAPIError(c, err)
			return
		}

		go driver.ProbeAgent(context.Background(), agent.ID)

		c.JSON(http.StatusCreated, agent)
	}
}

func ListAgentsHandler(db *sql.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		gameTag := c.DefaultQuery("game", "connect4")
		agents, err := models.ListAgentsByGame(db, gameTag)
		if err != nil {
			writeAPIError(c, err)
			return
		}
		if agents == nil {
			agents = []models.Agent{}
		}
		c.JSON(http.StatusOK, gin.H{"agents": agents})
	}
}
