package handlers

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"gameplay-go/backend/internal/game"
	"gameplay-go/backend/internal/models"
	"gameplay-go/backend/internal/services"
	"gameplay-go/backend/internal/tracing"

	"github.com/gin-gonic/gin"
)

// playerSelection is one side of the create-match form: the caller ("me"),
// another user by username, or an agent by owner/agentname.
type playerSelection struct {
	Type      string `json:"type"` // me|user|agent
	Username  string `json:"username,omitempty"`
	AgentName string `json:"agentname,omitempty"`
}

type createMatchRequest struct {
	Game    string            `json:"game"`
	Players []playerSelection `json:"players"`
}

// CreateMatchHandler creates a match and kicks the driver when slot 0 is an
// agent. The creator must occupy a slot unless both slots are agents.
func CreateMatchHandler(db *sql.DB, games *game.Registry, driver *services.AgentDriver) gin.HandlerFunc {
	return func(c *gin.Context) {
		_, span := tracing.StartSpan(c.Request.Context(), "handlers.CreateMatch")
		defer span.End()

		userID, ok := userIDFromContext(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var req createMatchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}
		rules, ok := games.Get(req.Game)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown game"})
			return
		}
		if len(req.Players) != 2 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "exactly two players required"})
			return
		}

		creatorPlays := false
		allAgents := true
		for _, p := range req.Players {
			switch p.Type {
			case "me":
				creatorPlays = true
				allAgents = false
			case "user":
				allAgents = false
			case "agent":
			default:
				c.JSON(http.StatusBadRequest, gin.H{"error": "player type must be me, user or agent"})
				return
			}
		}
		if !creatorPlays && !allAgents {
			c.JSON(http.StatusBadRequest, gin.H{"error": "You must be one of the players unless the game is all AI agents."})
			return
		}

		var slots [2]models.PlayerRef
		for i, p := range req.Players {
			ref, err := resolvePlayer(db, userID, req.Game, p)
			if err != nil {
				if msg, ok := lookupErrMessage(err); ok {
					c.JSON(http.StatusBadRequest, gin.H{"error": msg})
					return
				}
				writeAPIError(c, err)
				return
			}
			slots[i] = ref
		}

		initial, err := rules.InitialState()
		if err != nil {
			writeAPIError(c, err)
			return
		}

		matchID, err := models.CreateMatch(db, userID, req.Game, slots, initial)
		if err != nil {
			writeAPIError(c, err)
			return
		}

		if slots[0].AgentID != nil {
			driver.Trigger(matchID)
		}

		m, err := models.GetMatchByID(db, matchID)
		if err != nil {
			writeAPIError(c, err)
			return
		}
		c.JSON(http.StatusCreated, m)
	}
}

// lookupErr carries an unknown-player message that is safe to echo verbatim.
type lookupErr struct{ msg string }

func (e lookupErr) Error() string { return e.msg }

func lookupErrMessage(err error) (string, bool) {
	var le lookupErr
	if errors.As(err, &le) {
		return le.msg, true
	}
	return "", false
}

func resolvePlayer(db *sql.DB, callerID int64, gameTag string, p playerSelection) (models.PlayerRef, error) {
	switch p.Type {
	case "me":
		id := callerID
		return models.PlayerRef{UserID: &id}, nil
	case "user":
		u, err := models.GetUserByUsername(db, p.Username)
		if errors.Is(err, models.ErrNotFound) {
			return models.PlayerRef{}, lookupErr{msg: fmt.Sprintf("User %s not found.", p.Username)}
		}
		if err != nil {
			return models.PlayerRef{}, err
		}
		return models.PlayerRef{UserID: &u.ID}, nil
	case "agent":
		a, err := models.FindAgent(db, p.Username, p.AgentName, gameTag)
		if errors.Is(err, models.ErrNotFound) {
			return models.PlayerRef{}, lookupErr{msg: fmt.Sprintf("Agent %s/%s not found.", p.Username, p.AgentName)}
		}
		if err != nil {
			return models.PlayerRef{}, err
		}
		return models.PlayerRef{AgentID: &a.ID}, nil
	}
	return models.PlayerRef{}, lookupErr{msg: "player type must be me, user or agent"}
}

func GetMatchHandler(db *sql.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		matchID, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid match id"})
			return
		}
		m, err := models.GetMatchByID(db, matchID)
		if err != nil {
			writeAPIError(c, err)
			return
		}
		c.JSON(http.StatusOK, m)
	}
}

func ListMatchesHandler(db *sql.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		matches, err := models.ListRecentMatches(db, limit)
		if err != nil {
			writeAPIError(c, err)
			return
		}
		if matches == nil {
			matches = []models.MatchSummary{}
		}
		c.JSON(http.StatusOK, gin.H{"matches": matches})
	}
}
