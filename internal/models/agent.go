package models

import (
	"database/sql"
	"errors"
)

const (
	AgentStatusPending = "pending"
	AgentStatusOK      = "ok"
	AgentStatusFailed  = "failed"
)

var ErrAgentNameTaken = errors.New("agent name taken")

// Agent is a user-authored HTTP service registered for one game. The row is
// immutable after creation except for the endpoint's validation status.
type Agent struct {
	ID            int64   `json:"id"`
	UserID        int64   `json:"user_id"`
	OwnerUsername string  `json:"owner_username"`
	Game          string  `json:"game"`
	AgentName     string  `json:"agentname"`
	URL           string  `json:"url"`
	Status        string  `json:"status"`
	Error         *string `json:"error,omitempty"`
}

// CreateAgent inserts the agent and its endpoint (status pending) in one
// transaction. A duplicate (user, game, agentname) returns ErrAgentNameTaken.
func CreateAgent(db *sql.DB, userID int64, game, agentName, url string) (*Agent, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.Exec(
		`INSERT INTO agent(user_id, game, agentname) VALUES (?, ?, ?)`,
		userID, game, agentName,
	)
	if err != nil {
		if IsUniqueConstraint(err) {
			return nil, ErrAgentNameTaken
		}
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(
		`INSERT INTO agent_endpoint(agent_id, url, status, error) VALUES (?, ?, 'pending', NULL)`,
		id, url,
	); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return GetAgentByID(db, id)
}

func GetAgentByID(db *sql.DB, id int64) (*Agent, error) {
	return scanAgent(db.QueryRow(agentSelect+` WHERE agent.id = ?`, id))
}

// FindAgent resolves (owner username, agentname, game) to the agent and its
// endpoint, the reference the match-creation form and driver both use.
func FindAgent(db *sql.DB, ownerUsername, agentName, game string) (*Agent, error) {
	return scanAgent(db.QueryRow(
		agentSelect+` WHERE user.username = ? AND agent.agentname = ? AND agent.game = ?`,
		ownerUsername, agentName, game,
	))
}

const agentSelect = `
	SELECT agent.id, agent.user_id, user.username, agent.game, agent.agentname,
	       agent_endpoint.url, agent_endpoint.status, agent_endpoint.error
	FROM agent
	JOIN user ON user.id = agent.user_id
	JOIN agent_endpoint ON agent_endpoint.agent_id = agent.id`

func scanAgent(row *sql.Row) (*Agent, error) {
	var a Agent
	var errText sql.NullString
	err := row.Scan(&a.ID, &a.UserID, &a.OwnerUsername, &a.Game, &a.AgentName, &a.URL, &a.Status, &errText)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if errText.Valid {
		v := errText.String
		a.Error = &v
	}
	return &a, nil
}

func ListAgentsByGame(db *sql.DB, game string) ([]Agent, error) {
	rows, err := db.Query(
		agentSelect+` WHERE agent.game = ? ORDER BY user.username, agent.agentname`,
		game,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		var a Agent
		var errText sql.NullString
		if err := rows.Scan(&a.ID, &a.UserID, &a.OwnerUsername, &a.Game, &a.AgentName, &a.URL, &a.Status, &errText); err != nil {
			return nil, err
		}
		if errText.Valid {
			v := errText.String
			a.Error = &v
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateAgentValidation records the outcome of a validation probe or a drive
// attempt against the agent's endpoint.
func UpdateAgentValidation(db *sql.DB, agentID int64, status string, errText *string) error {
	if status != AgentStatusPending && status != AgentStatusOK && status != AgentStatusFailed {
		return errors.New("invalid agent status")
	}
	res, err := db.Exec(
		`UPDATE agent_endpoint SET status = ?, error = ? WHERE agent_id = ?`,
		status, errText, agentID,
	)
	if err != nil {
		return err
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if ra == 0 {
		return ErrNotFound
	}
	return nil
}
