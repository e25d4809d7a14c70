package models

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	TurnStatusInProgress = "in_progress"
	TurnStatusOver       = "over"
)

// PlayerRef names one side of a new match. Exactly one field is set.
type PlayerRef struct {
	UserID  *int64
	AgentID *int64
}

// PlayerSlot is one of the two fixed positions in a match.
type PlayerSlot struct {
	Number  int    `json:"number"`
	UserID  *int64 `json:"user_id,omitempty"`
	AgentID *int64 `json:"agent_id,omitempty"`
	// Display name resolved at load time: the username for a user slot,
	// "owner/agentname" for an agent slot.
	Name string `json:"name"`
}

// Turn is one row of the append-only turn log. Player and Action are nil only
// on the synthetic turn 0.
type Turn struct {
	Number     int             `json:"number"`
	Player     *int            `json:"player,omitempty"`
	Action     json.RawMessage `json:"action,omitempty"`
	Status     string          `json:"status"`
	Winner     *int            `json:"winner,omitempty"`
	NextPlayer *int            `json:"next_player,omitempty"`
	State      json.RawMessage `json:"state"`
	CreatedAt  time.Time       `json:"created_at"`
}

type Match struct {
	ID        int64        `json:"id"`
	Game      string       `json:"game"`
	CreatedBy int64        `json:"created_by"`
	CreatedAt time.Time    `json:"created_at"`
	Players   []PlayerSlot `json:"players"`
	Turns     []Turn       `json:"turns"`
}

// Tail returns the highest-ordinal turn. Every persisted match has at least
// turn 0, so a nil tail indicates a corrupt load.
func (m *Match) Tail() *Turn {
	if len(m.Turns) == 0 {
		return nil
	}
	return &m.Turns[len(m.Turns)-1]
}

func (m *Match) Over() bool {
	t := m.Tail()
	return t != nil && t.Status == TurnStatusOver
}

// AppendOutcome distinguishes the three results of an optimistic turn insert.
type AppendOutcome int

const (
	Appended AppendOutcome = iota
	AlreadyTaken
	MatchOver
)

// CreateMatch writes the match row, both player slots, and the synthetic
// turn 0 (initial state, no action, next player 0) in one transaction.
func CreateMatch(db *sql.DB, createdBy int64, game string, slots [2]PlayerRef, initialState []byte) (int64, error) {
	for i, s := range slots {
		if (s.UserID == nil) == (s.AgentID == nil) {
			return 0, fmt.Errorf("slot %d must reference exactly one of user or agent", i)
		}
	}

	tx, err := db.Begin()
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.Exec(`INSERT INTO match(game, created_by) VALUES (?, ?)`, game, createdBy)
	if err != nil {
		return 0, err
	}
	matchID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	for i, s := range slots {
		if _, err := tx.Exec(
			`INSERT INTO match_player(match_id, number, user_id, agent_id) VALUES (?, ?, ?, ?)`,
			matchID, i, s.UserID, s.AgentID,
		); err != nil {
			return 0, err
		}
	}

	if _, err := tx.Exec(
		`INSERT INTO match_turn(match_id, number, player, action, status, winner, next_player, state)
		 VALUES (?, 0, NULL, NULL, 'in_progress', NULL, 0, ?)`,
		matchID, string(initialState),
	); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return matchID, nil
}

// GetMatchByID loads the full match: both slots ordered by number and the
// complete turn log ordered by ordinal.
func GetMatchByID(db *sql.DB, id int64) (*Match, error) {
	var m Match
	err := db.QueryRow(
		`SELECT id, game, created_by, created_at FROM match WHERE id = ?`, id,
	).Scan(&m.ID, &m.Game, &m.CreatedBy, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := db.Query(
		`SELECT match_player.number, match_player.user_id, match_player.agent_id,
		        user.username, agent_user.username, agent.agentname
		 FROM match_player
		 LEFT JOIN user ON user.id = match_player.user_id
		 LEFT JOIN agent ON agent.id = match_player.agent_id
		 LEFT JOIN user AS agent_user ON agent_user.id = agent.user_id
		 WHERE match_id = ?
		 ORDER BY number ASC`,
		id,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var slot PlayerSlot
		var userID, agentID sql.NullInt64
		var username, agentOwner, agentName sql.NullString
		if err := rows.Scan(&slot.Number, &userID, &agentID, &username, &agentOwner, &agentName); err != nil {
			return nil, err
		}
		switch {
		case userID.Valid:
			v := userID.Int64
			slot.UserID = &v
			slot.Name = username.String
		case agentID.Valid:
			v := agentID.Int64
			slot.AgentID = &v
			slot.Name = agentOwner.String + "/" + agentName.String
		default:
			return nil, fmt.Errorf("match %d slot %d references neither user nor agent", id, slot.Number)
		}
		m.Players = append(m.Players, slot)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	turns, err := loadTurns(db, id)
	if err != nil {
		return nil, err
	}
	m.Turns = turns
	if len(m.Turns) == 0 {
		return nil, fmt.Errorf("match %d has no turns", id)
	}
	return &m, nil
}

func loadTurns(db *sql.DB, matchID int64) ([]Turn, error) {
	rows, err := db.Query(
		`SELECT number, player, action, status, winner, next_player, state, created_at
		 FROM match_turn WHERE match_id = ? ORDER BY number ASC`,
		matchID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		var t Turn
		var player, winner, next sql.NullInt64
		var action sql.NullString
		var state string
		if err := rows.Scan(&t.Number, &player, &action, &t.Status, &winner, &next, &state, &t.CreatedAt); err != nil {
			return nil, err
		}
		if player.Valid {
			v := int(player.Int64)
			t.Player = &v
		}
		if action.Valid {
			t.Action = json.RawMessage(action.String)
		}
		if winner.Valid {
			v := int(winner.Int64)
			t.Winner = &v
		}
		if next.Valid {
			v := int(next.Int64)
			t.NextPlayer = &v
		}
		t.State = json.RawMessage(state)
		out = append(out, t)
	}
	return out, rows.Err()
}

// AppendTurn optimistically inserts the turn at the given ordinal. The
// (match_id, number) primary key is the serialization point: a conflict means
// another writer already advanced the match and is reported as AlreadyTaken,
// never as an error. The tail check runs in the same transaction so a turn
// can never land after a terminal one.
func AppendTurn(db *sql.DB, matchID int64, number int, player *int, action []byte, status string, winner, nextPlayer *int, state []byte) (AppendOutcome, error) {
	tx, err := db.Begin()
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var tailStatus string
	err = tx.QueryRow(
		`SELECT status FROM match_turn WHERE match_id = ? ORDER BY number DESC LIMIT 1`,
		matchID,
	).Scan(&tailStatus)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	if tailStatus == TurnStatusOver {
		return MatchOver, nil
	}

	var actionArg *string
	if action != nil {
		s := string(action)
		actionArg = &s
	}
	_, err = tx.Exec(
		`INSERT INTO match_turn(match_id, number, player, action, status, winner, next_player, state)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		matchID, number, player, actionArg, status, winner, nextPlayer, string(state),
	)
	if err != nil {
		if IsUniqueConstraint(err) {
			return AlreadyTaken, nil
		}
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return Appended, nil
}

// MatchSummary is the match-list feed row.
type MatchSummary struct {
	ID        int64     `json:"id"`
	Game      string    `json:"game"`
	CreatedBy int64     `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
	Turn      int       `json:"turn"`
	Status    string    `json:"status"`
	Winner    *int      `json:"winner,omitempty"`
}

func ListRecentMatches(db *sql.DB, limit int) ([]MatchSummary, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := db.Query(
		`SELECT match.id, match.game, match.created_by, match.created_at,
		        match_turn.number, match_turn.status, match_turn.winner
		 FROM match
		 JOIN match_turn ON match_turn.match_id = match.id
		 AND match_turn.number = (SELECT max(number) FROM match_turn WHERE match_id = match.id)
		 ORDER BY match.id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MatchSummary
	for rows.Next() {
		var s MatchSummary
		var winner sql.NullInt64
		if err := rows.Scan(&s.ID, &s.Game, &s.CreatedBy, &s.CreatedAt, &s.Turn, &s.Status, &winner); err != nil {
			return nil, err
		}
		if winner.Valid {
			v := int(winner.Int64)
			s.Winner = &v
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListInProgressAgentMatches returns the ids of matches whose tail turn is in
// progress with an agent in the next-to-move slot. This feeds the startup
// recovery scan and the periodic stuck-match check.
func ListInProgressAgentMatches(db *sql.DB) ([]int64, error) {
	rows, err := db.Query(
		`SELECT match.id
		 FROM match
		 JOIN match_turn ON match_turn.match_id = match.id
		 AND match_turn.number = (SELECT max(number) FROM match_turn WHERE match_id = match.id)
		 JOIN match_player ON match_player.match_id = match.id
		 AND match_player.number = match_turn.next_player
		 WHERE match_turn.status = 'in_progress'
		 AND match_player.agent_id IS NOT NULL
		 ORDER BY match.id ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
