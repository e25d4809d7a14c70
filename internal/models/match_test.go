package models_test

import (
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"gameplay-go/backend/internal/database"
	"gameplay-go/backend/internal/models"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.OpenAndMigrate(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func createTestUser(t *testing.T, db *sql.DB, username string) *models.User {
	t.Helper()
	u, err := models.CreateUser(db, username, "x")
	require.NoError(t, err)
	return u
}

func createTestAgent(t *testing.T, db *sql.DB, userID int64, name, url string) *models.Agent {
	t.Helper()
	a, err := models.CreateAgent(db, userID, "connect4", name, url)
	require.NoError(t, err)
	return a
}

const initialState = `{"board":[null,null,null,null,null,null,null,null,null,null,null,null,null,null,null,null,null,null,null,null,null,null,null,null,null,null,null,null,null,null,null,null,null,null,null,null,null,null,null,null,null,null],"next_player":0}`

func userSlots(u0, u1 *models.User) [2]models.PlayerRef {
	return [2]models.PlayerRef{
		{UserID: &u0.ID},
		{UserID: &u1.ID},
	}
}

func TestCreateMatchWritesTurnZero(t *testing.T) {
	db := openTestDB(t)
	alice := createTestUser(t, db, "alice")
	bob := createTestUser(t, db, "bob")

	id, err := models.CreateMatch(db, alice.ID, "connect4", userSlots(alice, bob), []byte(initialState))
	require.NoError(t, err)

	m, err := models.GetMatchByID(db, id)
	require.NoError(t, err)
	require.Equal(t, "connect4", m.Game)
	require.Equal(t, alice.ID, m.CreatedBy)

	require.Len(t, m.Players, 2)
	require.Equal(t, 0, m.Players[0].Number)
	require.Equal(t, alice.ID, *m.Players[0].UserID)
	require.Nil(t, m.Players[0].AgentID)
	require.Equal(t, "alice", m.Players[0].Name)
	require.Equal(t, bob.ID, *m.Players[1].UserID)
	require.Equal(t, "bob", m.Players[1].Name)

	// Turn 0 convention: no actor, no action, in progress, player 0 to move.
	require.Len(t, m.Turns, 1)
	zero := m.Tail()
	require.Equal(t, 0, zero.Number)
	require.Nil(t, zero.Player)
	require.Nil(t, zero.Action)
	require.Equal(t, models.TurnStatusInProgress, zero.Status)
	require.Equal(t, 0, *zero.NextPlayer)
	require.JSONEq(t, initialState, string(zero.State))
	require.False(t, m.Over())
}

func TestCreateMatchRejectsAmbiguousSlot(t *testing.T) {
	db := openTestDB(t)
	alice := createTestUser(t, db, "alice")
	agent := createTestAgent(t, db, alice.ID, "bot", "http://agent.example/move")

	_, err := models.CreateMatch(db, alice.ID, "connect4", [2]models.PlayerRef{
		{UserID: &alice.ID, AgentID: &agent.ID},
		{UserID: &alice.ID},
	}, []byte(initialState))
	require.Error(t, err)

	_, err = models.CreateMatch(db, alice.ID, "connect4", [2]models.PlayerRef{
		{},
		{UserID: &alice.ID},
	}, []byte(initialState))
	require.Error(t, err)
}

func TestGetMatchByIDNotFound(t *testing.T) {
	db := openTestDB(t)
	_, err := models.GetMatchByID(db, 12345)
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestAppendTurnOutcomes(t *testing.T) {
	db := openTestDB(t)
	alice := createTestUser(t, db, "alice")
	bob := createTestUser(t, db, "bob")
	id, err := models.CreateMatch(db, alice.ID, "connect4", userSlots(alice, bob), []byte(initialState))
	require.NoError(t, err)

	actor := 0
	next := 1
	action := []byte(`{"column":3}`)
	state := []byte(`{"board":[],"next_player":1}`)

	outcome, err := models.AppendTurn(db, id, 1, &actor, action, models.TurnStatusInProgress, nil, &next, state)
	require.NoError(t, err)
	require.Equal(t, models.Appended, outcome)

	// Same ordinal again: the primary key rejects the double write.
	outcome, err = models.AppendTurn(db, id, 1, &actor, action, models.TurnStatusInProgress, nil, &next, state)
	require.NoError(t, err)
	require.Equal(t, models.AlreadyTaken, outcome)

	// Terminal turn, then nothing more may be appended.
	winner := 0
	actor2 := 1
	outcome, err = models.AppendTurn(db, id, 2, &actor2, action, models.TurnStatusOver, &winner, nil, state)
	require.NoError(t, err)
	require.Equal(t, models.Appended, outcome)

	outcome, err = models.AppendTurn(db, id, 3, &actor, action, models.TurnStatusInProgress, nil, &next, state)
	require.NoError(t, err)
	require.Equal(t, models.MatchOver, outcome)

	m, err := models.GetMatchByID(db, id)
	require.NoError(t, err)
	require.True(t, m.Over())
	require.Equal(t, 2, m.Tail().Number)
	require.Equal(t, 0, *m.Tail().Winner)

	// Ordinals stay dense: 0, 1, 2.
	for i, turn := range m.Turns {
		require.Equal(t, i, turn.Number)
	}
}

func TestAppendTurnUnknownMatch(t *testing.T) {
	db := openTestDB(t)
	actor := 0
	next := 1
	_, err := models.AppendTurn(db, 999, 1, &actor, []byte(`{"column":0}`), models.TurnStatusInProgress, nil, &next, []byte(`{}`))
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestAppendTurnPersistsFields(t *testing.T) {
	db := openTestDB(t)
	alice := createTestUser(t, db, "alice")
	bob := createTestUser(t, db, "bob")
	id, err := models.CreateMatch(db, alice.ID, "connect4", userSlots(alice, bob), []byte(initialState))
	require.NoError(t, err)

	actor := 0
	next := 1
	action := json.RawMessage(`{"column":3}`)
	state := json.RawMessage(`{"board":[0],"next_player":1}`)
	outcome, err := models.AppendTurn(db, id, 1, &actor, action, models.TurnStatusInProgress, nil, &next, state)
	require.NoError(t, err)
	require.Equal(t, models.Appended, outcome)

	m, err := models.GetMatchByID(db, id)
	require.NoError(t, err)
	tail := m.Tail()
	require.Equal(t, 1, tail.Number)
	require.Equal(t, 0, *tail.Player)
	require.JSONEq(t, string(action), string(tail.Action))
	require.Equal(t, models.TurnStatusInProgress, tail.Status)
	require.Nil(t, tail.Winner)
	require.Equal(t, 1, *tail.NextPlayer)
	// Stored verbatim, byte for byte.
	require.Equal(t, string(state), string(tail.State))
}

func TestListRecentMatches(t *testing.T) {
	db := openTestDB(t)
	alice := createTestUser(t, db, "alice")
	bob := createTestUser(t, db, "bob")

	var ids []int64
	for i := 0; i < 3; i++ {
		id, err := models.CreateMatch(db, alice.ID, "connect4", userSlots(alice, bob), []byte(initialState))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	matches, err := models.ListRecentMatches(db, 2)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	// Newest first.
	require.Equal(t, ids[2], matches[0].ID)
	require.Equal(t, ids[1], matches[1].ID)
	require.Equal(t, models.TurnStatusInProgress, matches[0].Status)
	require.Equal(t, 0, matches[0].Turn)
}

func TestListInProgressAgentMatches(t *testing.T) {
	db := openTestDB(t)
	alice := createTestUser(t, db, "alice")
	bob := createTestUser(t, db, "bob")
	agent := createTestAgent(t, db, bob.ID, "bot", "http://agent.example/move")

	// Humans-only match: never in the scan.
	_, err := models.CreateMatch(db, alice.ID, "connect4", userSlots(alice, bob), []byte(initialState))
	require.NoError(t, err)

	// Agent in slot 0: agent is to move at turn 0.
	agentFirst, err := models.CreateMatch(db, alice.ID, "connect4", [2]models.PlayerRef{
		{AgentID: &agent.ID},
		{UserID: &alice.ID},
	}, []byte(initialState))
	require.NoError(t, err)

	// Agent in slot 1: human to move at turn 0, so not in the scan yet.
	humanFirst, err := models.CreateMatch(db, alice.ID, "connect4", [2]models.PlayerRef{
		{UserID: &alice.ID},
		{AgentID: &agent.ID},
	}, []byte(initialState))
	require.NoError(t, err)

	ids, err := models.ListInProgressAgentMatches(db)
	require.NoError(t, err)
	require.Equal(t, []int64{agentFirst}, ids)

	// After the human moves, the agent match shows up.
	actor := 0
	next := 1
	outcome, err := models.AppendTurn(db, humanFirst, 1, &actor, []byte(`{"column":0}`), models.TurnStatusInProgress, nil, &next, []byte(initialState))
	require.NoError(t, err)
	require.Equal(t, models.Appended, outcome)

	ids, err = models.ListInProgressAgentMatches(db)
	require.NoError(t, err)
	require.Equal(t, []int64{agentFirst, humanFirst}, ids)
}
