package services_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gameplay-go/backend/internal/database"
	"gameplay-go/backend/internal/game"
	"gameplay-go/backend/internal/game/connect4"
	"gameplay-go/backend/internal/models"
	"gameplay-go/backend/internal/notify"
	"gameplay-go/backend/internal/services"
)

type fixture struct {
	db       *sql.DB
	games    *game.Registry
	notifier *notify.Notifier
	exec     *services.TurnExecutor
	alice    *models.User
	bob      *models.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.OpenAndMigrate(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	games := game.NewRegistry()
	games.Register(connect4.New())
	notifier := notify.New(zap.NewNop())

	alice, err := models.CreateUser(db, "alice", "x")
	require.NoError(t, err)
	bob, err := models.CreateUser(db, "bob", "x")
	require.NoError(t, err)

	return &fixture{
		db:       db,
		games:    games,
		notifier: notifier,
		exec:     services.NewTurnExecutor(db, games, notifier, zap.NewNop()),
		alice:    alice,
		bob:      bob,
	}
}

func (f *fixture) createMatch(t *testing.T, players [2]models.PlayerRef) int64 {
	t.Helper()
	rules, ok := f.games.Get(connect4.GameType)
	require.True(t, ok)
	initial, err := rules.InitialState()
	require.NoError(t, err)
	id, err := models.CreateMatch(f.db, f.alice.ID, connect4.GameType, players, initial)
	require.NoError(t, err)
	return id
}

func (f *fixture) humanMatch(t *testing.T) int64 {
	return f.createMatch(t, [2]models.PlayerRef{
		{UserID: &f.alice.ID},
		{UserID: &f.bob.ID},
	})
}

func column(n int) []byte {
	return []byte(fmt.Sprintf(`{"column":%d}`, n))
}

func TestSubmitAppendsAndFolds(t *testing.T) {
	f := newFixture(t)
	id := f.humanMatch(t)
	ctx := context.Background()

	rules, _ := f.games.Get(connect4.GameType)
	expectState, err := rules.InitialState()
	require.NoError(t, err)

	// Vertical win for player 0 in column 0.
	moves := []struct {
		actor int
		auth  services.Authority
		col   int
	}{
		{0, services.UserAuthority(f.alice.ID), 0},
		{1, services.UserAuthority(f.bob.ID), 1},
		{0, services.UserAuthority(f.alice.ID), 0},
		{1, services.UserAuthority(f.bob.ID), 1},
		{0, services.UserAuthority(f.alice.ID), 0},
		{1, services.UserAuthority(f.bob.ID), 1},
		{0, services.UserAuthority(f.alice.ID), 0},
	}

	var m *models.Match
	for i, mv := range moves {
		m, err = f.exec.Submit(ctx, id, mv.actor, column(mv.col), mv.auth)
		require.NoError(t, err)
		require.Equal(t, i+1, m.Tail().Number)
		require.Equal(t, mv.actor, *m.Tail().Player)

		// The stored state is exactly the rules' fold of the action log.
		expectState, _, err = rules.ApplyAction(expectState, column(mv.col))
		require.NoError(t, err)
		require.JSONEq(t, string(expectState), string(m.Tail().State))
	}

	require.True(t, m.Over())
	require.Equal(t, models.TurnStatusOver, m.Tail().Status)
	require.Equal(t, 0, *m.Tail().Winner)
	require.Nil(t, m.Tail().NextPlayer)
}

func TestSubmitMatchNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.exec.Submit(context.Background(), 404, 0, column(0), services.UserAuthority(f.alice.ID))
	require.ErrorIs(t, err, services.ErrMatchNotFound)
}

func TestSubmitWrongActor(t *testing.T) {
	f := newFixture(t)
	id := f.humanMatch(t)

	// Player 0 is to move; actor 1 is rejected before rules run.
	_, err := f.exec.Submit(context.Background(), id, 1, column(0), services.UserAuthority(f.bob.ID))
	require.ErrorIs(t, err, services.ErrNotYourTurn)
}

func TestSubmitWrongAuthority(t *testing.T) {
	f := newFixture(t)
	id := f.humanMatch(t)
	ctx := context.Background()

	// Bob asserting player 0 is not the slot's user.
	_, err := f.exec.Submit(ctx, id, 0, column(0), services.UserAuthority(f.bob.ID))
	require.ErrorIs(t, err, services.ErrNotYourTurn)

	// An agent identity never matches a human slot.
	_, err = f.exec.Submit(ctx, id, 0, column(0), services.AgentAuthority(1))
	require.ErrorIs(t, err, services.ErrNotYourTurn)

	_, err = f.exec.Submit(ctx, id, 0, column(0), services.Authority{})
	require.ErrorIs(t, err, services.ErrNotYourTurn)
}

func TestSubmitPreemptedActor(t *testing.T) {
	f := newFixture(t)
	id := f.humanMatch(t)
	ctx := context.Background()

	_, err := f.exec.Submit(ctx, id, 0, column(0), services.UserAuthority(f.alice.ID))
	require.NoError(t, err)

	// Alice cannot move for slot 1 even though slot 1 is now to play.
	_, err = f.exec.Submit(ctx, id, 1, column(1), services.UserAuthority(f.alice.ID))
	require.ErrorIs(t, err, services.ErrNotYourTurn)
}

func TestSubmitInvalidAction(t *testing.T) {
	f := newFixture(t)
	id := f.humanMatch(t)
	ctx := context.Background()
	auth := services.UserAuthority(f.alice.ID)

	_, err := f.exec.Submit(ctx, id, 0, column(7), auth)
	require.ErrorIs(t, err, services.ErrInvalidAction)
	require.Contains(t, err.Error(), "Column must be between 0 and 6. Got `7`.")

	_, err = f.exec.Submit(ctx, id, 0, []byte(`{"row":3}`), auth)
	require.ErrorIs(t, err, services.ErrInvalidAction)

	// The rejected actions appended nothing.
	m, err := models.GetMatchByID(f.db, id)
	require.NoError(t, err)
	require.Equal(t, 0, m.Tail().Number)
}

func TestSubmitFullColumn(t *testing.T) {
	f := newFixture(t)
	id := f.humanMatch(t)
	ctx := context.Background()

	auths := []services.Authority{services.UserAuthority(f.alice.ID), services.UserAuthority(f.bob.ID)}
	for i := 0; i < 6; i++ {
		_, err := f.exec.Submit(ctx, id, i%2, column(2), auths[i%2])
		require.NoError(t, err)
	}

	_, err := f.exec.Submit(ctx, id, 0, column(2), auths[0])
	require.ErrorIs(t, err, services.ErrInvalidAction)
	require.Contains(t, err.Error(), "Column `2` is full.")
}

func TestSubmitMatchOver(t *testing.T) {
	f := newFixture(t)
	id := f.humanMatch(t)
	ctx := context.Background()

	cols := []int{0, 1, 0, 1, 0, 1, 0}
	auths := []services.Authority{services.UserAuthority(f.alice.ID), services.UserAuthority(f.bob.ID)}
	for i, col := range cols {
		_, err := f.exec.Submit(ctx, id, i%2, column(col), auths[i%2])
		require.NoError(t, err)
	}

	_, err := f.exec.Submit(ctx, id, 1, column(1), auths[1])
	require.ErrorIs(t, err, services.ErrMatchOver)
}

func TestSubmitAgentAuthority(t *testing.T) {
	f := newFixture(t)
	agent, err := models.CreateAgent(f.db, f.bob.ID, connect4.GameType, "bot", "http://agent.example/move")
	require.NoError(t, err)
	id := f.createMatch(t, [2]models.PlayerRef{
		{AgentID: &agent.ID},
		{UserID: &f.alice.ID},
	})
	ctx := context.Background()

	// The agent's owner cannot move for the agent's slot.
	_, err = f.exec.Submit(ctx, id, 0, column(3), services.UserAuthority(f.bob.ID))
	require.ErrorIs(t, err, services.ErrNotYourTurn)

	m, err := f.exec.Submit(ctx, id, 0, column(3), services.AgentAuthority(agent.ID))
	require.NoError(t, err)
	require.Equal(t, 1, m.Tail().Number)
	require.Equal(t, 1, *m.Tail().NextPlayer)
}

func TestSubmitConcurrentSameTurn(t *testing.T) {
	f := newFixture(t)
	id := f.humanMatch(t)
	auth := services.UserAuthority(f.alice.ID)

	const writers = 2
	errs := make([]error, writers)
	var start, done sync.WaitGroup
	start.Add(1)
	done.Add(writers)
	for i := 0; i < writers; i++ {
		go func(i int) {
			defer done.Done()
			start.Wait()
			_, errs[i] = f.exec.Submit(context.Background(), id, 0, column(0), auth)
		}(i)
	}
	start.Done()
	done.Wait()

	// Exactly one write wins; the loser observes the conflict either as the
	// ordinal race or, if it loaded after the winner committed, as a stale
	// actor assertion.
	var wins, losses int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errorsIsAny(err, services.ErrRaceLost, services.ErrNotYourTurn):
			losses++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, wins)
	require.Equal(t, 1, losses)

	m, err := models.GetMatchByID(f.db, id)
	require.NoError(t, err)
	require.Equal(t, 1, m.Tail().Number)
}

func TestSubmitNotifiesWatchers(t *testing.T) {
	f := newFixture(t)
	id := f.humanMatch(t)

	sub := f.notifier.Watch(id)
	defer f.notifier.Unwatch(sub)

	_, err := f.exec.Submit(context.Background(), id, 0, column(0), services.UserAuthority(f.alice.ID))
	require.NoError(t, err)

	select {
	case _, ok := <-sub.C:
		require.True(t, ok)
	default:
		t.Fatal("expected a publish after the appended turn")
	}
}

func errorsIsAny(err error, targets ...error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
