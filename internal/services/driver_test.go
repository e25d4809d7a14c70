package services_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gameplay-go/backend/internal/game/connect4"
	"gameplay-go/backend/internal/models"
	"gameplay-go/backend/internal/services"
)

type agentCall struct {
	game        string
	matchID     string
	player      string
	matchStatus string
	body        []byte
}

// fakeAgent records every request and answers with a caller-supplied handler.
type fakeAgent struct {
	mu      sync.Mutex
	calls   []agentCall
	handler func(w http.ResponseWriter, call agentCall)
	srv     *httptest.Server
}

func newFakeAgent(t *testing.T, handler func(w http.ResponseWriter, call agentCall)) *fakeAgent {
	t.Helper()
	fa := &fakeAgent{handler: handler}
	fa.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		call := agentCall{
			game:        r.Header.Get(services.HeaderGame),
			matchID:     r.Header.Get(services.HeaderMatchID),
			player:      r.Header.Get(services.HeaderPlayer),
			matchStatus: r.Header.Get(services.HeaderMatchStatus),
			body:        body,
		}
		fa.mu.Lock()
		fa.calls = append(fa.calls, call)
		fa.mu.Unlock()
		fa.handler(w, call)
	}))
	t.Cleanup(fa.srv.Close)
	return fa
}

func (fa *fakeAgent) callCount() int {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	return len(fa.calls)
}

func (fa *fakeAgent) snapshot() []agentCall {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	return append([]agentCall(nil), fa.calls...)
}

func alwaysColumn(col string) func(w http.ResponseWriter, call agentCall) {
	return func(w http.ResponseWriter, call agentCall) {
		if call.matchStatus == services.MatchStatusOver {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"column":` + col + `}`))
	}
}

func (f *fixture) newDriver(t *testing.T) *services.AgentDriver {
	t.Helper()
	d := services.NewAgentDriver(f.db, f.exec, f.games, zap.NewNop())
	t.Cleanup(d.Stop)
	return d
}

func (f *fixture) registerAgent(t *testing.T, url string) *models.Agent {
	t.Helper()
	a, err := models.CreateAgent(f.db, f.bob.ID, connect4.GameType, "bot", url)
	require.NoError(t, err)
	return a
}

// tailNumber and agentStatus are polling helpers for Eventually conditions;
// they report errors as sentinel values instead of failing the test.
func (f *fixture) tailNumber(matchID int64) int {
	m, err := models.GetMatchByID(f.db, matchID)
	if err != nil {
		return -1
	}
	return m.Tail().Number
}

func (f *fixture) agentStatus(agentID int64) string {
	a, err := models.GetAgentByID(f.db, agentID)
	if err != nil {
		return ""
	}
	return a.Status
}

func (f *fixture) matchOver(matchID int64) bool {
	m, err := models.GetMatchByID(f.db, matchID)
	if err != nil {
		return false
	}
	return m.Over()
}

func TestDriverPlaysAgentTurn(t *testing.T) {
	f := newFixture(t)
	fa := newFakeAgent(t, alwaysColumn("3"))
	agent := f.registerAgent(t, fa.srv.URL)
	driver := f.newDriver(t)

	id := f.createMatch(t, [2]models.PlayerRef{
		{UserID: &f.alice.ID},
		{AgentID: &agent.ID},
	})

	_, err := f.exec.Submit(context.Background(), id, 0, column(0), services.UserAuthority(f.alice.ID))
	require.NoError(t, err)
	driver.Trigger(id)

	require.Eventually(t, func() bool {
		return f.tailNumber(id) == 2
	}, 5*time.Second, 20*time.Millisecond)

	m, err := models.GetMatchByID(f.db, id)
	require.NoError(t, err)
	tail := m.Tail()
	require.Equal(t, 1, *tail.Player)
	require.JSONEq(t, `{"column":3}`, string(tail.Action))
	require.Equal(t, 0, *tail.NextPlayer)

	calls := fa.snapshot()
	require.Len(t, calls, 1)
	require.Equal(t, connect4.GameType, calls[0].game)
	require.Equal(t, "1", calls[0].player)
	require.Equal(t, services.MatchStatusInProgress, calls[0].matchStatus)
	require.JSONEq(t, string(m.Turns[1].State), string(calls[0].body))

	// A working endpoint flips back to ok after a successful turn.
	require.Eventually(t, func() bool {
		return f.agentStatus(agent.ID) == models.AgentStatusOK
	}, 2*time.Second, 20*time.Millisecond)
}

func TestDriverDrivesMatchToCompletion(t *testing.T) {
	f := newFixture(t)
	fa := newFakeAgent(t, alwaysColumn("3"))
	agent := f.registerAgent(t, fa.srv.URL)
	driver := f.newDriver(t)

	id := f.createMatch(t, [2]models.PlayerRef{
		{UserID: &f.alice.ID},
		{AgentID: &agent.ID},
	})

	// The agent stacks column 3; spread human moves let it win vertically.
	ctx := context.Background()
	for i, col := range []int{0, 1, 0, 1} {
		humanTurn := 2 * i // tail before the human's submit
		require.Eventually(t, func() bool {
			return f.tailNumber(id) == humanTurn
		}, 5*time.Second, 20*time.Millisecond)

		_, err := f.exec.Submit(ctx, id, 0, column(col), services.UserAuthority(f.alice.ID))
		require.NoError(t, err)
		driver.Trigger(id)
	}

	require.Eventually(t, func() bool {
		return f.matchOver(id)
	}, 5*time.Second, 20*time.Millisecond)

	m, err := models.GetMatchByID(f.db, id)
	require.NoError(t, err)
	require.Equal(t, 8, m.Tail().Number)
	require.Equal(t, 1, *m.Tail().Winner)

	// The agent got one final advisory POST carrying the terminal status.
	require.Eventually(t, func() bool {
		calls := fa.snapshot()
		return len(calls) > 0 && calls[len(calls)-1].matchStatus == services.MatchStatusOver
	}, 2*time.Second, 20*time.Millisecond)
	calls := fa.snapshot()
	last := calls[len(calls)-1]
	require.Equal(t, "1", last.player)
	require.JSONEq(t, string(m.Tail().State), string(last.body))
}

func TestDriverRetriesThenMarksEndpointFailed(t *testing.T) {
	f := newFixture(t)
	fa := newFakeAgent(t, func(w http.ResponseWriter, call agentCall) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	agent := f.registerAgent(t, fa.srv.URL)
	driver := f.newDriver(t)

	id := f.createMatch(t, [2]models.PlayerRef{
		{AgentID: &agent.ID},
		{UserID: &f.alice.ID},
	})
	driver.Trigger(id)

	// Three attempts with 1s and 2s backoff in between.
	require.Eventually(t, func() bool {
		return f.agentStatus(agent.ID) == models.AgentStatusFailed
	}, 10*time.Second, 50*time.Millisecond)

	a, err := models.GetAgentByID(f.db, agent.ID)
	require.NoError(t, err)
	require.NotNil(t, a.Error)
	require.Contains(t, *a.Error, "status 500")
	require.Equal(t, 3, fa.callCount())

	// The match was left untouched for the periodic check to retry.
	require.Equal(t, 0, f.tailNumber(id))
}

func TestDriverDoesNotRetryInvalidAction(t *testing.T) {
	f := newFixture(t)
	fa := newFakeAgent(t, alwaysColumn("9"))
	agent := f.registerAgent(t, fa.srv.URL)
	driver := f.newDriver(t)

	id := f.createMatch(t, [2]models.PlayerRef{
		{AgentID: &agent.ID},
		{UserID: &f.alice.ID},
	})
	driver.Trigger(id)

	require.Eventually(t, func() bool {
		return f.agentStatus(agent.ID) == models.AgentStatusFailed
	}, 5*time.Second, 20*time.Millisecond)

	a, err := models.GetAgentByID(f.db, agent.ID)
	require.NoError(t, err)
	require.NotNil(t, a.Error)
	require.Contains(t, *a.Error, "Column must be between 0 and 6. Got `9`.")

	// A rule rejection is not transport flake: exactly one request, no backoff.
	require.Equal(t, 1, fa.callCount())
	require.Equal(t, 0, f.tailNumber(id))
}

func TestDriverRecoverActiveMatches(t *testing.T) {
	f := newFixture(t)
	fa := newFakeAgent(t, alwaysColumn("3"))
	agent := f.registerAgent(t, fa.srv.URL)

	// Created before the driver exists, like a match stranded by a restart.
	id := f.createMatch(t, [2]models.PlayerRef{
		{AgentID: &agent.ID},
		{UserID: &f.alice.ID},
	})

	driver := f.newDriver(t)
	driver.RecoverActiveMatches()

	require.Eventually(t, func() bool {
		return f.tailNumber(id) == 1
	}, 5*time.Second, 20*time.Millisecond)

	m, err := models.GetMatchByID(f.db, id)
	require.NoError(t, err)
	require.Equal(t, 0, *m.Tail().Player)
	require.JSONEq(t, `{"column":3}`, string(m.Tail().Action))
}

func TestDriverTriggerCoalesces(t *testing.T) {
	f := newFixture(t)
	fa := newFakeAgent(t, alwaysColumn("3"))
	agent := f.registerAgent(t, fa.srv.URL)
	driver := f.newDriver(t)

	id := f.createMatch(t, [2]models.PlayerRef{
		{AgentID: &agent.ID},
		{UserID: &f.alice.ID},
	})

	for i := 0; i < 10; i++ {
		driver.Trigger(id)
	}

	require.Eventually(t, func() bool {
		return f.tailNumber(id) == 1
	}, 5*time.Second, 20*time.Millisecond)

	// Redundant triggers never produce duplicate turns; the ordinal conflict
	// and the mailbox both defend this.
	time.Sleep(200 * time.Millisecond)
	require.Equal(t, 1, f.tailNumber(id))
}

func TestProbeAgent(t *testing.T) {
	f := newFixture(t)

	t.Run("legal opening marks ok", func(t *testing.T) {
		fa := newFakeAgent(t, alwaysColumn("3"))
		agent := f.registerAgent(t, fa.srv.URL)
		driver := f.newDriver(t)

		require.Equal(t, models.AgentStatusPending, agent.Status)
		driver.ProbeAgent(context.Background(), agent.ID)

		a, err := models.GetAgentByID(f.db, agent.ID)
		require.NoError(t, err)
		require.Equal(t, models.AgentStatusOK, a.Status)
		require.Nil(t, a.Error)

		calls := fa.snapshot()
		require.Len(t, calls, 1)
		require.Equal(t, "0", calls[0].matchID)
		require.Equal(t, services.MatchStatusInProgress, calls[0].matchStatus)
	})

	t.Run("illegal opening marks failed", func(t *testing.T) {
		fa := newFakeAgent(t, alwaysColumn("9"))
		a, err := models.CreateAgent(f.db, f.alice.ID, connect4.GameType, "badbot", fa.srv.URL)
		require.NoError(t, err)
		driver := f.newDriver(t)

		driver.ProbeAgent(context.Background(), a.ID)

		got, err := models.GetAgentByID(f.db, a.ID)
		require.NoError(t, err)
		require.Equal(t, models.AgentStatusFailed, got.Status)
		require.NotNil(t, got.Error)
		require.Contains(t, *got.Error, "not a legal opening action")
	})
}
