package services

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"gameplay-go/backend/internal/game"
	"gameplay-go/backend/internal/models"
)

// Agent HTTP contract headers.
const (
	HeaderGame        = "Gameplay-Game"
	HeaderMatchID     = "Gameplay-Match-ID"
	HeaderPlayer      = "Gameplay-Player"
	HeaderMatchStatus = "Gameplay-Match-Status"

	MatchStatusInProgress = "InProgress"
	MatchStatusOver       = "Over"
)

const (
	agentRequestTimeout = 30 * time.Second
	agentMaxAttempts    = 3
	agentBackoffBase    = 1 * time.Second

	// Limit on agent response bodies. An action is a tiny JSON object.
	maxAgentResponseBytes = 64 * 1024
)

// activeMatch tracks one running drive loop: its cancel func and the
// single-slot mailbox that coalesces concurrent triggers.
type activeMatch struct {
	cancel context.CancelFunc
	turnCh chan struct{}
}

// AgentDriver advances matches whose next mover is an agent. It is a client
// of the TurnExecutor, never a parallel writer: a duplicate activation is
// converted into a RaceLost no-op by the store's ordinal conflict. At most
// one drive loop runs per match; Trigger on an already-active match
// coalesces into the pending mailbox slot.
type AgentDriver struct {
	db    *sql.DB
	exec  *TurnExecutor
	games *game.Registry
	log   *zap.Logger

	mu     sync.Mutex
	active map[int64]*activeMatch

	clientsMu sync.Mutex
	clients   map[int64]*http.Client

	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewAgentDriver(db *sql.DB, exec *TurnExecutor, games *game.Registry, log *zap.Logger) *AgentDriver {
	if log == nil {
		log = zap.NewNop()
	}
	return &AgentDriver{
		db:      db,
		exec:    exec,
		games:   games,
		log:     log,
		active:  map[int64]*activeMatch{},
		clients: map[int64]*http.Client{},
		stopCh:  make(chan struct{}),
	}
}

// Trigger asks the driver to inspect the match. If a loop is already running
// for it, the trigger coalesces; otherwise a new loop starts.
func (d *AgentDriver) Trigger(matchID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	select {
	case <-d.stopCh:
		return
	default:
	}

	if am, exists := d.active[matchID]; exists {
		select {
		case am.turnCh <- struct{}{}:
		default:
			// A wakeup is already pending.
		}
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	am := &activeMatch{cancel: cancel, turnCh: make(chan struct{}, 1)}
	d.active[matchID] = am
	go d.run(ctx, matchID, am)
}

// RecoverActiveMatches scans for in-progress matches waiting on an agent and
// schedules the driver for each. Called once at startup.
func (d *AgentDriver) RecoverActiveMatches() {
	ids, err := models.ListInProgressAgentMatches(d.db)
	if err != nil {
		d.log.Error("recovery scan failed", zap.Error(err))
		return
	}
	for _, id := range ids {
		d.Trigger(id)
	}
	if len(ids) > 0 {
		d.log.Info("recovery scan scheduled matches", zap.Int("count", len(ids)))
	}
}

// StartPeriodicCheck re-runs the recovery scan on an interval as a safety net
// for drive loops that died to transient errors.
func (d *AgentDriver) StartPeriodicCheck(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-d.stopCh:
				return
			case <-ticker.C:
				d.RecoverActiveMatches()
			}
		}
	}()
}

// Stop cancels every running loop and the periodic check.
func (d *AgentDriver) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })

	d.mu.Lock()
	defer d.mu.Unlock()
	for id, am := range d.active {
		am.cancel()
		delete(d.active, id)
	}
}

func (d *AgentDriver) run(ctx context.Context, matchID int64, am *activeMatch) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("driver panic", zap.Int64("match_id", matchID), zap.Any("panic", r))
		}
		d.mu.Lock()
		delete(d.active, matchID)
		d.mu.Unlock()

		// A trigger that raced with shutdown would otherwise be lost until
		// the periodic check. Re-schedule it against the fresh state.
		select {
		case <-am.turnCh:
			d.Trigger(matchID)
		default:
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		m, err := models.GetMatchByID(d.db, matchID)
		if err != nil {
			d.log.Error("driver load failed", zap.Int64("match_id", matchID), zap.Error(err))
			return
		}

		if m.Over() {
			d.notifyMatchOver(ctx, m)
			return
		}

		tail := m.Tail()
		next := *tail.NextPlayer
		slot := m.Players[next]
		if slot.AgentID == nil {
			// Human to move. Drain a pending wakeup before exiting so a
			// trigger that arrived mid-iteration is not dropped.
			select {
			case <-am.turnCh:
				continue
			default:
				return
			}
		}

		agent, err := models.GetAgentByID(d.db, *slot.AgentID)
		if err != nil {
			d.log.Error("driver agent lookup failed",
				zap.Int64("match_id", matchID), zap.Int64("agent_id", *slot.AgentID), zap.Error(err))
			return
		}

		action, err := d.requestAction(ctx, agent, m, next)
		if err != nil {
			// requestAction already recorded the endpoint failure. The match
			// stays waiting for this agent; the periodic check retries later.
			return
		}

		_, err = d.exec.Submit(ctx, matchID, next, action, AgentAuthority(agent.ID))
		switch {
		case err == nil:
			d.recordEndpoint(agent.ID, models.AgentStatusOK, nil)
		case errors.Is(err, ErrRaceLost), errors.Is(err, ErrMatchOver), errors.Is(err, ErrNotYourTurn):
			// Someone else advanced the match; reload and re-inspect.
		case errors.Is(err, ErrInvalidAction):
			// Retrying a rule-invalid action would loop. Record and stop;
			// operational remediation required.
			msg := err.Error()
			d.recordEndpoint(agent.ID, models.AgentStatusFailed, &msg)
			d.log.Warn("agent returned invalid action",
				zap.Int64("match_id", matchID),
				zap.Int64("agent_id", agent.ID),
				zap.String("detail", msg))
			return
		default:
			d.log.Error("driver submit failed", zap.Int64("match_id", matchID), zap.Error(err))
			return
		}
	}
}

// requestAction POSTs the current state to the agent and returns the action
// body. Transport errors, timeouts, non-2xx responses, and unparseable bodies
// are retried with exponential backoff; exhausting the attempts marks the
// endpoint failed with the last error and leaves the match untouched.
func (d *AgentDriver) requestAction(ctx context.Context, agent *models.Agent, m *models.Match, player int) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= agentMaxAttempts; attempt++ {
		if attempt > 1 {
			backoff := agentBackoffBase << (attempt - 2)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		action, err := d.postState(ctx, agent, m, player, MatchStatusInProgress)
		if err == nil {
			return action, nil
		}
		lastErr = err
		d.log.Warn("agent request failed",
			zap.Int64("match_id", m.ID),
			zap.Int64("agent_id", agent.ID),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}

	msg := lastErr.Error()
	d.recordEndpoint(agent.ID, models.AgentStatusFailed, &msg)
	return nil, lastErr
}

// postState performs one POST of the match's current state to the agent's
// endpoint with the standard headers, returning the validated response body.
func (d *AgentDriver) postState(ctx context.Context, agent *models.Agent, m *models.Match, player int, matchStatus string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, agent.URL, bytes.NewReader(m.Tail().State))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderGame, m.Game)
	req.Header.Set(HeaderMatchID, strconv.FormatInt(m.ID, 10))
	req.Header.Set(HeaderPlayer, strconv.Itoa(player))
	req.Header.Set(HeaderMatchStatus, matchStatus)

	resp, err := d.clientFor(agent.ID).Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAgentResponseBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("agent returned status %d", resp.StatusCode)
	}
	if matchStatus == MatchStatusOver {
		// Terminal advisory; the response is ignored.
		return nil, nil
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("agent returned malformed JSON")
	}
	return body, nil
}

// notifyMatchOver sends one final advisory POST to each agent slot carrying
// the terminal state. Responses are ignored and failures only logged.
func (d *AgentDriver) notifyMatchOver(ctx context.Context, m *models.Match) {
	for _, slot := range m.Players {
		if slot.AgentID == nil {
			continue
		}
		agent, err := models.GetAgentByID(d.db, *slot.AgentID)
		if err != nil {
			d.log.Warn("terminal advisory lookup failed",
				zap.Int64("match_id", m.ID), zap.Int64("agent_id", *slot.AgentID), zap.Error(err))
			continue
		}
		if _, err := d.postState(ctx, agent, m, slot.Number, MatchStatusOver); err != nil {
			d.log.Warn("terminal advisory failed",
				zap.Int64("match_id", m.ID), zap.Int64("agent_id", agent.ID), zap.Error(err))
		}
	}
}

// ProbeAgent validates a freshly registered agent: it POSTs an initial state
// for the agent's game (with a synthetic match id of 0) and requires a 2xx
// response carrying a legal action. The outcome lands on the endpoint row.
func (d *AgentDriver) ProbeAgent(ctx context.Context, agentID int64) {
	agent, err := models.GetAgentByID(d.db, agentID)
	if err != nil {
		d.log.Error("probe agent lookup failed", zap.Int64("agent_id", agentID), zap.Error(err))
		return
	}
	rules, ok := d.games.Get(agent.Game)
	if !ok {
		msg := fmt.Sprintf("no rules registered for game %q", agent.Game)
		d.recordEndpoint(agentID, models.AgentStatusFailed, &msg)
		return
	}
	initial, err := rules.InitialState()
	if err != nil {
		d.log.Error("probe initial state failed", zap.Int64("agent_id", agentID), zap.Error(err))
		return
	}

	probe := &models.Match{
		ID:    0,
		Game:  agent.Game,
		Turns: []models.Turn{{Number: 0, Status: models.TurnStatusInProgress, State: initial}},
	}
	action, err := d.postState(ctx, agent, probe, 0, MatchStatusInProgress)
	if err != nil {
		msg := err.Error()
		d.recordEndpoint(agentID, models.AgentStatusFailed, &msg)
		return
	}
	legal, err := rules.ValidAction(initial, action)
	if err != nil || !legal {
		msg := fmt.Sprintf("probe response is not a legal opening action: %s", string(action))
		d.recordEndpoint(agentID, models.AgentStatusFailed, &msg)
		return
	}
	d.recordEndpoint(agentID, models.AgentStatusOK, nil)
}

func (d *AgentDriver) recordEndpoint(agentID int64, status string, errText *string) {
	if err := models.UpdateAgentValidation(d.db, agentID, status, errText); err != nil {
		d.log.Error("record endpoint status failed",
			zap.Int64("agent_id", agentID), zap.String("status", status), zap.Error(err))
	}
}

// clientFor returns the pooled HTTP client for an agent, so connection reuse
// is possible across turns. Every client carries the bounded request timeout.
func (d *AgentDriver) clientFor(agentID int64) *http.Client {
	d.clientsMu.Lock()
	defer d.clientsMu.Unlock()
	c, ok := d.clients[agentID]
	if !ok {
		c = &http.Client{Timeout: agentRequestTimeout}
		d.clients[agentID] = c
	}
	return c
}
