package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"gameplay-go/backend/internal/game"
	"gameplay-go/backend/internal/models"
	"gameplay-go/backend/internal/notify"
	"gameplay-go/backend/internal/tracing"
)

var (
	ErrMatchNotFound = errors.New("match not found")
	ErrMatchOver     = errors.New("match is over")
	ErrNotYourTurn   = errors.New("not your turn")
	// ErrInvalidAction wraps the rule rejection detail; match with errors.Is.
	ErrInvalidAction = errors.New("invalid action")
	// ErrRaceLost means another writer took this ordinal first. The caller can
	// reload and observe whichever turn won.
	ErrRaceLost = errors.New("turn already taken")
)

// Authority carries who is attempting a move: a verified user identity for
// human turns, or the scheduled agent id for driver-initiated turns. Exactly
// one field is set.
type Authority struct {
	UserID  *int64
	AgentID *int64
}

func UserAuthority(userID int64) Authority {
	return Authority{UserID: &userID}
}

func AgentAuthority(agentID int64) Authority {
	return Authority{AgentID: &agentID}
}

// TurnExecutor is the sole writer of new turns. Every turn, human or agent,
// passes through Submit. Correctness under concurrency rests on the store's
// (match_id, number) primary key, not on in-process locks: the executor
// computes the next turn optimistically and lets the insert race.
type TurnExecutor struct {
	db       *sql.DB
	games    *game.Registry
	notifier *notify.Notifier
	log      *zap.Logger
}

func NewTurnExecutor(db *sql.DB, games *game.Registry, notifier *notify.Notifier, log *zap.Logger) *TurnExecutor {
	if log == nil {
		log = zap.NewNop()
	}
	return &TurnExecutor{db: db, games: games, notifier: notifier, log: log}
}

// Submit validates authority and legality for the asserted actor, applies the
// game rules, and appends exactly one turn. On success the updated match is
// reloaded and returned, and watchers are notified.
func (e *TurnExecutor) Submit(ctx context.Context, matchID int64, actor int, action []byte, auth Authority) (*models.Match, error) {
	_, span := tracing.StartSpan(ctx, "executor.Submit")
	defer span.End()

	m, err := models.GetMatchByID(e.db, matchID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, ErrMatchNotFound
	}
	if err != nil {
		return nil, err
	}

	tail := m.Tail()
	if tail.Status == models.TurnStatusOver {
		return nil, ErrMatchOver
	}
	expected := *tail.NextPlayer
	if actor != expected {
		return nil, ErrNotYourTurn
	}
	if expected < 0 || expected >= len(m.Players) {
		return nil, fmt.Errorf("match %d: next player %d out of range", matchID, expected)
	}

	slot := m.Players[expected]
	switch {
	case auth.UserID != nil:
		if slot.UserID == nil || *slot.UserID != *auth.UserID {
			return nil, ErrNotYourTurn
		}
	case auth.AgentID != nil:
		if slot.AgentID == nil || *slot.AgentID != *auth.AgentID {
			return nil, ErrNotYourTurn
		}
	default:
		return nil, ErrNotYourTurn
	}

	rules, ok := e.games.Get(m.Game)
	if !ok {
		return nil, fmt.Errorf("no rules registered for game %q", m.Game)
	}

	newState, status, err := rules.ApplyAction(tail.State, action)
	if err != nil {
		if game.IsRuleError(err) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidAction, err.Error())
		}
		return nil, err
	}

	turnStatus := models.TurnStatusInProgress
	var winner, nextPlayer *int
	if status.Over {
		turnStatus = models.TurnStatusOver
		winner = status.Winner
	} else {
		np := status.NextPlayer
		nextPlayer = &np
	}

	outcome, err := models.AppendTurn(e.db, matchID, tail.Number+1, &actor, action, turnStatus, winner, nextPlayer, newState)
	if err != nil {
		return nil, err
	}
	switch outcome {
	case models.MatchOver:
		return nil, ErrMatchOver
	case models.AlreadyTaken:
		return nil, ErrRaceLost
	}

	e.log.Info("turn appended",
		zap.Int64("match_id", matchID),
		zap.Int("turn", tail.Number+1),
		zap.Int("player", actor),
		zap.String("status", turnStatus))

	if e.notifier != nil {
		e.notifier.Publish(matchID)
	}
	return models.GetMatchByID(e.db, matchID)
}
