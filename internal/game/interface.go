package game

import "errors"

// Status is the outcome of inspecting a game state.
// Exactly one of NextPlayer (in progress) or the Over fields applies.
type Status struct {
	Over       bool
	Winner     *int // set only when Over and not a tie
	NextPlayer int  // valid only when !Over
}

func InProgress(nextPlayer int) Status {
	return Status{NextPlayer: nextPlayer}
}

func OverWinner(player int) Status {
	p := player
	return Status{Over: true, Winner: &p}
}

func OverTie() Status {
	return Status{Over: true}
}

// Rules is the pluggable interface for game engines (Connect-4 first).
// States and actions cross this boundary as serialized JSON so storage,
// agent transport, and the executor stay game-agnostic.
type Rules interface {
	Type() string

	// InitialState returns the serialized state a new match starts from.
	InitialState() ([]byte, error)

	// Status inspects a serialized state.
	Status(state []byte) (Status, error)

	// ValidAction reports whether the action is legal in the given state.
	ValidAction(state, action []byte) (bool, error)

	// ApplyAction applies the action for the state's next player and returns
	// the resulting state and status. The input slices are never mutated.
	// Illegal actions return an error matching IsRuleError; any other error
	// is an infrastructure problem (e.g. corrupt stored state).
	ApplyAction(state, action []byte) ([]byte, Status, error)
}

// RuleError marks an action rejected by the rules of a game, as opposed to
// an infrastructure failure. Callers branch on it with IsRuleError.
type RuleError interface {
	error
	RuleError()
}

func IsRuleError(err error) bool {
	var re RuleError
	return errors.As(err, &re)
}
