package connect4

import (
	"encoding/json"
	"fmt"

	"gameplay-go/backend/internal/game"
)

const (
	GameType = "connect4"

	Rows = 6
	Cols = 7
)

// State is the wire and storage form of a Connect-4 position. The board is
// 42 cells in column-major order (index = col*Rows + row, row 0 at the
// bottom); a cell is nil when empty, otherwise the player index that owns it.
type State struct {
	Board      []*int `json:"board"`
	NextPlayer int    `json:"next_player"`
}

// Action is a single move: drop a piece into a column.
type Action struct {
	Column int `json:"column"`
}

// UnknownColumnError rejects a column outside 0..6.
type UnknownColumnError struct {
	Column int
}

func (e UnknownColumnError) Error() string {
	return fmt.Sprintf("Column must be between 0 and 6. Got `%d`.", e.Column)
}

func (e UnknownColumnError) RuleError() {}

// FullColumnError rejects a drop into a column whose top cell is occupied.
type FullColumnError struct {
	Column int
}

func (e FullColumnError) Error() string {
	return fmt.Sprintf("Column `%d` is full.", e.Column)
}

func (e FullColumnError) RuleError() {}

// MalformedActionError rejects an action payload that does not decode to a
// column drop. Agents that return the wrong shape hit this.
type MalformedActionError struct {
	Detail string
}

func (e MalformedActionError) Error() string {
	return "malformed action: " + e.Detail
}

func (e MalformedActionError) RuleError() {}

// Rules implements game.Rules for Connect-4. It is stateless.
type Rules struct{}

func New() Rules { return Rules{} }

func (Rules) Type() string { return GameType }

func (Rules) InitialState() ([]byte, error) {
	return json.Marshal(State{
		Board:      make([]*int, Rows*Cols),
		NextPlayer: 0,
	})
}

func (Rules) Status(state []byte) (game.Status, error) {
	s, err := decodeState(state)
	if err != nil {
		return game.Status{}, err
	}
	return s.status(), nil
}

func (Rules) ValidAction(state, action []byte) (bool, error) {
	s, err := decodeState(state)
	if err != nil {
		return false, err
	}
	a, err := decodeAction(action)
	if err != nil {
		return false, nil
	}
	if a.Column < 0 || a.Column >= Cols {
		return false, nil
	}
	return s.at(a.Column, Rows-1) == nil, nil
}

func (Rules) ApplyAction(state, action []byte) ([]byte, game.Status, error) {
	s, err := decodeState(state)
	if err != nil {
		return nil, game.Status{}, err
	}
	a, err := decodeAction(action)
	if err != nil {
		return nil, game.Status{}, err
	}

	if a.Column < 0 || a.Column >= Cols {
		return nil, game.Status{}, UnknownColumnError{Column: a.Column}
	}
	placed := false
	for row := 0; row < Rows; row++ {
		if s.at(a.Column, row) == nil {
			actor := s.NextPlayer
			s.set(a.Column, row, &actor)
			s.NextPlayer = (s.NextPlayer + 1) % 2
			placed = true
			break
		}
	}
	if !placed {
		return nil, game.Status{}, FullColumnError{Column: a.Column}
	}

	status := s.status()
	out, err := json.Marshal(s)
	if err != nil {
		return nil, game.Status{}, err
	}
	return out, status, nil
}

func (s *State) at(col, row int) *int {
	return s.Board[col*Rows+row]
}

func (s *State) set(col, row int, val *int) {
	s.Board[col*Rows+row] = val
}

// status scans for four in a row vertically, horizontally, and along both
// diagonals; with no winner it is a tie once every top cell is occupied.
func (s *State) status() game.Status {
	if p, ok := s.winner(); ok {
		return game.OverWinner(p)
	}
	for col := 0; col < Cols; col++ {
		if s.at(col, Rows-1) == nil {
			return game.InProgress(s.NextPlayer)
		}
	}
	return game.OverTie()
}

func (s *State) winner() (int, bool) {
	// Vertical
	for col := 0; col < Cols; col++ {
		for row := 0; row <= Rows-4; row++ {
			if p, ok := same4(s.at(col, row), s.at(col, row+1), s.at(col, row+2), s.at(col, row+3)); ok {
				return p, true
			}
		}
	}
	// Horizontal
	for row := 0; row < Rows; row++ {
		for col := 0; col <= Cols-4; col++ {
			if p, ok := same4(s.at(col, row), s.at(col+1, row), s.at(col+2, row), s.at(col+3, row)); ok {
				return p, true
			}
		}
	}
	// Diagonal up-right
	for col := 0; col <= Cols-4; col++ {
		for row := 0; row <= Rows-4; row++ {
			if p, ok := same4(s.at(col, row), s.at(col+1, row+1), s.at(col+2, row+2), s.at(col+3, row+3)); ok {
				return p, true
			}
		}
	}
	// Diagonal down-right
	for col := 0; col <= Cols-4; col++ {
		for row := 3; row < Rows; row++ {
			if p, ok := same4(s.at(col, row), s.at(col+1, row-1), s.at(col+2, row-2), s.at(col+3, row-3)); ok {
				return p, true
			}
		}
	}
	return 0, false
}

func same4(a, b, c, d *int) (int, bool) {
	if a == nil || b == nil || c == nil || d == nil {
		return 0, false
	}
	if *a == *b && *b == *c && *c == *d {
		return *a, true
	}
	return 0, false
}

func decodeState(state []byte) (*State, error) {
	var s State
	if err := json.Unmarshal(state, &s); err != nil {
		return nil, fmt.Errorf("decode connect4 state: %w", err)
	}
	if len(s.Board) != Rows*Cols {
		return nil, fmt.Errorf("decode connect4 state: board has %d cells, want %d", len(s.Board), Rows*Cols)
	}
	return &s, nil
}

func decodeAction(action []byte) (Action, error) {
	var raw struct {
		Column *int `json:"column"`
	}
	if err := json.Unmarshal(action, &raw); err != nil {
		return Action{}, MalformedActionError{Detail: err.Error()}
	}
	if raw.Column == nil {
		return Action{}, MalformedActionError{Detail: `missing "column"`}
	}
	return Action{Column: *raw.Column}, nil
}
