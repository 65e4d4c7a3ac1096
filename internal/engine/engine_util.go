package engine

import (
	"maps"
	"math/rand/v2"
	"slices"
)

// AnonymousNames are handed out to the human seats at game start so the
// transcript does not show who typed what.
var AnonymousNames = []string{"익명 1", "익명 2", "익명 3", "익명 4", "익명 5"}

func NewState(id string, rules Rules) State {
	if rules.AIPlayers <= 0 {
		rules.AIPlayers = 4
	}
	if rules.HistoryWindow <= 0 {
		rules.HistoryWindow = 10
	}
	return State{
		ID:         id,
		Players:    []Player{},
		Transcript: []Entry{},
		Turn:       TurnNone,
		Rules:      rules,
	}
}

// Clone copies everything Apply may write to, so a rejected or in-flight
// command never touches a State someone else holds.
func (s State) Clone() State {
	c := s
	c.Players = slices.Clone(s.Players)
	c.Transcript = slices.Clone(s.Transcript)
	if s.Pending != nil {
		p := *s.Pending
		p.Answers = maps.Clone(s.Pending.Answers)
		p.Order = slices.Clone(s.Pending.Order)
		c.Pending = &p
	}
	return c
}

func (s State) Step() PhaseStep {
	return PhaseSequence[s.PhaseIndex]
}

// Phase is the current phase, or "" before the game starts.
func (s State) Phase() Phase {
	if !s.Started {
		return ""
	}
	return s.Step().Phase
}

func (s State) Player(id string) (Player, bool) {
	if i := s.playerIndex(id); i >= 0 {
		return s.Players[i], true
	}
	return Player{}, false
}

// Human returns the non-operator human seat.
func (s State) Human() (Player, bool) {
	for _, p := range s.Players {
		if p.IsHuman && !p.IsOperator {
			return p, true
		}
	}
	return Player{}, false
}

func (s State) Operator() (Player, bool) {
	for _, p := range s.Players {
		if p.IsOperator {
			return p, true
		}
	}
	return Player{}, false
}

func (s State) AIPlayers() []Player {
	out := make([]Player, 0, len(s.Players))
	for _, p := range s.Players {
		if !p.IsHuman {
			out = append(out, p)
		}
	}
	return out
}

// Recent returns up to n of the latest transcript entries.
func (s State) Recent(n int) []Entry {
	if n <= 0 || len(s.Transcript) == 0 {
		return nil
	}
	from := max(len(s.Transcript)-n, 0)
	return slices.Clone(s.Transcript[from:])
}

func (s State) playerIndex(id string) int {
	if id == "" {
		return -1
	}
	return slices.IndexFunc(s.Players, func(p Player) bool { return p.ID == id })
}

// MergeOrder is the visible order of one phase's batch: the held operator
// entry (if any) and the AI entries, shuffled once so position says nothing
// about who wrote what.
func MergeOrder(rng *rand.Rand, held *Entry, ai []Entry) []Entry {
	out := make([]Entry, 0, len(ai)+1)
	out = append(out, ai...)
	if held != nil {
		out = append(out, *held)
	}
	rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}
