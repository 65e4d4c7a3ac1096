package engine

import (
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/liar-game-backend/internal/completion"
)

type seqUUID struct{ n int }

func (u *seqUUID) NewUUID() string {
	u.n++
	return fmt.Sprintf("id-%d", u.n)
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

var testPersonas = []string{"prickly", "meticulous", "sly", "clown"}

func newTestEngine(t *testing.T, seed uint64) *Engine {
	t.Helper()
	e, err := New(&Config{
		Personas: testPersonas,
		Rand:     rand.New(rand.NewPCG(seed, seed)),
		Clock:    fixedClock{t: time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)},
		UUID:     &seqUUID{},
	})
	require.NoError(t, err)
	return e
}

func mustApply(t *testing.T, e *Engine, s State, cmd Command) ([]Event, State) {
	t.Helper()
	events, next, err := e.Apply(s, cmd)
	require.NoError(t, err, "command %s", cmd.Type)
	return events, next
}

func containsEvent(events []Event, eventType EventType) bool {
	for _, event := range events {
		if event.Type == eventType {
			return true
		}
	}
	return false
}

// batchFor fabricates the aggregator output for the pending phase.
func batchFor(s State) *BatchResult {
	b := &BatchResult{Phase: s.Pending.Phase, Histories: map[string][]completion.Message{}}
	for _, p := range s.AIPlayers() {
		b.Entries = append(b.Entries, Entry{
			ID:         "ans-" + p.ID + "-" + string(s.Pending.Phase),
			SenderID:   p.ID,
			SenderName: p.Name,
			SenderKind: SenderAI,
			Text:       p.Name + " says something",
			Phase:      s.Pending.Phase,
		})
		b.Histories[p.ID] = append(p.History, completion.Message{Role: completion.RoleAssistant, Content: "x"})
	}
	return b
}

// started returns a started room with a human and, optionally, an operator.
func started(t *testing.T, e *Engine, withOperator bool) State {
	t.Helper()
	s := NewState("ROOM01", Rules{})
	_, s = mustApply(t, e, s, Command{Type: CmdSeat, ParticipantID: "h1", Name: "alice", Role: RoleHuman})
	if withOperator {
		_, s = mustApply(t, e, s, Command{Type: CmdSeat, ParticipantID: "op", Name: "bob", Role: RoleOperator})
	}
	_, s = mustApply(t, e, s, Command{Type: CmdStart, ParticipantID: "h1"})
	return s
}

func TestNew_RejectsDuplicatePersonas(t *testing.T) {
	_, err := New(&Config{Personas: []string{"a", "a"}})
	assert.Error(t, err)

	_, err = New(&Config{})
	assert.Error(t, err)
}

func TestSeat(t *testing.T) {
	e := newTestEngine(t, 1)
	base := NewState("R", Rules{})
	_, withHuman := mustApply(t, e, base, Command{Type: CmdSeat, ParticipantID: "h1", Role: RoleHuman})

	cases := []struct {
		name    string
		setup   State
		cmd     Command
		wantErr error
	}{
		{
			name:  "first human seats",
			setup: base,
			cmd:   Command{Type: CmdSeat, ParticipantID: "h1", Name: "alice", Role: RoleHuman},
		},
		{
			name:    "second human is rejected",
			setup:   withHuman,
			cmd:     Command{Type: CmdSeat, ParticipantID: "h2", Role: RoleHuman},
			wantErr: ErrRoomFull,
		},
		{
			name:  "operator seats next to the human",
			setup: withHuman,
			cmd:   Command{Type: CmdSeat, ParticipantID: "op", Role: RoleOperator},
		},
		{
			name:  "known participant rejoins",
			setup: withHuman,
			cmd:   Command{Type: CmdSeat, ParticipantID: "h1", Role: RoleHuman},
		},
		{
			name:    "unknown role",
			setup:   base,
			cmd:     Command{Type: CmdSeat, ParticipantID: "x", Role: "spectator"},
			wantErr: ErrUnknownRole,
		},
		{
			name:    "missing participant id",
			setup:   base,
			cmd:     Command{Type: CmdSeat, Role: RoleHuman},
			wantErr: ErrUnknownPlayer,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, next, err := e.Apply(tc.setup, tc.cmd)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				assert.Equal(t, tc.setup, next)
				return
			}
			require.NoError(t, err)
			p, ok := next.Player(tc.cmd.ParticipantID)
			require.True(t, ok)
			assert.True(t, p.Connected)
			assert.Equal(t, "h1", next.AuthorityID)
		})
	}
}

func TestSeat_AfterStartOnlyRejoins(t *testing.T) {
	e := newTestEngine(t, 1)
	s := started(t, e, false)

	_, _, err := e.Apply(s, Command{Type: CmdSeat, ParticipantID: "late", Role: RoleOperator})
	assert.ErrorIs(t, err, ErrAlreadyStarted)
}

func TestStart_LoneHumanIsImpostor(t *testing.T) {
	e := newTestEngine(t, 2)
	s := started(t, e, false)

	assert.True(t, s.Started)
	assert.Equal(t, 0, s.PhaseIndex)
	assert.Equal(t, TurnHuman, s.Turn)
	assert.NotEmpty(t, s.Topic)
	assert.NotEmpty(t, s.CitizenWord)

	human, ok := s.Human()
	require.True(t, ok)
	assert.True(t, human.IsImpostor)
	assert.Equal(t, s.ImpostorWord, human.Word)
	assert.Contains(t, AnonymousNames, human.Alias)

	ai := s.AIPlayers()
	require.Len(t, ai, 4)
	personas := map[string]bool{}
	for _, p := range ai {
		assert.False(t, p.IsImpostor)
		assert.Equal(t, s.CitizenWord, p.Word)
		personas[p.Persona] = true
	}
	assert.Len(t, personas, 4, "every ai player needs its own persona")

	require.Len(t, s.Transcript, 1)
	assert.Equal(t, SenderSystem, s.Transcript[0].SenderKind)
	assert.Equal(t, PhaseStatement1, s.Transcript[0].Phase)
}

func TestStart_OperatorIsImpostor(t *testing.T) {
	e := newTestEngine(t, 3)
	s := started(t, e, true)

	op, _ := s.Operator()
	human, _ := s.Human()
	assert.True(t, op.IsImpostor)
	assert.False(t, human.IsImpostor)
	assert.Equal(t, s.CitizenWord, human.Word)
}

func TestStart_OnlyAuthority(t *testing.T) {
	e := newTestEngine(t, 1)
	s := NewState("R", Rules{})
	_, s = mustApply(t, e, s, Command{Type: CmdSeat, ParticipantID: "h1", Role: RoleHuman})
	_, s = mustApply(t, e, s, Command{Type: CmdSeat, ParticipantID: "op", Role: RoleOperator})

	_, _, err := e.Apply(s, Command{Type: CmdStart, ParticipantID: "op"})
	assert.ErrorIs(t, err, ErrNotAuthority)
}

func TestPost_BeforeStart(t *testing.T) {
	e := newTestEngine(t, 1)
	s := NewState("R", Rules{})
	_, s = mustApply(t, e, s, Command{Type: CmdSeat, ParticipantID: "h1", Role: RoleHuman})

	_, _, err := e.Apply(s, Command{Type: CmdPost, ParticipantID: "h1", Text: "hi"})
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestPost_HumanTurnRequestsAggregation(t *testing.T) {
	e := newTestEngine(t, 4)

	t.Run("without operator the ai holds the turn", func(t *testing.T) {
		s := started(t, e, false)
		events, next := mustApply(t, e, s, Command{Type: CmdPost, ParticipantID: "h1", Text: "힌트1"})

		assert.True(t, containsEvent(events, EvtAggregationRequested))
		assert.Equal(t, TurnAI, next.Turn)
		require.NotNil(t, next.Pending)
		assert.False(t, next.Pending.Ready)
		assert.Equal(t, PhaseStatement1, next.Pending.Phase)
		assert.Equal(t, 0, next.PhaseIndex)
		assert.Equal(t, "힌트1", next.Transcript[len(next.Transcript)-1].Text)
	})

	t.Run("with operator the operator is owed the turn", func(t *testing.T) {
		s := started(t, e, true)
		_, next := mustApply(t, e, s, Command{Type: CmdPost, ParticipantID: "h1", Text: "hint"})
		assert.Equal(t, TurnOperator, next.Turn)
	})
}

func TestPost_EmptyMessage(t *testing.T) {
	e := newTestEngine(t, 1)
	s := started(t, e, false)

	_, next, err := e.Apply(s, Command{Type: CmdPost, ParticipantID: "h1", Text: "   "})
	assert.ErrorIs(t, err, ErrEmptyMessage)
	assert.Equal(t, s, next)
}

func TestTurnViolations_NeverMutate(t *testing.T) {
	e := newTestEngine(t, 5)
	s := started(t, e, true)

	wrong := []Command{
		{Type: CmdPost, ParticipantID: "op", Text: "operator speaks out of turn"},
		{Type: CmdPost, ParticipantID: "ghost", Text: "who am I"},
	}
	for _, cmd := range wrong {
		_, next, err := e.Apply(s, cmd)
		assert.Error(t, err)
		assert.Equal(t, s, next)
	}

	_, s = mustApply(t, e, s, Command{Type: CmdPost, ParticipantID: "h1", Text: "hint"})
	before := s.Clone()

	_, next, err := e.Apply(s, Command{Type: CmdPost, ParticipantID: "h1", Text: "second hint"})
	assert.ErrorIs(t, err, ErrWrongTurn)
	assert.Equal(t, before, next)
	assert.Equal(t, before, s)

	_, s = mustApply(t, e, s, Command{Type: CmdBatchReady, Batch: batchFor(s)})
	_, s = mustApply(t, e, s, Command{Type: CmdPost, ParticipantID: "op", Text: "bluff"})
	assert.Equal(t, 1, s.PhaseIndex)

	for _, entry := range s.Transcript {
		assert.NotEqual(t, "operator speaks out of turn", entry.Text)
		assert.NotEqual(t, "second hint", entry.Text)
	}
}

func TestOperatorBeforeBatchReady_IsRejectedAndTurnKept(t *testing.T) {
	e := newTestEngine(t, 6)
	s := started(t, e, true)
	_, s = mustApply(t, e, s, Command{Type: CmdPost, ParticipantID: "h1", Text: "hint"})

	_, next, err := e.Apply(s, Command{Type: CmdPost, ParticipantID: "op", Text: "too early"})
	assert.ErrorIs(t, err, ErrAggregationPending)
	assert.Equal(t, s, next)
	assert.Equal(t, TurnOperator, next.Turn)
	assert.Empty(t, next.Pending.Answers)

	_, s = mustApply(t, e, s, Command{Type: CmdBatchReady, Batch: batchFor(s)})
	assert.Equal(t, TurnOperator, s.Turn)
	assert.True(t, s.Pending.Ready)
	assert.Len(t, s.Pending.Answers, 4)

	events, s := mustApply(t, e, s, Command{Type: CmdPost, ParticipantID: "op", Text: "now"})
	assert.True(t, containsEvent(events, EvtMerged))
	assert.Nil(t, s.Pending)
	assert.Equal(t, PhaseDiscussion1, s.Phase())
	assert.Equal(t, TurnHuman, s.Turn)
}

func TestBatchReady_WithoutOperatorMergesAndAdvances(t *testing.T) {
	e := newTestEngine(t, 7)
	s := started(t, e, false)
	_, s = mustApply(t, e, s, Command{Type: CmdPost, ParticipantID: "h1", Text: "힌트1"})

	events, s := mustApply(t, e, s, Command{Type: CmdBatchReady, Batch: batchFor(s)})
	assert.True(t, containsEvent(events, EvtPhaseAdvanced))

	// marker, human, 4 ai answers, next marker
	require.Len(t, s.Transcript, 7)
	assert.Equal(t, SenderSystem, s.Transcript[0].SenderKind)
	assert.Equal(t, "힌트1", s.Transcript[1].Text)
	for _, entry := range s.Transcript[2:6] {
		assert.Equal(t, SenderAI, entry.SenderKind)
		assert.Equal(t, PhaseStatement1, entry.Phase)
	}
	assert.Equal(t, SenderSystem, s.Transcript[6].SenderKind)
	assert.Equal(t, PhaseDiscussion1, s.Transcript[6].Phase)

	assert.Equal(t, 1, s.PhaseIndex)
	assert.Equal(t, TurnHuman, s.Turn)
	assert.Nil(t, s.Pending)

	for _, p := range s.AIPlayers() {
		assert.NotEmpty(t, p.History, "ai history is written back from the batch")
	}
}

func TestBatchReady_Stale(t *testing.T) {
	e := newTestEngine(t, 8)
	s := started(t, e, false)

	_, _, err := e.Apply(s, Command{Type: CmdBatchReady, Batch: &BatchResult{Phase: PhaseStatement1}})
	assert.ErrorIs(t, err, ErrStaleBatch)

	_, s = mustApply(t, e, s, Command{Type: CmdPost, ParticipantID: "h1", Text: "hint"})
	_, _, err = e.Apply(s, Command{Type: CmdBatchReady, Batch: &BatchResult{Phase: PhaseVote}})
	assert.ErrorIs(t, err, ErrStaleBatch)
}

func TestAdvance_ForcedByAuthority(t *testing.T) {
	e := newTestEngine(t, 9)
	s := started(t, e, true)

	_, _, err := e.Apply(s, Command{Type: CmdAdvance, ParticipantID: "op"})
	assert.ErrorIs(t, err, ErrNotAuthority)

	events, s := mustApply(t, e, s, Command{Type: CmdAdvance, ParticipantID: "h1"})
	assert.True(t, containsEvent(events, EvtAggregationRequested))
	assert.Equal(t, "", events[0].Trigger)

	_, _, err = e.Apply(s, Command{Type: CmdAdvance, ParticipantID: "h1"})
	assert.ErrorIs(t, err, ErrAggregationPending)

	_, s = mustApply(t, e, s, Command{Type: CmdBatchReady, Batch: batchFor(s)})
	_, s = mustApply(t, e, s, Command{Type: CmdAdvance, ParticipantID: "h1"})
	assert.Equal(t, PhaseDiscussion1, s.Phase())
}

func TestVote_IsTerminal(t *testing.T) {
	e := newTestEngine(t, 10)
	s := started(t, e, false)

	var events []Event
	for s.Turn != TurnVoting {
		_, s = mustApply(t, e, s, Command{Type: CmdPost, ParticipantID: "h1", Text: "hint"})
		events, s = mustApply(t, e, s, Command{Type: CmdBatchReady, Batch: batchFor(s)})
	}
	assert.True(t, containsEvent(events, EvtVotingOpened))
	assert.Equal(t, LastPhaseIndex, s.PhaseIndex)
	assert.Equal(t, PhaseVote, s.Phase())

	_, next, err := e.Apply(s, Command{Type: CmdPost, ParticipantID: "h1", Text: "more"})
	assert.ErrorIs(t, err, ErrGameOver)
	assert.Equal(t, s, next)

	_, _, err = e.Apply(s, Command{Type: CmdAdvance, ParticipantID: "h1"})
	assert.ErrorIs(t, err, ErrGameOver)
}

func TestLeave(t *testing.T) {
	e := newTestEngine(t, 11)
	s := started(t, e, true)

	events, next := mustApply(t, e, s, Command{Type: CmdLeave, ParticipantID: "op"})
	assert.False(t, containsEvent(events, EvtAuthorityLeft))
	op, _ := next.Player("op")
	assert.False(t, op.Connected)
	assert.Len(t, next.Players, len(s.Players), "leaving never removes a player")

	events, _ = mustApply(t, e, next, Command{Type: CmdLeave, ParticipantID: "h1"})
	assert.True(t, containsEvent(events, EvtAuthorityLeft))

	_, _, err := e.Apply(s, Command{Type: CmdLeave, ParticipantID: s.AIPlayers()[0].ID})
	assert.ErrorIs(t, err, ErrUnknownPlayer)
}

func TestDisconnect(t *testing.T) {
	e := newTestEngine(t, 12)

	t.Run("human owner drops", func(t *testing.T) {
		s := started(t, e, false)
		events, next := mustApply(t, e, s, Command{Type: CmdDisconnect, ParticipantID: "h1"})
		assert.True(t, containsEvent(events, EvtDisconnected))
		assert.True(t, containsEvent(events, EvtAuthorityLeft))
		h, _ := next.Player("h1")
		assert.False(t, h.Connected)
	})

	t.Run("operator owner drops", func(t *testing.T) {
		s := NewState("ROOM02", Rules{})
		_, s = mustApply(t, e, s, Command{Type: CmdSeat, ParticipantID: "op", Name: "bob", Role: RoleOperator})
		_, s = mustApply(t, e, s, Command{Type: CmdStart, ParticipantID: "op"})
		op, _ := s.Player("op")
		require.True(t, op.IsImpostor)

		events, next := mustApply(t, e, s, Command{Type: CmdDisconnect, ParticipantID: "op"})
		assert.False(t, containsEvent(events, EvtAuthorityLeft))
		op, _ = next.Player("op")
		assert.False(t, op.Connected)

		// Same pid comes back.
		_, next = mustApply(t, e, next, Command{Type: CmdSeat, ParticipantID: "op", Role: RoleOperator})
		op, _ = next.Player("op")
		assert.True(t, op.Connected)
		assert.True(t, op.IsImpostor)

		events, _ = mustApply(t, e, next, Command{Type: CmdLeave, ParticipantID: "op"})
		assert.True(t, containsEvent(events, EvtAuthorityLeft))
	})

	t.Run("unknown player", func(t *testing.T) {
		_, _, err := e.Apply(NewState("R", Rules{}), Command{Type: CmdDisconnect, ParticipantID: "ghost"})
		assert.ErrorIs(t, err, ErrUnknownPlayer)
	})
}

func TestMergeOrder_IsPermutation(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 42))

	for batch := range 100 {
		n := 1 + rng.IntN(6)
		ai := make([]Entry, n)
		for i := range ai {
			ai[i] = Entry{ID: fmt.Sprintf("b%d-ai%d", batch, i)}
		}
		held := &Entry{ID: fmt.Sprintf("b%d-op", batch)}

		out := MergeOrder(rng, held, ai)
		require.Len(t, out, n+1)

		want := map[string]int{held.ID: 1}
		for _, entry := range ai {
			want[entry.ID]++
		}
		got := map[string]int{}
		for _, entry := range out {
			got[entry.ID]++
		}
		assert.Equal(t, want, got)
	}
}

func TestMergeOrder_ActuallyShuffles(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 1))
	ai := []Entry{{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "d"}}
	held := &Entry{ID: "op"}

	lastSeen := map[string]bool{}
	for range 200 {
		out := MergeOrder(rng, held, ai)
		lastSeen[out[len(out)-1].ID] = true
	}
	assert.Len(t, lastSeen, 5, "every entry should sometimes land last")
}

func TestPhaseIndex_MonotoneUnderRandomEvents(t *testing.T) {
	for seed := range uint64(25) {
		e := newTestEngine(t, seed)
		rng := rand.New(rand.NewPCG(seed, 99))
		s := started(t, e, seed%2 == 0)

		for range 200 {
			var cmd Command
			switch rng.IntN(6) {
			case 0:
				cmd = Command{Type: CmdPost, ParticipantID: "h1", Text: "hint"}
			case 1:
				cmd = Command{Type: CmdPost, ParticipantID: "op", Text: "bluff"}
			case 2:
				cmd = Command{Type: CmdAdvance, ParticipantID: "h1"}
			case 3:
				if s.Pending != nil {
					cmd = Command{Type: CmdBatchReady, Batch: batchFor(s)}
				} else {
					cmd = Command{Type: CmdBatchReady, Batch: &BatchResult{Phase: s.Phase()}}
				}
			case 4:
				cmd = Command{Type: CmdPost, ParticipantID: "nobody", Text: "?"}
			default:
				cmd = Command{Type: CmdAdvance, ParticipantID: "op"}
			}

			_, next, err := e.Apply(s, cmd)
			if err != nil {
				assert.Equal(t, s, next)
				continue
			}
			assert.GreaterOrEqual(t, next.PhaseIndex, s.PhaseIndex)
			assert.LessOrEqual(t, next.PhaseIndex, LastPhaseIndex)
			assert.GreaterOrEqual(t, len(next.Transcript), len(s.Transcript))
			assert.Equal(t, s.Transcript, next.Transcript[:len(s.Transcript)], "appends only")
			s = next
		}
	}
}

func TestRecent(t *testing.T) {
	s := NewState("R", Rules{})
	for i := range 5 {
		s.Transcript = append(s.Transcript, Entry{ID: fmt.Sprint(i)})
	}
	assert.Len(t, s.Recent(3), 3)
	assert.Equal(t, "4", s.Recent(3)[2].ID)
	assert.Len(t, s.Recent(10), 5)
	assert.Nil(t, s.Recent(0))
}
