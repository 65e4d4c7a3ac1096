package engine

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"time"

	"github.com/DoyleJ11/liar-game-backend/internal/common/clock"
	"github.com/DoyleJ11/liar-game-backend/internal/common/uuid"
	"github.com/DoyleJ11/liar-game-backend/internal/completion"
	"github.com/DoyleJ11/liar-game-backend/internal/words"
)

var ErrNotStarted = errors.New("game not started")
var ErrAlreadyStarted = errors.New("game already started")
var ErrWrongTurn = errors.New("invalid turn")
var ErrGameOver = errors.New("game is in the voting phase")
var ErrAggregationPending = errors.New("ai answers are not ready yet")
var ErrNoBatch = errors.New("no ai batch for this phase")
var ErrStaleBatch = errors.New("ai batch does not match the pending phase")
var ErrUnknownPlayer = errors.New("unknown player")
var ErrUnknownRole = errors.New("unknown role")
var ErrRoomFull = errors.New("room is full")
var ErrEmptyMessage = errors.New("empty message")
var ErrNotAuthority = errors.New("only the room owner can do that")
var ErrUnsupportedCommand = errors.New("unsupported command")

type Phase string

const (
	PhaseStatement1  Phase = "statement-1"
	PhaseDiscussion1 Phase = "discussion-1"
	PhaseStatement2  Phase = "statement-2"
	PhaseDiscussion2 Phase = "discussion-2"
	PhaseVote        Phase = "vote"
)

// Kind selects the prompt template for a phase.
type Kind string

const (
	KindStatement  Kind = "statement"
	KindDiscussion Kind = "discussion"
	KindVote       Kind = "vote"
)

type PhaseStep struct {
	Phase Phase
	Kind  Kind
	Label string
}

type Turn string

const (
	TurnNone     Turn = "none"
	TurnHuman    Turn = "human"
	TurnOperator Turn = "operator"
	TurnAI       Turn = "ai"
	TurnVoting   Turn = "voting"
)

type SenderKind string

const (
	SenderHuman  SenderKind = "human"
	SenderAI     SenderKind = "ai"
	SenderSystem SenderKind = "system"
)

type Role string

const (
	RoleHuman    Role = "human"
	RoleOperator Role = "operator"
)

// Entry is one line of the room transcript. Entries are never edited after
// they are appended.
type Entry struct {
	ID         string
	SenderID   string
	SenderName string
	SenderKind SenderKind
	Text       string
	Phase      Phase
	Timestamp  time.Time
}

type Player struct {
	ID         string
	Name       string
	Alias      string
	IsHuman    bool
	IsOperator bool
	IsImpostor bool
	Connected  bool
	Word       string
	Persona    string
	History    []completion.Message
}

// DisplayName is what other participants see in the transcript.
func (p Player) DisplayName() string {
	if p.Alias != "" {
		return p.Alias
	}
	return p.Name
}

// Batch holds the AI answers of one phase between the moment aggregation is
// requested and the merge.
type Batch struct {
	Phase   Phase
	Kind    Kind
	Ready   bool
	Answers map[string]Entry
	Order   []string
}

type Rules struct {
	AIPlayers     int
	DecoyWord     bool
	HistoryWindow int
}

type State struct {
	ID           string
	Topic        string
	CitizenWord  string
	ImpostorWord string
	Players      []Player
	Transcript   []Entry
	PhaseIndex   int
	Turn         Turn
	Pending      *Batch
	Started      bool
	AuthorityID  string
	Rules        Rules
}

type CommandType string

const (
	CmdSeat       CommandType = "Seat"
	CmdLeave      CommandType = "Leave"
	CmdDisconnect CommandType = "Disconnect"
	CmdStart      CommandType = "Start"
	CmdPost       CommandType = "Post"
	CmdAdvance    CommandType = "Advance"
	CmdBatchReady CommandType = "BatchReady"
)

/*
	CmdSeat       -> EvtSeated
	CmdLeave      -> EvtLeft (-> EvtAuthorityLeft)
	CmdDisconnect -> EvtDisconnected (-> EvtAuthorityLeft unless the owner holds the operator seat)
	CmdStart      -> EvtGameStarted -> EvtEntryAppended (phase marker)
	CmdPost       -> human turn:    EvtEntryAppended -> EvtAggregationRequested
	              -> operator turn: EvtMerged -> EvtPhaseAdvanced -> EvtEntryAppended (-> EvtVotingOpened)
	CmdAdvance    -> same as CmdPost without the participant's entry
	CmdBatchReady -> EvtBatchStored (-> merge chain when nobody holds the operator seat)
*/

type Command struct {
	Type          CommandType
	ParticipantID string
	Name          string
	Role          Role
	Text          string
	Batch         *BatchResult
}

type BatchResult struct {
	Phase     Phase
	Entries   []Entry
	Histories map[string][]completion.Message
}

type EventType string

const (
	EvtSeated               EventType = "Seated"
	EvtLeft                 EventType = "Left"
	EvtDisconnected         EventType = "Disconnected"
	EvtAuthorityLeft        EventType = "AuthorityLeft"
	EvtGameStarted          EventType = "GameStarted"
	EvtEntryAppended        EventType = "EntryAppended"
	EvtAggregationRequested EventType = "AggregationRequested"
	EvtBatchStored          EventType = "BatchStored"
	EvtMerged               EventType = "Merged"
	EvtPhaseAdvanced        EventType = "PhaseAdvanced"
	EvtVotingOpened         EventType = "VotingOpened"
)

type Event struct {
	Type          EventType
	ParticipantID string
	Phase         Phase
	Kind          Kind
	Trigger       string
}

type Config struct {
	Words    *words.Bank
	Personas []string
	Rand     *rand.Rand
	Clock    clock.Clock
	UUID     uuid.UUID
}

// Engine applies commands to a room State. It is not safe for concurrent
// use; each room owns one.
type Engine struct {
	words    *words.Bank
	personas []string
	rng      *rand.Rand
	clock    clock.Clock
	uuid     uuid.UUID
}

func New(cfg *Config) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if len(cfg.Personas) == 0 {
		return nil, errors.New("at least one ai persona is required")
	}
	seen := make(map[string]bool, len(cfg.Personas))
	for _, p := range cfg.Personas {
		if seen[p] {
			return nil, fmt.Errorf("duplicate ai persona %q", p)
		}
		seen[p] = true
	}

	e := &Engine{
		words:    cfg.Words,
		personas: slices.Clone(cfg.Personas),
		rng:      cfg.Rand,
		clock:    cfg.Clock,
		uuid:     cfg.UUID,
	}
	if e.words == nil {
		e.words = words.Default()
	}
	if e.rng == nil {
		e.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if e.clock == nil {
		e.clock = &clock.DefaultClock{}
	}
	if e.uuid == nil {
		e.uuid = uuid.New()
	}
	return e, nil
}

func (e *Engine) Apply(s State, cmd Command) ([]Event, State, error) {
	switch cmd.Type {
	case CmdSeat:
		return e.seat(s, cmd)
	case CmdLeave:
		return e.leave(s, cmd)
	case CmdDisconnect:
		return e.disconnect(s, cmd)
	case CmdStart:
		return e.start(s, cmd)
	case CmdPost:
		return e.post(s, cmd)
	case CmdAdvance:
		return e.forceAdvance(s, cmd)
	case CmdBatchReady:
		return e.batchReady(s, cmd)
	default:
		return nil, s, ErrUnsupportedCommand
	}
}

func (e *Engine) seat(s State, cmd Command) ([]Event, State, error) {
	if cmd.ParticipantID == "" {
		return nil, s, ErrUnknownPlayer
	}

	// Rejoin after a dropped connection.
	if i := s.playerIndex(cmd.ParticipantID); i >= 0 {
		if !s.Players[i].IsHuman {
			return nil, s, ErrUnknownPlayer
		}
		next := s.Clone()
		next.Players[i].Connected = true
		return []Event{{Type: EvtSeated, ParticipantID: cmd.ParticipantID}}, next, nil
	}

	if s.Started {
		return nil, s, ErrAlreadyStarted
	}

	switch cmd.Role {
	case RoleOperator:
		if _, ok := s.Operator(); ok {
			return nil, s, ErrRoomFull
		}
	case RoleHuman:
		if _, ok := s.Human(); ok {
			return nil, s, ErrRoomFull
		}
	default:
		return nil, s, ErrUnknownRole
	}

	name := strings.TrimSpace(cmd.Name)
	if name == "" {
		name = "player"
	}

	next := s.Clone()
	next.Players = append(next.Players, Player{
		ID:         cmd.ParticipantID,
		Name:       name,
		IsHuman:    true,
		IsOperator: cmd.Role == RoleOperator,
		Connected:  true,
	})
	if next.AuthorityID == "" {
		next.AuthorityID = cmd.ParticipantID
	}
	return []Event{{Type: EvtSeated, ParticipantID: cmd.ParticipantID}}, next, nil
}

func (e *Engine) leave(s State, cmd Command) ([]Event, State, error) {
	i := s.playerIndex(cmd.ParticipantID)
	if i < 0 || !s.Players[i].IsHuman {
		return nil, s, ErrUnknownPlayer
	}

	next := s.Clone()
	next.Players[i].Connected = false

	events := []Event{{Type: EvtLeft, ParticipantID: cmd.ParticipantID}}
	if cmd.ParticipantID == s.AuthorityID {
		events = append(events, Event{Type: EvtAuthorityLeft, ParticipantID: cmd.ParticipantID})
	}
	return events, next, nil
}

// disconnect marks a dropped connection. The owner seated as operator plays
// the impostor, and their room survives until they leave explicitly.
func (e *Engine) disconnect(s State, cmd Command) ([]Event, State, error) {
	i := s.playerIndex(cmd.ParticipantID)
	if i < 0 || !s.Players[i].IsHuman {
		return nil, s, ErrUnknownPlayer
	}

	next := s.Clone()
	next.Players[i].Connected = false

	events := []Event{{Type: EvtDisconnected, ParticipantID: cmd.ParticipantID}}
	if cmd.ParticipantID == s.AuthorityID && !s.Players[i].IsOperator {
		events = append(events, Event{Type: EvtAuthorityLeft, ParticipantID: cmd.ParticipantID})
	}
	return events, next, nil
}

func (e *Engine) start(s State, cmd Command) ([]Event, State, error) {
	if s.Started {
		return nil, s, ErrAlreadyStarted
	}
	if cmd.ParticipantID == "" || cmd.ParticipantID != s.AuthorityID {
		return nil, s, ErrNotAuthority
	}

	next := s.Clone()
	sel := e.words.Select(e.rng, s.Rules.DecoyWord)
	next.Topic = sel.Topic
	next.CitizenWord = sel.CitizenWord
	next.ImpostorWord = sel.ImpostorWord

	// The operator plays the impostor when seated; otherwise the lone human does.
	impostor, ok := s.Operator()
	if !ok {
		impostor, _ = s.Human()
	}

	aliases := slices.Clone(AnonymousNames)
	e.rng.Shuffle(len(aliases), func(i, j int) { aliases[i], aliases[j] = aliases[j], aliases[i] })

	k := 0
	for i := range next.Players {
		p := &next.Players[i]
		if !p.IsHuman {
			continue
		}
		p.Alias = aliases[k%len(aliases)]
		k++
		if p.ID == impostor.ID {
			p.IsImpostor = true
			p.Word = sel.ImpostorWord
		} else {
			p.Word = sel.CitizenWord
		}
	}

	n := min(s.Rules.AIPlayers, len(e.personas))
	for i := range n {
		next.Players = append(next.Players, Player{
			ID:        e.uuid.NewUUID(),
			Name:      fmt.Sprintf("AI %d", i+1),
			Persona:   e.personas[i],
			Word:      sel.CitizenWord,
			Connected: true,
		})
	}

	next.Started = true
	next.PhaseIndex = 0
	next.Turn = nextTurn[PhaseSequence[0].Kind]

	events := []Event{{Type: EvtGameStarted, ParticipantID: cmd.ParticipantID, Phase: PhaseSequence[0].Phase}}
	events = append(events, e.appendMarker(&next, PhaseSequence[0]))
	return events, next, nil
}

func (e *Engine) post(s State, cmd Command) ([]Event, State, error) {
	if !s.Started {
		return nil, s, ErrNotStarted
	}
	text := strings.TrimSpace(cmd.Text)
	if text == "" {
		return nil, s, ErrEmptyMessage
	}
	i := s.playerIndex(cmd.ParticipantID)
	if i < 0 || !s.Players[i].IsHuman {
		return nil, s, ErrUnknownPlayer
	}
	sender := s.Players[i]
	step := s.Step()

	switch s.Turn {
	case TurnVoting:
		return nil, s, ErrGameOver

	case TurnAI:
		return nil, s, ErrAggregationPending

	case TurnHuman:
		if sender.IsOperator {
			return nil, s, ErrWrongTurn
		}
		next := s.Clone()
		next.Transcript = append(next.Transcript, e.newEntry(sender, text, step.Phase))
		events := []Event{{Type: EvtEntryAppended, ParticipantID: sender.ID, Phase: step.Phase}}
		events = append(events, e.requestAggregation(&next, text))
		return events, next, nil

	case TurnOperator:
		if !sender.IsOperator {
			return nil, s, ErrWrongTurn
		}
		if s.Pending == nil {
			return nil, s, ErrNoBatch
		}
		// The operator's line is only ever merged together with a complete batch.
		if !s.Pending.Ready {
			return nil, s, ErrAggregationPending
		}
		next := s.Clone()
		held := e.newEntry(sender, text, step.Phase)
		return e.merge(&next, &held), next, nil
	}

	return nil, s, ErrWrongTurn
}

func (e *Engine) forceAdvance(s State, cmd Command) ([]Event, State, error) {
	if !s.Started {
		return nil, s, ErrNotStarted
	}
	if cmd.ParticipantID == "" || cmd.ParticipantID != s.AuthorityID {
		return nil, s, ErrNotAuthority
	}

	switch s.Turn {
	case TurnVoting:
		return nil, s, ErrGameOver
	case TurnAI:
		return nil, s, ErrAggregationPending
	case TurnHuman:
		next := s.Clone()
		return []Event{e.requestAggregation(&next, "")}, next, nil
	case TurnOperator:
		if s.Pending == nil {
			return nil, s, ErrNoBatch
		}
		if !s.Pending.Ready {
			return nil, s, ErrAggregationPending
		}
		next := s.Clone()
		return e.merge(&next, nil), next, nil
	}

	return nil, s, ErrWrongTurn
}

func (e *Engine) batchReady(s State, cmd Command) ([]Event, State, error) {
	b := cmd.Batch
	if b == nil || s.Pending == nil || s.Pending.Ready || b.Phase != s.Pending.Phase {
		return nil, s, ErrStaleBatch
	}

	next := s.Clone()
	for _, entry := range b.Entries {
		if _, dup := next.Pending.Answers[entry.SenderID]; !dup {
			next.Pending.Order = append(next.Pending.Order, entry.SenderID)
		}
		next.Pending.Answers[entry.SenderID] = entry
	}
	next.Pending.Ready = true

	for id, history := range b.Histories {
		if i := next.playerIndex(id); i >= 0 && !next.Players[i].IsHuman {
			next.Players[i].History = history
		}
	}

	events := []Event{{Type: EvtBatchStored, Phase: b.Phase}}
	if next.Turn == TurnAI {
		events = append(events, e.merge(&next, nil)...)
	}
	return events, next, nil
}

func (e *Engine) requestAggregation(next *State, trigger string) Event {
	step := next.Step()
	next.Pending = &Batch{
		Phase:   step.Phase,
		Kind:    step.Kind,
		Answers: make(map[string]Entry),
	}
	if _, ok := next.Operator(); ok {
		next.Turn = TurnOperator
	} else {
		next.Turn = TurnAI
	}
	return Event{Type: EvtAggregationRequested, Phase: step.Phase, Kind: step.Kind, Trigger: trigger}
}

func (e *Engine) merge(next *State, held *Entry) []Event {
	ai := make([]Entry, 0, len(next.Pending.Order))
	for _, id := range next.Pending.Order {
		ai = append(ai, next.Pending.Answers[id])
	}

	phase := next.Pending.Phase
	next.Transcript = append(next.Transcript, MergeOrder(e.rng, held, ai)...)
	next.Pending = nil

	events := []Event{{Type: EvtMerged, Phase: phase}}
	return append(events, e.advance(next)...)
}

func (e *Engine) advance(next *State) []Event {
	if next.PhaseIndex >= LastPhaseIndex {
		return nil
	}

	next.PhaseIndex++
	step := PhaseSequence[next.PhaseIndex]
	next.Turn = nextTurn[step.Kind]

	events := []Event{{Type: EvtPhaseAdvanced, Phase: step.Phase, Kind: step.Kind}}
	events = append(events, e.appendMarker(next, step))
	if step.Kind == KindVote {
		events = append(events, Event{Type: EvtVotingOpened, Phase: step.Phase})
	}
	return events
}

func (e *Engine) appendMarker(next *State, step PhaseStep) Event {
	next.Transcript = append(next.Transcript, Entry{
		ID:         e.uuid.NewUUID(),
		SenderName: "system",
		SenderKind: SenderSystem,
		Text:       fmt.Sprintf("--- %s ---", step.Label),
		Phase:      step.Phase,
		Timestamp:  e.clock.Now(),
	})
	return Event{Type: EvtEntryAppended, Phase: step.Phase}
}

func (e *Engine) newEntry(p Player, text string, phase Phase) Entry {
	return Entry{
		ID:         e.uuid.NewUUID(),
		SenderID:   p.ID,
		SenderName: p.DisplayName(),
		SenderKind: SenderHuman,
		Text:       text,
		Phase:      phase,
		Timestamp:  e.clock.Now(),
	}
}
