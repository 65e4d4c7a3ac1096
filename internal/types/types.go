package types

import (
	"github.com/DoyleJ11/liar-game-backend/internal/engine"
	wire "github.com/DoyleJ11/liar-game-backend/pkg/types"
)

const (
	MsgSeat    = "seat"
	MsgStart   = "start"
	MsgPost    = "post"
	MsgAdvance = "advance"
	MsgLeave   = "leave"
)

type ClientMessage struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	// Name and Role are only read on "seat".
	Name string `json:"name,omitempty"`
	Role string `json:"role,omitempty"`
}

// Snapshot renders s for viewerID. An empty viewer (observers, the pub/sub
// gateway) sees no words and no roles.
func Snapshot(s engine.State, viewerID string) wire.RoomSnapshot {
	snap := wire.RoomSnapshot{
		RoomID:     s.ID,
		Started:    s.Started,
		Topic:      s.Topic,
		PhaseIndex: s.PhaseIndex,
		PhaseCount: len(engine.PhaseSequence),
		Turn:       string(s.Turn),
		AIPending:  s.Pending != nil && !s.Pending.Ready,
		Players:    make([]wire.PlayerView, 0, len(s.Players)),
		Transcript: make([]wire.EntryView, 0, len(s.Transcript)),
	}
	if s.Started {
		step := s.Step()
		snap.Phase = string(step.Phase)
		snap.PhaseLabel = step.Label
	}

	for _, p := range s.Players {
		snap.Players = append(snap.Players, wire.PlayerView{
			ID:        p.ID,
			Name:      p.DisplayName(),
			IsHuman:   p.IsHuman,
			Connected: p.Connected,
		})
	}

	for _, e := range s.Transcript {
		snap.Transcript = append(snap.Transcript, wire.EntryView{
			ID:         e.ID,
			SenderID:   e.SenderID,
			SenderName: e.SenderName,
			SenderKind: string(e.SenderKind),
			Text:       e.Text,
			Phase:      string(e.Phase),
			Timestamp:  e.Timestamp,
		})
	}

	if p, ok := s.Player(viewerID); ok && p.IsHuman {
		role := string(engine.RoleHuman)
		if p.IsOperator {
			role = string(engine.RoleOperator)
		}
		snap.You = &wire.SeatView{
			ID:         p.ID,
			Role:       role,
			Word:       p.Word,
			IsImpostor: p.IsImpostor,
			IsOwner:    p.ID == s.AuthorityID,
		}
	}

	return snap
}

func StateEvent(version int, s engine.State, viewerID string) wire.Event {
	snap := Snapshot(s, viewerID)
	return wire.Event{Type: wire.EventRoomState, RoomID: s.ID, Version: version, State: &snap}
}

func StatusEvent(roomID, status string) wire.Event {
	return wire.Event{Type: wire.EventAIStatus, RoomID: roomID, Status: status}
}

func ErrorEvent(roomID string, err error) wire.Event {
	return wire.Event{Type: wire.EventError, RoomID: roomID, Error: err.Error()}
}
