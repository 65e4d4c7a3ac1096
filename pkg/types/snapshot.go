// Package types is the JSON wire format observers receive.
package types

import "time"

// Event types
const (
	EventRoomState = "room_state"
	EventAIStatus  = "ai_status"
	EventError     = "error"
)

// AI status values
const (
	AIStatusStart = "start"
	AIStatusEnd   = "end"
)

// RoomSnapshot is everything an observer may see of a room. Words and roles
// are only filled in for the viewer's own seat.
type RoomSnapshot struct {
	RoomID     string       `json:"room_id"`
	Started    bool         `json:"started"`
	Topic      string       `json:"topic,omitempty"`
	Phase      string       `json:"phase,omitempty"`
	PhaseLabel string       `json:"phase_label,omitempty"`
	PhaseIndex int          `json:"phase_index"`
	PhaseCount int          `json:"phase_count"`
	Turn       string       `json:"turn"`
	AIPending  bool         `json:"ai_pending"`
	Players    []PlayerView `json:"players"`
	Transcript []EntryView  `json:"transcript"`
	You        *SeatView    `json:"you,omitempty"`
}

type PlayerView struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	IsHuman   bool   `json:"is_human"`
	Connected bool   `json:"connected"`
}

type SeatView struct {
	ID         string `json:"id"`
	Role       string `json:"role"`
	Word       string `json:"word,omitempty"`
	IsImpostor bool   `json:"is_impostor"`
	IsOwner    bool   `json:"is_owner"`
}

type EntryView struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"sender_id,omitempty"`
	SenderName string    `json:"sender_name"`
	SenderKind string    `json:"sender_kind"`
	Text       string    `json:"text"`
	Phase      string    `json:"phase"`
	Timestamp  time.Time `json:"timestamp"`
}

// Event is one outbound notification, both on the websocket and on the
// pub/sub gateway.
type Event struct {
	Type    string        `json:"type"`
	RoomID  string        `json:"room_id"`
	Version int           `json:"version,omitempty"`
	State   *RoomSnapshot `json:"state,omitempty"`
	Status  string        `json:"status,omitempty"`
	Error   string        `json:"error,omitempty"`
}
