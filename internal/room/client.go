package room

import (
	"context"

	"github.com/DoyleJ11/liar-game-backend/internal/engine"
)

// deliver puts m on the inbox unless the room has stopped or ctx ends first.
func (r *Room) deliver(ctx context.Context, m Msg) error {
	select {
	case r.inbox <- m:
		return nil
	case <-r.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Room) await(ctx context.Context, m Msg, reply chan error) error {
	if err := r.deliver(ctx, m); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-r.done:
		// The command that closed the room still replied first.
		select {
		case err := <-reply:
			return err
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Room) Attach(ctx context.Context, clientID string, outbox chan Outbound) error {
	return r.deliver(ctx, Attach{ClientID: clientID, Outbox: outbox})
}

func (r *Room) Detach(ctx context.Context, clientID string) error {
	return r.deliver(ctx, Detach{ClientID: clientID})
}

func (r *Room) Seat(ctx context.Context, participantID, name string, role engine.Role) error {
	reply := make(chan error, 1)
	return r.await(ctx, Seat{ParticipantID: participantID, Name: name, Role: role, Reply: reply}, reply)
}

func (r *Room) Leave(ctx context.Context, participantID string) error {
	reply := make(chan error, 1)
	return r.await(ctx, Leave{ParticipantID: participantID, Reply: reply}, reply)
}

func (r *Room) Disconnect(ctx context.Context, participantID string) error {
	reply := make(chan error, 1)
	return r.await(ctx, Disconnect{ParticipantID: participantID, Reply: reply}, reply)
}

func (r *Room) Start(ctx context.Context, participantID string) error {
	reply := make(chan error, 1)
	return r.await(ctx, Start{ParticipantID: participantID, Reply: reply}, reply)
}

func (r *Room) Post(ctx context.Context, participantID, text string) error {
	reply := make(chan error, 1)
	return r.await(ctx, Post{ParticipantID: participantID, Text: text, Reply: reply}, reply)
}

func (r *Room) Advance(ctx context.Context, participantID string) error {
	reply := make(chan error, 1)
	return r.await(ctx, Advance{ParticipantID: participantID, Reply: reply}, reply)
}

func (r *Room) State(ctx context.Context) (View, error) {
	reply := make(chan View, 1)
	if err := r.deliver(ctx, GetState{Reply: reply}); err != nil {
		return View{}, err
	}
	select {
	case v := <-reply:
		return v, nil
	case <-r.done:
		return View{}, ErrClosed
	case <-ctx.Done():
		return View{}, ctx.Err()
	}
}

// Shutdown asks the loop to stop and waits for it.
func (r *Room) Shutdown(ctx context.Context) error {
	if err := r.deliver(ctx, Shutdown{}); err != nil && err != ErrClosed {
		return err
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
