// Package registry owns every live room. Creation, lookup and removal all go
// through one loop so two callers can never race on the same code.
package registry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/liar-game-backend/internal/common/clock"
	"github.com/DoyleJ11/liar-game-backend/internal/room"
)

var ErrRoomNotFound = errors.New("room not found")
var ErrNoFreeCode = errors.New("could not find a free room code")
var ErrClosed = errors.New("registry is closed")

// CodeAlphabet leaves out characters that are easy to misread (0/O, 1/I).
const CodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
const CodeLength = 6

const defaultMaxAttempts = 100

func GenerateCode() (string, error) {
	code := make([]byte, CodeLength)
	for i := range code {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(CodeAlphabet))))
		if err != nil {
			return "", err
		}
		code[i] = CodeAlphabet[num.Int64()]
	}
	return string(code), nil
}

// Factory builds a running room. onClose must be passed through to the room
// so a room that ends itself drops out of the registry.
type Factory func(ctx context.Context, id string, onClose func(id string)) (*room.Room, error)

type Config struct {
	NewRoom Factory
	// NewCode defaults to GenerateCode.
	NewCode     func() (string, error)
	MaxAttempts int
	// IdleTimeout reaps rooms with no accepted command for this long; zero
	// keeps rooms until they close themselves.
	IdleTimeout time.Duration
	Clock       clock.Clock
	Logger      *zap.Logger
}

type Msg interface{ isRegistryMsg() }

type Create struct {
	ID    string
	Reply chan CreateResult
}

type CreateResult struct {
	Room    *room.Room
	Created bool
	Err     error
}

type Get struct {
	ID    string
	Reply chan *room.Room // nil when unknown
}

type Remove struct{ ID string }

type List struct {
	Reply chan []string
}

type Shutdown struct {
	Reply chan []*room.Room
}

func (Create) isRegistryMsg()   {}
func (Get) isRegistryMsg()      {}
func (Remove) isRegistryMsg()   {}
func (List) isRegistryMsg()     {}
func (Shutdown) isRegistryMsg() {}

type Registry struct {
	inbox   chan Msg
	rooms   map[string]*room.Room
	newRoom Factory
	newCode func() (string, error)
	tries   int
	idle    time.Duration
	clock   clock.Clock
	log     *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(parent context.Context, cfg *Config) (*Registry, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if cfg.NewRoom == nil {
		return nil, errors.New("room factory cannot be nil")
	}

	ctx, cancel := context.WithCancel(parent)
	r := &Registry{
		inbox:   make(chan Msg, 64),
		rooms:   make(map[string]*room.Room),
		newRoom: cfg.NewRoom,
		newCode: cfg.NewCode,
		tries:   cfg.MaxAttempts,
		idle:    cfg.IdleTimeout,
		clock:   cfg.Clock,
		log:     cfg.Logger,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	if r.newCode == nil {
		r.newCode = GenerateCode
	}
	if r.tries <= 0 {
		r.tries = defaultMaxAttempts
	}
	if r.clock == nil {
		r.clock = &clock.DefaultClock{}
	}
	if r.log == nil {
		r.log = zap.NewNop()
	}
	r.log = r.log.Named("registry")

	go r.loop()
	return r, nil
}

func (r *Registry) loop() {
	defer close(r.done)

	var reap <-chan time.Time
	if r.idle > 0 {
		ticker := time.NewTicker(r.idle / 2)
		defer ticker.Stop()
		reap = ticker.C
	}

	for {
		select {
		case <-r.ctx.Done():
			r.closeAll()
			return

		case <-reap:
			r.reap()

		case m := <-r.inbox:
			switch msg := m.(type) {
			case Create:
				msg.Reply <- r.create(msg.ID)

			case Get:
				msg.Reply <- r.rooms[msg.ID]

			case Remove:
				if rm := r.rooms[msg.ID]; rm != nil {
					delete(r.rooms, msg.ID)
					rm.Close()
					r.log.Info("room removed", zap.String("room", msg.ID))
				}

			case List:
				ids := make([]string, 0, len(r.rooms))
				for id := range r.rooms {
					ids = append(ids, id)
				}
				slices.Sort(ids)
				msg.Reply <- ids

			case Shutdown:
				msg.Reply <- r.closeAll()
				r.cancel()
				return
			}
		}
	}
}

func (r *Registry) create(id string) CreateResult {
	if rm := r.rooms[id]; id != "" && rm != nil {
		return CreateResult{Room: rm}
	}

	code, err := r.freeCode()
	if err != nil {
		return CreateResult{Err: err}
	}

	rm, err := r.newRoom(r.ctx, code, r.onClose)
	if err != nil {
		return CreateResult{Err: fmt.Errorf("failed to create room: %w", err)}
	}
	r.rooms[code] = rm
	r.log.Info("room created", zap.String("room", code), zap.String("requested", id))
	return CreateResult{Room: rm, Created: true}
}

func (r *Registry) freeCode() (string, error) {
	for range r.tries {
		code, err := r.newCode()
		if err != nil {
			return "", fmt.Errorf("failed to generate room code: %w", err)
		}
		if _, taken := r.rooms[code]; !taken {
			return code, nil
		}
		r.log.Debug("room code collision, regenerating", zap.String("code", code))
	}
	return "", ErrNoFreeCode
}

// onClose is handed to rooms; it runs on the room's goroutine, never ours.
func (r *Registry) onClose(id string) {
	select {
	case r.inbox <- Remove{ID: id}:
	case <-r.done:
	}
}

func (r *Registry) reap() {
	cutoff := r.clock.Now().Add(-r.idle)
	for id, rm := range r.rooms {
		if rm.LastActive().Before(cutoff) {
			delete(r.rooms, id)
			rm.Close()
			r.log.Info("reaped idle room", zap.String("room", id))
		}
	}
}

func (r *Registry) closeAll() []*room.Room {
	closed := make([]*room.Room, 0, len(r.rooms))
	for id, rm := range r.rooms {
		rm.Close()
		closed = append(closed, rm)
		delete(r.rooms, id)
	}
	return closed
}

func (r *Registry) deliver(ctx context.Context, m Msg) error {
	select {
	case r.inbox <- m:
		return nil
	case <-r.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CreateOrGet returns the room for id when it exists. Otherwise a new room
// is made under a fresh code, even when id was given.
func (r *Registry) CreateOrGet(ctx context.Context, id string) (*room.Room, bool, error) {
	reply := make(chan CreateResult, 1)
	if err := r.deliver(ctx, Create{ID: id, Reply: reply}); err != nil {
		return nil, false, err
	}
	select {
	case res := <-reply:
		return res.Room, res.Created, res.Err
	case <-r.done:
		return nil, false, ErrClosed
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

func (r *Registry) Get(ctx context.Context, id string) (*room.Room, error) {
	reply := make(chan *room.Room, 1)
	if err := r.deliver(ctx, Get{ID: id, Reply: reply}); err != nil {
		return nil, err
	}
	select {
	case rm := <-reply:
		if rm == nil {
			return nil, ErrRoomNotFound
		}
		return rm, nil
	case <-r.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Remove closes the room and forgets it. Unknown ids are ignored.
func (r *Registry) Remove(ctx context.Context, id string) error {
	return r.deliver(ctx, Remove{ID: id})
}

func (r *Registry) List(ctx context.Context) ([]string, error) {
	reply := make(chan []string, 1)
	if err := r.deliver(ctx, List{Reply: reply}); err != nil {
		return nil, err
	}
	select {
	case ids := <-reply:
		return ids, nil
	case <-r.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Shutdown closes every room and waits for their loops to exit.
func (r *Registry) Shutdown(ctx context.Context) error {
	reply := make(chan []*room.Room, 1)
	if err := r.deliver(ctx, Shutdown{Reply: reply}); err != nil {
		if errors.Is(err, ErrClosed) {
			return nil
		}
		return err
	}

	var rooms []*room.Room
	select {
	case rooms = <-reply:
	case <-r.done:
		// Another caller shut the registry down first.
		select {
		case rooms = <-reply:
		default:
			return nil
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	for _, rm := range rooms {
		select {
		case <-rm.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
