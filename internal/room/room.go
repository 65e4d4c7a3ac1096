package room

import (
	"context"
	"errors"
	"slices"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/DoyleJ11/liar-game-backend/internal/aggregator"
	"github.com/DoyleJ11/liar-game-backend/internal/archive"
	"github.com/DoyleJ11/liar-game-backend/internal/broadcast"
	"github.com/DoyleJ11/liar-game-backend/internal/common/clock"
	"github.com/DoyleJ11/liar-game-backend/internal/engine"
	"github.com/DoyleJ11/liar-game-backend/internal/types"
	wire "github.com/DoyleJ11/liar-game-backend/pkg/types"
)

var ErrClosed = errors.New("room is closed")
var ErrRateLimited = errors.New("slow down")

const publishTimeout = 2 * time.Second
const recordTimeout = 10 * time.Second

// Runner produces one phase's AI batch. *aggregator.Aggregator satisfies it.
type Runner interface {
	Run(ctx context.Context, req aggregator.Request) aggregator.Result
}

type Msg interface{ isRoomMsg() }

// Attach registers a connection and sends it the current snapshot.
type Attach struct {
	ClientID string
	Outbox   chan Outbound
}

func (Attach) isRoomMsg() {}

type Detach struct{ ClientID string }

func (Detach) isRoomMsg() {}

// Every command carries the sending connection so a rejection can be routed
// back to it alone. When Reply is set the error goes there instead of the
// outbox.
type Seat struct {
	ClientID      string
	ParticipantID string
	Name          string
	Role          engine.Role
	Reply         chan error
}

func (Seat) isRoomMsg() {}

type Leave struct {
	ClientID      string
	ParticipantID string
	Reply         chan error
}

func (Leave) isRoomMsg() {}

// Disconnect reports a dropped connection, as opposed to an explicit Leave.
type Disconnect struct {
	ClientID      string
	ParticipantID string
	Reply         chan error
}

func (Disconnect) isRoomMsg() {}

type Start struct {
	ClientID      string
	ParticipantID string
	Reply         chan error
}

func (Start) isRoomMsg() {}

type Post struct {
	ClientID      string
	ParticipantID string
	Text          string
	Reply         chan error
}

func (Post) isRoomMsg() {}

type Advance struct {
	ClientID      string
	ParticipantID string
	Reply         chan error
}

func (Advance) isRoomMsg() {}

type batchDone struct{ result aggregator.Result }

func (batchDone) isRoomMsg() {}

type GetState struct {
	Reply chan View
}

func (GetState) isRoomMsg() {}

type Shutdown struct{}

func (Shutdown) isRoomMsg() {}

type OutboundKind string

const (
	OutSnapshot OutboundKind = "snapshot"
	OutAIStatus OutboundKind = "ai_status"
	OutError    OutboundKind = "error"
)

// Outbound is what a connection receives. State is shared between every
// connection of the room and must be treated as read-only.
type Outbound struct {
	Kind    OutboundKind
	Version int
	State   engine.State
	Status  string
	Err     error
}

type View struct {
	Version    int
	NumClients int
	State      engine.State
}

type Config struct {
	ID     string
	Rules  engine.Rules
	Engine *engine.Engine
	Runner Runner

	Publisher broadcast.Publisher
	Recorder  archive.Recorder
	Logger    *zap.Logger
	Clock     clock.Clock

	// RateLimit is posts per second per participant; zero disables it.
	RateLimit rate.Limit
	RateBurst int

	// OnClose runs on its own goroutine once the room has stopped itself.
	OnClose func(id string)
}

type Room struct {
	id      string
	inbox   chan Msg
	state   engine.State
	version int
	clients map[string]chan Outbound

	eng      *engine.Engine
	runner   Runner
	pub      broadcast.Publisher
	rec      archive.Recorder
	log      *zap.Logger
	clock    clock.Clock
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
	onClose  func(string)
	// requested is set when the owner asked for the stop, so OnClose is skipped.
	requested bool

	lastActive atomic.Int64
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
}

func New(parent context.Context, cfg *Config) (*Room, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if cfg.ID == "" {
		return nil, errors.New("room id cannot be empty")
	}
	if cfg.Engine == nil {
		return nil, errors.New("engine cannot be nil")
	}
	if cfg.Runner == nil {
		return nil, errors.New("runner cannot be nil")
	}

	ctx, cancel := context.WithCancel(parent)
	r := &Room{
		id:       cfg.ID,
		inbox:    make(chan Msg, 64),
		state:    engine.NewState(cfg.ID, cfg.Rules),
		clients:  make(map[string]chan Outbound),
		eng:      cfg.Engine,
		runner:   cfg.Runner,
		pub:      cfg.Publisher,
		rec:      cfg.Recorder,
		log:      cfg.Logger,
		clock:    cfg.Clock,
		limit:    cfg.RateLimit,
		burst:    cfg.RateBurst,
		limiters: make(map[string]*rate.Limiter),
		onClose:  cfg.OnClose,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	if r.pub == nil {
		r.pub = broadcast.Nop{}
	}
	if r.rec == nil {
		r.rec = archive.Nop{}
	}
	if r.log == nil {
		r.log = zap.NewNop()
	}
	r.log = r.log.Named("room").With(zap.String("room", r.id))
	if r.clock == nil {
		r.clock = &clock.DefaultClock{}
	}
	if r.burst <= 0 {
		r.burst = 1
	}
	r.touch()

	go r.loop()
	return r, nil
}

func (r *Room) ID() string { return r.id }

// Done is closed once the loop has exited.
func (r *Room) Done() <-chan struct{} { return r.done }

func (r *Room) LastActive() time.Time { return time.Unix(0, r.lastActive.Load()) }

// Close stops the room without waiting for the loop.
func (r *Room) Close() { r.cancel() }

func (r *Room) touch() { r.lastActive.Store(r.clock.Now().UnixNano()) }

func (r *Room) loop() {
	defer close(r.done)
	for {
		select {
		case <-r.ctx.Done():
			r.shutdown()
			return

		case m := <-r.inbox:
			if stop := r.handle(m); stop {
				r.shutdown()
				if r.onClose != nil && !r.requested {
					go r.onClose(r.id)
				}
				return
			}
		}
	}
}

func (r *Room) handle(m Msg) bool {
	switch msg := m.(type) {
	case Attach:
		r.clients[msg.ClientID] = msg.Outbox
		r.send(msg.ClientID, Outbound{Kind: OutSnapshot, Version: r.version, State: r.state})

	case Detach:
		delete(r.clients, msg.ClientID)

	case Seat:
		return r.apply(msg.ClientID, msg.Reply, engine.Command{
			Type:          engine.CmdSeat,
			ParticipantID: msg.ParticipantID,
			Name:          msg.Name,
			Role:          msg.Role,
		})

	case Leave:
		delete(r.limiters, msg.ParticipantID)
		return r.apply(msg.ClientID, msg.Reply, engine.Command{Type: engine.CmdLeave, ParticipantID: msg.ParticipantID})

	case Disconnect:
		return r.apply(msg.ClientID, msg.Reply, engine.Command{Type: engine.CmdDisconnect, ParticipantID: msg.ParticipantID})

	case Start:
		return r.apply(msg.ClientID, msg.Reply, engine.Command{Type: engine.CmdStart, ParticipantID: msg.ParticipantID})

	case Post:
		if !r.allow(msg.ParticipantID) {
			r.reject(msg.ClientID, msg.Reply, ErrRateLimited)
			return false
		}
		return r.apply(msg.ClientID, msg.Reply, engine.Command{
			Type:          engine.CmdPost,
			ParticipantID: msg.ParticipantID,
			Text:          msg.Text,
		})

	case Advance:
		return r.apply(msg.ClientID, msg.Reply, engine.Command{Type: engine.CmdAdvance, ParticipantID: msg.ParticipantID})

	case batchDone:
		stop := r.apply("", nil, engine.Command{
			Type: engine.CmdBatchReady,
			Batch: &engine.BatchResult{
				Phase:     msg.result.Phase,
				Entries:   msg.result.Entries,
				Histories: msg.result.Histories,
			},
		})
		r.status(wire.AIStatusEnd)
		return stop

	case GetState:
		msg.Reply <- View{Version: r.version, NumClients: len(r.clients), State: r.state.Clone()}

	case Shutdown:
		r.requested = true
		return true
	}
	return false
}

func (r *Room) apply(clientID string, reply chan error, cmd engine.Command) bool {
	events, next, err := r.eng.Apply(r.state, cmd)
	if err != nil {
		if cmd.Type == engine.CmdBatchReady {
			r.log.Warn("dropping ai batch", zap.String("phase", string(cmd.Batch.Phase)), zap.Error(err))
		} else {
			r.log.Info("command rejected",
				zap.String("command", string(cmd.Type)),
				zap.String("participant", cmd.ParticipantID),
				zap.Error(err))
		}
		r.reject(clientID, reply, err)
		return false
	}

	r.state = next
	r.version++
	r.touch()
	r.broadcast()
	if reply != nil {
		reply <- nil
	}

	stop := false
	for _, ev := range events {
		switch ev.Type {
		case engine.EvtAggregationRequested:
			r.aggregate(ev)
		case engine.EvtVotingOpened:
			r.archive()
		case engine.EvtAuthorityLeft:
			stop = true
		}
	}
	return stop
}

func (r *Room) reject(clientID string, reply chan error, err error) {
	if reply != nil {
		reply <- err
		return
	}
	r.send(clientID, Outbound{Kind: OutError, Err: err})
}

func (r *Room) allow(participantID string) bool {
	if r.limit == 0 {
		return true
	}
	l, ok := r.limiters[participantID]
	if !ok {
		l = rate.NewLimiter(r.limit, r.burst)
		r.limiters[participantID] = l
	}
	return l.Allow()
}

// aggregate hands the AI players' histories to the runner by copy; the
// updated histories come back through the inbox with the batch.
func (r *Room) aggregate(ev engine.Event) {
	s := r.state
	step := s.Step()
	req := aggregator.Request{
		RoomID:  r.id,
		Phase:   ev.Phase,
		Kind:    ev.Kind,
		Label:   step.Label,
		Word:    s.CitizenWord,
		Trigger: ev.Trigger,
		Recent:  s.Recent(s.Rules.HistoryWindow),
	}
	for _, p := range s.AIPlayers() {
		req.Speakers = append(req.Speakers, aggregator.Speaker{
			PlayerID: p.ID,
			Name:     p.DisplayName(),
			Persona:  p.Persona,
			History:  slices.Clone(p.History),
		})
	}

	r.status(wire.AIStatusStart)
	go func() {
		res := r.runner.Run(r.ctx, req)
		select {
		case r.inbox <- batchDone{result: res}:
		case <-r.ctx.Done():
		}
	}()
}

func (r *Room) archive() {
	s := r.state
	g := archive.Game{
		RoomID:       r.id,
		Topic:        s.Topic,
		CitizenWord:  s.CitizenWord,
		ImpostorWord: s.ImpostorWord,
		FinishedAt:   r.clock.Now(),
		Lines:        make([]archive.Line, 0, len(s.Transcript)),
	}
	for _, p := range s.Players {
		if p.IsImpostor {
			g.Impostor = p.DisplayName()
		}
	}
	for _, e := range s.Transcript {
		g.Lines = append(g.Lines, archive.Line{
			SenderName: e.SenderName,
			SenderKind: string(e.SenderKind),
			Phase:      string(e.Phase),
			Text:       e.Text,
			Timestamp:  e.Timestamp,
		})
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := r.rec.Record(ctx, g); err != nil {
			r.log.Warn("failed to archive game", zap.Error(err))
		}
	}()
}

func (r *Room) broadcast() {
	out := Outbound{Kind: OutSnapshot, Version: r.version, State: r.state}
	for id := range r.clients {
		r.send(id, out)
	}
	r.publish(types.StateEvent(r.version, r.state, ""))
}

func (r *Room) status(status string) {
	out := Outbound{Kind: OutAIStatus, Version: r.version, Status: status}
	for id := range r.clients {
		r.send(id, out)
	}
	r.publish(types.StatusEvent(r.id, status))
}

func (r *Room) publish(ev wire.Event) {
	ctx, cancel := context.WithTimeout(r.ctx, publishTimeout)
	defer cancel()
	if err := r.pub.Publish(ctx, ev); err != nil {
		r.log.Warn("failed to publish room event", zap.String("type", ev.Type), zap.Error(err))
	}
}

// send never blocks the loop: a client whose outbox is full is dropped.
func (r *Room) send(clientID string, out Outbound) {
	ch, ok := r.clients[clientID]
	if !ok {
		return
	}
	select {
	case ch <- out:
	default:
		r.log.Info("dropping slow client", zap.String("client", clientID))
		close(ch)
		delete(r.clients, clientID)
	}
}

func (r *Room) shutdown() {
	for id, ch := range r.clients {
		close(ch)
		delete(r.clients, id)
	}
	r.cancel()
}
