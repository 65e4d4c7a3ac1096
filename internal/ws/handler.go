package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/DoyleJ11/liar-game-backend/internal/common/uuid"
	"github.com/DoyleJ11/liar-game-backend/internal/engine"
	"github.com/DoyleJ11/liar-game-backend/internal/registry"
	"github.com/DoyleJ11/liar-game-backend/internal/room"
	"github.com/DoyleJ11/liar-game-backend/internal/types"
	wire "github.com/DoyleJ11/liar-game-backend/pkg/types"
)

var ErrObserver = errors.New("observers cannot do that")
var ErrBadMessage = errors.New("bad message")
var ErrAlreadySeated = errors.New("already seated")

const (
	outboxSize   = 16
	writeTimeout = 3 * time.Second
	callTimeout  = 5 * time.Second

	defaultPingInterval = 30 * time.Second
)

type Config struct {
	Registry *registry.Registry
	Logger   *zap.Logger
	UUID     uuid.UUID
	// OriginPatterns is passed to websocket.Accept; empty means same origin.
	OriginPatterns []string
	// MessageRate caps inbound messages per connection; zero disables it.
	MessageRate  rate.Limit
	MessageBurst int
	// PingInterval is how often an idle peer is pinged. A peer that does
	// not answer within the same interval is dropped.
	PingInterval time.Duration
}

// Handler serves /ws?code=ROOM&pid=ID&name=NAME&role=human|operator|observer.
// A connection with a role other than observer takes that seat on connect
// and leaves it on disconnect.
func Handler(cfg *Config) http.HandlerFunc {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("ws")
	ids := cfg.UUID
	if ids == nil {
		ids = uuid.New()
	}
	pingInterval := cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}

	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		code := q.Get("code")
		if code == "" {
			http.Error(w, "missing code", http.StatusBadRequest)
			return
		}
		pid := q.Get("pid")
		role, seated, ok := parseRole(q.Get("role"))
		if !ok {
			http.Error(w, "unknown role", http.StatusBadRequest)
			return
		}
		if seated && pid == "" {
			http.Error(w, "missing pid", http.StatusBadRequest)
			return
		}

		rm, err := cfg.Registry.Get(r.Context(), code)
		if err != nil {
			http.Error(w, "room not found", http.StatusNotFound)
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: cfg.OriginPatterns,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		clientID := ids.NewUUID()
		log := log.With(zap.String("room", code), zap.String("client", clientID), zap.String("pid", pid))

		out := make(chan room.Outbound, outboxSize)
		if err := rm.Attach(r.Context(), clientID, out); err != nil {
			conn.Close(websocket.StatusGoingAway, "room closed")
			return
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
			defer cancel()
			_ = rm.Detach(ctx, clientID)
		}()

		writeCtx, writeCancel := context.WithCancel(r.Context())
		defer writeCancel()
		go func() {
			for m := range out {
				ctx, cancel := context.WithTimeout(writeCtx, writeTimeout)
				err := wsjson.Write(ctx, conn, toEvent(code, pid, m))
				cancel()
				if err != nil {
					return
				}
			}
			// The room dropped us or closed.
			conn.Close(websocket.StatusGoingAway, "room closed")
		}()

		go keepAlive(writeCtx, conn, pingInterval)

		sendErr := func(err error) {
			ctx, cancel := context.WithTimeout(r.Context(), writeTimeout)
			defer cancel()
			_ = wsjson.Write(ctx, conn, types.ErrorEvent(code, err))
		}

		if seated {
			if err := call(r.Context(), func(ctx context.Context) error {
				return rm.Seat(ctx, pid, q.Get("name"), role)
			}); err != nil {
				sendErr(err)
				conn.Close(websocket.StatusPolicyViolation, err.Error())
				return
			}
			log.Info("player seated", zap.String("role", string(role)))
		}
		// A dropped socket is a disconnect; only MsgLeave leaves the seat.
		left := false
		defer func() {
			if !seated || left {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
			defer cancel()
			_ = rm.Disconnect(ctx, pid)
		}()

		var limiter *rate.Limiter
		if cfg.MessageRate > 0 {
			limiter = rate.NewLimiter(cfg.MessageRate, max(cfg.MessageBurst, 1))
		}

		for {
			var cm types.ClientMessage
			err := wsjson.Read(r.Context(), conn, &cm)
			if err != nil {
				if websocket.CloseStatus(err) == -1 && r.Context().Err() == nil {
					log.Debug("read failed", zap.Error(err))
				}
				return
			}

			if limiter != nil && !limiter.Allow() {
				sendErr(room.ErrRateLimited)
				continue
			}

			switch cm.Type {
			case types.MsgLeave:
				if seated {
					left = true
					_ = call(r.Context(), func(ctx context.Context) error { return rm.Leave(ctx, pid) })
				}
				return

			case types.MsgSeat:
				if seated {
					sendErr(ErrAlreadySeated)
					continue
				}
				role, isSeat, _ := parseRole(cm.Role)
				if pid == "" || !isSeat {
					sendErr(ErrObserver)
					continue
				}
				if err := call(r.Context(), func(ctx context.Context) error {
					return rm.Seat(ctx, pid, cm.Name, role)
				}); err != nil {
					sendErr(err)
					continue
				}
				seated = true
				log.Info("player seated", zap.String("role", string(role)))

			default:
				if err := call(r.Context(), func(ctx context.Context) error {
					return dispatch(ctx, rm, pid, seated, cm)
				}); err != nil {
					sendErr(err)
				}
			}
		}
	}
}

// keepAlive pings the peer until ctx ends and closes the connection when a
// pong does not come back in time, which unblocks the reader.
func keepAlive(ctx context.Context, conn *websocket.Conn, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pingCtx, cancel := context.WithTimeout(ctx, interval)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					_ = conn.CloseNow()
				}
				return
			}
		}
	}
}

func call(parent context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(parent, callTimeout)
	defer cancel()
	return fn(ctx)
}

func dispatch(ctx context.Context, rm *room.Room, pid string, seated bool, cm types.ClientMessage) error {
	if !seated {
		return ErrObserver
	}
	switch cm.Type {
	case types.MsgStart:
		return rm.Start(ctx, pid)
	case types.MsgPost:
		return rm.Post(ctx, pid, cm.Text)
	case types.MsgAdvance:
		return rm.Advance(ctx, pid)
	default:
		return ErrBadMessage
	}
}

// parseRole reports the role, whether it takes a seat, and whether s is known.
func parseRole(s string) (engine.Role, bool, bool) {
	switch s {
	case "", "observer":
		return "", false, true
	case "human":
		return engine.RoleHuman, true, true
	case "operator":
		return engine.RoleOperator, true, true
	default:
		return "", false, false
	}
}

// toEvent renders one outbound message for the participant behind the
// connection.
func toEvent(roomID, viewerID string, m room.Outbound) wire.Event {
	switch m.Kind {
	case room.OutAIStatus:
		return types.StatusEvent(roomID, m.Status)
	case room.OutError:
		return types.ErrorEvent(roomID, m.Err)
	default:
		return types.StateEvent(m.Version, m.State, viewerID)
	}
}
