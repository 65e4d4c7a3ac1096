// Package aggregator fans one phase out to every AI player and gathers the
// answers back behind a barrier.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/DoyleJ11/liar-game-backend/internal/common/clock"
	"github.com/DoyleJ11/liar-game-backend/internal/common/uuid"
	"github.com/DoyleJ11/liar-game-backend/internal/completion"
	"github.com/DoyleJ11/liar-game-backend/internal/engine"
	"github.com/DoyleJ11/liar-game-backend/internal/prompt"
)

const DefaultTimeout = 20 * time.Second

// Placeholder is the visible text for an AI player whose call failed or
// timed out.
func Placeholder(name string) string {
	return fmt.Sprintf("(%s 이번에는 대답하지 못했습니다)", name)
}

type Speaker struct {
	PlayerID string
	Name     string
	Persona  string
	History  []completion.Message
}

type Request struct {
	RoomID   string
	Phase    engine.Phase
	Kind     engine.Kind
	Label    string
	Word     string
	Trigger  string
	Recent   []engine.Entry
	Speakers []Speaker
}

// Result has exactly one entry per speaker, in speaker order.
type Result struct {
	Phase     engine.Phase
	Entries   []engine.Entry
	Histories map[string][]completion.Message
	Failed    int
}

type Config struct {
	Client completion.Client
	// Timeout bounds every single completion call.
	Timeout time.Duration
	// MaxInFlight caps concurrent completion calls across all rooms; 0 means
	// no cap.
	MaxInFlight int64
	Clock       clock.Clock
	UUID        uuid.UUID
	Logger      *zap.Logger
}

type Aggregator struct {
	client  completion.Client
	timeout time.Duration
	sem     *semaphore.Weighted
	clock   clock.Clock
	uuid    uuid.UUID
	log     *zap.Logger
}

func New(cfg *Config) (*Aggregator, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if cfg.Client == nil {
		return nil, errors.New("completion client cannot be nil")
	}

	a := &Aggregator{
		client:  cfg.Client,
		timeout: cfg.Timeout,
		clock:   cfg.Clock,
		uuid:    cfg.UUID,
		log:     cfg.Logger,
	}
	if a.timeout <= 0 {
		a.timeout = DefaultTimeout
	}
	if cfg.MaxInFlight > 0 {
		a.sem = semaphore.NewWeighted(cfg.MaxInFlight)
	}
	if a.clock == nil {
		a.clock = &clock.DefaultClock{}
	}
	if a.uuid == nil {
		a.uuid = uuid.New()
	}
	if a.log == nil {
		a.log = zap.NewNop()
	}
	a.log = a.log.Named("aggregator")
	return a, nil
}

// Run issues one completion call per speaker in parallel and returns once
// every call has finished. A failing speaker gets a placeholder entry; the
// others are unaffected.
func (a *Aggregator) Run(ctx context.Context, req Request) Result {
	entries := make([]engine.Entry, len(req.Speakers))
	histories := make([][]completion.Message, len(req.Speakers))
	ok := make([]bool, len(req.Speakers))

	var g errgroup.Group
	for i, sp := range req.Speakers {
		g.Go(func() error {
			entries[i], histories[i], ok[i] = a.answer(ctx, req, sp)
			return nil
		})
	}
	_ = g.Wait()

	res := Result{
		Phase:     req.Phase,
		Entries:   entries,
		Histories: make(map[string][]completion.Message, len(req.Speakers)),
	}
	for i, sp := range req.Speakers {
		res.Histories[sp.PlayerID] = histories[i]
		if !ok[i] {
			res.Failed++
		}
	}

	a.log.Debug("batch complete",
		zap.String("room", req.RoomID),
		zap.String("phase", string(req.Phase)),
		zap.Int("speakers", len(req.Speakers)),
		zap.Int("failed", res.Failed),
	)
	return res
}

func (a *Aggregator) answer(ctx context.Context, req Request, sp Speaker) (engine.Entry, []completion.Message, bool) {
	turn := completion.Message{
		Role:    completion.RoleUser,
		Content: prompt.Turn(req.Kind, req.Label, req.Trigger, req.Recent),
	}
	history := append(slices.Clone(sp.History), turn)

	started := a.clock.Now()
	text, err := a.generate(ctx, completion.Request{
		System:  prompt.System(req.Kind, sp.Persona, req.Word),
		History: history,
		Persona: sp.Persona,
	})

	entry := engine.Entry{
		ID:         a.uuid.NewUUID(),
		SenderID:   sp.PlayerID,
		SenderName: sp.Name,
		SenderKind: engine.SenderAI,
		Phase:      req.Phase,
		Timestamp:  a.clock.Now(),
	}

	if err != nil {
		a.log.Warn("completion failed",
			zap.String("room", req.RoomID),
			zap.String("player", sp.Name),
			zap.Duration("elapsed", a.clock.Now().Sub(started)),
			zap.Error(err),
		)
		entry.Text = Placeholder(sp.Name)
		return entry, sp.History, false
	}

	entry.Text = text
	return entry, append(history, completion.Message{Role: completion.RoleAssistant, Content: text}), true
}

type generated struct {
	text string
	err  error
}

// generate enforces the deadline even against a client that ignores its
// context.
func (a *Aggregator) generate(ctx context.Context, req completion.Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	if a.sem != nil {
		if err := a.sem.Acquire(ctx, 1); err != nil {
			return "", err
		}
	}

	done := make(chan generated, 1)
	go func() {
		if a.sem != nil {
			defer a.sem.Release(1)
		}
		text, err := a.client.Generate(ctx, req)
		done <- generated{text: text, err: err}
	}()

	select {
	case r := <-done:
		return r.text, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
