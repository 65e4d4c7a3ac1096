package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/liar-game-backend/internal/completion"
	"github.com/DoyleJ11/liar-game-backend/internal/engine"
)

// --- Completion client ---

type MockClient struct {
	mock.Mock
}

func (m *MockClient) Generate(ctx context.Context, req completion.Request) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

type funcClient func(ctx context.Context, req completion.Request) (string, error)

func (f funcClient) Generate(ctx context.Context, req completion.Request) (string, error) {
	return f(ctx, req)
}

type lockedUUID struct {
	mu sync.Mutex
	n  int
}

func (u *lockedUUID) NewUUID() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.n++
	return fmt.Sprintf("entry-%d", u.n)
}

func speakers(n int) []Speaker {
	out := make([]Speaker, n)
	for i := range out {
		out[i] = Speaker{
			PlayerID: fmt.Sprintf("ai-%d", i+1),
			Name:     fmt.Sprintf("AI %d", i+1),
			Persona:  fmt.Sprintf("persona-%d", i+1),
		}
	}
	return out
}

func newTestAggregator(t *testing.T, client completion.Client, timeout time.Duration) *Aggregator {
	t.Helper()
	a, err := New(&Config{Client: client, Timeout: timeout, UUID: &lockedUUID{}})
	require.NoError(t, err)
	return a
}

func baseRequest(n int) Request {
	return Request{
		RoomID:   "ROOM01",
		Phase:    engine.PhaseStatement1,
		Kind:     engine.KindStatement,
		Label:    "1차 진술",
		Word:     "사자",
		Speakers: speakers(n),
	}
}

func TestNew_RequiresClient(t *testing.T) {
	_, err := New(&Config{})
	assert.Error(t, err)

	_, err = New(nil)
	assert.Error(t, err)
}

func TestRun_OneEntryPerSpeakerInOrder(t *testing.T) {
	a := newTestAggregator(t, funcClient(func(ctx context.Context, req completion.Request) (string, error) {
		return "hint from " + req.Persona, nil
	}), time.Second)

	res := a.Run(context.Background(), baseRequest(4))

	require.Len(t, res.Entries, 4)
	assert.Equal(t, 0, res.Failed)
	for i, entry := range res.Entries {
		assert.Equal(t, fmt.Sprintf("ai-%d", i+1), entry.SenderID)
		assert.Equal(t, fmt.Sprintf("hint from persona-%d", i+1), entry.Text)
		assert.Equal(t, engine.SenderAI, entry.SenderKind)
		assert.Equal(t, engine.PhaseStatement1, entry.Phase)
	}
}

func TestRun_FailureBecomesPlaceholder(t *testing.T) {
	client := &MockClient{}
	client.On("Generate", mock.Anything, mock.MatchedBy(func(r completion.Request) bool {
		return r.Persona == "persona-2"
	})).Return("", errors.New("rate limited"))
	client.On("Generate", mock.Anything, mock.Anything).Return("fine", nil)

	a := newTestAggregator(t, client, time.Second)
	res := a.Run(context.Background(), baseRequest(4))

	require.Len(t, res.Entries, 4)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, Placeholder("AI 2"), res.Entries[1].Text)
	for _, i := range []int{0, 2, 3} {
		assert.Equal(t, "fine", res.Entries[i].Text)
	}
	assert.Empty(t, res.Histories["ai-2"], "a failed call leaves the history untouched")
	assert.Len(t, res.Histories["ai-1"], 2)
	client.AssertNumberOfCalls(t, "Generate", 4)
}

func TestRun_TimeoutBecomesPlaceholder(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	a := newTestAggregator(t, funcClient(func(ctx context.Context, req completion.Request) (string, error) {
		if req.Persona == "persona-2" {
			// ignores ctx on purpose
			<-release
			return "too late", nil
		}
		return "on time", nil
	}), 50*time.Millisecond)

	start := time.Now()
	res := a.Run(context.Background(), baseRequest(4))

	assert.Less(t, time.Since(start), 2*time.Second)
	require.Len(t, res.Entries, 4)
	assert.Equal(t, Placeholder("AI 2"), res.Entries[1].Text)
	assert.Equal(t, "on time", res.Entries[0].Text)
	assert.Equal(t, 1, res.Failed)
}

func TestRun_CallsAreConcurrent(t *testing.T) {
	const n = 4
	var arrived atomic.Int32
	allIn := make(chan struct{})

	a := newTestAggregator(t, funcClient(func(ctx context.Context, req completion.Request) (string, error) {
		if arrived.Add(1) == n {
			close(allIn)
		}
		select {
		case <-allIn:
			return "ok", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}), 2*time.Second)

	res := a.Run(context.Background(), baseRequest(n))
	assert.Equal(t, 0, res.Failed, "sequential calls would never see all speakers arrive")
}

func TestRun_MaxInFlightCapsConcurrency(t *testing.T) {
	var current, peak atomic.Int32

	a, err := New(&Config{
		Client: funcClient(func(ctx context.Context, req completion.Request) (string, error) {
			now := current.Add(1)
			for {
				p := peak.Load()
				if now <= p || peak.CompareAndSwap(p, now) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			current.Add(-1)
			return "ok", nil
		}),
		Timeout:     time.Second,
		MaxInFlight: 1,
	})
	require.NoError(t, err)

	res := a.Run(context.Background(), baseRequest(4))
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, int32(1), peak.Load())
}

func TestRun_HistoriesStayPerSpeaker(t *testing.T) {
	var mu sync.Mutex
	seen := map[string][]completion.Message{}

	a := newTestAggregator(t, funcClient(func(ctx context.Context, req completion.Request) (string, error) {
		mu.Lock()
		seen[req.Persona] = req.History
		mu.Unlock()
		return "answer of " + req.Persona, nil
	}), time.Second)

	req := baseRequest(2)
	req.Speakers[0].History = []completion.Message{
		{Role: completion.RoleUser, Content: "earlier"},
		{Role: completion.RoleAssistant, Content: "my earlier answer"},
	}

	res := a.Run(context.Background(), req)

	require.Len(t, seen["persona-1"], 3)
	assert.Equal(t, "my earlier answer", seen["persona-1"][1].Content)
	require.Len(t, seen["persona-2"], 1, "speaker 2 never sees speaker 1's conversation")

	h1 := res.Histories["ai-1"]
	require.Len(t, h1, 4)
	assert.Equal(t, completion.RoleUser, h1[2].Role)
	assert.Equal(t, "answer of persona-1", h1[3].Content)
	assert.Len(t, req.Speakers[0].History, 2, "input history is not modified")
}

func TestRun_ZeroSpeakers(t *testing.T) {
	a := newTestAggregator(t, completion.NewScripted(nil), time.Second)
	res := a.Run(context.Background(), baseRequest(0))
	assert.Empty(t, res.Entries)
}
