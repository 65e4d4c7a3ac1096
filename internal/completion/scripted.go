package completion

import (
	"context"
	"sync"
)

var defaultScript = []string{
	"크기가 한 가지만 있는 건 아니라는 것 정도는 말할 수 있어요.",
	"대부분 한 번쯤은 가까이서 본 적 있을 거예요.",
	"기분 나쁜 날 큰 걸 만나고 싶진 않네요.",
	"아이한테 두 단어로 설명할 수 있는 거예요.",
	"누군가 지금 짐작으로 말하고 있는 게 티가 나네요.",
}

// Scripted answers from a fixed rotation per persona. It never calls out
// of process and backs local development and tests.
type Scripted struct {
	mu     sync.Mutex
	lines  []string
	cursor map[string]int
}

func NewScripted(lines []string) *Scripted {
	if len(lines) == 0 {
		lines = defaultScript
	}
	return &Scripted{lines: lines, cursor: make(map[string]int)}
}

func (s *Scripted) Generate(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.cursor[req.Persona]
	s.cursor[req.Persona] = i + 1
	return s.lines[(i+len(req.Persona))%len(s.lines)], nil
}
