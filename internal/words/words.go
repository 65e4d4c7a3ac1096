package words

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
)

// Unknown is what the impostor is told instead of the secret word.
const Unknown = "?"

var ErrEmptyBank = errors.New("word bank has no categories")
var ErrEmptyCategory = errors.New("word bank category is empty")

type Selection struct {
	Topic        string
	CitizenWord  string
	ImpostorWord string
}

type Bank struct {
	topics     []string
	categories map[string][]string
}

func NewBank(categories map[string][]string) (*Bank, error) {
	if len(categories) == 0 {
		return nil, ErrEmptyBank
	}

	b := &Bank{categories: make(map[string][]string, len(categories))}
	for topic, ws := range categories {
		if len(ws) == 0 {
			return nil, fmt.Errorf("%w: %q", ErrEmptyCategory, topic)
		}
		b.topics = append(b.topics, topic)
		b.categories[topic] = slices.Clone(ws)
	}
	// map order is random; keep draws reproducible for a seeded rng
	slices.Sort(b.topics)
	return b, nil
}

// Default returns the stock vocabulary.
func Default() *Bank {
	b, err := NewBank(map[string][]string{
		"동물":   {"사자", "호랑이", "코끼리", "치타", "독수리"},
		"음식":   {"김치", "비빔밥", "떡볶이", "김밥", "사과"},
		"교통수단": {"버스", "택시", "기차", "배", "비행기"},
		"직업":   {"경찰", "소방관", "판사", "선생님", "의사"},
		"날씨":   {"눈", "비", "바람", "안개", "맑음"},
	})
	if err != nil {
		panic(err)
	}
	return b
}

// Select draws a topic and the citizen word. With decoy set and at least two
// words in the topic, the impostor gets a second, different word; otherwise
// the impostor word is Unknown.
func (b *Bank) Select(rng *rand.Rand, decoy bool) Selection {
	topic := b.topics[rng.IntN(len(b.topics))]
	ws := b.categories[topic]

	i := rng.IntN(len(ws))
	sel := Selection{Topic: topic, CitizenWord: ws[i], ImpostorWord: Unknown}

	if decoy && len(ws) > 1 {
		j := rng.IntN(len(ws) - 1)
		if j >= i {
			j++
		}
		sel.ImpostorWord = ws[j]
	}
	return sel
}
