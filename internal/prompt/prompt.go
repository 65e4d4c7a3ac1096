// Package prompt renders the per-phase instructions handed to each AI
// player.
package prompt

import (
	"fmt"
	"strings"

	"github.com/DoyleJ11/liar-game-backend/internal/engine"
)

// DefaultPersonas are the four stock AI characters.
var DefaultPersonas = []string{
	"까칠한",
	"치밀한, 옹졸한, 웃긴, 센스 있는, 힌트를 잘 활용하는",
	"얍삽한, 꼴보기 싫은, 옹졸한, 졸렬한",
	"사람들을 웃기는 광대 같은",
}

var kindNames = map[engine.Kind]string{
	engine.KindStatement:  "진술",
	engine.KindDiscussion: "토론",
	engine.KindVote:       "투표",
}

// KindName is the Korean name of a phase kind as players see it.
func KindName(kind engine.Kind) string {
	if n, ok := kindNames[kind]; ok {
		return n
	}
	return string(kind)
}

// System is the standing instruction for one AI player in one phase.
func System(kind engine.Kind, persona, word string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "당신은 라이어 게임의 참가자이며, 제시어(%s)를 알고 있는 일반 시민 역할입니다.\n", word)
	b.WriteString("당신의 목표는 라이어가 아님을 증명하고, 라이어를 찾아내는 것입니다.\n\n")
	b.WriteString("반드시 지켜야 할 규칙:\n")
	fmt.Fprintf(&b, "1. 제시어를 직접 말하지 마세요 (\"%s\"라는 단어는 절대 금지).\n", word)
	b.WriteString("2. 정답을 확정하는 발언은 하지 마세요.\n")
	b.WriteString("3. 힌트는 발음, 형태, 비유 같은 간접적인 것으로 2개 이내.\n")
	b.WriteString("4. 제시어 대신 \"이것\" 또는 \"제시어\"라고 부르세요.\n")
	b.WriteString("5. 라이어가 쉽게 눈치채지 못하도록 모호하게 말하세요.\n")
	b.WriteString("6. 거짓말은 하지 마세요.\n")
	fmt.Fprintf(&b, "7. 지금은 %s 시간입니다. 이 시간에 맞게 행동하세요.\n\n", KindName(kind))
	fmt.Fprintf(&b, "당신의 성격은 %s 스타일입니다. 규칙을 어기지 말고 성격에 맞게 말하세요.", persona)

	return b.String()
}

// Turn is the synthetic user message that opens an AI player's turn. recent
// is the tail of the room transcript, passed so answers do not repeat what
// was already said.
func Turn(kind engine.Kind, label, trigger string, recent []engine.Entry) string {
	var b strings.Builder

	switch kind {
	case engine.KindStatement:
		fmt.Fprintf(&b, "%s 시간입니다. 제시어에 대해 한두 문장으로 진술하세요.", label)
	case engine.KindDiscussion:
		fmt.Fprintf(&b, "%s 시간입니다. 누가 라이어인지 토론하세요.", label)
	default:
		fmt.Fprintf(&b, "%s 시간입니다.", label)
	}

	if trigger != "" {
		fmt.Fprintf(&b, "\n직전 참가자의 발언: %q", trigger)
	}

	if len(recent) > 0 {
		b.WriteString("\n\n지금까지의 대화:\n")
		for _, e := range recent {
			if e.SenderKind == engine.SenderSystem {
				continue
			}
			fmt.Fprintf(&b, "- %s: %s\n", e.SenderName, e.Text)
		}
		b.WriteString("다른 사람이 이미 준 힌트는 반복하지 마세요.")
	}

	return b.String()
}
