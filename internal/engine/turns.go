package engine

import (
	"strings"

	"Aurelia/server/internal/interfaces"
	"Aurelia/server/internal/models"
)

// fillerTurn keeps a bare [system, user] sequence valid for providers
// that reject a conversation opening directly on the final user turn.
const fillerTurn = "Hey, it's so good to hear from you."

// NormalizeTurns enforces the completion wire contract: one optional
// system turn first, then strict user/assistant alternation ending on
// user. Consecutive same-role turns are merged; a synthetic assistant
// filler is inserted when the sequence would otherwise be just the
// system turn and the final user turn.
func NormalizeTurns(turns []interfaces.ChatTurn) []interfaces.ChatTurn {
	if len(turns) == 0 {
		return turns
	}

	out := make([]interfaces.ChatTurn, 0, len(turns))
	for _, turn := range turns {
		if turn.Content == "" && turn.Role != models.RoleSystem {
			continue
		}
		if len(out) > 0 {
			last := &out[len(out)-1]
			if last.Role == turn.Role && turn.Role != models.RoleSystem {
				last.Content = strings.TrimSpace(last.Content + "\n" + turn.Content)
				continue
			}
		}
		out = append(out, turn)
	}

	// [system, user] with no conversation between them gets a filler
	// assistant turn so history is never empty.
	if len(out) == 2 && out[0].Role == models.RoleSystem && out[1].Role == models.RoleUser {
		out = []interfaces.ChatTurn{
			out[0],
			{Role: models.RoleAssistant, Content: fillerTurn},
			out[1],
		}
	}

	return out
}
