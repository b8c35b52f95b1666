package chat

import (
	"context"

	"Aurelia/server/internal/config"
	"Aurelia/server/internal/interfaces"
	"Aurelia/server/internal/models"
)

// HistoryWindower loads the bounded slice of prior turns fed to the
// completion service. Window size is tier-driven: the baseline tier
// gets a small fixed window, elevated tiers a window keyed to the
// persona's memory level.
type HistoryWindower struct {
	messages interfaces.MessageRepository
	cfg      config.ChatConfig
}

func NewHistoryWindower(messages interfaces.MessageRepository, cfg config.ChatConfig) *HistoryWindower {
	return &HistoryWindower{messages: messages, cfg: cfg}
}

// WindowSize resolves the window for a tier and persona memory level.
func (w *HistoryWindower) WindowSize(tier string, memoryLevel int) int {
	if tier != models.TierElevated {
		return w.cfg.BaselineWindow
	}
	idx := memoryLevel - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(w.cfg.MemoryWindows) {
		idx = len(w.cfg.MemoryWindows) - 1
	}
	return w.cfg.MemoryWindows[idx]
}

// Load returns the last N persisted turns in chronological order,
// excluding the in-flight user turn. The caller may already have
// persisted that turn optimistically, so any copy of it is filtered by
// id rather than trusting arrival order.
func (w *HistoryWindower) Load(ctx context.Context, session *models.ConversationSession, tier string, memoryLevel int, inFlight *models.Message) ([]models.Message, error) {
	limit := w.WindowSize(tier, memoryLevel)

	// One extra row so dropping the in-flight turn still yields a full
	// window.
	recent, err := w.messages.Window(ctx, session.ID, limit+1)
	if err != nil {
		return nil, err
	}

	out := make([]models.Message, 0, len(recent))
	for _, msg := range recent {
		if inFlight != nil && msg.ID == inFlight.ID {
			continue
		}
		out = append(out, msg)
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}
