package chat

import (
	"github.com/zhouzirui/chatmirror/backend/internal/model/chat"
)

// Origin records whether a turn was produced by this instance or delivered by the broker.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// Observer is notified of transcript mutations.
type Observer interface {
	TurnAppended(turn chat.Turn, origin Origin)
	Cleared()
}

// Transcript is the ordered conversation log the UI renders.
//
// A Transcript is owned by a single loop and is not safe for concurrent use.
type Transcript struct {
	turns     []chat.Turn
	observers []Observer
}

// NewTranscript returns an empty transcript. Each conversation owns its own.
func NewTranscript(observers ...Observer) *Transcript {
	return &Transcript{
		turns:     make([]chat.Turn, 0, 16),
		observers: observers,
	}
}

// AppendLocal records a turn this instance generated. It always appends.
func (t *Transcript) AppendLocal(turn chat.Turn) {
	t.append(turn, OriginLocal)
}

// AppendRemote records a turn delivered by the broker unless a structurally
// equal turn is already present, which is how echoes of our own publishes are
// discarded. It reports whether the turn was appended.
func (t *Transcript) AppendRemote(turn chat.Turn) bool {
	if t.Contains(turn) {
		return false
	}
	t.append(turn, OriginRemote)
	return true
}

// Contains reports whether an equal turn is present.
func (t *Transcript) Contains(turn chat.Turn) bool {
	for _, existing := range t.turns {
		if existing == turn {
			return true
		}
	}
	return false
}

// Clear empties the transcript. It does not touch the channel session or the
// inbound queue.
func (t *Transcript) Clear() {
	t.turns = make([]chat.Turn, 0, 16)
	for _, o := range t.observers {
		o.Cleared()
	}
}

// Turns returns a copy of the transcript in arrival order.
func (t *Transcript) Turns() []chat.Turn {
	copied := make([]chat.Turn, len(t.turns))
	copy(copied, t.turns)
	return copied
}

func (t *Transcript) Len() int {
	return len(t.turns)
}

func (t *Transcript) append(turn chat.Turn, origin Origin) {
	t.turns = append(t.turns, turn)
	for _, o := range t.observers {
		o.TurnAppended(turn, origin)
	}
}
