// Package relay moves broker deliveries into the transcript on the loop that
// owns it.
package relay

import (
	"go.uber.org/zap"

	"github.com/zhouzirui/chatmirror/backend/internal/logging"
	"github.com/zhouzirui/chatmirror/backend/internal/model/chat"
	chatservice "github.com/zhouzirui/chatmirror/backend/internal/service/chat"
)

// Source yields everything delivered since the last call. *inbox.Queue
// satisfies it.
type Source interface {
	DrainAll() []chat.Envelope
}

// Loop is the refresh step: drain, then reconcile into the transcript.
type Loop struct {
	source     Source
	transcript *chatservice.Transcript
	logger     *zap.Logger
}

func NewLoop(source Source, transcript *chatservice.Transcript, logger *zap.Logger) *Loop {
	return &Loop{
		source:     source,
		transcript: transcript,
		logger:     logging.OrNop(logger).Named("relay"),
	}
}

// Tick drains the source into the transcript in arrival order and returns the
// turns that were appended. Echoes of turns already present are skipped.
func (l *Loop) Tick() []chat.Turn {
	envelopes := l.source.DrainAll()
	if len(envelopes) == 0 {
		return nil
	}

	var appended []chat.Turn
	for _, env := range envelopes {
		if l.transcript.AppendRemote(env.Turn) {
			appended = append(appended, env.Turn)
		}
	}

	l.logger.Debug("drained inbound turns",
		zap.Int("drained", len(envelopes)),
		zap.Int("appended", len(appended)),
		zap.Uint64("last_seq", envelopes[len(envelopes)-1].Seq))
	return appended
}
