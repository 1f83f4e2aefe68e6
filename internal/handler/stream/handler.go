package stream

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/chatmirror/backend/internal/logging"
	"github.com/zhouzirui/chatmirror/backend/internal/service/relay"
	"github.com/zhouzirui/chatmirror/backend/pkg/utils"
)

const defaultHeartbeat = 15 * time.Second

// Feed publishes transcript snapshots. *relay.Runner implements it.
type Feed interface {
	Snapshot(ctx context.Context) (relay.Snapshot, error)
	Subscribe() (<-chan relay.Snapshot, func())
}

// Handler pushes transcript snapshots to browsers via Server-Sent Events.
type Handler struct {
	feed      Feed
	heartbeat time.Duration
	logger    *zap.Logger
}

// New creates a new stream handler
func New(feed Feed, logger *zap.Logger) *Handler {
	return &Handler{
		feed:      feed,
		heartbeat: defaultHeartbeat,
		logger:    logging.OrNop(logger).Named("http.stream"),
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/stream", h.handleStream)
}

// handleStream sends the current snapshot, then one "snapshot" event per
// change and a "heartbeat" event while idle.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ctx := r.Context()
	updates, cancel := h.feed.Subscribe()
	defer cancel()

	initial, err := h.feed.Snapshot(ctx)
	if err != nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "conversation unavailable")
		return
	}

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	if err := utils.SendSSEEvent(w, flusher, "snapshot", initial); err != nil {
		return
	}

	h.logger.Debug("stream opened", zap.String("remote", r.RemoteAddr))
	defer h.logger.Debug("stream closed", zap.String("remote", r.RemoteAddr))

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	lastVersion := initial.Version
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				_ = utils.SendSSEEvent(w, flusher, "closed", map[string]string{"message": "relay stopped"})
				return
			}
			if snap.Version <= lastVersion {
				continue
			}
			lastVersion = snap.Version
			if err := utils.SendSSEEvent(w, flusher, "snapshot", snap); err != nil {
				return
			}
		case t := <-ticker.C:
			if err := utils.SendSSEEvent(w, flusher, "heartbeat", map[string]string{
				"time": t.UTC().Format(time.RFC3339),
			}); err != nil {
				return
			}
		}
	}
}
