package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/zhouzirui/chatmirror/backend/internal/handler/chat"
	"github.com/zhouzirui/chatmirror/backend/internal/handler/persona"
	"github.com/zhouzirui/chatmirror/backend/internal/handler/stream"
	"github.com/zhouzirui/chatmirror/backend/internal/handler/ws"
	"github.com/zhouzirui/chatmirror/backend/internal/logging"
	personaModel "github.com/zhouzirui/chatmirror/backend/internal/model/persona"
	"github.com/zhouzirui/chatmirror/backend/internal/service/relay"
)

// Dependencies groups what the HTTP front-end needs.
type Dependencies struct {
	Personas        personaModel.Store
	ActivePersonaID string
	Runner          *relay.Runner
	Logger          *zap.Logger
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Dependencies) http.Handler {
	logger := logging.OrNop(deps.Logger)
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(CORS)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/api", func(api chi.Router) {
		persona.New(deps.Personas, deps.ActivePersonaID).RegisterRoutes(api)
		chat.New(deps.Runner, logger).RegisterRoutes(api)
		stream.New(deps.Runner, logger).RegisterRoutes(api)
		ws.New(deps.Runner, logger).RegisterRoutes(api)
	})

	return r
}
