package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Deps are the handles the router serves from.
type Deps struct {
	Caller      Caller
	Credentials CredentialStore
	Agent       AgentStatus
	Logger      *slog.Logger
	// RateLimiter is optional. Nil disables inbound rate limiting.
	RateLimiter *RateLimiter
}

// NewRouter builds the gateway's HTTP handler.
func NewRouter(deps Deps) (http.Handler, error) {
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &handlers{
		caller:  deps.Caller,
		creds:   deps.Credentials,
		agent:   deps.Agent,
		schemas: schemas,
	}

	r := chi.NewRouter()
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger.With("component", "api")))
	if deps.RateLimiter != nil {
		r.Use(deps.RateLimiter.Middleware)
	}

	r.Get("/health", h.health)

	r.Route("/api", func(r chi.Router) {
		r.Post("/feed/homefeed/recommend", h.homefeed)

		r.Route("/search", func(r chi.Router) {
			r.Get("/trending", h.searchTrending)
			r.Get("/recommend", h.searchRecommend)
			r.Post("/notes", h.searchNotes)
			r.Post("/onebox", h.searchOnebox)
			r.Get("/filter", h.searchFilter)
			r.Post("/usersearch", h.searchUser)
		})

		r.Get("/notification/{kind}", h.notifications)
		r.Get("/user/me", h.userMe)

		r.Post("/note/detail", h.noteDetail)
		r.Get("/note/page", h.notePage)

		r.Route("/auth", func(r chi.Router) {
			r.Post("/cookies", h.saveCookies)
			r.Delete("/cookies", h.deleteCookies)
			r.Get("/status", h.authStatus)
		})

		r.Get("/agent/status", h.agentStatus)
	})

	return r, nil
}
