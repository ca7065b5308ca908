package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	jsoniter "github.com/json-iterator/go"

	"shelfshare/arbitration"
	"shelfshare/identity"
	"shelfshare/listing"
	"shelfshare/request"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Server bundles the HTTP surface over the domain services.
type Server struct {
	arbiter  *arbitration.Service
	identity *identity.Service
	listings listing.Repository
	requests request.Repository
	log      *slog.Logger
}

// NewServer constructs the HTTP layer. A nil logger falls back to the
// process default.
func NewServer(arbiter *arbitration.Service, ident *identity.Service, listings listing.Repository, requests request.Repository, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		arbiter:  arbiter,
		identity: ident,
		listings: listings,
		requests: requests,
		log:      log,
	}
}

// Router builds the route tree. Mutating routes require authentication;
// listing reads are public.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.handleHealth)

	r.Post("/auth/register", s.handleRegister)
	r.Post("/auth/login", s.handleLogin)

	r.Get("/listings", s.handleListListings)
	r.Get("/listings/{listingID}", s.handleGetListing)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Post("/listings", s.handleCreateListing)
		r.Post("/listings/{listingID}/requests", s.handleSubmitRequest)
		r.Get("/listings/{listingID}/requests", s.handleListPending)

		r.Post("/requests/{requestID}/decision", s.handleDecide)
		r.Post("/requests/{requestID}/return", s.handleReturn)

		r.Get("/me/requests", s.handleMyRequests)
	})

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("encode response", slog.String("error", err.Error()))
	}
}

func (s *Server) decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
