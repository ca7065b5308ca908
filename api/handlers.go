package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"shelfshare/arbitration"
	"shelfshare/identity"
	"shelfshare/listing"
	"shelfshare/request"
)

// pathID extracts and validates a UUID path parameter. Rejecting malformed
// ids here keeps them out of the repositories' uuid casts.
func (s *Server) pathID(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	raw := chi.URLParam(r, name)
	id, err := uuid.Parse(raw)
	if err != nil {
		s.writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "malformed " + name, Code: "validation"})
		return "", false
	}
	return id.String(), true
}

type listingView struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Title     string    `json:"title"`
	ImageURL  *string   `json:"image_url,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type requestView struct {
	ID             string    `json:"id"`
	ListingID      string    `json:"listing_id"`
	RequesterID    string    `json:"requester_id"`
	LoanStart      time.Time `json:"loan_start"`
	ReturnDueAt    time.Time `json:"return_due_at"`
	Status         string    `json:"status"`
	DecisionReason *string   `json:"decision_reason,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

type decisionView struct {
	Request          requestView   `json:"request"`
	RejectedSiblings []requestView `json:"rejected_siblings,omitempty"`
	Replayed         bool          `json:"replayed,omitempty"`
}

type userView struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
}

func toListingView(l listing.Listing) listingView {
	return listingView{
		ID:        l.ID,
		OwnerID:   l.OwnerID,
		Title:     l.Title,
		ImageURL:  l.ImageURL,
		Status:    string(l.Status),
		CreatedAt: l.CreatedAt,
		UpdatedAt: l.UpdatedAt,
	}
}

func toRequestView(req request.BorrowRequest) requestView {
	return requestView{
		ID:             req.ID,
		ListingID:      req.ListingID,
		RequesterID:    req.RequesterID,
		LoanStart:      req.LoanStart,
		ReturnDueAt:    req.ReturnDueAt,
		Status:         string(req.Status),
		DecisionReason: req.DecisionReason,
		CreatedAt:      req.CreatedAt,
	}
}

func toDecisionView(res arbitration.DecisionResult) decisionView {
	view := decisionView{Request: toRequestView(res.Request), Replayed: res.Replayed}
	for _, sib := range res.RejectedSiblings {
		view.RejectedSiblings = append(view.RejectedSiblings, toRequestView(sib))
	}
	return view
}

func toUserView(u identity.User) userView {
	return userView{ID: u.ID, Email: u.Email, DisplayName: u.DisplayName}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body identity.RegisterRequest
	if err := s.decodeJSON(r, &body); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed body", Code: "validation"})
		return
	}

	user, err := s.identity.Register(r.Context(), body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, toUserView(*user))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body identity.LoginRequest
	if err := s.decodeJSON(r, &body); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed body", Code: "validation"})
		return
	}

	result, err := s.identity.Login(r.Context(), body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"token": result.Token,
		"user":  toUserView(result.User),
	})
}

func (s *Server) handleCreateListing(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title    string  `json:"title"`
		ImageURL *string `json:"image_url"`
	}
	if err := s.decodeJSON(r, &body); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed body", Code: "validation"})
		return
	}
	if body.Title == "" {
		s.writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "title is required", Code: "validation"})
		return
	}

	l, err := s.listings.Create(r.Context(), listing.CreateParams{
		OwnerID:  actorID(r.Context()),
		Title:    body.Title,
		ImageURL: body.ImageURL,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, toListingView(l))
}

func (s *Server) handleListListings(w http.ResponseWriter, r *http.Request) {
	status := listing.StatusAvailable
	if raw := r.URL.Query().Get("status"); raw != "" {
		status = listing.Status(raw)
		if !status.Valid() {
			s.writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "unknown status", Code: "validation"})
			return
		}
	}

	catalog, err := s.listings.List(r.Context(), status, 50)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	views := make([]listingView, 0, len(catalog))
	for _, l := range catalog {
		views = append(views, toListingView(l))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetListing(w http.ResponseWriter, r *http.Request) {
	listingID, ok := s.pathID(w, r, "listingID")
	if !ok {
		return
	}
	l, err := s.listings.Get(r.Context(), listingID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toListingView(l))
}

func (s *Server) handleSubmitRequest(w http.ResponseWriter, r *http.Request) {
	listingID, ok := s.pathID(w, r, "listingID")
	if !ok {
		return
	}
	var body struct {
		LoanStart time.Time `json:"loan_start"`
	}
	if err := s.decodeJSON(r, &body); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed body", Code: "validation"})
		return
	}

	req, err := s.arbiter.SubmitRequest(r.Context(), arbitration.SubmitParams{
		ListingID:   listingID,
		RequesterID: actorID(r.Context()),
		LoanStart:   body.LoanStart,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, toRequestView(req))
}

func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	listingID, ok := s.pathID(w, r, "listingID")
	if !ok {
		return
	}
	pending, err := s.arbiter.ListPending(r.Context(), listingID, actorID(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	views := make([]requestView, 0, len(pending))
	for _, req := range pending {
		views = append(views, toRequestView(req))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	requestID, ok := s.pathID(w, r, "requestID")
	if !ok {
		return
	}
	var body struct {
		ListingID string  `json:"listing_id"`
		Outcome   string  `json:"outcome"`
		Reason    *string `json:"reason"`
	}
	if err := s.decodeJSON(r, &body); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed body", Code: "validation"})
		return
	}

	outcome := arbitration.Outcome(body.Outcome)
	if outcome != arbitration.OutcomeApprove && outcome != arbitration.OutcomeReject {
		s.writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "outcome must be approve or reject", Code: "validation"})
		return
	}

	result, err := s.arbiter.Decide(r.Context(), arbitration.DecideParams{
		ListingID:      body.ListingID,
		RequestID:      requestID,
		Outcome:        outcome,
		Reason:         body.Reason,
		ActorID:        actorID(r.Context()),
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toDecisionView(result))
}

func (s *Server) handleReturn(w http.ResponseWriter, r *http.Request) {
	requestID, ok := s.pathID(w, r, "requestID")
	if !ok {
		return
	}
	var body struct {
		ListingID string `json:"listing_id"`
	}
	if err := s.decodeJSON(r, &body); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed body", Code: "validation"})
		return
	}

	result, err := s.arbiter.CompleteReturn(r.Context(), arbitration.ReturnParams{
		ListingID:      body.ListingID,
		RequestID:      requestID,
		ActorID:        actorID(r.Context()),
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toDecisionView(result))
}

func (s *Server) handleMyRequests(w http.ResponseWriter, r *http.Request) {
	reqs, err := s.requests.ListForRequester(r.Context(), actorID(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	views := make([]requestView, 0, len(reqs))
	for _, req := range reqs {
		views = append(views, toRequestView(req))
	}
	s.writeJSON(w, http.StatusOK, views)
}
