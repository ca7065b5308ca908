package api

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shelfshare/arbitration"
	"shelfshare/identity"
	"shelfshare/listing"
	"shelfshare/request"
)

type fixture struct {
	handler  http.Handler
	listings *memListings
	requests *memRequests
	identity *identity.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	listings := &memListings{byID: map[string]listing.Listing{}}
	requests := &memRequests{byID: map[string]request.BorrowRequest{}}
	users := newMemUsers()

	identityService := identity.NewService(users, "test-secret")
	arbiter := arbitration.NewService(memPool{}, listings, requests, noopTimeline{}, noopOutbox{})

	server := NewServer(arbiter, identityService, listings, requests, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	return &fixture{
		handler:  server.Router(),
		listings: listings,
		requests: requests,
		identity: identityService,
	}
}

func (f *fixture) register(t *testing.T, email string) (userID, token string) {
	t.Helper()

	rec := f.do(t, http.MethodPost, "/auth/register", "",
		`{"email":"`+email+`","password":"strongpassword","display_name":"Test User"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = f.do(t, http.MethodPost, "/auth/login", "",
		`{"email":"`+email+`","password":"strongpassword"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var login struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &login))
	return created.ID, login.Token
}

func (f *fixture) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestCatalogListsAvailableOnly(t *testing.T) {
	f := newFixture(t)
	_, ownerToken := f.register(t, "owner@example.com")

	rec := f.do(t, http.MethodPost, "/listings", ownerToken, `{"title":"Snow Crash"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = f.do(t, http.MethodPost, "/listings", ownerToken, `{"title":"Anathem"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/listings", "", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var catalog []listingView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &catalog))
	assert.Len(t, catalog, 2)

	rec = f.do(t, http.MethodGet, "/listings?status=bogus", "", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestSubmitAndDecideFlow(t *testing.T) {
	f := newFixture(t)
	_, ownerToken := f.register(t, "owner@example.com")
	_, borrowerToken := f.register(t, "borrower@example.com")

	rec := f.do(t, http.MethodPost, "/listings", ownerToken, `{"title":"Snow Crash"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created listingView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "available", created.Status)

	rec = f.do(t, http.MethodPost, "/listings/"+created.ID+"/requests", borrowerToken,
		`{"loan_start":"2026-03-01T12:00:00Z"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var submitted requestView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))
	assert.Equal(t, "pending", submitted.Status)
	assert.Equal(t, submitted.LoanStart.Add(14*24*time.Hour), submitted.ReturnDueAt)

	rec = f.do(t, http.MethodPost, "/requests/"+submitted.ID+"/decision", ownerToken,
		`{"listing_id":"`+created.ID+`","outcome":"approve"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var decision decisionView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decision))
	assert.Equal(t, "approved", decision.Request.Status)

	rec = f.do(t, http.MethodGet, "/listings/"+created.ID, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var fetched listingView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fetched))
	assert.Equal(t, "loaned", fetched.Status)

	rec = f.do(t, http.MethodPost, "/requests/"+submitted.ID+"/return", ownerToken,
		`{"listing_id":"`+created.ID+`"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestDecideConflictMapsTo409(t *testing.T) {
	f := newFixture(t)
	_, ownerToken := f.register(t, "owner@example.com")
	_, borrowerToken := f.register(t, "borrower@example.com")

	rec := f.do(t, http.MethodPost, "/listings", ownerToken, `{"title":"Dune"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created listingView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = f.do(t, http.MethodPost, "/listings/"+created.ID+"/requests", borrowerToken,
		`{"loan_start":"2026-03-01T12:00:00Z"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var submitted requestView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))

	rec = f.do(t, http.MethodPost, "/requests/"+submitted.ID+"/decision", ownerToken,
		`{"outcome":"reject"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Second decision on a settled request.
	rec = f.do(t, http.MethodPost, "/requests/"+submitted.ID+"/decision", ownerToken,
		`{"outcome":"approve"}`)
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "conflict", body.Code)
}

func TestDecideByNonOwnerIsForbidden(t *testing.T) {
	f := newFixture(t)
	_, ownerToken := f.register(t, "owner@example.com")
	_, borrowerToken := f.register(t, "borrower@example.com")

	rec := f.do(t, http.MethodPost, "/listings", ownerToken, `{"title":"Solaris"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created listingView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = f.do(t, http.MethodPost, "/listings/"+created.ID+"/requests", borrowerToken,
		`{"loan_start":"2026-03-01T12:00:00Z"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var submitted requestView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))

	rec = f.do(t, http.MethodPost, "/requests/"+submitted.ID+"/decision", borrowerToken,
		`{"outcome":"approve"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())
}

func TestSelfRequestMapsTo422(t *testing.T) {
	f := newFixture(t)
	_, ownerToken := f.register(t, "owner@example.com")

	rec := f.do(t, http.MethodPost, "/listings", ownerToken, `{"title":"Ubik"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created listingView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = f.do(t, http.MethodPost, "/listings/"+created.ID+"/requests", ownerToken,
		`{"loan_start":"2026-03-01T12:00:00Z"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
}

func TestMissingTokenIsUnauthorized(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/listings", "", `{"title":"Neuromancer"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/listings", "garbage-token", `{"title":"Neuromancer"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUnknownListingIsNotFound(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/listings/"+uuid.NewString(), "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// In-memory collaborators. The transaction is a no-op because the fakes
// mutate their maps directly; transactional behavior is covered by the
// arbitration and repository tests.

type memPool struct{}

func (memPool) Begin(context.Context) (pgx.Tx, error) {
	return memTx{}, nil
}

type memTx struct{}

func (memTx) Begin(context.Context) (pgx.Tx, error) { return nil, errors.New("nested tx") }
func (memTx) Commit(context.Context) error          { return nil }
func (memTx) Rollback(context.Context) error        { return nil }
func (memTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}
func (memTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { panic("not implemented") }
func (memTx) LargeObjects() pgx.LargeObjects                         { panic("not implemented") }
func (memTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}
func (memTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}
func (memTx) Query(context.Context, string, ...any) (pgx.Rows, error) { panic("not implemented") }
func (memTx) QueryRow(context.Context, string, ...any) pgx.Row        { panic("not implemented") }
func (memTx) Conn() *pgx.Conn                                         { return nil }

type noopTimeline struct{}

func (noopTimeline) Append(context.Context, pgx.Tx, string, *string, string, *string, map[string]any) error {
	return nil
}

type noopOutbox struct{}

func (noopOutbox) Enqueue(context.Context, pgx.Tx, string, map[string]any) error {
	return nil
}

type memListings struct {
	byID map[string]listing.Listing
}

func (m *memListings) Get(_ context.Context, id string) (listing.Listing, error) {
	l, ok := m.byID[id]
	if !ok {
		return listing.Listing{}, listing.ErrNotFound
	}
	return l, nil
}

func (m *memListings) GetForUpdate(ctx context.Context, _ pgx.Tx, id string) (listing.Listing, error) {
	return m.Get(ctx, id)
}

func (m *memListings) List(_ context.Context, status listing.Status, _ int) ([]listing.Listing, error) {
	var out []listing.Listing
	for _, l := range m.byID {
		if l.Status == status {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *memListings) TrySetStatus(_ context.Context, _ pgx.Tx, id string, expected, next listing.Status) (bool, error) {
	l, ok := m.byID[id]
	if !ok || l.Status != expected {
		return false, nil
	}
	l.Status = next
	m.byID[id] = l
	return true, nil
}

func (m *memListings) Create(_ context.Context, params listing.CreateParams) (listing.Listing, error) {
	l := listing.Listing{
		ID:        uuid.NewString(),
		OwnerID:   params.OwnerID,
		Title:     params.Title,
		ImageURL:  params.ImageURL,
		Status:    listing.StatusAvailable,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	m.byID[l.ID] = l
	return l, nil
}

type memRequests struct {
	byID map[string]request.BorrowRequest
}

func (m *memRequests) Create(_ context.Context, _ pgx.Tx, params request.CreateParams) (request.BorrowRequest, error) {
	for _, req := range m.byID {
		if req.ListingID == params.ListingID && req.RequesterID == params.RequesterID && req.Status == request.StatusPending {
			return request.BorrowRequest{}, request.ErrDuplicatePending
		}
	}
	req := request.BorrowRequest{
		ID:          uuid.NewString(),
		ListingID:   params.ListingID,
		RequesterID: params.RequesterID,
		LoanStart:   params.LoanStart,
		ReturnDueAt: params.LoanStart.Add(request.LoanPeriod),
		Status:      request.StatusPending,
		CreatedAt:   time.Now().UTC(),
	}
	m.byID[req.ID] = req
	return req, nil
}

func (m *memRequests) Get(_ context.Context, id string) (request.BorrowRequest, error) {
	req, ok := m.byID[id]
	if !ok {
		return request.BorrowRequest{}, request.ErrNotFound
	}
	return req, nil
}

func (m *memRequests) GetForUpdate(ctx context.Context, _ pgx.Tx, id string) (request.BorrowRequest, error) {
	return m.Get(ctx, id)
}

func (m *memRequests) ListPendingForListing(_ context.Context, _ pgx.Tx, listingID string) ([]request.BorrowRequest, error) {
	var out []request.BorrowRequest
	for _, req := range m.byID {
		if req.ListingID == listingID && req.Status == request.StatusPending {
			out = append(out, req)
		}
	}
	return out, nil
}

func (m *memRequests) ListForListing(_ context.Context, listingID string, status request.Status) ([]request.BorrowRequest, error) {
	var out []request.BorrowRequest
	for _, req := range m.byID {
		if req.ListingID == listingID && req.Status == status {
			out = append(out, req)
		}
	}
	return out, nil
}

func (m *memRequests) ListForRequester(_ context.Context, requesterID string) ([]request.BorrowRequest, error) {
	var out []request.BorrowRequest
	for _, req := range m.byID {
		if req.RequesterID == requesterID {
			out = append(out, req)
		}
	}
	return out, nil
}

func (m *memRequests) TrySetStatus(_ context.Context, _ pgx.Tx, id string, expected, next request.Status, reason *string) (bool, error) {
	req, ok := m.byID[id]
	if !ok || req.Status != expected {
		return false, nil
	}
	req.Status = next
	if reason != nil {
		req.DecisionReason = reason
	}
	m.byID[id] = req
	return true, nil
}

func (m *memRequests) ClaimOverdue(_ context.Context, _ pgx.Tx, asOf time.Time, limit int) ([]request.BorrowRequest, error) {
	var out []request.BorrowRequest
	for _, req := range m.byID {
		if len(out) == limit {
			break
		}
		if req.Status == request.StatusApproved && !req.ReturnDueAt.After(asOf) {
			out = append(out, req)
		}
	}
	return out, nil
}

type memUsers struct {
	byEmail map[string]identity.User
	byID    map[string]identity.User
}

func newMemUsers() *memUsers {
	return &memUsers{
		byEmail: map[string]identity.User{},
		byID:    map[string]identity.User{},
	}
}

func (m *memUsers) CreateUser(_ context.Context, params identity.CreateUserParams) (identity.User, error) {
	if _, exists := m.byEmail[params.Email]; exists {
		return identity.User{}, identity.ErrDuplicateEmail
	}
	u := identity.User{
		ID:           uuid.NewString(),
		Email:        params.Email,
		DisplayName:  params.DisplayName,
		PasswordHash: params.PasswordHash,
	}
	m.byEmail[u.Email] = u
	m.byID[u.ID] = u
	return u, nil
}

func (m *memUsers) GetUserByEmail(_ context.Context, email string) (identity.User, error) {
	u, ok := m.byEmail[email]
	if !ok {
		return identity.User{}, identity.ErrUserNotFound
	}
	return u, nil
}

func (m *memUsers) GetUserByID(_ context.Context, id string) (identity.User, error) {
	u, ok := m.byID[id]
	if !ok {
		return identity.User{}, identity.ErrUserNotFound
	}
	return u, nil
}
