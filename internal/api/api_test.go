package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"bookingflow/backend/internal/apperror"
	"bookingflow/backend/internal/auth"
	"bookingflow/backend/internal/cache"
	"bookingflow/backend/internal/links"
	"bookingflow/backend/internal/messaging"
	"bookingflow/backend/internal/repository"
	"bookingflow/backend/internal/services"
	"bookingflow/backend/pkg/models"
)

// NoOpLogger for testing
type NoOpLogger struct{}

func (l *NoOpLogger) Debug(msg string, args ...any) {}
func (l *NoOpLogger) Info(msg string, args ...any)  {}
func (l *NoOpLogger) Warn(msg string, args ...any)  {}
func (l *NoOpLogger) Error(msg string, args ...any) {}

type apiFixture struct {
	e     *echo.Echo
	store *repository.InMemoryStore

	mu  sync.Mutex
	now time.Time
}

func (f *apiFixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *apiFixture) advanceClock(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	f := &apiFixture{
		store: repository.NewInMemoryStore(),
		now:   time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC),
	}
	base, err := links.NewCodec("api-test-secret")
	require.NoError(t, err)
	codec := base.WithClock(f.clock)
	dispatcher := messaging.NewLogDispatcher(&NoOpLogger{})

	engine := services.NewEngine(f.store, codec, dispatcher, nil, &NoOpLogger{}, services.Settings{
		PublicBaseURL:        "https://book.example",
		MinResponsesRequired: 1,
	})
	tracker := services.NewTracker(f.store, cache.NewTTLCache[*services.TrackingData](10, time.Minute).WithClock(f.clock), f.clock, 15*time.Second)
	guard := auth.New(f.store, codec, dispatcher, &NoOpLogger{}, auth.Settings{
		HashCost: bcrypt.MinCost,
		ResetURL: "https://book.example/provider/reset-pin",
	})

	f.e = echo.New()
	f.e.HTTPErrorHandler = HTTPErrorHandler(&NoOpLogger{})
	NewServer(engine, tracker, guard, f.store, &NoOpLogger{}, Options{Version: "test"}).Register(f.e)
	return f
}

func (f *apiFixture) addProvider(t *testing.T, name string) *models.ServiceProvider {
	t.Helper()
	p := &models.ServiceProvider{
		ID:        uuid.NewString(),
		Name:      name,
		Email:     uuid.NewString()[:8] + "@coaches.example",
		Active:    true,
		CreatedAt: f.clock(),
	}
	require.NoError(t, f.store.CreateProvider(context.Background(), p))
	f.advanceClock(time.Second)
	return p
}

func (f *apiFixture) do(t *testing.T, method, path string, body any, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m), rec.Body.String())
	return m
}

func (f *apiFixture) startWorkflow(t *testing.T) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/v1/workflows", models.BookingRequest{
		ID: "BR-" + uuid.NewString()[:8], CustomerName: "Grace", CustomerEmail: "grace@example.com",
		Details: map[string]any{"from": "York", "to": "Whitby"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp StartWorkflowResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Run.ID
}

func (f *apiFixture) providerToken(t *testing.T, runID, providerID string) string {
	t.Helper()
	wps, err := f.store.ListWorkflowProviders(context.Background(), runID)
	require.NoError(t, err)
	for _, wp := range wps {
		if wp.ProviderID == providerID {
			return wp.LinkToken
		}
	}
	t.Fatalf("provider %s not solicited", providerID)
	return ""
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
}

func TestBookingFlowOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	p1 := f.addProvider(t, "Northern Coaches")
	p2 := f.addProvider(t, "Pennine Travel")
	runID := f.startWorkflow(t)

	tok1 := f.providerToken(t, runID, p1.ID)
	rec := f.do(t, http.MethodGet, "/bq/"+tok1, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "York", decode(t, rec)["bookingDetails"].(map[string]any)["from"])

	rec = f.do(t, http.MethodPost, "/bq/"+tok1+"/respond", map[string]any{"action": "accept", "quoteAmount": "120.00"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, float64(12000), decode(t, rec)["quoteAmount"])

	rec = f.do(t, http.MethodPost, "/bq/"+f.providerToken(t, runID, p2.ID)+"/respond", map[string]any{"action": "reject"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/workflows/"+runID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	th := decode(t, rec)["thresholds"].(map[string]any)
	assert.Equal(t, float64(2), th["respondedCount"])
	assert.Equal(t, float64(1), th["quotedCount"])

	rec = f.do(t, http.MethodPost, "/api/v1/workflows/"+runID+"/publish", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	published := decode(t, rec)
	url := published["url"].(string)
	require.Contains(t, url, "https://book.example/bq/quotes/")
	quoteToken := url[len("https://book.example/bq/quotes/"):]
	quote := published["quotes"].([]any)[0].(map[string]any)

	rec = f.do(t, http.MethodGet, "/bq/quotes/"+quoteToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["quotes"], 1)

	selection := map[string]any{"quoteId": quote["quote_id"], "providerId": quote["provider_id"], "action": "confirm"}
	rec = f.do(t, http.MethodPost, "/bq/quotes/"+quoteToken, selection)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	run := decode(t, rec)["run"].(map[string]any)
	assert.Equal(t, "completed", run["status"])

	rec = f.do(t, http.MethodPost, "/bq/quotes/"+quoteToken, selection)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get(echo.HeaderContentType))
	assert.Equal(t, float64(http.StatusConflict), decode(t, rec)["status"])
}

func TestExpiredProviderLink(t *testing.T) {
	f := newAPIFixture(t)
	p := f.addProvider(t, "Northern Coaches")
	runID := f.startWorkflow(t)
	token := f.providerToken(t, runID, p.ID)

	f.advanceClock(73 * time.Hour)
	rec := f.do(t, http.MethodPost, "/bq/"+token+"/respond", map[string]any{"action": "accept", "quoteAmount": "50"})
	assert.Equal(t, http.StatusGone, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["expired"])
	assert.Equal(t, p.ID, body["providerId"])
	assert.Equal(t, "Gone", body["title"])
}

func TestBadInput(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/bq/not-a-token", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/workflows", map[string]any{"customer_email": "x@example.com"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/workflows", bytes.NewBufferString("{"))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	raw := httptest.NewRecorder()
	f.e.ServeHTTP(raw, req)
	assert.Equal(t, http.StatusBadRequest, raw.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/workflows/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/workflows/abc", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/provider/auth/verify-pin", PinRequest{ProviderID: "abc", PIN: "7392"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProviderAuthFlow(t *testing.T) {
	f := newAPIFixture(t)
	p := f.addProvider(t, "Northern Coaches")
	f.startWorkflow(t)

	rec := f.do(t, http.MethodPost, "/provider/auth/setup-pin", PinRequest{ProviderID: p.ID, PIN: "1234", ConfirmPIN: "1234"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "sequential PINs are refused")

	rec = f.do(t, http.MethodPost, "/provider/auth/setup-pin", PinRequest{ProviderID: p.ID, PIN: "7392", ConfirmPIN: "7392"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	session := cookies[0]
	assert.Equal(t, auth.SessionCookieName, session.Name)
	assert.True(t, session.HttpOnly)
	assert.Equal(t, 4*3600, session.MaxAge)

	rec = f.do(t, http.MethodGet, "/provider/bookings", nil, session)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["bookings"], 1)

	rec = f.do(t, http.MethodGet, "/provider/bookings", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/provider/auth/verify-pin", PinRequest{ProviderID: p.ID, PIN: "0000"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, float64(2), body["remainingAttempts"])
	assert.Equal(t, false, body["blocked"])

	f.do(t, http.MethodPost, "/provider/auth/verify-pin", PinRequest{ProviderID: p.ID, PIN: "0000"})
	rec = f.do(t, http.MethodPost, "/provider/auth/verify-pin", PinRequest{ProviderID: p.ID, PIN: "0000"})
	assert.Equal(t, http.StatusLocked, rec.Code)
	assert.Equal(t, true, decode(t, rec)["blocked"])

	rec = f.do(t, http.MethodGet, "/provider/auth/validate-session", nil, session)
	assert.Equal(t, http.StatusLocked, rec.Code, "a live block ends existing sessions")

	rec = f.do(t, http.MethodPost, "/provider/auth/verify-pin", PinRequest{ProviderID: p.ID, PIN: "7392"})
	assert.Equal(t, http.StatusLocked, rec.Code)

	rec = f.do(t, http.MethodPost, "/provider/auth/request-pin-reset", map[string]string{"email": "nobody@example.com"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, auth.ResetRequestedMessage, decode(t, rec)["message"])

	rec = f.do(t, http.MethodPost, "/provider/auth/logout", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	cleared := rec.Result().Cookies()
	require.Len(t, cleared, 1)
	assert.Less(t, cleared[0].MaxAge, 0)
}

func TestValidateSession(t *testing.T) {
	f := newAPIFixture(t)
	p := f.addProvider(t, "Northern Coaches")

	rec := f.do(t, http.MethodGet, "/provider/auth/validate-session", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/provider/auth/setup-pin", PinRequest{ProviderID: p.ID, PIN: "5820"})
	require.Equal(t, http.StatusOK, rec.Code)
	token := decode(t, rec)["token"].(string)

	req := httptest.NewRequest(http.MethodGet, "/provider/auth/validate-session", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	out := httptest.NewRecorder()
	f.e.ServeHTTP(out, req)
	require.Equal(t, http.StatusOK, out.Code)
	assert.Equal(t, true, decode(t, out)["valid"])

	f.advanceClock(4 * time.Hour)
	out = httptest.NewRecorder()
	f.e.ServeHTTP(out, req)
	assert.Equal(t, http.StatusUnauthorized, out.Code)
}

func TestTracking(t *testing.T) {
	f := newAPIFixture(t)
	f.addProvider(t, "Northern Coaches")
	runID := f.startWorkflow(t)

	rec := f.do(t, http.MethodGet, "/api/v1/tracking?run_id="+runID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, false, body["cached"])
	assert.Len(t, body["runs"], 1)

	rec = f.do(t, http.MethodGet, "/api/v1/tracking?run_id="+runID, nil)
	assert.Equal(t, true, decode(t, rec)["cached"])

	rec = f.do(t, http.MethodGet, "/api/v1/tracking?recent=500", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, http.MethodGet, "/api/v1/tracking?recent=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOpenAPIDocument(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/openapi.yaml", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "openapi: 3.0.3")
	assert.Contains(t, rec.Body.String(), "http://example.com")

	rec = f.do(t, http.MethodGet, "/docs", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/openapi.yaml")
}

func TestProblemFor(t *testing.T) {
	p := problemFor(apperror.Internal(errors.New("pq: connection refused"), "failed to load run"))
	assert.Equal(t, http.StatusInternalServerError, p.Status)
	assert.NotContains(t, p.Detail, "connection refused")

	p = problemFor(echo.NewHTTPError(http.StatusMethodNotAllowed, "Method Not Allowed"))
	assert.Equal(t, http.StatusMethodNotAllowed, p.Status)

	p = problemFor(repository.ErrStepMismatch.WithDetail("currentStep", 4))
	out, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"about:blank","title":"Conflict","status":409,"detail":"workflow run is not on the expected step","currentStep":4}`, string(out))
}
