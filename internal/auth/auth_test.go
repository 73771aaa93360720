package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"bookingflow/backend/internal/apperror"
	"bookingflow/backend/internal/links"
	"bookingflow/backend/internal/messaging"
	"bookingflow/backend/internal/repository"
	"bookingflow/backend/pkg/models"
)

// NoOpLogger for testing
type NoOpLogger struct{}

func (l *NoOpLogger) Debug(msg string, args ...any) {}
func (l *NoOpLogger) Info(msg string, args ...any)  {}
func (l *NoOpLogger) Warn(msg string, args ...any)  {}
func (l *NoOpLogger) Error(msg string, args ...any) {}

// MockMailer satisfies Mailer
type MockMailer struct {
	mock.Mock
}

func (m *MockMailer) SendEmail(ctx context.Context, msg messaging.Email) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

type fixture struct {
	guard    *Guard
	store    *repository.InMemoryStore
	mailer   *MockMailer
	now      time.Time
	provider *models.ServiceProvider
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  repository.NewInMemoryStore(),
		mailer: new(MockMailer),
		now:    time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC),
	}
	codec, err := links.NewCodec("test-secret")
	require.NoError(t, err)
	codec = codec.WithClock(func() time.Time { return f.now })

	f.guard = New(f.store, codec, f.mailer, &NoOpLogger{}, Settings{
		ResetURL: "https://book.example/provider/reset-pin",
		HashCost: bcrypt.MinCost,
	})

	f.provider = &models.ServiceProvider{
		ID:        "c0a80101-0000-4000-8000-000000000001",
		Name:      "Northern Coaches",
		Email:     "ops@northern.example",
		Active:    true,
		CreatedAt: f.now,
		UpdatedAt: f.now,
	}
	require.NoError(t, f.store.CreateProvider(context.Background(), f.provider))
	return f
}

func (f *fixture) setup(t *testing.T, pin string) *Issued {
	t.Helper()
	issued, err := f.guard.SetupPIN(context.Background(), f.provider.ID, pin, pin)
	require.NoError(t, err)
	return issued
}

func detail(t *testing.T, err error, key string) any {
	t.Helper()
	var appErr *apperror.Error
	require.ErrorAs(t, err, &appErr)
	return appErr.Details[key]
}

func TestValidatePINFormat(t *testing.T) {
	tests := []struct {
		pin  string
		want error
	}{
		{"7392", nil},
		{"1357", nil},
		{"1123", nil},
		{"9870", nil},
		{"1234", ErrPINSequential},
		{"4321", ErrPINSequential},
		{"0123", ErrPINSequential},
		{"6789", ErrPINSequential},
		{"1111", ErrPINRepeating},
		{"0000", ErrPINRepeating},
		{"123", ErrPINFormat},
		{"12345", ErrPINFormat},
		{"12a4", ErrPINFormat},
		{"", ErrPINFormat},
		{"١٢٣٤", ErrPINFormat},
	}
	for _, tt := range tests {
		t.Run(tt.pin, func(t *testing.T) {
			err := ValidatePINFormat(tt.pin)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, apperror.Is(err, apperror.KindValidation))
		})
	}
}

func TestSetupPIN(t *testing.T) {
	ctx := context.Background()

	t.Run("issues a four hour session", func(t *testing.T) {
		f := newFixture(t)
		issued := f.setup(t, "7392")

		assert.NotEmpty(t, issued.Token)
		assert.True(t, issued.Session.Authenticated)
		assert.Equal(t, f.now.Add(4*time.Hour), issued.Session.ExpiresAt)

		p, err := f.store.GetProvider(ctx, f.provider.ID)
		require.NoError(t, err)
		assert.NotEqual(t, "7392", p.PinHash)
		assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(p.PinHash), []byte("7392")))
	})

	t.Run("rejects a second setup", func(t *testing.T) {
		f := newFixture(t)
		f.setup(t, "7392")
		_, err := f.guard.SetupPIN(ctx, f.provider.ID, "5820", "")
		assert.ErrorIs(t, err, repository.ErrPinAlreadySet)
	})

	t.Run("rejects weak and mismatched PINs", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.guard.SetupPIN(ctx, f.provider.ID, "1234", "1234")
		assert.ErrorIs(t, err, ErrPINSequential)
		_, err = f.guard.SetupPIN(ctx, f.provider.ID, "7392", "7393")
		assert.ErrorIs(t, err, ErrPINMismatch)

		p, err := f.store.GetProvider(ctx, f.provider.ID)
		require.NoError(t, err)
		assert.False(t, p.HasPIN())
	})

	t.Run("unknown provider", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.guard.SetupPIN(ctx, "c0a80101-0000-4000-8000-0000000000ff", "7392", "")
		assert.True(t, apperror.Is(err, apperror.KindNotFound))
	})
}

func TestVerifyPIN_LockoutAfterThreeFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.setup(t, "7392")

	_, err := f.guard.VerifyPIN(ctx, f.provider.ID, "0000")
	assert.ErrorIs(t, err, ErrInvalidPIN)
	assert.Equal(t, 2, detail(t, err, "remainingAttempts"))

	_, err = f.guard.VerifyPIN(ctx, f.provider.ID, "0001")
	assert.ErrorIs(t, err, ErrInvalidPIN)
	assert.Equal(t, 1, detail(t, err, "remainingAttempts"))

	_, err = f.guard.VerifyPIN(ctx, f.provider.ID, "0002")
	assert.ErrorIs(t, err, ErrAccountBlocked)
	assert.Equal(t, true, detail(t, err, "blocked"))
	assert.Equal(t, http.StatusLocked, apperror.HTTPStatus(apperror.KindOf(err)))

	// The correct PIN no longer helps.
	_, err = f.guard.VerifyPIN(ctx, f.provider.ID, "7392")
	assert.ErrorIs(t, err, ErrAccountBlocked)

	p, err := f.store.GetProvider(ctx, f.provider.ID)
	require.NoError(t, err)
	assert.True(t, p.IsBlocked)
	require.NotNil(t, p.BlockedAt)
	assert.Equal(t, f.now, *p.BlockedAt)
}

func TestVerifyPIN_SuccessResetsCounter(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.setup(t, "7392")

	_, err := f.guard.VerifyPIN(ctx, f.provider.ID, "0000")
	require.Error(t, err)

	issued, err := f.guard.VerifyPIN(ctx, f.provider.ID, "7392")
	require.NoError(t, err)
	assert.Equal(t, f.provider.ID, issued.Session.ProviderID)

	p, err := f.store.GetProvider(ctx, f.provider.ID)
	require.NoError(t, err)
	assert.Zero(t, p.FailedPinAttempts)

	_, err = f.guard.VerifyPIN(ctx, f.provider.ID, "12")
	assert.ErrorIs(t, err, ErrPINFormat)
}

func TestVerifyPIN_WithoutSetup(t *testing.T) {
	f := newFixture(t)
	_, err := f.guard.VerifyPIN(context.Background(), f.provider.ID, "7392")
	assert.ErrorIs(t, err, ErrPINNotSet)
}

func TestVerifyPIN_ConcurrentFailuresBlockOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.setup(t, "7392")

	var wg sync.WaitGroup
	errs := make([]error, 6)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.guard.VerifyPIN(ctx, f.provider.ID, "0000")
		}(i)
	}
	wg.Wait()

	blocked := 0
	for _, err := range errs {
		require.Error(t, err)
		if apperror.Is(err, apperror.KindBlocked) {
			blocked++
		}
	}
	assert.GreaterOrEqual(t, blocked, 4)

	p, err := f.store.GetProvider(ctx, f.provider.ID)
	require.NoError(t, err)
	assert.True(t, p.IsBlocked)
}

func TestValidateSession(t *testing.T) {
	ctx := context.Background()

	t.Run("valid session", func(t *testing.T) {
		f := newFixture(t)
		issued := f.setup(t, "7392")
		session, err := f.guard.ValidateSession(ctx, issued.Token)
		require.NoError(t, err)
		assert.Equal(t, f.provider.ID, session.ProviderID)
	})

	t.Run("expires after four hours", func(t *testing.T) {
		f := newFixture(t)
		issued := f.setup(t, "7392")
		f.now = f.now.Add(4 * time.Hour)
		_, err := f.guard.ValidateSession(ctx, issued.Token)
		assert.ErrorIs(t, err, ErrSessionExpired)
	})

	t.Run("block during a session revokes it", func(t *testing.T) {
		f := newFixture(t)
		issued := f.setup(t, "7392")
		for i := 0; i < 3; i++ {
			_, _ = f.guard.VerifyPIN(ctx, f.provider.ID, "0000")
		}
		_, err := f.guard.ValidateSession(ctx, issued.Token)
		assert.ErrorIs(t, err, ErrAccountBlocked)
	})

	t.Run("garbage and foreign tokens", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.guard.ValidateSession(ctx, "")
		assert.ErrorIs(t, err, ErrSessionInvalid)
		_, err = f.guard.ValidateSession(ctx, "not-a-token")
		assert.ErrorIs(t, err, ErrSessionInvalid)

		linkToken, _, err := f.guard.codec.EncodeProviderLink(links.ProviderLink{ProviderID: f.provider.ID}, time.Hour)
		require.NoError(t, err)
		_, err = f.guard.ValidateSession(ctx, linkToken)
		assert.ErrorIs(t, err, ErrSessionInvalid)
	})
}

func resetTokenFrom(t *testing.T, body string) string {
	t.Helper()
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "https://book.example/provider/reset-pin?") {
			u, err := url.Parse(line)
			require.NoError(t, err)
			return u.Query().Get("token")
		}
	}
	t.Fatal("no reset link in email body")
	return ""
}

func TestPINReset(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown email gets the generic answer", func(t *testing.T) {
		f := newFixture(t)
		msg, err := f.guard.RequestReset(ctx, "nobody@example.com")
		require.NoError(t, err)
		assert.Equal(t, ResetRequestedMessage, msg)
		f.mailer.AssertNotCalled(t, "SendEmail", mock.Anything, mock.Anything)
	})

	t.Run("reset unblocks the account", func(t *testing.T) {
		f := newFixture(t)
		f.setup(t, "7392")
		for i := 0; i < 3; i++ {
			_, _ = f.guard.VerifyPIN(ctx, f.provider.ID, "0000")
		}

		var sent messaging.Email
		f.mailer.On("SendEmail", mock.Anything, mock.MatchedBy(func(m messaging.Email) bool {
			sent = m
			return m.To == f.provider.Email
		})).Return(nil).Once()

		msg, err := f.guard.RequestReset(ctx, "OPS@northern.example")
		require.NoError(t, err)
		assert.Equal(t, ResetRequestedMessage, msg)
		f.mailer.AssertExpectations(t)

		token := resetTokenFrom(t, sent.Body)
		require.NotEmpty(t, token)

		p, err := f.store.GetProvider(ctx, f.provider.ID)
		require.NoError(t, err)
		assert.NotEqual(t, token, p.PinResetTokenHash)

		_, err = f.guard.ResetPIN(ctx, f.provider.ID, "wrong-token", "5820", "5820")
		assert.ErrorIs(t, err, repository.ErrResetTokenInvalid)

		_, err = f.guard.ResetPIN(ctx, f.provider.ID, token, "2222", "")
		assert.ErrorIs(t, err, ErrPINRepeating)

		issued, err := f.guard.ResetPIN(ctx, f.provider.ID, token, "5820", "5820")
		require.NoError(t, err)
		assert.True(t, issued.Session.Authenticated)

		p, err = f.store.GetProvider(ctx, f.provider.ID)
		require.NoError(t, err)
		assert.False(t, p.IsBlocked)
		assert.Zero(t, p.FailedPinAttempts)
		assert.Empty(t, p.PinResetTokenHash)

		_, err = f.guard.VerifyPIN(ctx, f.provider.ID, "5820")
		assert.NoError(t, err)
	})

	t.Run("expired token", func(t *testing.T) {
		f := newFixture(t)
		var sent messaging.Email
		f.mailer.On("SendEmail", mock.Anything, mock.MatchedBy(func(m messaging.Email) bool {
			sent = m
			return true
		})).Return(nil).Once()

		_, err := f.guard.RequestReset(ctx, f.provider.Email)
		require.NoError(t, err)
		token := resetTokenFrom(t, sent.Body)

		f.now = f.now.Add(24 * time.Hour)
		_, err = f.guard.ResetPIN(ctx, f.provider.ID, token, "5820", "")
		assert.ErrorIs(t, err, repository.ErrResetTokenExpired)
		assert.Equal(t, http.StatusGone, apperror.HTTPStatus(apperror.KindOf(err)))
	})

	t.Run("mail failure still answers generically", func(t *testing.T) {
		f := newFixture(t)
		f.mailer.On("SendEmail", mock.Anything, mock.Anything).Return(assert.AnError).Once()
		msg, err := f.guard.RequestReset(ctx, f.provider.Email)
		require.NoError(t, err)
		assert.Equal(t, ResetRequestedMessage, msg)
	})
}

func TestRequireSession(t *testing.T) {
	f := newFixture(t)
	issued := f.setup(t, "7392")

	e := echo.New()
	handler := f.guard.RequireSession(func(c echo.Context) error {
		return c.String(http.StatusOK, SessionFrom(c).ProviderID)
	})

	t.Run("cookie", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/provider/bookings", nil)
		req.AddCookie(f.guard.SessionCookie(issued, true))
		rec := httptest.NewRecorder()
		require.NoError(t, handler(e.NewContext(req, rec)))
		assert.Equal(t, f.provider.ID, rec.Body.String())
	})

	t.Run("bearer", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/provider/bookings", nil)
		req.Header.Set("Authorization", "Bearer "+issued.Token)
		rec := httptest.NewRecorder()
		require.NoError(t, handler(e.NewContext(req, rec)))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("missing", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/provider/bookings", nil)
		rec := httptest.NewRecorder()
		err := handler(e.NewContext(req, rec))
		assert.ErrorIs(t, err, ErrSessionInvalid)
	})
}

func TestSessionCookie(t *testing.T) {
	f := newFixture(t)
	issued := f.setup(t, "7392")

	c := f.guard.SessionCookie(issued, true)
	assert.Equal(t, SessionCookieName, c.Name)
	assert.True(t, c.HttpOnly)
	assert.True(t, c.Secure)
	assert.Equal(t, http.SameSiteLaxMode, c.SameSite)
	assert.Equal(t, 4*60*60, c.MaxAge)

	cleared := ClearSessionCookie(false)
	assert.Equal(t, -1, cleared.MaxAge)
	assert.Empty(t, cleared.Value)
}
