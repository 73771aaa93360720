package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"bookingflow/backend/internal/apperror"
	"bookingflow/backend/internal/links"
)

// SessionCookieName is the cookie carrying the sealed session.
const SessionCookieName = "provider_session"

const sessionContextKey = "provider_session"

// Session is the signed-in state of a provider.
type Session struct {
	ProviderID    string    `json:"providerId"`
	Authenticated bool      `json:"authenticated"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// Valid reports whether the session is authenticated and not yet expired.
func (s *Session) Valid(now time.Time) bool {
	return s != nil && s.Authenticated && now.Before(s.ExpiresAt)
}

// Issued is a freshly minted session and its bearer token.
type Issued struct {
	Token   string
	Session Session
}

type sessionClaims struct {
	ProviderID    string `json:"pid"`
	Authenticated bool   `json:"auth"`
}

func (g *Guard) issue(providerID string) (*Issued, error) {
	expiresAt := g.now().Add(g.settings.SessionTTL)
	token, err := g.codec.Seal(links.KindSession, sessionClaims{ProviderID: providerID, Authenticated: true}, expiresAt)
	if err != nil {
		return nil, apperror.Internal(err, "failed to issue session")
	}
	return &Issued{
		Token:   token,
		Session: Session{ProviderID: providerID, Authenticated: true, ExpiresAt: expiresAt},
	}, nil
}

// ValidateSession opens a session token and rechecks the provider's live
// block flag.
func (g *Guard) ValidateSession(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, ErrSessionInvalid
	}

	var claims sessionClaims
	expiresAt, expired, err := g.codec.Open(links.KindSession, token, &claims)
	if err != nil {
		return nil, ErrSessionInvalid
	}
	session := &Session{ProviderID: claims.ProviderID, Authenticated: claims.Authenticated, ExpiresAt: expiresAt}
	if expired {
		return nil, ErrSessionExpired
	}
	if !session.Valid(g.now()) {
		return nil, ErrSessionInvalid
	}

	p, err := g.store.GetProvider(ctx, claims.ProviderID)
	if err != nil {
		if apperror.Is(err, apperror.KindNotFound) {
			return nil, ErrSessionInvalid
		}
		return nil, err
	}
	if p.IsBlocked {
		return nil, ErrAccountBlocked.WithDetail("blocked", true)
	}
	return session, nil
}

// SessionCookie builds the cookie that carries an issued session.
func (g *Guard) SessionCookie(issued *Issued, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     SessionCookieName,
		Value:    issued.Token,
		Path:     "/",
		MaxAge:   int(g.settings.SessionTTL / time.Second),
		Expires:  issued.Session.ExpiresAt,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// ClearSessionCookie builds the cookie that logs a provider out.
func ClearSessionCookie(secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// TokenFromRequest reads the session token from a Bearer header or, failing
// that, from the session cookie.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	if c, err := r.Cookie(SessionCookieName); err == nil {
		return c.Value
	}
	return ""
}

// RequireSession is echo middleware that admits only requests with a valid
// provider session. The session is available to handlers via SessionFrom.
func (g *Guard) RequireSession(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		session, err := g.ValidateSession(c.Request().Context(), TokenFromRequest(c.Request()))
		if err != nil {
			return err
		}
		c.Set(sessionContextKey, session)
		return next(c)
	}
}

// SessionFrom returns the session stored by RequireSession.
func SessionFrom(c echo.Context) *Session {
	s, _ := c.Get(sessionContextKey).(*Session)
	return s
}
