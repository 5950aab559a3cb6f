// Package auth identifies the owner behind a request from a session cookie or basic auth.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

const ownerKey = "owner"

var ErrUnauthorized = errors.New("unauthorized")

type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (c Credentials) Check(other Credentials) bool {
	userOK := subtle.ConstantTimeCompare([]byte(c.Username), []byte(other.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(c.Password), []byte(other.Password)) == 1
	return userOK && passOK
}

func NewCredentials(s string) (Credentials, error) {
	username, password, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || username == "" || password == "" {
		return Credentials{}, fmt.Errorf("invalid credentials format")
	}

	return Credentials{
		Username: username,
		Password: password,
	}, nil
}

// ParseCredentials reads a comma separated list of user:pass pairs.
func ParseCredentials(s string) ([]Credentials, error) {
	var out []Credentials
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		creds, err := NewCredentials(part)
		if err != nil {
			return nil, err
		}
		out = append(out, creds)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no credentials configured")
	}
	return out, nil
}

type Authenticator struct {
	credentials []Credentials
	jwtSecret   string
	now         func() time.Time
}

func NewAuthenticator(credentials []Credentials, jwtSecret string) *Authenticator {
	return &Authenticator{credentials: credentials, jwtSecret: jwtSecret, now: time.Now}
}

// Authenticate returns a session cookie for valid credentials.
func (a *Authenticator) Authenticate(creds Credentials) (*http.Cookie, error) {
	if !a.checkCredentials(creds) {
		return nil, ErrUnauthorized
	}
	return a.generateCookie(creds.Username)
}

func (a *Authenticator) checkCredentials(creds Credentials) bool {
	return lo.ContainsBy(a.credentials, func(known Credentials) bool {
		return known.Check(creds)
	})
}

func (a *Authenticator) generateCookie(owner string) (*http.Cookie, error) {
	token, err := SignToken(owner, a.jwtSecret, a.now())
	if err != nil {
		return nil, err
	}

	cookie := &http.Cookie{
		Name:     cookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(tokenExpiry.Seconds()),
	}
	return cookie, nil
}

// NewAuthMiddleware rejects requests without a valid session cookie or basic auth header
// and stores the owner on the context for CurrentOwner.
func NewAuthMiddleware(auther *Authenticator) echo.MiddlewareFunc {
	type authStrategy func(c echo.Context) (string, error)
	strategies := []authStrategy{
		auther.authWithCookie,
		auther.authWithBasicAuth,
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, strategy := range strategies {
				owner, err := strategy(c)
				if err != nil {
					log.Debug().Err(err).Str("path", c.Path()).Msg("authentication attempt failed")
					continue
				}

				if owner != "" {
					c.Set(ownerKey, owner)
					return next(c)
				}
			}
			return ErrUnauthorized
		}
	}
}

// CurrentOwner returns the owner id the auth middleware stored on the context.
func CurrentOwner(c echo.Context) (string, error) {
	owner, ok := c.Get(ownerKey).(string)
	if !ok || owner == "" {
		return "", ErrUnauthorized
	}
	return owner, nil
}

func (a *Authenticator) authWithCookie(c echo.Context) (string, error) {
	cookie, err := c.Cookie(cookieName)
	if err != nil || cookie == nil || cookie.Value == "" {
		return "", nil
	}

	claims, err := ValidateToken(cookie.Value, a.jwtSecret)
	if err != nil {
		return "", err
	}

	refreshedCookie, err := a.generateCookie(claims.Subject)
	if err != nil {
		return "", fmt.Errorf("failed to generate cookie: %w", err)
	}
	refreshedCookie.Secure = c.IsTLS()
	c.SetCookie(refreshedCookie)

	return claims.Subject, nil
}

func (a *Authenticator) authWithBasicAuth(c echo.Context) (string, error) {
	username, password, ok := c.Request().BasicAuth()
	if !ok {
		return "", nil
	}

	cookie, err := a.Authenticate(Credentials{Username: username, Password: password})
	if err != nil {
		return "", err
	}
	cookie.Secure = c.IsTLS()
	c.SetCookie(cookie)

	return username, nil
}

func ExpireCookie() *http.Cookie {
	return &http.Cookie{
		Name:     cookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	}
}
