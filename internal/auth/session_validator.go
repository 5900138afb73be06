package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	bearerPrefix = "Bearer "

	// AccessTokenQuery carries the session for clients that cannot set
	// headers, such as EventSource streams.
	AccessTokenQuery = "access_token"
)

var (
	ErrMissingSessionSigningKey = errors.New("session validator: signing key required")
	ErrMissingSessionIssuer     = errors.New("session validator: issuer required")
	ErrMissingSessionCookieName = errors.New("session validator: cookie name required")
	ErrMissingSessionToken      = errors.New("session validator: token required")
	ErrInvalidSessionToken      = errors.New("session validator: invalid token")
	ErrExpiredSessionToken      = errors.New("session validator: token expired")
	ErrMissingSessionSubject    = errors.New("session validator: subject required")
)

// Actor is the user a change is attributed to.
type Actor struct {
	UserID      string
	DisplayName string
}

// SessionClaims is the JWT payload minted by TokenIssuer.
type SessionClaims struct {
	UserID          string `json:"user_id"`
	UserDisplayName string `json:"user_display_name,omitempty"`
	jwt.RegisteredClaims
}

// Actor returns the attribution identity carried by the claims.
func (c SessionClaims) Actor() Actor {
	return Actor{
		UserID:      strings.TrimSpace(c.UserID),
		DisplayName: strings.TrimSpace(c.UserDisplayName),
	}
}

type SessionValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	CookieName    string
	Clock         func() time.Time
}

// SessionValidator resolves the acting user of a request from an HS256
// session token.
type SessionValidator struct {
	secret     []byte
	issuer     string
	cookieName string
	parser     *jwt.Parser
}

func NewSessionValidator(cfg SessionValidatorConfig) (*SessionValidator, error) {
	switch {
	case len(cfg.SigningSecret) == 0:
		return nil, ErrMissingSessionSigningKey
	case strings.TrimSpace(cfg.Issuer) == "":
		return nil, ErrMissingSessionIssuer
	case strings.TrimSpace(cfg.CookieName) == "":
		return nil, ErrMissingSessionCookieName
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	return &SessionValidator{
		secret:     append([]byte(nil), cfg.SigningSecret...),
		issuer:     issuer,
		cookieName: strings.TrimSpace(cfg.CookieName),
		parser: jwt.NewParser(
			jwt.WithTimeFunc(clock),
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(issuer),
		),
	}, nil
}

// Authenticate returns the actor of r. The token is taken from the bearer
// header, then the access_token query parameter, then the session cookie.
func (v *SessionValidator) Authenticate(r *http.Request) (Actor, error) {
	token := v.requestToken(r)
	if token == "" {
		return Actor{}, ErrMissingSessionToken
	}
	claims, err := v.ValidateToken(token)
	if err != nil {
		return Actor{}, err
	}
	return claims.Actor(), nil
}

func (v *SessionValidator) requestToken(r *http.Request) string {
	if r == nil {
		return ""
	}
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, bearerPrefix) {
		return strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix))
	}
	if token := strings.TrimSpace(r.URL.Query().Get(AccessTokenQuery)); token != "" {
		return token
	}
	if cookie, err := r.Cookie(v.cookieName); err == nil {
		return strings.TrimSpace(cookie.Value)
	}
	return ""
}

// ValidateToken parses a session token and checks that it names a user.
func (v *SessionValidator) ValidateToken(token string) (SessionClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return SessionClaims{}, ErrMissingSessionToken
	}
	var claims SessionClaims
	if _, err := v.parser.ParseWithClaims(token, &claims, v.signingKey); err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return SessionClaims{}, ErrExpiredSessionToken
		}
		return SessionClaims{}, fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	}
	if strings.TrimSpace(claims.Subject) == "" || claims.Actor().UserID == "" {
		return SessionClaims{}, ErrMissingSessionSubject
	}
	return claims, nil
}

func (v *SessionValidator) signingKey(*jwt.Token) (any, error) {
	return v.secret, nil
}
