// Package auth guards the admin plane and owns credential token hashing.
// Tenant credential checks live in the tenant guard; this package only
// decides who may manage endpoints and log configuration.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// AuthType names how a request authenticated, for correlation logging.
type AuthType string

const (
	AuthTypeNone   AuthType = "none"
	AuthTypeStatic AuthType = "static"
	AuthTypeJWT    AuthType = "jwt"
)

var errUnauthorized = errors.New("unauthorized")

// Authenticator validates a request and reports how it authenticated.
type Authenticator interface {
	Authenticate(r *http.Request) (AuthType, error)
}

// StaticTokenAuthenticator matches the Authorization bearer value against a
// single configured admin token.
type StaticTokenAuthenticator struct {
	token string
}

func NewStaticTokenAuthenticator(token string) *StaticTokenAuthenticator {
	return &StaticTokenAuthenticator{token: token}
}

func (a *StaticTokenAuthenticator) Authenticate(r *http.Request) (AuthType, error) {
	presented, ok := bearerToken(r)
	if !ok {
		return AuthTypeNone, errUnauthorized
	}
	if a.token == "" {
		return AuthTypeNone, errUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(a.token)) != 1 {
		return AuthTypeNone, errUnauthorized
	}
	return AuthTypeStatic, nil
}

// JWTAuthenticator accepts HS256 tokens signed with the configured secret.
// Any other signing method is rejected so a client cannot downgrade to
// "none" or an asymmetric algorithm we never configured.
type JWTAuthenticator struct {
	secret []byte
}

func NewJWTAuthenticator(secret string) *JWTAuthenticator {
	return &JWTAuthenticator{secret: []byte(secret)}
}

func (a *JWTAuthenticator) Authenticate(r *http.Request) (AuthType, error) {
	presented, ok := bearerToken(r)
	if !ok {
		return AuthTypeNone, errUnauthorized
	}
	if len(a.secret) == 0 {
		return AuthTypeNone, errUnauthorized
	}
	token, err := jwt.Parse(presented, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return AuthTypeNone, errUnauthorized
	}
	return AuthTypeJWT, nil
}

// MultiAuthenticator tries each authenticator in order. The first success
// wins; the collected failure is a plain unauthorized, never a hint about
// which method came closest.
type MultiAuthenticator struct {
	authenticators []Authenticator
}

func NewMultiAuthenticator(authenticators ...Authenticator) *MultiAuthenticator {
	return &MultiAuthenticator{authenticators: authenticators}
}

func (m *MultiAuthenticator) Authenticate(r *http.Request) (AuthType, error) {
	for _, a := range m.authenticators {
		if typ, err := a.Authenticate(r); err == nil {
			return typ, nil
		}
	}
	return AuthTypeNone, errUnauthorized
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	const prefix = "Bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return header[len(prefix):], true
}

// Middleware rejects unauthenticated requests with a SCIM-shaped 401 body
// and records the auth type on success via onSuccess.
func Middleware(authenticator Authenticator, onSuccess func(r *http.Request, typ AuthType)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			typ, err := authenticator.Authenticate(r)
			if err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="scimhub-admin"`)
				w.Header().Set("Content-Type", "application/scim+json; charset=utf-8")
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"schemas":["urn:ietf:params:scim:api:messages:2.0:Error"],"status":"401","detail":"Unauthorized"}`))
				return
			}
			if onSuccess != nil {
				onSuccess(r, typ)
			}
			next.ServeHTTP(w, r)
		})
	}
}
