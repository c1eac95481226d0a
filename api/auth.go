package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// RoleAdmin is the role claim required for mutating endpoints.
const RoleAdmin = "admin"

type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

var errMissingToken = errors.New("missing bearer token")

// auth checks an HS256 bearer token when a secret is configured. Without a
// secret read routes are open and admin routes are refused.
func (s *Server) auth(next http.Handler, admin bool) http.Handler {
	if s.opts.JWTSecret == "" {
		if !admin {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s.logger.WithField("path", r.URL.Path).Warn("Refused admin request, server.jwt_secret is not set")
			s.writeError(w, http.StatusForbidden, "admin routes are disabled without server.jwt_secret")
		})
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := s.parseToken(r)
		if err != nil {
			s.logger.WithError(err).WithField("path", r.URL.Path).Debug("Rejected request")
			s.writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if admin && claims.Role != RoleAdmin {
			s.writeError(w, http.StatusForbidden, "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) parseToken(r *http.Request) (*Claims, error) {
	header := r.Header.Get("Authorization")
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return nil, errMissingToken
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(s.opts.JWTSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// SignToken issues an HS256 token for operators and tests.
func SignToken(secret string, claims Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
