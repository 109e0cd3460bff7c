package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"github.com/mind-engage/mindengage-exams/internal/rbac"
	"github.com/mind-engage/mindengage-exams/internal/users"
)

const tokenTTL = 8 * time.Hour

type AuthService struct {
	hmac   []byte
	issuer string
	now    func() time.Time
}

func NewAuthService(secret string) *AuthService {
	return &AuthService{hmac: []byte(secret), issuer: "mindengage-exams", now: time.Now}
}

type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

func (a *AuthService) IssueJWT(sub, role string) (string, error) {
	now := a.now()
	claims := &Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.hmac)
}

func (a *AuthService) Parse(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		return a.hmac, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.issuer),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return nil, err
	}
	c, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || c.Subject == "" {
		return nil, errors.New("invalid token")
	}
	return c, nil
}

// Admin is the configured bootstrap administrator.
type Admin struct {
	User     string
	PassHash string
}

// POST /auth/login  { "username": "...", "password": "..." }
func LoginHandler(a *AuthService, us *users.Store, admin Admin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
			writeErr(w, http.StatusBadRequest, "bad json", "validation")
			return
		}

		var sub, role string
		switch u, err := us.FindByUsername(r.Context(), req.Username); {
		case err == nil && users.CheckPassword(u.PasswordHash, req.Password):
			sub, role = u.ID, u.Role
		case admin.User != "" && req.Username == admin.User && users.CheckPassword(admin.PassHash, req.Password):
			sub, role = admin.User, rbac.RoleAdmin
		case err != nil && !errors.Is(err, users.ErrNotFound):
			log.Error().Err(err).Msg("login lookup")
			writeErr(w, http.StatusServiceUnavailable, "storage unavailable", "storage_unavailable")
			return
		default:
			writeErr(w, http.StatusUnauthorized, "invalid credentials", "unauthorized")
			return
		}

		tok, err := a.IssueJWT(sub, role)
		if err != nil {
			writeErr(w, http.StatusInternalServerError, "issue token", "internal")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"access_token": tok, "role": role, "sub": sub})
	}
}

// JWTMiddleware authenticates the bearer token and stores the caller in the
// request context. Browsers cannot set headers on WebSocket upgrades, so an
// access_token query parameter is accepted on those requests.
func JWTMiddleware(a *AuthService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := ""
			if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
				raw = strings.TrimPrefix(h, "Bearer ")
			} else if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
				raw = r.URL.Query().Get("access_token")
			}
			if raw == "" {
				writeErr(w, http.StatusUnauthorized, "missing bearer", "unauthorized")
				return
			}
			c, err := a.Parse(raw)
			if err != nil {
				writeErr(w, http.StatusUnauthorized, "bad token", "unauthorized")
				return
			}
			ctx := rbac.WithPrincipal(r.Context(), rbac.Principal{Subject: c.Subject, Role: c.Role})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeErr(w http.ResponseWriter, status int, msg, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg, "code": code})
}
