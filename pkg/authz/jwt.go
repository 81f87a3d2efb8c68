package authz

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/lumenhouse/esign/pkg/signerr"
)

// ErrNoCredentials is returned when a request carries no bearer token.
var ErrNoCredentials = errors.New("missing bearer token")

// Authenticator verifies admin bearer tokens and turns their claims into an
// Identity.
type Authenticator struct {
	cfg    Config
	key    any
	method jwt.SigningMethod
	now    func() time.Time
	logger *zap.Logger
}

// NewAuthenticator builds an Authenticator from cfg. In AuthzModeJWT either
// a Secret or a PublicKeyPath is required; unverified tokens are never
// accepted.
func NewAuthenticator(cfg Config, logger *zap.Logger) (*Authenticator, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Authenticator{cfg: cfg, now: time.Now, logger: logger.Named("authz")}

	switch cfg.Mode {
	case AuthzModeNone:
		a.logger.Warn("admin authentication disabled; every caller is treated as admin")
		return a, nil
	case AuthzModeJWT:
	default:
		return nil, fmt.Errorf("unknown authz mode %q", cfg.Mode)
	}

	switch {
	case cfg.PublicKeyPath != "":
		key, err := loadRSAPublicKey(cfg.PublicKeyPath)
		if err != nil {
			return nil, err
		}
		a.key, a.method = key, jwt.SigningMethodRS256
		a.logger.Info("admin tokens verified with RS256", zap.String("keyPath", cfg.PublicKeyPath))
	case cfg.Secret != "":
		a.key, a.method = []byte(cfg.Secret), jwt.SigningMethodHS256
	default:
		return nil, errors.New("jwt mode requires a secret or a public key path")
	}
	return a, nil
}

// WithClock overrides the time source used for expiry checks.
func (a *Authenticator) WithClock(now func() time.Time) *Authenticator {
	a.now = now
	return a
}

// Mode reports the configured mode.
func (a *Authenticator) Mode() AuthzMode { return a.cfg.Mode }

func loadRSAPublicKey(path string) (*rsa.PublicKey, error) {
	keyData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read JWT public key from %s: %w", path, err)
	}
	block, _ := pem.Decode(keyData)
	if block == nil {
		return nil, fmt.Errorf("decode PEM block from %s", path)
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	rsaKey, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not RSA (got %T)", parsed)
	}
	return rsaKey, nil
}

// Authenticate verifies tokenString and returns the identity it carries.
// The subject claim names the user, falling back to "email".
func (a *Authenticator) Authenticate(tokenString string) (Identity, error) {
	if a.cfg.Mode == AuthzModeNone {
		return Identity{User: "anonymous", Roles: []string{RoleAdmin}}, nil
	}
	if tokenString == "" {
		return Identity{}, ErrNoCredentials
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{a.method.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}
	if a.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.cfg.Audience))
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return a.key, nil
	}, opts...)
	if err != nil {
		return Identity{}, fmt.Errorf("JWT parse error: %w", err)
	}

	user, _ := claims.GetSubject()
	if user == "" {
		user, _ = claims["email"].(string)
	}
	if user == "" {
		return Identity{}, errors.New("token has no subject")
	}
	return Identity{User: user, Roles: rolesFromClaims(claims, a.cfg.RoleClaim)}, nil
}

// Sign mints an HS256 token for id valid for ttl. Only available with a
// shared secret; used by tooling and tests.
func (a *Authenticator) Sign(id Identity, ttl time.Duration) (string, error) {
	secret, ok := a.key.([]byte)
	if !ok {
		return "", errors.New("signing requires a shared secret")
	}
	now := a.now()
	claims := jwt.MapClaims{
		"sub": id.User,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if a.cfg.Issuer != "" {
		claims["iss"] = a.cfg.Issuer
	}
	if a.cfg.Audience != "" {
		claims["aud"] = a.cfg.Audience
	}
	setClaim(claims, a.cfg.RoleClaim, id.Roles)
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// rolesFromClaims walks a dot-notation claim path. String and array
// claims are both accepted.
func rolesFromClaims(claims jwt.MapClaims, claimPath string) []string {
	var current any = map[string]any(claims)
	for _, part := range strings.Split(claimPath, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		if current, ok = m[part]; !ok {
			return nil
		}
	}

	switch v := current.(type) {
	case string:
		return []string{strings.ToLower(v)}
	case []any:
		var roles []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				roles = append(roles, strings.ToLower(s))
			}
		}
		return roles
	}
	return nil
}

func setClaim(claims jwt.MapClaims, claimPath string, roles []string) {
	parts := strings.Split(claimPath, ".")
	m := map[string]any(claims)
	for _, part := range parts[:len(parts)-1] {
		next, ok := m[part].(map[string]any)
		if !ok {
			next = map[string]any{}
			m[part] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = roles
}

// bearerToken extracts the token from "Authorization: Bearer <token>".
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// Middleware authenticates every request and stores the Identity in its
// context. Requests without a valid token get 401.
func (a *Authenticator) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := a.Authenticate(bearerToken(r))
			if err != nil {
				a.logger.Debug("admin authentication failed", zap.String("path", r.URL.Path), zap.Error(err))
				w.Header().Set("WWW-Authenticate", `Bearer realm="esign-admin"`)
				writeError(w, signerr.New(signerr.CodeUnauthorized, "authentication required"))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, body := signerr.Response(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
