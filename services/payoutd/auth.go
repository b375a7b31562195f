package payoutd

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AuthConfig describes admin authentication options.
type AuthConfig struct {
	BearerToken string
	JWTSecret   string
	JWTIssuer   string
	JWTAudience string
	AllowMTLS   bool
}

// Authenticator validates incoming admin requests. A request passes when any configured
// mechanism accepts it.
type Authenticator struct {
	bearerToken string
	jwtSecret   []byte
	jwtOptions  []jwt.ParserOption
	allowMTLS   bool
}

// NewAuthenticator constructs an Authenticator from configuration.
func NewAuthenticator(cfg AuthConfig) (*Authenticator, error) {
	token := strings.TrimSpace(cfg.BearerToken)
	secret := strings.TrimSpace(cfg.JWTSecret)
	if token == "" && secret == "" && !cfg.AllowMTLS {
		return nil, fmt.Errorf("at least one authentication mechanism must be configured")
	}
	auth := &Authenticator{bearerToken: token, allowMTLS: cfg.AllowMTLS}
	if secret != "" {
		auth.jwtSecret = []byte(secret)
		auth.jwtOptions = []jwt.ParserOption{
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(30 * time.Second),
		}
		if issuer := strings.TrimSpace(cfg.JWTIssuer); issuer != "" {
			auth.jwtOptions = append(auth.jwtOptions, jwt.WithIssuer(issuer))
		}
		if audience := strings.TrimSpace(cfg.JWTAudience); audience != "" {
			auth.jwtOptions = append(auth.jwtOptions, jwt.WithAudience(audience))
		}
	}
	return auth, nil
}

// Middleware enforces authentication for admin handlers.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a == nil {
			http.Error(w, "authentication unavailable", http.StatusInternalServerError)
			return
		}
		if a.authenticate(r) {
			next.ServeHTTP(w, r)
			return
		}
		http.Error(w, "authentication required", http.StatusUnauthorized)
	})
}

func (a *Authenticator) authenticate(r *http.Request) bool {
	if a == nil || r == nil {
		return false
	}
	if a.allowMTLS && a.authenticateByMTLS(r) {
		return true
	}
	token := parseBearerToken(r.Header.Get("Authorization"))
	if token == "" {
		return false
	}
	if a.bearerToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(a.bearerToken)) == 1 {
		return true
	}
	if len(a.jwtSecret) > 0 && a.authenticateByJWT(token) {
		return true
	}
	return false
}

func (a *Authenticator) authenticateByJWT(raw string) bool {
	parsed, err := jwt.Parse(raw, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return a.jwtSecret, nil
	}, a.jwtOptions...)
	return err == nil && parsed.Valid
}

func (a *Authenticator) authenticateByMTLS(r *http.Request) bool {
	state := r.TLS
	if state == nil {
		return false
	}
	if len(state.VerifiedChains) > 0 {
		return true
	}
	if len(state.PeerCertificates) > 0 && state.HandshakeComplete {
		return true
	}
	return false
}

func parseBearerToken(header string) string {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return ""
	}
	parts := strings.SplitN(trimmed, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(strings.TrimSpace(parts[0]), "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
