// Package auth verifies operator tokens for the admin surface. Guests are
// not accounts; only operators authenticate, with HS256 tokens minted by
// cmd/tools/admintoken.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/noah-isme/backend-farmstay/internal/common"
)

// AdminRole is the role claim required on admin tokens.
const AdminRole = "admin"

// MaxTokenLifetime bounds how long an issued admin token may live.
const MaxTokenLifetime = 7 * 24 * time.Hour

var (
	ErrNoToken      = errors.New("auth: token missing")
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Verifier parses and validates admin tokens signed with a shared secret.
type Verifier struct {
	secret []byte
	alg    jwa.SignatureAlgorithm
	policy ClaimsPolicy
	now    func() time.Time
}

// NewVerifier builds a verifier. An empty secret is rejected so a missing
// ADMIN_JWT_SECRET can never accept unsigned tokens.
func NewVerifier(secret, issuer, audience string) (*Verifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("auth: admin secret is required")
	}
	return &Verifier{
		secret: []byte(secret),
		alg:    jwa.HS256,
		policy: ClaimsPolicy{
			Issuer:      issuer,
			Audience:    audience,
			ClockSkew:   30 * time.Second,
			Role:        AdminRole,
			MaxLifetime: MaxTokenLifetime,
		},
		now: time.Now,
	}, nil
}

// WithClock returns a copy of v reading time from now.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	cp := *v
	cp.now = now
	return &cp
}

// Issue mints an admin token for subject valid for ttl.
func (v *Verifier) Issue(subject string, ttl time.Duration) (string, time.Time, error) {
	if ttl <= 0 || ttl > v.policy.MaxLifetime {
		return "", time.Time{}, fmt.Errorf("auth: ttl must be within (0, %s]", v.policy.MaxLifetime)
	}
	now := v.now()
	expiresAt := now.Add(ttl)
	builder := jwt.NewBuilder().
		Subject(subject).
		Issuer(v.policy.Issuer).
		IssuedAt(now).
		NotBefore(now.Add(-v.policy.ClockSkew)).
		Expiration(expiresAt).
		Claim(RoleClaim, AdminRole)
	if v.policy.Audience != "" {
		builder = builder.Audience([]string{v.policy.Audience})
	}
	token, err := builder.Build()
	if err != nil {
		return "", time.Time{}, err
	}
	signed, err := jwt.Sign(token, jwt.WithKey(v.alg, v.secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return string(signed), expiresAt, nil
}

// Parse returns the subject of a valid admin token.
func (v *Verifier) Parse(token string) (string, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return "", ErrNoToken
	}
	algorithm, err := extractTokenAlgorithm(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if algorithm != v.alg {
		return "", fmt.Errorf("%w: unexpected token algorithm %s", ErrInvalidToken, algorithm)
	}
	parsed, err := jwt.ParseString(trimmed, jwt.WithKey(algorithm, v.secret), jwt.WithValidate(false))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if err := v.policy.Check(parsed, v.now()); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return parsed.Subject(), nil
}

func extractTokenAlgorithm(token string) (jwa.SignatureAlgorithm, error) {
	message, err := jws.ParseString(token)
	if err != nil {
		return "", err
	}
	signatures := message.Signatures()
	if len(signatures) == 0 {
		return "", errors.New("auth: token contains no signatures")
	}
	var algorithm jwa.SignatureAlgorithm
	for _, sig := range signatures {
		headers := sig.ProtectedHeaders()
		if headers == nil {
			return "", errors.New("auth: token missing protected headers")
		}
		alg := headers.Algorithm()
		if alg == "" {
			return "", errors.New("auth: token missing algorithm")
		}
		if alg == jwa.NoSignature {
			return "", errors.New("auth: token uses none algorithm")
		}
		if algorithm == "" {
			algorithm = alg
		} else if algorithm != alg {
			return "", errors.New("auth: mixed token algorithms detected")
		}
	}
	return algorithm, nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

// unauthorized renders the shared 401 envelope.
func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="admin"`)
	common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid token", nil)
}
