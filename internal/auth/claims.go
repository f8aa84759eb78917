package auth

import (
	"context"
	"errors"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwt"
)

// RoleClaim names the private claim carrying the operator role.
const RoleClaim = "role"

var errLifetime = errors.New("auth: token lifetime exceeds policy")

// ClaimsPolicy is what an operator token must assert besides a valid
// signature. The signing algorithm is pinned by Verifier before the policy
// runs.
type ClaimsPolicy struct {
	Issuer    string
	Audience  string
	ClockSkew time.Duration
	// Role, when set, must equal the token's role claim.
	Role string
	// MaxLifetime rejects tokens whose exp-iat span is longer, so a leaked
	// long lived token stops working once the policy is tightened.
	MaxLifetime time.Duration
}

// Check validates tok at now. sub and exp are always required.
func (p ClaimsPolicy) Check(tok jwt.Token, now time.Time) error {
	if tok == nil {
		return errors.New("auth: token is nil")
	}
	opts := []jwt.ValidateOption{
		jwt.WithClock(jwt.ClockFunc(func() time.Time { return now })),
		jwt.WithAcceptableSkew(p.ClockSkew),
		jwt.WithRequiredClaim(jwt.SubjectKey),
		jwt.WithRequiredClaim(jwt.ExpirationKey),
	}
	if p.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(p.Issuer))
	}
	if p.Audience != "" {
		opts = append(opts, jwt.WithAudience(p.Audience))
	}
	if p.Role != "" {
		opts = append(opts, jwt.WithClaimValue(RoleClaim, p.Role))
	}
	if p.MaxLifetime > 0 {
		opts = append(opts, jwt.WithRequiredClaim(jwt.IssuedAtKey), jwt.WithValidator(jwt.ValidatorFunc(p.checkLifetime)))
	}
	return jwt.Validate(tok, opts...)
}

func (p ClaimsPolicy) checkLifetime(_ context.Context, tok jwt.Token) jwt.ValidationError {
	if tok.Expiration().Sub(tok.IssuedAt()) > p.MaxLifetime {
		return jwt.NewValidationError(errLifetime)
	}
	return nil
}
