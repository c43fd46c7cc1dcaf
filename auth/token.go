package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"

	"flux-rpc/rpcerror"
)

// Claims is the signed-token payload: subject, issue/expiry times, roles.
type Claims struct {
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// TokenService issues and verifies HMAC-SHA256 signed tokens.
type TokenService struct {
	secret []byte
	issuer string
	ttl    time.Duration
	clock  clockwork.Clock
}

func newTokenService(secret []byte, issuer string, ttl time.Duration, clock clockwork.Clock) *TokenService {
	return &TokenService{secret: secret, issuer: issuer, ttl: ttl, clock: clock}
}

// Issue signs a token for the subject with the given roles.
func (s *TokenService) Issue(subject string, roles []string) (string, error) {
	now := s.clock.Now()
	claims := &Claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// Verify checks signature, expiry, and signing method, and returns the
// authentication context carried by the token.
func (s *TokenService) Verify(tokenString string) (Context, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithTimeFunc(s.clock.Now),
	)
	if err != nil {
		return Context{}, fmt.Errorf("auth: verify token: %v: %w", err, rpcerror.ErrUnauthenticated)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Context{}, fmt.Errorf("auth: malformed claims: %w", rpcerror.ErrUnauthenticated)
	}
	ctx := Context{
		Principal: claims.Subject,
		Roles:     claims.Roles,
		Type:      AuthTypeSigned,
	}
	if claims.ExpiresAt != nil {
		ctx.ExpiresAt = claims.ExpiresAt.Time
	}
	return ctx, nil
}
