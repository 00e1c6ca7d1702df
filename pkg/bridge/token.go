package bridge

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/jonboulle/clockwork"
)

var (
	ErrMissingToken = errors.New("missing token")
	ErrInvalidToken = errors.New("invalid token")
)

// Token is a signed session token handed to the wizard.
type Token struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TTL is the remaining lifetime, zero once expired.
func (t *Token) TTL(now time.Time) time.Duration {
	if ttl := t.ExpiresAt.Sub(now); ttl > 0 {
		return ttl
	}
	return 0
}

// Claims carried by bridge tokens.
type Claims struct {
	Locale string `json:"locale,omitempty"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies HS256 session tokens.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	issuer string
	clock  clockwork.Clock
}

func NewTokenIssuer(config *BridgeConfig, clock clockwork.Clock) (*TokenIssuer, error) {
	if config == nil || len(config.Secret) < minSecretLength {
		return nil, fmt.Errorf("bridge secret must be at least %d characters", minSecretLength)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	ttl := config.TokenTTL
	if ttl <= 0 {
		ttl = DefaultBridgeConfig().TokenTTL
	}
	return &TokenIssuer{
		secret: []byte(config.Secret),
		ttl:    ttl,
		issuer: config.Issuer,
		clock:  clock,
	}, nil
}

// Issue signs a token for subject. locale is echoed back to the connection
// so user messages are rendered in the wizard's language.
func (ti *TokenIssuer) Issue(subject, locale string) (*Token, error) {
	now := ti.clock.Now()
	expiresAt := now.Add(ti.ttl)
	claims := Claims{
		Locale: locale,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    ti.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ti.secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}
	return &Token{Token: signed, ExpiresAt: expiresAt}, nil
}

// Verify checks signature, algorithm, issuer and expiry.
func (ti *TokenIssuer) Verify(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return ti.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if ti.issuer != "" && !claims.VerifyIssuer(ti.issuer, true) {
		return nil, fmt.Errorf("%w: issuer mismatch", ErrInvalidToken)
	}
	return claims, nil
}
