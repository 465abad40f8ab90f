package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrInvalidLease = errors.New("invalid lease token")

// LeaseClaims binds a token to one attempt of one quote.
type LeaseClaims struct {
	QuoteID string `json:"qid"`
	Attempt int    `json:"att"`
	jwt.RegisteredClaims
}

// LeaseSigner issues and verifies the tokens agents report results with.
type LeaseSigner struct {
	secret []byte
	ttl    time.Duration
	issuer string
}

func NewLeaseSigner(secret string, ttl time.Duration) *LeaseSigner {
	return &LeaseSigner{secret: []byte(secret), ttl: ttl, issuer: "granite-erp"}
}

func (s *LeaseSigner) Sign(quoteID string, attempt int, now time.Time) (string, error) {
	claims := LeaseClaims{
		QuoteID: quoteID,
		Attempt: attempt,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  quoteID,
			Issuer:   s.issuer,
			IssuedAt: jwt.NewNumericDate(now),
			ID:       uuid.New().String(),
		},
	}
	if s.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(s.ttl))
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign lease: %w", err)
	}
	return signed, nil
}

func (s *LeaseSigner) Verify(tokenString string) (*LeaseClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &LeaseClaims{}, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(s.issuer))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLease, err)
	}
	claims, ok := token.Claims.(*LeaseClaims)
	if !ok || !token.Valid || claims.QuoteID == "" || claims.Attempt <= 0 {
		return nil, ErrInvalidLease
	}
	return claims, nil
}
