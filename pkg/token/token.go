package token

import (
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// Claims defines the operator session JWT payload.
type Claims struct {
	Operator string `json:"operator"`
	jwtlib.RegisteredClaims
}

// Generate issues a signed session token for an operator.
func Generate(operator, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Operator: operator,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Issuer:    "selfheal",
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// Parse validates and extracts claims from a session token.
func Parse(token, secret string) (*Claims, error) {
	parsed, err := jwtlib.ParseWithClaims(token, &Claims{}, func(t *jwtlib.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Name}))
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, jwtlib.ErrTokenInvalidClaims
	}
	return claims, nil
}
