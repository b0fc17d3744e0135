package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token verification failures are collapsed into two kinds: expiry is
// reported separately from every other failure so clients can retry a
// refresh instead of forcing a re-login.
var (
	ErrTokenExpired = errors.New("token expired")
	ErrTokenInvalid = errors.New("token invalid")
)

// AccessClaims carries the identity plus a permission snapshot taken at
// issuance. The snapshot is stale by design until the next refresh or
// login; contextual checks re-resolve from the store instead.
type AccessClaims struct {
	UserID      string   `json:"userId"`
	Permissions []string `json:"permissions"`
	UserType    string   `json:"userType"`
	jwt.RegisteredClaims
}

// RefreshClaims carries identity only. Permissions are deliberately
// absent so a long-lived token can never replay stale privileges.
type RefreshClaims struct {
	UserID string `json:"userId"`
	jwt.RegisteredClaims
}

func NewAccessToken(secret, issuer string, ttl time.Duration, claims AccessClaims) (string, error) {
	now := time.Now().UTC()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Subject:   claims.UserID,
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func NewRefreshToken(secret, issuer string, ttl time.Duration, userID string) (string, error) {
	now := time.Now().UTC()
	claims := RefreshClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			// The jti keeps every issued token value distinct; the
			// ledger has a uniqueness constraint on the token column.
			ID:        uuid.NewString(),
			Subject:   userID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func ParseAccessToken(secret, tokenString string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := parseToken(secret, tokenString, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

func ParseRefreshToken(secret, tokenString string) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	if err := parseToken(secret, tokenString, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

func parseToken(secret, tokenString string, claims jwt.Claims) error {
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrTokenExpired
		}
		return ErrTokenInvalid
	}
	if !token.Valid {
		return ErrTokenInvalid
	}
	return nil
}
