package utils

import (
	"errors"
	"os"

	"github.com/golang-jwt/jwt/v5"
)

// defaultJWTSecret mirrors config.DefaultJWTSecret for callers that never load a config.
const defaultJWTSecret = "collab-dev-secret"

var jwtSecret []byte

func init() {
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		secret = defaultJWTSecret
	}
	jwtSecret = []byte(secret)
}

var (
	ErrMissingToken  = errors.New("access token missing")
	ErrInvalidClaims = errors.New("invalid token claims")
)

// SetJWTSecret replaces the HMAC secret used to verify access tokens.
func SetJWTSecret(secret string) {
	if secret != "" {
		jwtSecret = []byte(secret)
	}
}

// AccessClaims are the claims carried by a client access token.
type AccessClaims struct {
	UserId       string `json:"userId"`
	Organization string `json:"organization"`
	ReadOnly     bool   `json:"readOnly"`
	jwt.RegisteredClaims
}

// Subject returns the user id, falling back to the registered "sub" claim.
func (c *AccessClaims) Subject() string {
	if c.UserId != "" {
		return c.UserId
	}
	return c.RegisteredClaims.Subject
}

// ValidateAccessToken validates an HMAC-signed JWT and returns its claims.
func ValidateAccessToken(tokenString string) (*AccessClaims, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}
	token, err := jwt.ParseWithClaims(tokenString, &AccessClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*AccessClaims)
	if !ok || claims.Subject() == "" {
		return nil, ErrInvalidClaims
	}
	return claims, nil
}

// ExtractTokenFromHeader extracts the token from the Authorization header
func ExtractTokenFromHeader(authHeader string) (string, error) {
	if authHeader == "" {
		return "", errors.New("authorization header missing")
	}

	if len(authHeader) < 7 || authHeader[:7] != "Bearer " {
		return "", errors.New("invalid authorization header format")
	}

	return authHeader[7:], nil
}
