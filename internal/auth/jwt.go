package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
)

// Claims defines the custom claims structure for our JWT. The registered ID
// claim carries the server-side session id.
type Claims struct {
	ActorID int64 `json:"aid"`
	Role    Role  `json:"role"`
	jwt.RegisteredClaims
}

// Actor returns the identity the token was issued to.
func (c *Claims) Actor() Actor {
	return Actor{Role: c.Role, ID: c.ActorID, SessionID: c.ID}
}

// Authenticator handles JWT generation and validation.
type Authenticator struct {
	secretKey []byte
	issuer    string
	validity  time.Duration
}

// NewAuthenticator creates a new Authenticator.
func NewAuthenticator(secretKey string, issuer string, validity time.Duration) *Authenticator {
	return &Authenticator{
		secretKey: []byte(secretKey),
		issuer:    issuer,
		validity:  validity,
	}
}

// Validity is how long issued tokens live.
func (a *Authenticator) Validity() time.Duration {
	return a.validity
}

// GenerateToken creates a signed JWT for an actor bound to sessionID.
func (a *Authenticator) GenerateToken(actor Actor, sessionID string) (string, error) {
	if !actor.Authenticated() {
		return "", ErrInvalidToken
	}

	now := time.Now()
	claims := Claims{
		ActorID: actor.ID,
		Role:    actor.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        sessionID,
			ExpiresAt: jwt.NewNumericDate(now.Add(a.validity)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    a.issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secretKey)
}

// ValidateToken parses and validates a JWT string.
func (a *Authenticator) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return a.secretKey, nil
	}, jwt.WithIssuer(a.issuer))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid && claims.Actor().Authenticated() {
		return claims, nil
	}

	return nil, ErrInvalidToken
}
