package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the verified user behind a connection. It is established once
// at handshake time and never re-checked per message.
type Identity struct {
	UserID      string
	DisplayName string
	AvatarRef   string
}

// Authenticator verifies a handshake credential and resolves it to an Identity.
type Authenticator interface {
	Verify(credential string) (Identity, error)
}

var ErrRejected = errors.New("authentication rejected")

// Claims is the token payload issued by the account service.
type Claims struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"name"`
	AvatarRef   string `json:"avatar,omitempty"`
	jwt.RegisteredClaims
}

// TokenAuthenticator validates HS256-signed JWTs against a shared secret.
type TokenAuthenticator struct {
	secret []byte
}

func NewTokenAuthenticator(secret string) *TokenAuthenticator {
	return &TokenAuthenticator{secret: []byte(secret)}
}

func (a *TokenAuthenticator) Verify(credential string) (Identity, error) {
	if credential == "" {
		return Identity{}, ErrRejected
	}
	token, err := jwt.ParseWithClaims(credential, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return a.secret, nil
	})
	if err != nil {
		return Identity{}, errors.Join(ErrRejected, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return Identity{}, ErrRejected
	}
	return Identity{
		UserID:      claims.UserID,
		DisplayName: claims.DisplayName,
		AvatarRef:   claims.AvatarRef,
	}, nil
}

// Mint signs a token for the given identity. Used by tests and local tooling;
// production tokens come from the account service with the same claim shape.
func (a *TokenAuthenticator) Mint(id Identity, ttl time.Duration) (string, error) {
	claims := &Claims{
		UserID:      id.UserID,
		DisplayName: id.DisplayName,
		AvatarRef:   id.AvatarRef,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "meet-backend",
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}
