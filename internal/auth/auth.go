package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt"
)

const DefaultExpiry = time.Hour * 24

const (
	userIdClaim   = "user-id"
	usernameClaim = "username"
	expClaim      = "exp"
)

var ErrInvalidToken = errors.New("invalid token")

// Identity is the authenticated principal carried by a session token.
type Identity struct {
	UserId   int
	Username string
}

// TokenService mints and verifies signed session tokens. Tokens are
// self-contained: verification never touches the database.
type TokenService struct {
	signingKey []byte
	expiry     time.Duration
}

func NewTokenService(signingKey []byte, expiry time.Duration) *TokenService {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}

	return &TokenService{
		signingKey: signingKey,
		expiry:     expiry,
	}
}

func (ts *TokenService) Issue(userId int, username string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		userIdClaim:   userId,
		usernameClaim: username,
		expClaim:      time.Now().Add(ts.expiry).Unix(),
	})

	return token.SignedString(ts.signingKey)
}

func (ts *TokenService) Verify(tokenString string) (Identity, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return ts.signingKey, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return Identity{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, ErrInvalidToken
	}

	userId, ok := claims[userIdClaim].(float64)
	if !ok {
		return Identity{}, ErrInvalidToken
	}

	username, ok := claims[usernameClaim].(string)
	if !ok {
		return Identity{}, ErrInvalidToken
	}

	return Identity{
		UserId:   int(userId),
		Username: username,
	}, nil
}
