// Package auth verifies the access tokens issued by the identity service.
// Tokens are HS256 JWTs whose subject is the player id.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/park285/chess-arena/internal/domain"
	"github.com/park285/chess-arena/pkg/arenaproto"
)

var ErrUnauthorized = arenaproto.NewError(arenaproto.CodeUnauthorized, "missing or invalid access token", false)

type playerClaims struct {
	jwt.RegisteredClaims
	Name   string `json:"name,omitempty"`
	Rating int    `json:"rating,omitempty"`
}

// Identity is what a verified token says about the caller.
type Identity struct {
	Player domain.PlayerRef
	Skill  int
}

type Verifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func NewVerifier(secret, issuer string, now func() time.Time) (*Verifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("jwt secret is required")
	}
	if now == nil {
		now = time.Now
	}
	return &Verifier{secret: []byte(secret), issuer: strings.TrimSpace(issuer), now: now}, nil
}

func (v *Verifier) Verify(token string) (Identity, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return Identity{}, ErrUnauthorized
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	var claims playerClaims
	if _, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...); err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	sub := strings.TrimSpace(claims.Subject)
	if sub == "" {
		return Identity{}, fmt.Errorf("%w: subject is required", ErrUnauthorized)
	}
	name := strings.TrimSpace(claims.Name)
	if name == "" {
		name = sub
	}
	return Identity{Player: domain.PlayerRef{ID: sub, Name: name}, Skill: claims.Rating}, nil
}

// Sign issues a token for tests and the smoke client; production tokens come
// from the identity service.
func Sign(secret, issuer string, player domain.PlayerRef, rating int, ttl time.Duration, now time.Time) (string, error) {
	claims := playerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   player.ID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Name:   player.Name,
		Rating: rating,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
