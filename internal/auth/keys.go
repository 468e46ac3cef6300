// Package auth issues and checks match admin credentials: a random admin key
// handed out once at creation, and short-lived signed grants derived from it.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"golang.org/x/crypto/bcrypt"

	"github.com/xaitan80/X-Score/internal/apperr"
	"github.com/xaitan80/X-Score/internal/models"
)

// NewToken returns a cryptographically secure random token (hex-64)
func NewToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// HashKey hashes an admin key with bcrypt default cost.
func HashKey(key string) (string, error) {
	return hashKey(key, bcrypt.DefaultCost)
}

func hashKey(key string, cost int) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(key), cost)
	if err != nil {
		return "", fmt.Errorf("hash admin key: %w", err)
	}
	return string(h), nil
}

func CheckKey(hash, key string) bool {
	if hash == "" || key == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil
}

// GrantClaims scope a signed grant to one match.
type GrantClaims struct {
	MatchID string `json:"mid"`
	jwt.RegisteredClaims
}

var ErrInvalidGrant = errors.New("invalid grant")

// Issuer signs and verifies HS256 grants.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	clock  clockwork.Clock
}

func NewIssuer(secret string, ttl time.Duration, clock clockwork.Clock) *Issuer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, clock: clock}
}

// Issue signs a grant for matchID that expires after the issuer's TTL.
func (i *Issuer) Issue(matchID string) (string, time.Time, error) {
	now := i.clock.Now()
	exp := now.Add(i.ttl)
	claims := GrantClaims{
		MatchID: matchID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign grant: %w", err)
	}
	return tok, exp, nil
}

// Verify returns the match id a valid grant is scoped to.
func (i *Issuer) Verify(token string) (string, error) {
	claims := &GrantClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return i.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.clock.Now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidGrant, err)
	}
	if claims.MatchID == "" {
		return "", ErrInvalidGrant
	}
	return claims.MatchID, nil
}

// Authorizer decides whether a credential may administer a match. Admin keys
// that passed bcrypt once are remembered for the life of the process, keyed
// by the stored hash, so repeated mutations skip the compare.
type Authorizer struct {
	issuer   *Issuer
	cost     int
	verified sync.Map
}

type Option func(*Authorizer)

// WithKeyCost sets the bcrypt cost for new admin keys.
func WithKeyCost(cost int) Option {
	return func(a *Authorizer) { a.cost = cost }
}

func NewAuthorizer(issuer *Issuer, opts ...Option) *Authorizer {
	a := &Authorizer{issuer: issuer, cost: bcrypt.DefaultCost}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Authorizer) Issuer() *Issuer { return a.issuer }

// HashKey hashes a new admin key at the authorizer's cost.
func (a *Authorizer) HashKey(key string) (string, error) {
	return hashKey(key, a.cost)
}

// Authorize accepts either the match's admin key or a grant for the match.
func (a *Authorizer) Authorize(m models.Match, cred string) error {
	if cred == "" {
		return apperr.Forbidden("admin_required", "admin credential required")
	}
	if looksLikeJWT(cred) && a.issuer != nil {
		mid, err := a.issuer.Verify(cred)
		if err == nil && mid == m.ID {
			return nil
		}
		return apperr.Forbidden("invalid_grant", "grant is not valid for this match")
	}
	if !a.checkKey(m.AdminKeyHash, cred) {
		return apperr.Forbidden("invalid_admin_key", "admin key is not valid for this match")
	}
	return nil
}

func (a *Authorizer) checkKey(hash, key string) bool {
	if hash == "" || key == "" {
		return false
	}
	id := verifiedID(hash, key)
	if _, ok := a.verified.Load(id); ok {
		return true
	}
	if !CheckKey(hash, key) {
		return false
	}
	a.verified.Store(id, struct{}{})
	return true
}

// verifiedID never holds the key itself.
func verifiedID(hash, key string) [sha256.Size]byte {
	return sha256.Sum256([]byte(hash + "\x00" + key))
}

func looksLikeJWT(s string) bool {
	return strings.Count(s, ".") == 2
}
