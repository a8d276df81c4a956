package devserver

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/rmacdonaldsmith/pollmesh-go/pkg/envelope"
)

// DefaultGrantTTL is how long a grant is valid when no TTL is given
const DefaultGrantTTL = 24 * time.Hour

var (
	ErrEmptySecret = errors.New("grant secret cannot be empty")
	ErrEmptyGrant  = errors.New("grant must name at least one channel or group")
)

// GrantClaims are the claims of a grant token. Names ending in "*" match any
// name with that prefix; "*" alone matches everything.
type GrantClaims struct {
	UUID     string   `json:"uuid,omitempty"`
	Channels []string `json:"channels,omitempty"`
	Groups   []string `json:"groups,omitempty"`
	jwt.RegisteredClaims
}

// AllowsChannel reports whether the grant covers channel. Presence shadows
// are covered by their base channel.
func (c *GrantClaims) AllowsChannel(channel string) bool {
	return matchAny(c.Channels, envelope.BaseChannel(channel))
}

// AllowsGroup reports whether the grant covers group.
func (c *GrantClaims) AllowsGroup(group string) bool {
	return matchAny(c.Groups, envelope.BaseChannel(group))
}

func matchAny(patterns []string, name string) bool {
	return slices.ContainsFunc(patterns, func(p string) bool {
		if prefix, ok := strings.CutSuffix(p, "*"); ok {
			return strings.HasPrefix(name, prefix)
		}
		return p == name
	})
}

// Grants mints and verifies HS256 grant tokens.
type Grants struct {
	secret []byte
	now    func() time.Time
}

// NewGrants creates Grants signing with secret.
func NewGrants(secret string) (*Grants, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	return &Grants{secret: []byte(secret), now: time.Now}, nil
}

// Issue mints a token for uuid covering channels and groups.
func (g *Grants) Issue(uuid string, channels, groups []string, ttl time.Duration) (string, time.Time, error) {
	if len(channels) == 0 && len(groups) == 0 {
		return "", time.Time{}, ErrEmptyGrant
	}
	if ttl <= 0 {
		ttl = DefaultGrantTTL
	}

	now := g.now()
	expiresAt := now.Add(ttl)

	claims := GrantClaims{
		UUID:     uuid,
		Channels: channels,
		Groups:   groups,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign grant: %w", err)
	}
	return token, expiresAt, nil
}

// Verify validates token and returns its claims.
func (g *Grants) Verify(token string) (*GrantClaims, error) {
	if token == "" {
		return nil, errors.New("token cannot be empty")
	}
	token = strings.TrimPrefix(token, "Bearer ")

	parsed, err := jwt.ParseWithClaims(token, &GrantClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return g.secret, nil
	}, jwt.WithTimeFunc(g.now))
	if err != nil {
		return nil, fmt.Errorf("invalid grant: %w", err)
	}

	claims, ok := parsed.Claims.(*GrantClaims)
	if !ok || !parsed.Valid {
		return nil, errors.New("invalid grant claims")
	}
	return claims, nil
}
