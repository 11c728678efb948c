// Package auth supplies bearer tokens for the cloud channel.
package auth

import (
	"context"
	"strconv"
	"sync"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// Provider hands out the token used for the next cloud call. Refresh is
// called after the cloud rejected a token and must not return the same one
// unless nothing better is available.
type Provider interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// Static is a fixed token.
type Static string

func (s Static) Token(context.Context) (string, error)   { return string(s), nil }
func (s Static) Refresh(context.Context) (string, error) { return string(s), nil }

const (
	DefaultTTL = time.Hour
	// refreshMargin is how long before expiry a token is replaced.
	refreshMargin = time.Minute
)

// JWTOptions configures a JWTProvider.
type JWTOptions struct {
	Issuer   string
	Subject  string
	Audience string
	TTL      time.Duration
	Clock    func() time.Time
}

// JWTProvider mints HS256 tokens from a shared secret and caches them until
// shortly before they expire.
type JWTProvider struct {
	secret []byte
	opts   JWTOptions

	mu      sync.Mutex
	token   string
	expires time.Time
	minted  int
}

// NewJWT returns a provider signing with secret.
func NewJWT(secret []byte, opts JWTOptions) (*JWTProvider, error) {
	if len(secret) == 0 {
		return nil, errors.New("auth: empty jwt secret")
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &JWTProvider{secret: append([]byte(nil), secret...), opts: opts}, nil
}

func (p *JWTProvider) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.token != "" && p.opts.Clock().Add(refreshMargin).Before(p.expires) {
		return p.token, nil
	}
	return p.mint()
}

func (p *JWTProvider) Refresh(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mint()
}

// Minted returns how many tokens have been signed.
func (p *JWTProvider) Minted() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.minted
}

func (p *JWTProvider) mint() (string, error) {
	now := p.opts.Clock()
	claims := gojwt.RegisteredClaims{
		Issuer:    p.opts.Issuer,
		Subject:   p.opts.Subject,
		IssuedAt:  gojwt.NewNumericDate(now),
		NotBefore: gojwt.NewNumericDate(now),
		ExpiresAt: gojwt.NewNumericDate(now.Add(p.opts.TTL)),
		// Refreshed tokens differ even within the same second.
		ID: strconv.Itoa(p.minted + 1),
	}
	if p.opts.Audience != "" {
		claims.Audience = gojwt.ClaimStrings{p.opts.Audience}
	}
	signed, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString(p.secret)
	if err != nil {
		return "", errors.Wrap(err, "sign token")
	}
	p.token = signed
	p.expires = now.Add(p.opts.TTL)
	p.minted++
	return signed, nil
}

// Verify checks a token minted with secret and returns its subject. It is
// the server side of JWTProvider, used by relays that check tokens locally.
func Verify(secret []byte, token string, now time.Time) (string, error) {
	claims := &gojwt.RegisteredClaims{}
	parsed, err := gojwt.ParseWithClaims(token, claims, func(t *gojwt.Token) (any, error) {
		return secret, nil
	},
		gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}),
		gojwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return "", errors.Wrap(err, "verify token")
	}
	if !parsed.Valid {
		return "", errors.New("verify token: invalid")
	}
	return claims.Subject, nil
}
