package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nerrad567/ish-core/internal/infrastructure/config"
)

// Method names how a principal was authenticated.
type Method string

const (
	MethodStatic Method = "static"
	MethodJWT    Method = "jwt"
	MethodAny    Method = "any"
)

// anonymousPrincipal is reported by AcceptAny.
const anonymousPrincipal = "anonymous"

// Principal is an authenticated caller.
type Principal struct {
	ID     string
	Method Method
}

// Verifier checks a bearer token.
type Verifier interface {
	Verify(ctx context.Context, token string) (Principal, error)
}

// StaticTokens accepts a fixed set of tokens.
type StaticTokens struct {
	entries []staticEntry
}

type staticEntry struct {
	digest    [sha256.Size]byte
	principal string
}

// NewStaticTokens builds a verifier from configured tokens. Entries with an
// empty principal use "token-<index>".
func NewStaticTokens(tokens []config.TokenConfig) *StaticTokens {
	s := &StaticTokens{entries: make([]staticEntry, 0, len(tokens))}
	for i, t := range tokens {
		if t.Token == "" {
			continue
		}
		principal := t.Principal
		if principal == "" {
			principal = fmt.Sprintf("token-%d", i)
		}
		s.entries = append(s.entries, staticEntry{
			digest:    sha256.Sum256([]byte(t.Token)),
			principal: principal,
		})
	}
	return s
}

// Verify compares the token against every entry without early exit.
func (s *StaticTokens) Verify(_ context.Context, token string) (Principal, error) {
	if token == "" {
		return Principal{}, ErrTokenMissing
	}
	digest := sha256.Sum256([]byte(token))

	match := -1
	for i := range s.entries {
		if subtle.ConstantTimeCompare(digest[:], s.entries[i].digest[:]) == 1 && match < 0 {
			match = i
		}
	}
	if match < 0 {
		return Principal{}, ErrTokenInvalid
	}
	return Principal{ID: s.entries[match].principal, Method: MethodStatic}, nil
}

// JWTVerifier accepts HS256 JWTs signed with a shared secret.
type JWTVerifier struct {
	secret []byte
	issuer string
}

// NewJWTVerifier creates a verifier. An empty issuer skips the iss check.
func NewJWTVerifier(secret, issuer string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), issuer: issuer}
}

// Verify checks signature, expiry and issuer, and requires a subject.
func (v *JWTVerifier) Verify(_ context.Context, token string) (Principal, error) {
	if token == "" {
		return Principal{}, ErrTokenMissing
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(_ *jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}
	if !parsed.Valid {
		return Principal{}, ErrTokenInvalid
	}
	if claims.Subject == "" {
		return Principal{}, fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}
	return Principal{ID: claims.Subject, Method: MethodJWT}, nil
}

// AcceptAny accepts every non-empty token.
type AcceptAny struct{}

// Verify fails only for an empty token.
func (AcceptAny) Verify(_ context.Context, token string) (Principal, error) {
	if token == "" {
		return Principal{}, ErrTokenMissing
	}
	return Principal{ID: anonymousPrincipal, Method: MethodAny}, nil
}

// Chain tries each verifier in order and returns the first success.
type Chain []Verifier

// Verify returns ErrTokenMissing for an empty token and ErrTokenInvalid
// when no verifier accepts it.
func (c Chain) Verify(ctx context.Context, token string) (Principal, error) {
	if token == "" {
		return Principal{}, ErrTokenMissing
	}
	for _, v := range c {
		p, err := v.Verify(ctx, token)
		if err == nil {
			return p, nil
		}
	}
	return Principal{}, ErrTokenInvalid
}

// FromConfig builds the verifier chain described by cfg.
func FromConfig(cfg config.SecurityConfig) Verifier {
	var chain Chain
	if len(cfg.Tokens) > 0 {
		chain = append(chain, NewStaticTokens(cfg.Tokens))
	}
	if cfg.JWT.Secret != "" {
		chain = append(chain, NewJWTVerifier(cfg.JWT.Secret, cfg.JWT.Issuer))
	}
	if cfg.AcceptAnyToken {
		chain = append(chain, AcceptAny{})
	}
	return chain
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" header.
func BearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrTokenMissing
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", ErrTokenInvalid
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrTokenMissing
	}
	return token, nil
}

// IsAuthError reports whether err is one of this package's token errors.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrTokenInvalid) || errors.Is(err, ErrTokenMissing)
}
