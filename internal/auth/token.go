package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenTTL defines the fallback validity period for connection tokens.
const DefaultTokenTTL = 15 * time.Minute

// TokenConfig bundles the configuration required to build a TokenService.
type TokenConfig struct {
	Secret string
	Issuer string
	TTL    time.Duration
	Clock  func() time.Time
}

// Claims identify the peer of a connection.
type Claims struct {
	// Name is the user name the peer may join with.
	Name string `json:"name"`
	// Documents restricts the documents the peer may subscribe to. Empty means all.
	Documents []string `json:"docs,omitempty"`
	// Admin peers may join under any name.
	Admin bool `json:"adm,omitempty"`
	jwt.RegisteredClaims
}

// CanAccess reports whether the claims allow subscribing to document.
func (c *Claims) CanAccess(document string) bool {
	if c == nil {
		return false
	}
	if c.Admin || len(c.Documents) == 0 {
		return true
	}
	for _, d := range c.Documents {
		if d == document {
			return true
		}
	}
	return false
}

// TokenInput holds the parameters used when issuing a token.
type TokenInput struct {
	Name      string
	Documents []string
	Admin     bool
}

// TokenService issues and validates connection tokens.
type TokenService struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenService constructs a TokenService when provided with the required configuration.
func NewTokenService(cfg TokenConfig) (*TokenService, error) {
	if cfg.Secret == "" {
		return nil, errors.New("jwt: secret must be provided")
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}

	now := time.Now
	if cfg.Clock != nil {
		now = cfg.Clock
	}

	return &TokenService{
		secret: []byte(cfg.Secret),
		issuer: cfg.Issuer,
		ttl:    ttl,
		now:    now,
	}, nil
}

// Issue signs a token for the given identity.
func (s *TokenService) Issue(input TokenInput) (string, error) {
	if input.Name == "" {
		return "", errors.New("jwt: name is required")
	}

	now := s.now()
	claims := &Claims{
		Name:      input.Name,
		Documents: append([]string(nil), input.Documents...),
		Admin:     input.Admin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   input.Name,
			Issuer:    s.issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("jwt: sign token: %w", err)
	}
	return signed, nil
}

// Validate parses and validates a signed token.
func (s *TokenService) Validate(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, errors.New("jwt: token string is empty")
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	)

	var claims Claims
	_, err := parser.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("jwt: parse token: %w", err)
	}

	if s.issuer != "" && claims.Issuer != s.issuer {
		return nil, errors.New("jwt: invalid issuer")
	}
	if claims.Name == "" {
		return nil, errors.New("jwt: missing name claim")
	}

	return &claims, nil
}
