// Package servicetoken issues the short-lived RS256 token the gateway attaches
// to every upstream call so the upstream can tell gateway traffic from direct
// callers. It is independent of the user's bearer token.
package servicetoken

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Header carries the service token on upstream requests.
const Header = "X-Internal-Token"

const (
	// DefaultTokenTTL is the default lifetime for service tokens.
	DefaultTokenTTL = 60 * time.Second
	// DefaultKeyID is the kid placed in the JWT header.
	DefaultKeyID = "gateway-active"
)

// Signer issues service JWTs for a fixed audience.
type Signer struct {
	issuer   string
	audience string
	ttl      time.Duration
	kid      string
	key      *rsa.PrivateKey
	now      func() time.Time
}

// Options configures a Signer.
type Options struct {
	PrivateKeyPath string
	KeyID          string
	Issuer         string
	Audience       string
	TTL            time.Duration
}

// NewSigner loads the PEM private key at opts.PrivateKeyPath.
func NewSigner(opts Options) (*Signer, error) {
	path := strings.TrimSpace(opts.PrivateKeyPath)
	if path == "" {
		return nil, errors.New("service token private key path is required")
	}
	key, err := loadRSAPrivateKey(path)
	if err != nil {
		return nil, fmt.Errorf("load service token key: %w", err)
	}
	return NewSignerWithKey(key, opts)
}

// NewSignerWithKey builds a Signer around an already parsed key.
func NewSignerWithKey(key *rsa.PrivateKey, opts Options) (*Signer, error) {
	if key == nil {
		return nil, errors.New("service token key is required")
	}
	issuer := strings.TrimSpace(opts.Issuer)
	if issuer == "" {
		return nil, errors.New("service token issuer is required")
	}
	audience := strings.TrimSpace(opts.Audience)
	if audience == "" {
		return nil, errors.New("service token audience is required")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	kid := strings.TrimSpace(opts.KeyID)
	if kid == "" {
		kid = DefaultKeyID
	}
	return &Signer{
		issuer:   issuer,
		audience: audience,
		ttl:      ttl,
		kid:      kid,
		key:      key,
		now:      time.Now,
	}, nil
}

// Sign issues a fresh token. Each token carries a unique jti.
func (s *Signer) Sign() (string, error) {
	now := s.now().UTC()
	claims := jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   s.issuer,
		Audience:  jwt.ClaimStrings{s.audience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		ID:        uuid.NewString(),
	}
	t := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	t.Header["kid"] = s.kid
	return t.SignedString(s.key)
}

func loadRSAPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("invalid pem")
	}
	if pkcs1, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return pkcs1, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not rsa")
	}
	return key, nil
}
