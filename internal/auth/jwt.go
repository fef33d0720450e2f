package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dunamismax/swipeflow/internal/config"
	"github.com/golang-jwt/jwt/v5"
)

type VerifierConfig struct {
	PublicKeyPEM []byte
	HMACSecret   []byte
	Audience     string
	Issuer       string
	Algorithms   []string
	Leeway       time.Duration
}

type claims struct {
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier checks signature, algorithm, expiry, audience and issuer of bearer tokens.
type JWTVerifier struct {
	parser *jwt.Parser
	key    any
}

func NewJWTVerifier(cfg VerifierConfig) (*JWTVerifier, error) {
	if strings.TrimSpace(cfg.Audience) == "" {
		return nil, errors.New("jwt audience is required")
	}

	key, family, err := verificationKey(cfg)
	if err != nil {
		return nil, err
	}

	algs := cfg.Algorithms
	if len(algs) == 0 {
		algs = defaultAlgorithms[family]
	}
	for _, alg := range algs {
		if algorithmFamily(alg) != family {
			return nil, fmt.Errorf("algorithm %s does not match %s key", alg, family)
		}
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(algs),
		jwt.WithAudience(cfg.Audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Leeway > 0 {
		opts = append(opts, jwt.WithLeeway(cfg.Leeway))
	}

	return &JWTVerifier{
		parser: jwt.NewParser(opts...),
		key:    key,
	}, nil
}

// NewJWTVerifierFromConfig loads key material from the auth section.
func NewJWTVerifierFromConfig(cfg config.AuthConfig) (*JWTVerifier, error) {
	vc := VerifierConfig{
		HMACSecret: []byte(cfg.HMACSecret),
		Audience:   cfg.Audience,
		Issuer:     cfg.Issuer,
		Algorithms: cfg.Algorithms,
		Leeway:     30 * time.Second,
	}
	if cfg.PublicKeyFile != "" {
		pem, err := os.ReadFile(cfg.PublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read jwt public key: %w", err)
		}
		vc.PublicKeyPEM = pem
		vc.HMACSecret = nil
	}
	return NewJWTVerifier(vc)
}

func (v *JWTVerifier) Authenticate(_ context.Context, bearer string) (Principal, error) {
	if strings.TrimSpace(bearer) == "" {
		return Principal{}, fmt.Errorf("%w: missing bearer token", ErrUnauthenticated)
	}

	var c claims
	_, err := v.parser.ParseWithClaims(bearer, &c, func(*jwt.Token) (any, error) {
		return v.key, nil
	})
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if strings.TrimSpace(c.Subject) == "" {
		return Principal{}, fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}

	return Principal{ID: c.Subject, Email: c.Email, Name: c.Name}, nil
}

var defaultAlgorithms = map[string][]string{
	"rsa":   {"RS256"},
	"ecdsa": {"ES256"},
	"hmac":  {"HS256"},
}

func verificationKey(cfg VerifierConfig) (any, string, error) {
	switch {
	case len(cfg.PublicKeyPEM) > 0:
		if key, err := jwt.ParseRSAPublicKeyFromPEM(cfg.PublicKeyPEM); err == nil {
			return key, "rsa", nil
		}
		if key, err := jwt.ParseECPublicKeyFromPEM(cfg.PublicKeyPEM); err == nil {
			return key, "ecdsa", nil
		}
		return nil, "", errors.New("jwt public key must be an RSA or ECDSA PEM public key")
	case len(cfg.HMACSecret) > 0:
		if len(cfg.HMACSecret) < 32 {
			return nil, "", errors.New("jwt hmac secret must be at least 32 bytes")
		}
		return cfg.HMACSecret, "hmac", nil
	default:
		return nil, "", errors.New("jwt verification key is required")
	}
}

func algorithmFamily(alg string) string {
	switch {
	case strings.HasPrefix(alg, "RS"), strings.HasPrefix(alg, "PS"):
		return "rsa"
	case strings.HasPrefix(alg, "ES"):
		return "ecdsa"
	case strings.HasPrefix(alg, "HS"):
		return "hmac"
	default:
		return "unknown"
	}
}

var _ Authenticator = (*JWTVerifier)(nil)
