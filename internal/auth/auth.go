// Package auth guards the IPC surface with a per-launch secret.
//
// At startup the sidecar generates a random secret, stores only its bcrypt
// hash in memory and writes the plain secret to a 0600 file in the data
// directory. The UI layer reads that file, exchanges the secret for a short
// lived HS256 token and presents it as a Bearer header (or access_token query
// parameter for WebSocket upgrades).
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const (
	// DefaultTokenTTL is used when Config.TokenTTL is zero.
	DefaultTokenTTL = 12 * time.Hour
	// SecretFileName is the default file name inside the data directory.
	SecretFileName = "ipc-secret"
	issuer         = "sidecar"
	scopeIPC       = "ipc"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
	ErrTokenExpired       = errors.New("token expired")
)

// Config controls IPC authentication.
type Config struct {
	Enabled    bool          `mapstructure:"enabled"`
	TokenTTL   time.Duration `mapstructure:"token_ttl"`
	SecretFile string        `mapstructure:"secret_file"`
}

// Token is an issued bearer token.
type Token struct {
	Type      string    `json:"type"`
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Claims carried by IPC tokens.
type Claims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// Service issues and validates IPC tokens.
type Service struct {
	hash       []byte
	signingKey []byte
	ttl        time.Duration
	now        func() time.Time
}

// NewService hashes secret and derives a fresh random signing key, so tokens
// never survive a restart of the sidecar.
func NewService(secret string, ttl time.Duration) (*Service, error) {
	if secret == "" {
		return nil, fmt.Errorf("auth: empty secret")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("auth: hash secret: %w", err)
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("auth: signing key: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Service{hash: hash, signingKey: key, ttl: ttl, now: time.Now}, nil
}

// Issue exchanges the launch secret for a token.
func (s *Service) Issue(secret string) (*Token, error) {
	if bcrypt.CompareHashAndPassword(s.hash, []byte(secret)) != nil {
		return nil, ErrInvalidCredentials
	}
	now := s.now()
	exp := now.Add(s.ttl)
	claims := Claims{
		Scope: scopeIPC,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingKey)
	if err != nil {
		return nil, fmt.Errorf("auth: sign token: %w", err)
	}
	return &Token{Type: "Bearer", Value: signed, ExpiresAt: exp}, nil
}

// Validate parses and verifies a token string.
func (s *Service) Validate(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.signingKey, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(s.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Scope != scopeIPC {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// GenerateSecret returns 32 random bytes, hex encoded.
func GenerateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// WriteSecretFile writes secret to path with owner-only permissions,
// replacing any previous launch's secret.
func WriteSecretFile(path, secret string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(secret+"\n"), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadSecretFile reads a secret written by WriteSecretFile.
func ReadSecretFile(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	s := strings.TrimSpace(string(b))
	if s == "" {
		return "", fmt.Errorf("auth: empty secret file %s", path)
	}
	return s, nil
}

// Setup generates a secret, persists it to path and returns a Service for it.
func Setup(path string, ttl time.Duration) (*Service, error) {
	secret, err := GenerateSecret()
	if err != nil {
		return nil, err
	}
	if err := WriteSecretFile(path, secret); err != nil {
		return nil, fmt.Errorf("auth: write secret: %w", err)
	}
	return NewService(secret, ttl)
}
