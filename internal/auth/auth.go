// Package auth validates callers at the HTTP boundary. Credentials are static
// API keys from configuration (plain or bcrypt-hashed) or HS256 bearer tokens;
// there is no user store.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"os"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// SkipAuthEnv disables authentication entirely when set to "1". Development
// only.
const SkipAuthEnv = "FATHOM_SKIP_AUTH"

// Caller roles.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// ErrInvalidCredentials is returned when no configured credential matches.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Principal is the authenticated caller attached to request context.
type Principal struct {
	Name   string `json:"name"`
	Role   string `json:"role"`
	Method string `json:"method"`
}

// KeyConfig is one static API key. Hash takes precedence over Key so deployed
// configs never need the plain secret.
type KeyConfig struct {
	Name string `mapstructure:"name"`
	Role string `mapstructure:"role"`
	Key  string `mapstructure:"key"`
	Hash string `mapstructure:"hash"`
}

// Config holds boundary auth settings.
type Config struct {
	Enabled   bool        `mapstructure:"enabled"`
	JWTSecret string      `mapstructure:"jwt_secret"`
	Issuer    string      `mapstructure:"issuer"`
	Keys      []KeyConfig `mapstructure:"api_keys"`
}

// Authenticator checks API keys and bearer tokens against the configuration.
type Authenticator struct {
	cfg      Config
	logger   *zap.Logger
	verifier *Verifier
	skip     bool
}

// New builds an authenticator. The skip switch is read from the environment
// once, at construction.
func New(cfg Config, logger *zap.Logger) *Authenticator {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Authenticator{
		cfg:    cfg,
		logger: logger,
		skip:   os.Getenv(SkipAuthEnv) == "1",
	}
	if cfg.JWTSecret != "" {
		a.verifier = NewVerifier(cfg.JWTSecret, cfg.Issuer)
	}
	if a.skip && cfg.Enabled {
		logger.Warn("Authentication bypassed via environment", zap.String("var", SkipAuthEnv))
	}
	return a
}

// Enabled reports whether requests must carry credentials.
func (a *Authenticator) Enabled() bool {
	return a.cfg.Enabled && !a.skip
}

// ValidateKey matches a presented API key against the configured entries.
func (a *Authenticator) ValidateKey(presented string) (*Principal, error) {
	if presented == "" {
		return nil, ErrInvalidCredentials
	}
	for _, kc := range a.cfg.Keys {
		if kc.Hash != "" {
			if bcrypt.CompareHashAndPassword([]byte(kc.Hash), []byte(presented)) == nil {
				return principalForKey(kc), nil
			}
			continue
		}
		if kc.Key != "" && equalKeys(kc.Key, presented) {
			return principalForKey(kc), nil
		}
	}
	return nil, ErrInvalidCredentials
}

// ValidateBearer validates an HS256 token and returns its principal.
func (a *Authenticator) ValidateBearer(token string) (*Principal, error) {
	if a.verifier == nil {
		return nil, ErrInvalidCredentials
	}
	return a.verifier.Validate(token)
}

func principalForKey(kc KeyConfig) *Principal {
	name := kc.Name
	if name == "" {
		name = "api-key"
	}
	role := kc.Role
	if role == "" {
		role = RoleUser
	}
	return &Principal{Name: name, Role: role, Method: "api_key"}
}

// equalKeys compares in constant time over fixed-length digests so the
// comparison leaks neither content nor length.
func equalKeys(configured, presented string) bool {
	ch := sha256.Sum256([]byte(configured))
	ph := sha256.Sum256([]byte(presented))
	return subtle.ConstantTimeCompare(ch[:], ph[:]) == 1
}
