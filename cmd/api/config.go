package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/PaulBabatuyi/dmengine/internal/auth"
	"github.com/samber/lo"
)

// Config is read from the environment (and a .env file when present).
type Config struct {
	StoreURI        string        `env:"STORE_URI"`
	StoreDatabase   string        `env:"STORE_DATABASE,default=whatsapp"`
	JWTSecret       string        `env:"JWT_SECRET"`
	JWTKeys         string        `env:"JWT_KEYS"` // kid:secret,kid2:secret2
	JWTActiveKid    string        `env:"JWT_ACTIVE_KID"`
	TokenTTL        time.Duration `env:"TOKEN_TTL,default=24h"`
	Host            string        `env:"HOST"`
	Port            int           `env:"PORT,default=50051"`
	RateLimitRPM    int           `env:"RATE_LIMIT_RPM,default=10"`
	TLSCert         string        `env:"TLS_CERT"`
	TLSKey          string        `env:"TLS_KEY"`
	RequireTLS      bool          `env:"REQUIRE_TLS,default=false"`
	LogLevel        string        `env:"LOG_LEVEL,default=INFO"`
	MirrorQueueSize int           `env:"MIRROR_QUEUE_SIZE,default=1024"`
	MirrorTimeout   time.Duration `env:"MIRROR_TIMEOUT,default=5s"`
	AdminUsers      string        `env:"ADMIN_USERS"` // may call ConfigureStore
}

// jwtManager builds the token manager. JWT_KEYS enables key rotation; otherwise
// JWT_SECRET is the single signing key.
func (c Config) jwtManager() (*auth.JWTManager, error) {
	if c.JWTKeys == "" {
		if c.JWTSecret == "" {
			return nil, fmt.Errorf("either JWT_SECRET or JWT_KEYS must be set")
		}
		return auth.NewJWTManager(c.JWTSecret, c.TokenTTL), nil
	}

	keyMap := map[string]string{}
	for _, p := range strings.Split(c.JWTKeys, ",") {
		if p == "" {
			continue
		}
		parts := strings.SplitN(p, ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid JWT_KEYS entry: %q", p)
		}
		keyMap[parts[0]] = parts[1]
	}
	if len(keyMap) == 0 {
		return nil, fmt.Errorf("JWT_KEYS has no usable entry")
	}
	return auth.NewJWTManagerFromKeys(keyMap, c.JWTActiveKid, c.TokenTTL), nil
}

// admins lists the usernames in ADMIN_USERS. Empty means nobody may reconfigure the store.
func (c Config) admins() []string {
	return lo.Compact(lo.Map(strings.Split(c.AdminUsers, ","), func(s string, _ int) string {
		return strings.TrimSpace(s)
	}))
}

func (c Config) address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
