package bridge

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// BridgeConfig holds the control bridge settings. The signing secret lives
// here and is passed to NewTokenIssuer explicitly.
type BridgeConfig struct {
	Addr           string        `json:"addr"`
	Path           string        `json:"path"`
	Secret         string        `json:"-"`
	TokenTTL       time.Duration `json:"token_ttl"`
	Issuer         string        `json:"issuer"`
	AllowedOrigins []string      `json:"allowed_origins,omitempty"`
	WriteTimeout   time.Duration `json:"write_timeout"`
}

const minSecretLength = 32

// NewBridgeConfig creates a config with defaults and TWIN_BRIDGE_* overrides.
func NewBridgeConfig() *BridgeConfig {
	_ = godotenv.Load()

	config := DefaultBridgeConfig()
	config.loadFromEnv()
	return config
}

func DefaultBridgeConfig() *BridgeConfig {
	return &BridgeConfig{
		Addr:         "127.0.0.1:8765",
		Path:         "/ws",
		TokenTTL:     10 * time.Minute,
		Issuer:       "twinrec",
		WriteTimeout: 5 * time.Second,
	}
}

func (c *BridgeConfig) loadFromEnv() {
	if v := os.Getenv("TWIN_BRIDGE_ADDR"); v != "" {
		c.Addr = v
	}
	if v := os.Getenv("TWIN_BRIDGE_SECRET"); v != "" {
		c.Secret = v
	}
	if v := os.Getenv("TWIN_BRIDGE_TOKEN_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.TokenTTL = d
		} else if secs, err := strconv.Atoi(v); err == nil {
			c.TokenTTL = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("TWIN_BRIDGE_ALLOWED_ORIGINS"); v != "" {
		c.AllowedOrigins = nil
		for _, origin := range strings.Split(v, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				c.AllowedOrigins = append(c.AllowedOrigins, origin)
			}
		}
	}
}

func (c *BridgeConfig) Validate() []string {
	var errs []string
	if c.Addr == "" {
		errs = append(errs, "bridge address is required")
	}
	if !strings.HasPrefix(c.Path, "/") {
		errs = append(errs, "bridge path must start with /")
	}
	if len(c.Secret) < minSecretLength {
		errs = append(errs, fmt.Sprintf("bridge secret must be at least %d characters", minSecretLength))
	}
	if c.TokenTTL <= 0 {
		errs = append(errs, "token TTL must be positive")
	}
	if c.WriteTimeout <= 0 {
		errs = append(errs, "write timeout must be positive")
	}
	return errs
}

func (c *BridgeConfig) PrintConfig() {
	fmt.Println("=== Bridge Configuration ===")
	fmt.Printf("Address: %s\n", c.Addr)
	fmt.Printf("Path: %s\n", c.Path)
	fmt.Printf("Secret Set: %v\n", c.Secret != "")
	fmt.Printf("Token TTL: %v\n", c.TokenTTL)
	fmt.Printf("Issuer: %s\n", c.Issuer)
	if len(c.AllowedOrigins) > 0 {
		fmt.Printf("Allowed Origins: %s\n", strings.Join(c.AllowedOrigins, ", "))
	} else {
		fmt.Println("Allowed Origins: same host only")
	}
	fmt.Println("============================")
}
