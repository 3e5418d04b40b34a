package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"

	"gigvault/gateway/middleware"
)

// APIKeyConfig describes a single API key accepted by the daemon. The key is
// bound to a platform account; the engine re-checks that account's role on
// every job, so the key alone never widens authority.
type APIKeyConfig struct {
	Key     string `toml:"Key" json:"key"`
	Secret  string `toml:"Secret" json:"secret"`
	Account string `toml:"Account" json:"account"`
}

// WebhookConfig declares a subscriber endpoint for engine events.
type WebhookConfig struct {
	URL       string   `toml:"URL"`
	Secret    string   `toml:"Secret"`
	Events    []string `toml:"Events"`
	RateLimit int      `toml:"RateLimit"`
}

// AdminConfig controls JWT bearer auth on the /v1/admin routes.
type AdminConfig struct {
	JWTSecret string `toml:"JWTSecret"`
	Issuer    string `toml:"Issuer"`
	Audience  string `toml:"Audience"`
}

// QueueConfig bounds the in-process webhook queue.
type QueueConfig struct {
	Capacity    int    `toml:"Capacity"`
	HistorySize int    `toml:"HistorySize"`
	TTL         string `toml:"TTL"`
}

// RateLimitConfig is the per-route-group token bucket configuration.
type RateLimitConfig struct {
	RequestsPerMinute float64 `toml:"RequestsPerMinute"`
	Burst             int     `toml:"Burst"`
}

// Config captures runtime configuration for the escrow daemon.
type Config struct {
	ListenAddress  string   `toml:"ListenAddress"`
	DataDir        string   `toml:"DataDir"`
	DatabasePath   string   `toml:"DatabasePath"`
	Environment    string   `toml:"Environment"`
	Owner          string   `toml:"Owner"`
	PlatformWallet string   `toml:"PlatformWallet"`
	FeeBps         uint32   `toml:"FeeBps"`
	Tokens         []string `toml:"Tokens"`

	TimestampSkew string `toml:"TimestampSkew"`
	NonceTTL      string `toml:"NonceTTL"`

	APIKeys    []APIKeyConfig             `toml:"APIKeys"`
	Admin      AdminConfig                `toml:"Admin"`
	Webhooks   []WebhookConfig            `toml:"Webhooks"`
	Queue      QueueConfig                `toml:"Queue"`
	RateLimits map[string]RateLimitConfig `toml:"RateLimits"`

	// Parsed durations, populated by Load.
	timestampSkew time.Duration
	nonceTTL      time.Duration
	queueTTL      time.Duration
}

const (
	defaultListenAddress = ":8090"
	defaultDataDir       = "./escrowd-data"
	defaultDatabasePath  = "escrowd.db"
	defaultTimestampSkew = 2 * time.Minute
)

// LoadConfig reads the TOML file at path and applies environment overrides
// for secret material. Secrets never need to live in the file: GIGVAULT_API_KEYS
// (JSON array of {key, secret, account}) and GIGVAULT_ADMIN_JWT_SECRET take
// precedence over anything decoded from TOML.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{
		ListenAddress: defaultListenAddress,
		DataDir:       defaultDataDir,
		DatabasePath:  defaultDatabasePath,
		Environment:   "dev",
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("escrowd: decode config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := strings.TrimSpace(os.Getenv("GIGVAULT_LISTEN")); v != "" {
		c.ListenAddress = v
	}
	if v := strings.TrimSpace(os.Getenv("GIGVAULT_DATA_DIR")); v != "" {
		c.DataDir = v
	}
	if v := strings.TrimSpace(os.Getenv("GIGVAULT_DB_PATH")); v != "" {
		c.DatabasePath = v
	}
	if v := strings.TrimSpace(os.Getenv("GIGVAULT_ADMIN_JWT_SECRET")); v != "" {
		c.Admin.JWTSecret = v
	}
	if raw := strings.TrimSpace(os.Getenv("GIGVAULT_API_KEYS")); raw != "" {
		var entries []APIKeyConfig
		if err := json.Unmarshal([]byte(raw), &entries); err != nil {
			return fmt.Errorf("escrowd: parse GIGVAULT_API_KEYS: %w", err)
		}
		c.APIKeys = entries
	}
	return nil
}

func (c *Config) validate() error {
	c.timestampSkew = defaultTimestampSkew
	if raw := strings.TrimSpace(c.TimestampSkew); raw != "" {
		dur, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("escrowd: parse TimestampSkew: %w", err)
		}
		if dur <= 0 {
			return errors.New("escrowd: TimestampSkew must be positive")
		}
		c.timestampSkew = dur
	}

	c.nonceTTL = 2 * c.timestampSkew
	if raw := strings.TrimSpace(c.NonceTTL); raw != "" {
		dur, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("escrowd: parse NonceTTL: %w", err)
		}
		if dur <= 0 {
			return errors.New("escrowd: NonceTTL must be positive")
		}
		c.nonceTTL = dur
	}
	if c.nonceTTL < c.timestampSkew {
		c.nonceTTL = c.timestampSkew
	}

	if raw := strings.TrimSpace(c.Queue.TTL); raw != "" {
		dur, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("escrowd: parse Queue.TTL: %w", err)
		}
		if dur <= 0 {
			return errors.New("escrowd: Queue.TTL must be positive")
		}
		c.queueTTL = dur
	}

	if !common.IsHexAddress(strings.TrimSpace(c.Owner)) {
		return fmt.Errorf("escrowd: Owner must be a hex address, got %q", c.Owner)
	}
	if !common.IsHexAddress(strings.TrimSpace(c.PlatformWallet)) {
		return fmt.Errorf("escrowd: PlatformWallet must be a hex address, got %q", c.PlatformWallet)
	}
	if c.FeeBps > 1000 {
		return fmt.Errorf("escrowd: FeeBps %d exceeds the 10%% cap", c.FeeBps)
	}

	if strings.TrimSpace(c.Admin.JWTSecret) == "" {
		return errors.New("escrowd: admin JWT secret required (set GIGVAULT_ADMIN_JWT_SECRET)")
	}

	if len(c.APIKeys) == 0 {
		return errors.New("escrowd: no API keys configured")
	}
	for i, entry := range c.APIKeys {
		key := strings.TrimSpace(entry.Key)
		secret := strings.TrimSpace(entry.Secret)
		account := strings.TrimSpace(entry.Account)
		if key == "" || secret == "" {
			return errors.New("escrowd: API key entries must include key and secret")
		}
		if account != "" && !common.IsHexAddress(account) {
			return fmt.Errorf("escrowd: API key %s account must be a hex address", key)
		}
		c.APIKeys[i] = APIKeyConfig{Key: key, Secret: secret, Account: account}
	}

	for i, hook := range c.Webhooks {
		url := strings.TrimSpace(hook.URL)
		if url == "" {
			return errors.New("escrowd: webhook entries must include a URL")
		}
		if strings.TrimSpace(hook.Secret) == "" {
			return fmt.Errorf("escrowd: webhook %s must include a secret", url)
		}
		c.Webhooks[i].URL = url
	}
	return nil
}

// OwnerAddress returns the parsed platform owner address.
func (c *Config) OwnerAddress() [20]byte {
	return common.HexToAddress(c.Owner)
}

// PlatformWalletAddress returns the parsed fee wallet address.
func (c *Config) PlatformWalletAddress() [20]byte {
	return common.HexToAddress(c.PlatformWallet)
}

// RateLimitRules converts the config into the middleware's representation.
func (c *Config) RateLimitRules() map[string]middleware.RateLimit {
	rules := make(map[string]middleware.RateLimit, len(c.RateLimits))
	for name, rule := range c.RateLimits {
		rules[name] = middleware.RateLimit{
			RequestsPerMinute: rule.RequestsPerMinute,
			Burst:             rule.Burst,
		}
	}
	return rules
}
