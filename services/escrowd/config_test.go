package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleConfig = `
ListenAddress = ":9090"
DataDir = "/tmp/escrowd-data"
DatabasePath = "/tmp/escrowd.db"
Environment = "staging"
Owner = "0x00000000000000000000000000000000000000EE"
PlatformWallet = "0x00000000000000000000000000000000000000FF"
FeeBps = 250
Tokens = ["USDC", "DAI"]
TimestampSkew = "90s"

[Admin]
JWTSecret = "file-secret"
Issuer = "gigvault"
Audience = "escrowd"

[[APIKeys]]
Key = "client-key"
Secret = "client-secret"
Account = "0x0000000000000000000000000000000000000001"

[[Webhooks]]
URL = "https://hooks.example.com/escrow"
Secret = "hook-secret"
Events = ["escrow.job.disputed"]

[RateLimits.settle]
RequestsPerMinute = 120
Burst = 20
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "escrowd.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadConfigFromTOML(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.ListenAddress)
	require.Equal(t, uint32(250), cfg.FeeBps)
	require.Equal(t, []string{"USDC", "DAI"}, cfg.Tokens)
	require.Equal(t, "file-secret", cfg.Admin.JWTSecret)
	require.Len(t, cfg.APIKeys, 1)
	require.Len(t, cfg.Webhooks, 1)

	rules := cfg.RateLimitRules()
	require.Contains(t, rules, "settle")
	require.Equal(t, 20, rules["settle"].Burst)
}

func TestEnvOverridesSecrets(t *testing.T) {
	t.Setenv("GIGVAULT_ADMIN_JWT_SECRET", "env-secret")
	t.Setenv("GIGVAULT_API_KEYS", `[{"key":"env-key","secret":"env-s","account":"0x0000000000000000000000000000000000000002"}]`)

	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	require.Equal(t, "env-secret", cfg.Admin.JWTSecret)
	require.Len(t, cfg.APIKeys, 1)
	require.Equal(t, "env-key", cfg.APIKeys[0].Key)
}

func TestLoadConfigRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"bad owner": `
Owner = "not-an-address"
PlatformWallet = "0x00000000000000000000000000000000000000FF"
[Admin]
JWTSecret = "s"
[[APIKeys]]
Key = "k"
Secret = "s"
`,
		"fee above cap": `
Owner = "0x00000000000000000000000000000000000000EE"
PlatformWallet = "0x00000000000000000000000000000000000000FF"
FeeBps = 1001
[Admin]
JWTSecret = "s"
[[APIKeys]]
Key = "k"
Secret = "s"
`,
		"missing api keys": `
Owner = "0x00000000000000000000000000000000000000EE"
PlatformWallet = "0x00000000000000000000000000000000000000FF"
[Admin]
JWTSecret = "s"
`,
		"webhook without secret": `
Owner = "0x00000000000000000000000000000000000000EE"
PlatformWallet = "0x00000000000000000000000000000000000000FF"
[Admin]
JWTSecret = "s"
[[APIKeys]]
Key = "k"
Secret = "s"
[[Webhooks]]
URL = "https://hooks.example.com"
`,
	}
	for name, contents := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, contents))
			require.Error(t, err)
		})
	}
}
