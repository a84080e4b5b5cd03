package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/chroxy-sh/chroxy/internal/fsutil"
)

// EnsureToken returns the API token for the gateway, generating and persisting
// one on first run. A token supplied via config or CHROXY_TOKEN wins; otherwise
// the token stored at path is reused, and if none exists a fresh one is written
// with owner-only permissions.
func EnsureToken(c *Config, path string) (string, error) {
	if c.Server.APIToken != "" {
		return c.Server.APIToken, nil
	}

	if data, err := os.ReadFile(path); err == nil {
		var stored struct {
			Server struct {
				APIToken string `json:"api_token"`
			} `json:"server"`
		}
		if err := json.Unmarshal(data, &stored); err == nil && stored.Server.APIToken != "" {
			c.Server.APIToken = stored.Server.APIToken
			return stored.Server.APIToken, nil
		}
	}

	token, err := GenerateToken()
	if err != nil {
		return "", err
	}
	c.Server.APIToken = token

	if err := Save(c, path); err != nil {
		return "", err
	}
	return token, nil
}

// GenerateToken produces a 256-bit random token, hex encoded.
func GenerateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Save writes the configuration to path atomically. The file carries the API
// token, so it is created owner-readable only.
func Save(c *Config, path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	data = append(data, '\n')
	if err := fsutil.WriteFileAtomic(path, data, 0o600); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	return nil
}
