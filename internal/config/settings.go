package config

import (
	"crypto/rand"
	"encoding/hex"

	"netdisk-core/internal/storage"
)

// Keys for AppSettings in the database — small knobs that change at
// runtime and don't belong in the static app.toml.
const (
	KeyEnableIntegrityCheck = "enable_integrity_check"
	KeyUserAgent            = "user_agent"
	KeySessionToken         = "session_token"
)

// ConfigManager reads/writes the database-backed settings that
// complement the static Config loaded from app.toml.
type ConfigManager struct {
	storage *storage.Storage
}

func NewConfigManager(s *storage.Storage) *ConfigManager {
	return &ConfigManager{storage: s}
}

func (c *ConfigManager) GetEnableIntegrityCheck() bool {
	val, err := c.storage.GetString(KeyEnableIntegrityCheck)
	if err != nil {
		return true
	}
	return val != "false"
}

func (c *ConfigManager) SetEnableIntegrityCheck(enabled bool) error {
	val := "false"
	if enabled {
		val = "true"
	}
	return c.storage.SetString(KeyEnableIntegrityCheck, val)
}

// GetUserAgent returns the custom User-Agent string, or "" if the caller
// should fall back to remoteclient's default.
func (c *ConfigManager) GetUserAgent() string {
	val, err := c.storage.GetString(KeyUserAgent)
	if err != nil {
		return ""
	}
	return val
}

func (c *ConfigManager) SetUserAgent(ua string) error {
	return c.storage.SetString(KeyUserAgent, ua)
}

// GetSessionToken returns an opaque per-install token, generating and
// persisting one on first use.
func (c *ConfigManager) GetSessionToken() string {
	val, err := c.storage.GetString(KeySessionToken)
	if err != nil || val == "" {
		token := generateSecureToken()
		c.storage.SetString(KeySessionToken, token)
		return token
	}
	return val
}

func generateSecureToken() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "netdisk-core-fallback-token-change-me"
	}
	return hex.EncodeToString(b)
}

// FactoryReset clears the database-backed settings so subsequent getters
// fall back to their defaults.
func (c *ConfigManager) FactoryReset() error {
	keys := []string{
		KeyEnableIntegrityCheck,
		KeyUserAgent,
		KeySessionToken,
	}
	for _, key := range keys {
		if err := c.storage.SetString(key, ""); err != nil {
			return err
		}
	}
	return nil
}
