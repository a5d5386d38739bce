package config

import (
	"testing"

	"github.com/stretchr/testify/require"

	"netdisk-core/internal/storage"
)

func newTestConfigManager(t *testing.T) *ConfigManager {
	t.Helper()
	s, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewConfigManager(s)
}

func TestEnableIntegrityCheckDefaultsTrue(t *testing.T) {
	c := newTestConfigManager(t)
	require.True(t, c.GetEnableIntegrityCheck())

	require.NoError(t, c.SetEnableIntegrityCheck(false))
	require.False(t, c.GetEnableIntegrityCheck())
}

func TestUserAgentRoundTrip(t *testing.T) {
	c := newTestConfigManager(t)
	require.Equal(t, "", c.GetUserAgent())

	require.NoError(t, c.SetUserAgent("custom-agent/1.0"))
	require.Equal(t, "custom-agent/1.0", c.GetUserAgent())
}

func TestSessionTokenGeneratedOnce(t *testing.T) {
	c := newTestConfigManager(t)
	first := c.GetSessionToken()
	require.NotEmpty(t, first)

	second := c.GetSessionToken()
	require.Equal(t, first, second)
}

func TestFactoryReset(t *testing.T) {
	c := newTestConfigManager(t)
	require.NoError(t, c.SetUserAgent("custom-agent/1.0"))
	require.NoError(t, c.SetEnableIntegrityCheck(false))

	require.NoError(t, c.FactoryReset())

	require.Equal(t, "", c.GetUserAgent())
	require.True(t, c.GetEnableIntegrityCheck())
}
