package keystore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.enc")

	s, err := Open(path, "test-master-secret", zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, s.Set("agent-1", Entry{
		APIKey:   "sk-ant-abc123",
		Provider: "anthropic",
		Tier:     "pro",
	}))

	// Re-open with the same secret and read back.
	reopened, err := Open(path, "test-master-secret", zaptest.NewLogger(t))
	require.NoError(t, err)

	key, err := reopened.Get("agent-1")
	require.NoError(t, err)
	assert.Equal(t, "sk-ant-abc123", key)

	cfg, err := reopened.EndpointConfig("agent-1", "claude-3")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", cfg.Provider)
	assert.Equal(t, "claude-3", cfg.Model)
	assert.Equal(t, "pro", cfg.Tier)
}

func TestWrongSecretFailsToDecrypt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.enc")

	s, err := Open(path, "right-secret", zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, s.Set("agent-1", Entry{APIKey: "sk-abc", Provider: "openai"}))

	_, err = Open(path, "wrong-secret", zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestFileHoldsNoPlaintext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.enc")

	s, err := Open(path, "secret", zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, s.Set("agent-1", Entry{APIKey: "sk-supersecret", Provider: "openai"}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "sk-supersecret")

	var env envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.NotEmpty(t, env.Salt)
	assert.NotEmpty(t, env.Nonce)
	assert.NotEmpty(t, env.Ciphertext)
}

func TestMissingMasterSecret(t *testing.T) {
	t.Setenv("CONDUCTOR_MASTER_KEY", "")
	_, err := Open(filepath.Join(t.TempDir(), "keys.enc"), "", zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestValidateKeyShape(t *testing.T) {
	assert.NoError(t, ValidateKeyShape("anthropic", "sk-ant-xyz"))
	assert.Error(t, ValidateKeyShape("anthropic", "sk-xyz"))
	assert.NoError(t, ValidateKeyShape("openai", "sk-xyz"))
	assert.Error(t, ValidateKeyShape("openai", "sk-ant-xyz"))
	assert.Error(t, ValidateKeyShape("google", "short"))
	assert.NoError(t, ValidateKeyShape("google", "AIzaSyA-very-long-key-material"))
	assert.NoError(t, ValidateKeyShape("custom", "anything"))
	assert.Error(t, ValidateKeyShape("openai", ""))
}

func TestStaticStore(t *testing.T) {
	s := &StaticStore{}
	require.NoError(t, s.Set("a", Entry{APIKey: "k", Provider: "custom", BaseURL: "http://localhost:1"}))

	key, err := s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "k", key)

	_, err = s.Get("missing")
	assert.Error(t, err)
}
