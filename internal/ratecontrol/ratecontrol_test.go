package ratecontrol

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestDelayForLimit(t *testing.T) {
	limit := RateLimit{RPM: 30, TPM: 60000}
	d := delayForLimit(limit, 1000)
	assert.Greater(t, d.Milliseconds(), int64(0))

	// TPM spacing dominates for large requests: 60000 tokens at 60000 TPM is a
	// full minute, which is also the cap.
	assert.Equal(t, time.Minute, delayForLimit(limit, 120000))
}

func TestDelayForLimitUnlimited(t *testing.T) {
	assert.Zero(t, delayForLimit(RateLimit{}, 1000))
	assert.Zero(t, delayForLimit(RateLimit{RPM: 30}, -1))
}

func TestCombineTakesStricter(t *testing.T) {
	a := RateLimit{RPM: 30, TPM: 50000}
	b := RateLimit{RPM: 20, TPM: 100000}
	combined := Combine(a, b)
	assert.Equal(t, 20, combined.RPM)
	assert.Equal(t, 50000, combined.TPM)
}

func TestCombineZeroYields(t *testing.T) {
	combined := Combine(RateLimit{RPM: 30}, RateLimit{TPM: 1000})
	assert.Equal(t, 30, combined.RPM)
	assert.Equal(t, 1000, combined.TPM)
}

func TestBuiltinProviderLimits(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "absent.yaml"), zaptest.NewLogger(t))
	defer c.Close()

	assert.Equal(t, 20, c.LimitForProvider("anthropic").RPM)
	assert.Equal(t, 30, c.LimitForProvider("OpenAI").RPM)
	// Unknown providers get the custom budget.
	assert.Equal(t, builtinProviderLimits["custom"], c.LimitForProvider("acme"))
}

func TestConfigOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rates.yaml")
	content := `rate_limits:
  default_rpm: 100
  default_tpm: 200000
  tier_overrides:
    free:
      rpm: 5
      tpm: 10000
  provider_overrides:
    openai:
      rpm: 10
      tpm: 20000
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	c := New(path, zaptest.NewLogger(t))
	defer c.Close()

	assert.Equal(t, 5, c.LimitForTier("free").RPM)
	assert.Equal(t, 100, c.LimitForTier("pro").RPM)
	assert.Equal(t, 10, c.LimitForProvider("openai").RPM)
}

func TestAdmitHonorsCancellation(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "absent.yaml"), zaptest.NewLogger(t))
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// A huge request would wait near the cap; cancellation must cut it short.
	err := c.Admit(ctx, "anthropic", "", 500000)
	assert.Error(t, err)
}
