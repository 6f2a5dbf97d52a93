package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
tracked_address: "0x1234567890123456789012345678901234567890"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://clob.polymarket.com", cfg.ClobHost)
	assert.Equal(t, "https://data-api.polymarket.com", cfg.DataAPIHost)
	assert.NotEmpty(t, cfg.RPCEndpoints)

	assert.Equal(t, 10*time.Second, cfg.Monitor.Interval)
	assert.Equal(t, 24, cfg.Monitor.MaxAgeHours)

	assert.Equal(t, 10, cfg.Executor.BatchSize)
	assert.Equal(t, 3, cfg.Executor.RetryLimit)
	assert.Equal(t, 2*time.Second, cfg.Executor.TradeDelay)
	assert.Equal(t, 1.0, cfg.Executor.RiskRatio)
	assert.Equal(t, 0.90, cfg.Executor.CapRatio)
	assert.Equal(t, 0.95, cfg.Executor.CapTrigger)
	assert.Equal(t, 0.01, cfg.Executor.DustThreshold)

	assert.Equal(t, 0.20, cfg.Engine.SlippageTolerance)
	assert.Equal(t, 1.0, cfg.Engine.MinOrderUSDC)

	assert.Equal(t, uint64(300000), cfg.Redeem.GasLimit)
	assert.Equal(t, int64(30), cfg.Redeem.MaxPriorityFeeGwei)
	assert.Equal(t, int64(100), cfg.Redeem.MaxFeeGwei)

	assert.Equal(t, 0.91, cfg.Tracker.Threshold)
	assert.Equal(t, 0.10, cfg.Tracker.BetFraction)
}

func TestLoadFileValues(t *testing.T) {
	path := writeConfig(t, `
tracked_address: "0x1234567890123456789012345678901234567890"
funder_address: "0x9999999999999999999999999999999999999999"
rpc_endpoints:
  - "https://rpc.example.com"
executor:
  retry_limit: 5
  risk_ratio: 0.5
tracker:
  markets:
    - condition_id: "0xc1"
      yes_token_id: "111"
      no_token_id: "222"
      title: "test"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"https://rpc.example.com"}, cfg.RPCEndpoints)
	assert.Equal(t, 5, cfg.Executor.RetryLimit)
	assert.Equal(t, 0.5, cfg.Executor.RiskRatio)
	require.Len(t, cfg.Tracker.Markets, 1)
	assert.Equal(t, "111", cfg.Tracker.Markets[0].YesTokenID)
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
tracked_address: "0x1234567890123456789012345678901234567890"
`)
	t.Setenv("COPYCAT_TRACKED_ADDRESS", "0xabcdefabcdefabcdefabcdefabcdefabcdefabcd")
	t.Setenv("COPYCAT_RETRY_LIMIT", "7")
	t.Setenv("COPYCAT_RPC_ENDPOINTS", "https://a.example.com, https://b.example.com")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0xabcdefabcdefabcdefabcdefabcdefabcdefabcd", cfg.TrackedAddress)
	assert.Equal(t, 7, cfg.Executor.RetryLimit)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.RPCEndpoints)
}

func TestValidate(t *testing.T) {
	_, err := Load(writeConfig(t, `{}`))
	require.Error(t, err, "missing tracked_address must fail")

	_, err = Load(writeConfig(t, `
tracked_address: "not-an-address"
`))
	require.Error(t, err)

	_, err = Load(writeConfig(t, `
tracked_address: "0x1234567890123456789012345678901234567890"
executor:
  cap_ratio: 1.5
`))
	require.Error(t, err)

	_, err = Load(writeConfig(t, `
tracked_address: "0x1234567890123456789012345678901234567890"
tracker:
  threshold: 1.2
`))
	require.Error(t, err)
}

func TestDeriveKey(t *testing.T) {
	// BIP-39 标准测试助记词
	mnemonic := "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

	key, err := DeriveKey(mnemonic, DefaultDerivationPath)
	require.NoError(t, err)
	require.NotNil(t, key)

	// 同一助记词派生结果确定
	key2, err := DeriveKey(mnemonic, DefaultDerivationPath)
	require.NoError(t, err)
	assert.Equal(t, key.D, key2.D)

	_, err = DeriveKey("not a mnemonic", DefaultDerivationPath)
	require.Error(t, err)
}
