package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validConfig = `
server:
  addr: ":9090"
log:
  level: debug
database:
  dsn: "host=localhost user=settle dbname=settle"
node:
  base_url: "https://toncenter.example.com"
  api_key: "key-123"
wallet:
  address: "0:47fd126b88761ffe33703dde9c28718d4fce63111eaae3610834aa06f08afc37"
  subwallet_id: 698983191
assets:
  TON:
    kind: native
    decimals: 9
    min_amount: 10000000
    max_amount: 1000000000000
    fee_reserve: 10000000
  USDQ:
    kind: jetton
    decimals: 6
    fee_reserve: 50000000
    jetton_master: "0:7fce2cf8fee03996a578bfaed7b606a1d2d28d5e03f2c494c934827c60d0a80d"
    wallet_code_hash: "205ebcb21f783021cff62655d5a9a95935609fddbb53f7d90238442c0f966854"
    wallet_code_depth: 7
retry:
  max_reconcile_attempts: 5
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "https://toncenter.example.com", cfg.Node.BaseURL)
	assert.Equal(t, uint32(698983191), cfg.Wallet.SubwalletID)
	assert.Equal(t, 5, cfg.Retry.MaxReconcileAttempts)

	ton, ok := cfg.Assets["TON"]
	require.True(t, ok)
	assert.Equal(t, "native", ton.Kind)
	assert.Equal(t, int64(10000000), ton.MinAmount)

	usdq, ok := cfg.Assets["USDQ"]
	require.True(t, ok)
	assert.Equal(t, "jetton", usdq.Kind)
	assert.Equal(t, uint16(7), usdq.WalletCodeDepth)
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Retry.MaxSigningAttempts)
	assert.Equal(t, uint32(2), cfg.Confirmation.Depth)
	assert.Equal(t, 10*time.Minute, cfg.Confirmation.FinalityDeadline)
	assert.Equal(t, "settlement.outcomes", cfg.Kafka.Topic)
	assert.Equal(t, 2*time.Minute, cfg.Wallet.MessageTTL)
}

func TestLoadRejectsMissingWallet(t *testing.T) {
	bad := `
node:
  base_url: "https://toncenter.example.com"
assets:
  TON:
    kind: native
`
	_, err := Load(writeConfig(t, bad))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wallet.address")
}

func TestLoadRejectsJettonWithoutMaster(t *testing.T) {
	bad := `
node:
  base_url: "https://toncenter.example.com"
wallet:
  address: "0:47fd126b88761ffe33703dde9c28718d4fce63111eaae3610834aa06f08afc37"
assets:
  USDQ:
    kind: jetton
    wallet_code_hash: "205ebcb21f783021cff62655d5a9a95935609fddbb53f7d90238442c0f966854"
`
	_, err := Load(writeConfig(t, bad))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jetton_master")
}

func TestLoadRejectsUnknownAssetKind(t *testing.T) {
	bad := `
node:
  base_url: "https://toncenter.example.com"
wallet:
  address: "0:47fd126b88761ffe33703dde9c28718d4fce63111eaae3610834aa06f08afc37"
assets:
  XRP:
    kind: ripple
`
	_, err := Load(writeConfig(t, bad))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown kind")
}

func TestLoadRejectsInvertedLimits(t *testing.T) {
	bad := `
node:
  base_url: "https://toncenter.example.com"
wallet:
  address: "0:47fd126b88761ffe33703dde9c28718d4fce63111eaae3610834aa06f08afc37"
assets:
  TON:
    kind: native
    min_amount: 100
    max_amount: 10
`
	_, err := Load(writeConfig(t, bad))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "min_amount exceeds max_amount")
}
