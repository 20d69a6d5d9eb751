package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeINI(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "diag.ini")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadUdsConfigAppliesOverridesAndDefaults(t *testing.T) {
	path := writeINI(t, "[uds]\nrequest_id = 0x7E0\nresponse_id = 0x7E8\ntimeout_ms = 80\n")
	cfg, err := LoadUdsConfig(path)
	require.NoError(t, err)
	assert.EqualValues(t, 0x7E0, cfg.RequestID)
	assert.EqualValues(t, 0x7E8, cfg.ResponseID)
	assert.EqualValues(t, 80, cfg.TimeoutMs)
	assert.EqualValues(t, 5000, cfg.P2StarMs) // unset key keeps the default
}

func TestLoadCanConfigTimeouts(t *testing.T) {
	path := writeINI(t, "[can]\nbaud_rate = 250000\ntx_timeout_ms = 10\nrx_timeout_ms = 20\n")
	cfg, err := LoadCanConfig(path)
	require.NoError(t, err)
	assert.EqualValues(t, 250000, cfg.BaudRate)
	assert.EqualValues(t, 10, cfg.TxTimeoutMs)
	assert.EqualValues(t, 20, cfg.RxTimeoutMs)
}

func TestLoadFlashConfigDefaults(t *testing.T) {
	path := writeINI(t, "[flash]\nverify_after_write = true\n")
	cfg, err := LoadFlashConfig(path)
	require.NoError(t, err)
	assert.EqualValues(t, 256, cfg.BlockSize)
	assert.True(t, cfg.VerifyAfterWrite)
}

func TestLoadObdConfigECUIDs(t *testing.T) {
	path := writeINI(t, "[obd]\necu_ids = 2024,2025\n")
	cfg, err := LoadObdConfig(path)
	require.NoError(t, err)
	require.Len(t, cfg.ECUIDs, 2)
	assert.EqualValues(t, 2024, cfg.ECUIDs[0])
	assert.EqualValues(t, 2025, cfg.ECUIDs[1])
}
