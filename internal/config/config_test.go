package config

import (
	"os"
	"path/filepath"
	"testing"

	"mt5-cycles-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_AppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"symbol":"XAUUSD"}`), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "XAUUSD", cfg.Symbol)
	assert.Equal(t, 0.1, cfg.PipValue)
	assert.Equal(t, 50.0, cfg.OrderIntervalPips)
	assert.Equal(t, 100.0, cfg.ZoneThresholdPips)
	assert.Equal(t, 300.0, cfg.ReversalDistancePips)
	assert.Equal(t, 300.0, cfg.BatchStopLossPips)
	assert.Equal(t, 0.00001, cfg.DuplicatePriceEpsilon)
	assert.Equal(t, 60, cfg.CycleCooldownSec)
	assert.Equal(t, 2, cfg.RetryAttempts)
	assert.Equal(t, 1000, cfg.RetryDelayMs)
	// 派生默认值跟随主参数
	assert.Equal(t, cfg.ZoneThresholdPips, cfg.RecoveryTriggerPips)
	assert.Equal(t, cfg.OrderIntervalPips, cfg.StalePriceTolerancePips)
}

func TestLoadConfig_OverridesStick(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	raw := `{"symbol":"EURUSD","pip_value":0.0001,"zone_threshold_pips":200,"cycle_cooldown_sec":5}`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 0.0001, cfg.PipValue)
	assert.Equal(t, 200.0, cfg.ZoneThresholdPips)
	assert.Equal(t, 5, cfg.CycleCooldownSec)
}

func TestValidate_RejectsBadConfig(t *testing.T) {
	cfg := &models.Config{}
	ApplyDefaults(cfg)
	assert.Error(t, Validate(cfg)) // symbol 缺失

	cfg.Symbol = "XAUUSD"
	assert.NoError(t, Validate(cfg))

	cfg.LotSize = -1
	assert.Error(t, Validate(cfg))
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}
