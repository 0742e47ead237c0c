package config

import (
	"encoding/json"
	"fmt"
	"os"

	"mt5-cycles-bot-go/internal/models"
)

// LoadConfig 从指定路径加载JSON配置文件并解析到Config结构体中
func LoadConfig(path string) (*models.Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	config := &models.Config{}
	err = decoder.Decode(config)
	if err != nil {
		return nil, err
	}

	ApplyDefaults(config)
	if err := Validate(config); err != nil {
		return nil, err
	}

	return config, nil
}

// ApplyDefaults 为所有未配置的字段填充默认值。
func ApplyDefaults(cfg *models.Config) {
	if cfg.PipValue == 0 {
		cfg.PipValue = 0.1
	}
	if cfg.LotSize == 0 {
		cfg.LotSize = 0.01
	}
	if cfg.OrderIntervalPips == 0 {
		cfg.OrderIntervalPips = 50
	}
	if cfg.ZoneThresholdPips == 0 {
		cfg.ZoneThresholdPips = 100
	}
	if cfg.ReversalDistancePips == 0 {
		cfg.ReversalDistancePips = 300
	}
	if cfg.BatchStopLossPips == 0 {
		cfg.BatchStopLossPips = 300
	}
	if cfg.RecoveryTriggerPips == 0 {
		cfg.RecoveryTriggerPips = cfg.ZoneThresholdPips
	}
	if cfg.DuplicatePriceEpsilon == 0 {
		cfg.DuplicatePriceEpsilon = 0.00001
	}
	if cfg.CycleCooldownSec == 0 {
		cfg.CycleCooldownSec = 60
	}
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = 2
	}
	if cfg.RetryDelayMs == 0 {
		cfg.RetryDelayMs = 1000
	}
	if cfg.QueueMaxAttempts == 0 {
		cfg.QueueMaxAttempts = 5
	}
	if cfg.QueueBackoffCapMs == 0 {
		cfg.QueueBackoffCapMs = 5000
	}
	if cfg.StalePriceTolerancePips == 0 {
		cfg.StalePriceTolerancePips = cfg.OrderIntervalPips
	}
	if cfg.TickIntervalSec == 0 {
		cfg.TickIntervalSec = 1
	}
	if cfg.SyncIntervalSec == 0 {
		cfg.SyncIntervalSec = 5
	}
	if cfg.EventPollIntervalSec == 0 {
		cfg.EventPollIntervalSec = 2
	}
	if cfg.ReportIntervalSec == 0 {
		cfg.ReportIntervalSec = 30
	}
	if cfg.ReconcileIntervalSec == 0 {
		cfg.ReconcileIntervalSec = 60
	}
	if cfg.BridgeCallTimeoutMs == 0 {
		cfg.BridgeCallTimeoutMs = 5000
	}
	if cfg.CyclesCollection == "" {
		cfg.CyclesCollection = "cycles"
	}
	if cfg.EventsCollection == "" {
		cfg.EventsCollection = "events"
	}
	if cfg.LossesCollection == "" {
		cfg.LossesCollection = "loss_trackers"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "bot_data"
	}
}

// Validate 检查配置中不允许缺省的字段
func Validate(cfg *models.Config) error {
	if cfg.Symbol == "" {
		return fmt.Errorf("config: symbol is required")
	}
	if cfg.PipValue <= 0 {
		return fmt.Errorf("config: pip_value must be positive")
	}
	if cfg.LotSize <= 0 {
		return fmt.Errorf("config: lot_size must be positive")
	}
	if cfg.ZoneThresholdPips <= 0 || cfg.ReversalDistancePips <= 0 {
		return fmt.Errorf("config: zone_threshold_pips and reversal_distance_pips must be positive")
	}
	return nil
}
