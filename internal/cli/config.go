package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/ChuLiYu/drop-order/internal/scenario"
	"gopkg.in/yaml.v3"
)

// ConfigEnv 可覆蓋預設設定檔路徑的環境變數
const ConfigEnv = "DROPORDER_CONFIG"

// DefaultConfigPath 預設設定檔路徑
const DefaultConfigPath = "configs/default.yaml"

// Config represents the complete configuration structure
// Maps config file fields through YAML tags
type Config struct {
	Stress scenario.StressConfig `yaml:"stress"`

	Report struct {
		Path    string `yaml:"path"`
		Keep    int    `yaml:"keep"`
		Backups int    `yaml:"backups"`
	} `yaml:"report"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Scenarios []scenario.Definition `yaml:"scenarios"`
}

// DefaultConfig 沒有設定檔時使用的設定
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Stress = scenario.StressConfig{Workers: scenario.MaxStressWorkers, Rounds: 100, Abort: true}
	cfg.Report.Path = "reports/last_run.json"
	cfg.Report.Keep = 20
	cfg.Report.Backups = 3
	cfg.Metrics.Port = 9090
	cfg.Scenarios = []scenario.Definition{scenario.Reference()}
	return cfg
}

// Scenario 依名稱尋找情境；name 為空時回傳第一個，設定中沒有時回傳參考情境
func (c *Config) Scenario(name string) (scenario.Definition, error) {
	if name == "" {
		if len(c.Scenarios) > 0 {
			return c.Scenarios[0], nil
		}
		return scenario.Reference(), nil
	}
	for _, def := range c.Scenarios {
		if def.Name == name {
			return def, nil
		}
	}
	if ref := scenario.Reference(); ref.Name == name {
		return ref, nil
	}
	return scenario.Definition{}, fmt.Errorf("scenario %q not found", name)
}

// Validate 檢查所有情境定義
func (c *Config) Validate() error {
	for _, def := range c.Scenarios {
		if err := def.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	cfg.Scenarios = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// loadConfigOrDefault 設定檔不存在時退回 DefaultConfig
func loadConfigOrDefault(path string) (*Config, error) {
	cfg, err := loadConfig(path)
	if errors.Is(err, os.ErrNotExist) {
		log.Warn("config file not found, using built-in defaults", "path", path)
		return DefaultConfig(), nil
	}
	return cfg, err
}

// defaultConfigPath 優先使用環境變數
func defaultConfigPath() string {
	if p := os.Getenv(ConfigEnv); p != "" {
		return p
	}
	return DefaultConfigPath
}
