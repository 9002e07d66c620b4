// Package config loads engine configuration from an optional yaml file
// with environment overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from "5s"-style strings in
// both yaml and env values.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	return d.Decode(raw)
}

// Decode implements envdecode.Decoder.
func (d *Duration) Decode(raw string) error {
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full engine configuration.
type Config struct {
	LogLevel  string `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat string `yaml:"log_format" env:"LOG_FORMAT"`
	HTTPAddr  string `yaml:"http_addr" env:"HTTP_ADDR"`
	DBPath    string `yaml:"db_path" env:"DB_PATH"`

	Circle  CircleConfig  `yaml:"circle"`
	Chain   ChainConfig   `yaml:"chain"`
	Backend BackendConfig `yaml:"backend"`
	Agent   AgentConfig   `yaml:"agent"`
	Engine  EngineConfig  `yaml:"engine"`
}

// CircleConfig configures the wallet provider client.
type CircleConfig struct {
	BaseURL           string  `yaml:"base_url" env:"CIRCLE_BASE_URL"`
	APIKey            string  `yaml:"api_key" env:"CIRCLE_API_KEY"`
	AppID             string  `yaml:"app_id" env:"CIRCLE_APP_ID"`
	Blockchain        string  `yaml:"blockchain" env:"CIRCLE_BLOCKCHAIN"`
	RequestsPerSecond float64 `yaml:"requests_per_second" env:"CIRCLE_RPS"`
}

// ChainConfig configures the ledger read client.
type ChainConfig struct {
	RPCURL         string `yaml:"rpc_url" env:"CHAIN_RPC_URL"`
	ChainID        int64  `yaml:"chain_id" env:"CHAIN_ID"`
	FactoryAddress string `yaml:"factory_address" env:"TREASURY_FACTORY_ADDRESS"`
}

// BackendConfig configures the project backend client.
type BackendConfig struct {
	BaseURL string `yaml:"base_url" env:"BACKEND_BASE_URL"`
}

// AgentConfig configures the signing agent bridge.
type AgentConfig struct {
	BaseURL string `yaml:"base_url" env:"SIGNING_AGENT_URL"`
}

// EngineConfig holds the poll and retry tunables. All cadences are
// overridable.
type EngineConfig struct {
	ConfirmInterval    Duration `yaml:"confirm_interval" env:"CONFIRM_INTERVAL"`
	ConfirmMaxPolls    int      `yaml:"confirm_max_polls" env:"CONFIRM_MAX_POLLS"`
	RecheckDelay       Duration `yaml:"recheck_delay" env:"RECHECK_DELAY"`
	GroundTruthPoll    Duration `yaml:"ground_truth_poll" env:"GROUND_TRUTH_POLL"`
	ProjectionInterval Duration `yaml:"projection_interval" env:"PROJECTION_INTERVAL"`
	SettleDelay        Duration `yaml:"settle_delay" env:"SETTLE_DELAY"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		HTTPAddr:  ":8080",
		DBPath:    "stream_engine.db",
		Circle: CircleConfig{
			BaseURL:           "https://api.circle.com",
			Blockchain:        "ARC-TESTNET",
			RequestsPerSecond: 10,
		},
		Chain: ChainConfig{
			ChainID: 5042002,
		},
		Agent: AgentConfig{
			BaseURL: "http://127.0.0.1:9021",
		},
		Engine: EngineConfig{
			ConfirmInterval:    Duration(5 * time.Second),
			ConfirmMaxPolls:    12,
			RecheckDelay:       Duration(30 * time.Second),
			GroundTruthPoll:    Duration(15 * time.Second),
			ProjectionInterval: Duration(100 * time.Millisecond),
			SettleDelay:        Duration(2 * time.Second),
		},
	}
}

// LoadFromPath reads a yaml config file over the defaults and applies
// environment overrides.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads the file when present, otherwise serves defaults with
// environment overrides. A malformed file is still an error.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		cfg := Default()
		if err := applyEnv(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return LoadFromPath(path)
}

func applyEnv(cfg *Config) error {
	// A .env file is a local-dev convenience, not a requirement.
	_ = godotenv.Load()

	if err := envdecode.Decode(cfg); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return fmt.Errorf("decode env: %w", err)
	}
	return nil
}

// Validate checks the fields the engine cannot run without.
func (c *Config) Validate() error {
	if c.Circle.APIKey == "" {
		return fmt.Errorf("circle api key is required")
	}
	if c.Chain.RPCURL == "" {
		return fmt.Errorf("chain rpc url is required")
	}
	if c.Chain.FactoryAddress == "" {
		return fmt.Errorf("treasury factory address is required")
	}
	return nil
}
