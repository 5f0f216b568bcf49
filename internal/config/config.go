// Package config loads runtime configuration from an optional yaml file
// with environment variable overrides. A .env file is honoured when
// present.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultListenAddr   = ":8087"
	DefaultScheduleHour = 2
	DefaultCycleTimeout = 2 * time.Minute
)

var (
	ErrMissingAPIKey = errors.New("config: api key is required")
	ErrNoAccounts    = errors.New("config: at least one account is required")
)

// Duration wraps time.Duration so yaml values like "90s" parse. Bare
// integers are read as seconds.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var seconds int64
	if err := value.Decode(&seconds); err == nil {
		*d = Duration(time.Duration(seconds) * time.Second)
		return nil
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("config: invalid duration %q", value.Value)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// AccountConfig identifies one water account. The meter identifiers are
// optional; the client discovers them when omitted.
type AccountConfig struct {
	Number              string `yaml:"number"`
	MarketSupplyPointID string `yaml:"market_supply_point_id"`
	DeviceID            string `yaml:"device_id"`
	CapabilityType      string `yaml:"capability_type"`
}

// PostgresConfig configures the postgres statistics store. Empty DSN
// disables the store.
type PostgresConfig struct {
	DSN   string `yaml:"dsn"`
	Table string `yaml:"table"`
}

// InfluxConfig configures the influx statistics store. Empty URL
// disables the store.
type InfluxConfig struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

// Config is the full runtime configuration.
type Config struct {
	ListenAddr      string          `yaml:"listen_addr"`
	APIURL          string          `yaml:"api_url"`
	APIKey          string          `yaml:"api_key"`
	Accounts        []AccountConfig `yaml:"accounts"`
	ScheduleHour    int             `yaml:"schedule_hour"`
	CycleTimeout    Duration        `yaml:"cycle_timeout"`
	Postgres        PostgresConfig  `yaml:"postgres"`
	Influx          InfluxConfig    `yaml:"influx"`
	WebhookURL      string          `yaml:"webhook_url"`
	BackfillOnStart bool            `yaml:"backfill_on_start"`
}

// Load reads configuration. Order of precedence, lowest to highest:
// defaults, yaml file (path argument, or WATERFLUX_CONFIG when empty),
// environment variables. A .env file in the working directory is loaded
// first when present.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		ListenAddr:   DefaultListenAddr,
		ScheduleHour: DefaultScheduleHour,
		CycleTimeout: Duration(DefaultCycleTimeout),
	}

	if path == "" {
		path = os.Getenv("WATERFLUX_CONFIG")
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.ListenAddr, "WATERFLUX_LISTEN_ADDR")
	setString(&cfg.APIURL, "WATERFLUX_API_URL")
	setString(&cfg.APIKey, "WATERFLUX_API_KEY")
	setString(&cfg.WebhookURL, "WATERFLUX_WEBHOOK_URL")
	setString(&cfg.Postgres.DSN, "WATERFLUX_POSTGRES_DSN")
	setString(&cfg.Postgres.Table, "WATERFLUX_POSTGRES_TABLE")
	setString(&cfg.Influx.URL, "WATERFLUX_INFLUX_URL")
	setString(&cfg.Influx.Token, "WATERFLUX_INFLUX_TOKEN")
	setString(&cfg.Influx.Org, "WATERFLUX_INFLUX_ORG")
	setString(&cfg.Influx.Bucket, "WATERFLUX_INFLUX_BUCKET")

	if v := os.Getenv("WATERFLUX_SCHEDULE_HOUR"); v != "" {
		if hour, err := strconv.Atoi(v); err == nil && hour >= 0 && hour <= 23 {
			cfg.ScheduleHour = hour
		}
	}
	if v := os.Getenv("WATERFLUX_CYCLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.CycleTimeout = Duration(d)
		}
	}
	if v := os.Getenv("WATERFLUX_BACKFILL_ON_START"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.BackfillOnStart = b
		}
	}

	// A single account can be configured entirely from the environment.
	if number := os.Getenv("WATERFLUX_ACCOUNT"); number != "" {
		account := AccountConfig{
			Number:              number,
			MarketSupplyPointID: os.Getenv("WATERFLUX_MARKET_SUPPLY_POINT_ID"),
			DeviceID:            os.Getenv("WATERFLUX_DEVICE_ID"),
			CapabilityType:      os.Getenv("WATERFLUX_CAPABILITY_TYPE"),
		}
		replaced := false
		for i := range cfg.Accounts {
			if cfg.Accounts[i].Number == number {
				cfg.Accounts[i] = account
				replaced = true
				break
			}
		}
		if !replaced {
			cfg.Accounts = append(cfg.Accounts, account)
		}
	}
}

func setString(target *string, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

// Validate checks required fields and normalizes ranges.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return ErrMissingAPIKey
	}
	if len(c.Accounts) == 0 {
		return ErrNoAccounts
	}
	for _, account := range c.Accounts {
		if account.Number == "" {
			return fmt.Errorf("config: account with empty number")
		}
	}
	if c.ScheduleHour < 0 || c.ScheduleHour > 23 {
		return fmt.Errorf("config: schedule hour %d out of range", c.ScheduleHour)
	}
	if c.CycleTimeout <= 0 {
		c.CycleTimeout = Duration(DefaultCycleTimeout)
	}
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	return nil
}
