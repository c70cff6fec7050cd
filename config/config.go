/*
config.go - Service configuration

PURPOSE:
  Loads the YAML configuration file. ${VAR} references are expanded from
  the environment before parsing, and a .env file in the working
  directory, when present, is loaded into the environment first.

SECTIONS:
  app, server, database, redis, logging, scheduler, booking, pricing,
  equipment, rate_limit, tiers

SEE ALSO:
  - factory/pricing.go: The pricing section schema
  - cmd/server/main.go: Builds the services from a Config
*/
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/warp/rehearsal-engine/billing"
	"github.com/warp/rehearsal-engine/booking"
	"github.com/warp/rehearsal-engine/equipment"
	"github.com/warp/rehearsal-engine/factory"
	"github.com/warp/rehearsal-engine/generic"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App       AppConfig           `yaml:"app"`
	Server    ServerConfig        `yaml:"server"`
	Database  DatabaseConfig      `yaml:"database"`
	Redis     RedisConfig         `yaml:"redis"`
	Logging   LoggingConfig       `yaml:"logging"`
	Scheduler SchedulerConfig     `yaml:"scheduler"`
	Booking   BookingConfig       `yaml:"booking"`
	Pricing   factory.PricingJSON `yaml:"pricing"`
	Equipment EquipmentConfig     `yaml:"equipment"`
	RateLimit RateLimitConfig     `yaml:"rate_limit"`
	Tiers     map[string]string   `yaml:"tiers"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	CORSOrigins  []string      `yaml:"cors_origins"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Address       string `yaml:"address"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type SchedulerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Interval    time.Duration `yaml:"interval"`
	Workers     int           `yaml:"workers"`
	HorizonDays int           `yaml:"horizon_days"`
	LockTTL     time.Duration `yaml:"lock_ttl"`
}

type BookingConfig struct {
	MinDurationMinutes int             `yaml:"min_duration_minutes"`
	MaxDurationMinutes int             `yaml:"max_duration_minutes"`
	SlotMinutes        int             `yaml:"slot_minutes"`
	MaxAdvanceDays     int             `yaml:"max_advance_days"`
	Spaces             []booking.Space `yaml:"spaces"`
}

type EquipmentConfig struct {
	MaxLoanDays int             `yaml:"max_loan_days"`
	Items       []EquipmentItem `yaml:"items"`
}

type EquipmentItem struct {
	ID        string  `yaml:"id"`
	Name      string  `yaml:"name"`
	RentalFee float64 `yaml:"rental_fee"`
	Deposit   float64 `yaml:"deposit"`
}

type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// =============================================================================
// LOADING
// =============================================================================

func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse expands environment references in data and decodes it.
func Parse(data []byte) (*Config, error) {
	expanded := []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Default is the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "rehearsal-engine"
	}
	if c.App.Environment == "" {
		c.App.Environment = "development"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 15 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}
	if len(c.Server.CORSOrigins) == 0 {
		c.Server.CORSOrigins = []string{"*"}
	}
	if c.Database.Path == "" {
		c.Database.Path = "rehearsal.db"
	}
	if c.Redis.Address == "" {
		c.Redis.Address = "localhost:6379"
	}
	if c.Redis.ChannelPrefix == "" {
		c.Redis.ChannelPrefix = "rehearsal"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}
	if c.Scheduler.Interval == 0 {
		c.Scheduler.Interval = time.Minute
	}
	if c.Scheduler.Workers == 0 {
		c.Scheduler.Workers = 4
	}
	if c.Scheduler.HorizonDays == 0 {
		c.Scheduler.HorizonDays = 28
	}
	if c.Scheduler.LockTTL == 0 {
		c.Scheduler.LockTTL = 2 * time.Minute
	}

	def := booking.DefaultRules()
	if c.Booking.MinDurationMinutes == 0 {
		c.Booking.MinDurationMinutes = int(def.MinDuration / time.Minute)
	}
	if c.Booking.MaxDurationMinutes == 0 {
		c.Booking.MaxDurationMinutes = int(def.MaxDuration / time.Minute)
	}
	if c.Booking.SlotMinutes == 0 {
		c.Booking.SlotMinutes = def.SlotMinutes
	}
	if c.Booking.MaxAdvanceDays == 0 {
		c.Booking.MaxAdvanceDays = def.MaxAdvanceDays
	}
	if c.Equipment.MaxLoanDays == 0 {
		c.Equipment.MaxLoanDays = 14
	}
	if c.RateLimit.RPS == 0 {
		c.RateLimit.RPS = 20
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 40
	}
}

func (c *Config) Validate() error {
	if c.Booking.MinDurationMinutes < 0 || c.Booking.MaxDurationMinutes < c.Booking.MinDurationMinutes {
		return errors.New("booking max duration must be at least the min duration")
	}
	if c.Scheduler.Workers < 0 {
		return errors.New("scheduler workers must not be negative")
	}
	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		return errors.New("rate limit must not be negative")
	}
	if err := validateSpaces(c.Booking.Spaces); err != nil {
		return err
	}
	if err := validateItems(c.Equipment.Items); err != nil {
		return err
	}
	for user, tier := range c.Tiers {
		switch billing.Tier(tier) {
		case billing.TierStandard, billing.TierSustaining:
		default:
			return fmt.Errorf("user %q has unknown tier %q", user, tier)
		}
	}
	policy, err := c.PricingPolicy()
	if err != nil {
		return fmt.Errorf("pricing: %w", err)
	}
	// Every bookable duration must be a whole number of credit blocks.
	if slot := c.Booking.SlotMinutes; slot > 0 && policy.BlockMinutes > 0 && slot%policy.BlockMinutes != 0 {
		return fmt.Errorf("pricing block_minutes (%d) must divide booking slot_minutes (%d)", policy.BlockMinutes, slot)
	}
	return nil
}

func validateSpaces(spaces []booking.Space) error {
	seen := make(map[string]bool)
	for _, s := range spaces {
		if s.ID == "" {
			return fmt.Errorf("space '%s' has no id", s.Name)
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate space id found: %s", s.ID)
		}
		seen[s.ID] = true
	}
	return nil
}

func validateItems(items []EquipmentItem) error {
	seen := make(map[string]bool)
	for _, it := range items {
		if it.ID == "" {
			return fmt.Errorf("item '%s' has no id", it.Name)
		}
		if seen[it.ID] {
			return fmt.Errorf("duplicate item id found: %s", it.ID)
		}
		if it.RentalFee < 0 || it.Deposit < 0 {
			return fmt.Errorf("item %s has a negative fee or deposit", it.ID)
		}
		seen[it.ID] = true
	}
	return nil
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func (c *Config) BookingRules() booking.Rules {
	return booking.Rules{
		MinDuration:    time.Duration(c.Booking.MinDurationMinutes) * time.Minute,
		MaxDuration:    time.Duration(c.Booking.MaxDurationMinutes) * time.Minute,
		SlotMinutes:    c.Booking.SlotMinutes,
		MaxAdvanceDays: c.Booking.MaxAdvanceDays,
	}
}

func (c *Config) SpaceCatalog() *booking.Catalog {
	return booking.NewCatalog(c.Booking.Spaces...)
}

func (c *Config) EquipmentCatalog() *equipment.Catalog {
	items := make([]equipment.Item, 0, len(c.Equipment.Items))
	for _, it := range c.Equipment.Items {
		items = append(items, equipment.Item{
			ID:        it.ID,
			Name:      it.Name,
			RentalFee: decimal.NewFromFloat(it.RentalFee).Round(2),
			Deposit:   decimal.NewFromFloat(it.Deposit).Round(2),
		})
	}
	return equipment.NewCatalog(items...)
}

func (c *Config) PricingPolicy() (billing.PricingPolicy, error) {
	return factory.NewPricingFactory().Build(c.Pricing)
}

func (c *Config) TierMap() billing.StaticTiers {
	out := make(billing.StaticTiers, len(c.Tiers))
	for user, tier := range c.Tiers {
		out[generic.UserID(user)] = billing.Tier(tier)
	}
	return out
}
