package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Database       DatabaseConfig       `yaml:"database"`
	Server         ServerConfig         `yaml:"server"`
	Telemetry      TelemetryConfig      `yaml:"telemetry"`
	LeaderElection LeaderElectionConfig `yaml:"leader_election"`
	Auction        AuctionConfig        `yaml:"auction"`
	Ledger         LedgerConfig         `yaml:"ledger"`
	Notifier       NotifierConfig       `yaml:"notifier"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
	Driver   string `yaml:"driver"` // "sqlx" or "ent"
}

// DSN returns the Postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	Insecure       bool   `yaml:"insecure"`
}

// LeaderElectionConfig holds Kubernetes leader election settings.
type LeaderElectionConfig struct {
	Enabled        bool          `yaml:"enabled"`
	LeaseName      string        `yaml:"lease_name"`
	LeaseNamespace string        `yaml:"lease_namespace"`
	LeaseDuration  time.Duration `yaml:"lease_duration"`
	RenewDeadline  time.Duration `yaml:"renew_deadline"`
	RetryPeriod    time.Duration `yaml:"retry_period"`
}

// AuctionConfig holds the bidding engine settings.
type AuctionConfig struct {
	// TickInterval is how often the scheduler looks for due auctions.
	TickInterval time.Duration `yaml:"tick_interval"`
	// AntiSnipeWindow is the trailing window before the deadline in which
	// an accepted bid extends the auction.
	AntiSnipeWindow time.Duration `yaml:"anti_snipe_window"`
	// AntiSnipeExtension is how far a qualifying bid pushes the deadline.
	AntiSnipeExtension time.Duration `yaml:"anti_snipe_extension"`
	// SettlementRetryDepth bounds how many insolvent bidders are skipped
	// before the auction cancels.
	SettlementRetryDepth int `yaml:"settlement_retry_depth"`
}

// LedgerConfig holds point accounting settings.
type LedgerConfig struct {
	// PointCap is the maximum balance a member can hold; gains above it
	// are clipped, spends are never capped.
	PointCap int `yaml:"point_cap"`
}

// NotifierConfig holds settlement notification settings.
type NotifierConfig struct {
	// DiscordWebhookURL, when set, enables settlement announcements via a
	// Discord webhook in addition to the log notifier.
	DiscordWebhookURL string        `yaml:"discord_webhook_url"`
	DispatchInterval  time.Duration `yaml:"dispatch_interval"`
}

// Load reads a YAML configuration file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Defaults returns a Config populated with default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    5432,
			SSLMode: "disable",
			Driver:  "sqlx",
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "auctiond",
			ServiceVersion: "0.1.0",
		},
		LeaderElection: LeaderElectionConfig{
			Enabled:        false,
			LeaseName:      "auctiond-leader",
			LeaseNamespace: "default",
			LeaseDuration:  15 * time.Second,
			RenewDeadline:  10 * time.Second,
			RetryPeriod:    2 * time.Second,
		},
		Auction: AuctionConfig{
			TickInterval:         time.Second,
			AntiSnipeWindow:      30 * time.Second,
			AntiSnipeExtension:   30 * time.Second,
			SettlementRetryDepth: 5,
		},
		Ledger: LedgerConfig{
			PointCap: 1000,
		},
		Notifier: NotifierConfig{
			DispatchInterval: time.Second,
		},
	}
}

// validate checks configuration invariants.
func (c *Config) validate() error {
	switch c.Database.Driver {
	case "sqlx", "ent":
		// valid
	default:
		return fmt.Errorf("unsupported database driver %q: must be \"sqlx\" or \"ent\"", c.Database.Driver)
	}
	if c.Auction.TickInterval <= 0 {
		return fmt.Errorf("auction.tick_interval must be positive, got %s", c.Auction.TickInterval)
	}
	if c.Auction.AntiSnipeWindow < 0 || c.Auction.AntiSnipeExtension < 0 {
		return fmt.Errorf("anti-snipe window and extension must not be negative")
	}
	if c.Auction.SettlementRetryDepth < 1 {
		return fmt.Errorf("auction.settlement_retry_depth must be at least 1, got %d", c.Auction.SettlementRetryDepth)
	}
	if c.Ledger.PointCap <= 0 {
		return fmt.Errorf("ledger.point_cap must be positive, got %d", c.Ledger.PointCap)
	}
	return nil
}
