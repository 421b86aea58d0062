package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jensholdgaard/dkp-auction-engine/internal/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
database:
  user: auction
  password: secret
  dbname: auctions
`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Database.Host != "localhost" {
		t.Errorf("Database.Host = %q, want localhost", cfg.Database.Host)
	}
	if cfg.Database.Driver != "sqlx" {
		t.Errorf("Database.Driver = %q, want sqlx", cfg.Database.Driver)
	}
	if cfg.Auction.TickInterval != time.Second {
		t.Errorf("Auction.TickInterval = %s, want 1s", cfg.Auction.TickInterval)
	}
	if cfg.Auction.AntiSnipeWindow != 30*time.Second {
		t.Errorf("Auction.AntiSnipeWindow = %s, want 30s", cfg.Auction.AntiSnipeWindow)
	}
	if cfg.Auction.SettlementRetryDepth != 5 {
		t.Errorf("Auction.SettlementRetryDepth = %d, want 5", cfg.Auction.SettlementRetryDepth)
	}
	if cfg.Ledger.PointCap != 1000 {
		t.Errorf("Ledger.PointCap = %d, want 1000", cfg.Ledger.PointCap)
	}
}

func TestLoad_Overrides(t *testing.T) {
	path := writeConfig(t, `
database:
  host: db.internal
  port: 5433
  driver: ent
auction:
  tick_interval: 250ms
  anti_snipe_window: 45s
  anti_snipe_extension: 20s
  settlement_retry_depth: 3
ledger:
  point_cap: 500
`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Database.Host != "db.internal" || cfg.Database.Port != 5433 {
		t.Errorf("database override not applied: %+v", cfg.Database)
	}
	if cfg.Database.Driver != "ent" {
		t.Errorf("Database.Driver = %q, want ent", cfg.Database.Driver)
	}
	if cfg.Auction.TickInterval != 250*time.Millisecond {
		t.Errorf("TickInterval = %s, want 250ms", cfg.Auction.TickInterval)
	}
	if cfg.Auction.AntiSnipeWindow != 45*time.Second {
		t.Errorf("AntiSnipeWindow = %s, want 45s", cfg.Auction.AntiSnipeWindow)
	}
	if cfg.Auction.SettlementRetryDepth != 3 {
		t.Errorf("SettlementRetryDepth = %d, want 3", cfg.Auction.SettlementRetryDepth)
	}
	if cfg.Ledger.PointCap != 500 {
		t.Errorf("PointCap = %d, want 500", cfg.Ledger.PointCap)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantSub string
	}{
		{
			name:    "bad driver",
			yaml:    "database:\n  driver: mongo\n",
			wantSub: "unsupported database driver",
		},
		{
			name:    "zero tick interval",
			yaml:    "auction:\n  tick_interval: 0s\n",
			wantSub: "tick_interval",
		},
		{
			name:    "negative snipe window",
			yaml:    "auction:\n  anti_snipe_window: -5s\n",
			wantSub: "anti-snipe",
		},
		{
			name:    "zero retry depth",
			yaml:    "auction:\n  settlement_retry_depth: 0\n",
			wantSub: "settlement_retry_depth",
		},
		{
			name:    "zero cap",
			yaml:    "ledger:\n  point_cap: 0\n",
			wantSub: "point_cap",
		},
		{
			name:    "malformed yaml",
			yaml:    "database: [not a map\n",
			wantSub: "parsing config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.yaml)
			_, err := config.Load(path)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error = %q, want substring %q", err, tt.wantSub)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	d := config.DatabaseConfig{
		Host: "h", Port: 5432, User: "u", Password: "p", DBName: "db", SSLMode: "disable",
	}
	want := "host=h port=5432 user=u password=p dbname=db sslmode=disable"
	if got := d.DSN(); got != want {
		t.Errorf("DSN() = %q, want %q", got, want)
	}
}
