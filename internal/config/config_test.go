package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	xerrors "FlowLedger/internal/errors"
)

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(""))
	if err != nil {
		t.Fatalf("parse empty: %v", err)
	}
	if cfg.Server.Address != ":8080" || cfg.Storage.Driver != "memory" || cfg.Asset.Driver != "memory" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.Ledger.LiquidationPeriod != 14400 || cfg.Sentinel.Workers != 4 || cfg.Sentinel.MaxRetries != 3 {
		t.Fatalf("unexpected ledger/sentinel defaults %+v %+v", cfg.Ledger, cfg.Sentinel)
	}
	if Address(cfg.Ledger.RewardAccount) != Address("") {
		t.Fatalf("reward account should default to zero")
	}
}

func TestLoadReadsNestedSections(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flowledger.yaml")
	content := `
server:
  address: ":9090"
logging:
  level: debug
ledger:
  liquidation_period: 600
  bailout_account: "0x00000000000000000000000000000000000000d5"
storage:
  driver: mysql
  mysql:
    dsn: "user:pass@tcp(127.0.0.1:3306)/flowledger?parseTime=true"
    conn_max_lifetime: 5m
sentinel:
  enabled: true
  driver: redis
  redis:
    address: "127.0.0.1:6379"
    block_wait: 2s
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(EnvConfigPath, path)
	cfg, err := Load(ResolvePath())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":9090" || cfg.Logging.Level != "debug" || cfg.Ledger.LiquidationPeriod != 600 {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Storage.MySQL.ConnMaxLifetime != 5*time.Minute || cfg.Sentinel.Redis.BlockWait != 2*time.Second {
		t.Fatalf("durations not decoded: %+v %+v", cfg.Storage.MySQL, cfg.Sentinel.Redis)
	}
	if Address(cfg.Ledger.BailoutAccount).Hex() != "0x00000000000000000000000000000000000000d5" {
		t.Fatalf("unexpected bailout account %s", cfg.Ledger.BailoutAccount)
	}
}

func TestParseRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"unknown field":   "bogus: 1\n",
		"bad driver":      "storage:\n  driver: sqlite\n",
		"auth mode":       "auth:\n  mode: ldap\n",
		"mysql dsn":       "storage:\n  driver: mysql\n",
		"bad address":     "ledger:\n  reward_account: nope\n",
		"redis asset":     "asset:\n  driver: redis\n",
		"sentinel driver": "sentinel:\n  driver: kafka\n",
	}
	for name, content := range cases {
		if _, err := Parse([]byte(content)); !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
			t.Fatalf("%s: expected invalid argument, got %v", name, err)
		}
	}
	if _, err := Load(""); !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("empty path: got %v", err)
	}
}
