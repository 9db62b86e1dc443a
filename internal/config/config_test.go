package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg.Chain.RPCURL = "https://mainnet.base.org"
	cfg.Chain.TradingContract = "0x44914408af82bC9983bbb330e3578E1105e11d4e"
	return cfg
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Chain.ChainID != 8453 {
		t.Errorf("chain id = %d", cfg.Chain.ChainID)
	}
	if cfg.Exec.Mode != "DRY" {
		t.Errorf("default mode = %q, must start dry", cfg.Exec.Mode)
	}
	if cfg.Indexer.FinalityDepth != 12 || cfg.Indexer.Page != 2000 {
		t.Errorf("indexer defaults = %+v", cfg.Indexer)
	}
	if cfg.Tx.ReceiptPollInterval != 1500*time.Millisecond {
		t.Errorf("receipt poll = %v", cfg.Tx.ReceiptPollInterval)
	}
	sum := cfg.Leaderboard.W1 + cfg.Leaderboard.W2 + cfg.Leaderboard.W3 +
		cfg.Leaderboard.W4 + cfg.Leaderboard.W5
	if sum < 0.999 || sum > 1.001 {
		t.Errorf("default weights sum to %v", sum)
	}
}

func TestLoadEnvAliases(t *testing.T) {
	t.Setenv("BASE_RPC_URL", "https://example.org/rpc")
	t.Setenv("INDEXER_PAGE", "777")
	t.Setenv("COPY_EXECUTION_MODE", "LIVE")
	t.Setenv("MAX_LEVERAGE", "100")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Chain.RPCURL != "https://example.org/rpc" {
		t.Errorf("rpc url = %q", cfg.Chain.RPCURL)
	}
	if cfg.Indexer.Page != 777 {
		t.Errorf("page = %d", cfg.Indexer.Page)
	}
	if cfg.Exec.Mode != "LIVE" {
		t.Errorf("mode = %q", cfg.Exec.Mode)
	}
	if cfg.Risk.MaxLeverage != 100 {
		t.Errorf("max leverage = %d", cfg.Risk.MaxLeverage)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := "chain:\n  rpc_url: https://file.example/rpc\nindexer:\n  page: 123\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Chain.RPCURL != "https://file.example/rpc" || cfg.Indexer.Page != 123 {
		t.Errorf("file values not applied: %+v", cfg.Chain)
	}
	// Untouched keys keep their defaults.
	if cfg.Indexer.FinalityDepth != 12 {
		t.Errorf("finality depth = %d", cfg.Indexer.FinalityDepth)
	}
}

func TestValidate(t *testing.T) {
	if err := validConfig(t).Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing rpc url", func(c *Config) { c.Chain.RPCURL = "" }},
		{"missing contract", func(c *Config) { c.Chain.TradingContract = "" }},
		{"zero page", func(c *Config) { c.Indexer.Page = 0 }},
		{"zero finality", func(c *Config) { c.Indexer.FinalityDepth = 0 }},
		{"bad mode", func(c *Config) { c.Exec.Mode = "YOLO" }},
		{"live without signer", func(c *Config) { c.Exec.Mode = "LIVE" }},
		{"zero workers", func(c *Config) { c.Exec.Workers = 0 }},
		{"account risk over 100%", func(c *Config) { c.Risk.MaxAccountRiskPct = 1.5 }},
		{"zero leverage", func(c *Config) { c.Risk.MaxLeverage = 0 }},
		{"bump below replacement floor", func(c *Config) { c.Tx.BumpPct = 5 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig(t)
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("invalid config accepted")
			}
		})
	}
}
