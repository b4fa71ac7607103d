package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"quorum-trader/pkg/types"
)

const testYAML = `
system_enabled: true
bankroll_mode: TEST
wallet:
  private_key: "0xabc123"
  chain_id: 137
venue:
  base_url: "https://venue.example.com"
  api_key: "k"
  taker_fee: 0.03
monitor:
  secret: "s3cret"
firms:
  - {name: ChatGPT, model_id: gpt-5, color_tag: green, strategy: KellyConservative, endpoint: "https://m1"}
  - {name: Claude, model_id: claude-opus, color_tag: orange, strategy: FixedFractional, endpoint: "https://m2"}
  - {name: Gemini, model_id: gemini-pro, color_tag: blue, strategy: Proportional, endpoint: "https://m3"}
  - {name: Grok, model_id: grok-4, color_tag: black, strategy: MartingaleModified, endpoint: "https://m4"}
  - {name: DeepSeek, model_id: deepseek-r1, color_tag: purple, strategy: AntiMartingale, endpoint: "https://m5"}
`

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAndValidate(t *testing.T) {
	cfg, err := Load(writeConfig(t, testYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.BankrollMode != ModeTest {
		t.Errorf("mode = %s, want TEST", cfg.BankrollMode)
	}
	if got := cfg.InitialBalance(); got != 50 {
		t.Errorf("InitialBalance = %v, want 50", got)
	}
	if got := cfg.DailySpendCap(); got != 5 {
		t.Errorf("DailySpendCap = %v, want 5 in TEST mode", got)
	}
	if cfg.Sizing.MinBet != 1.50 {
		t.Errorf("MinBet default = %v, want 1.50", cfg.Sizing.MinBet)
	}
	if cfg.Cycle.Deadline != 15*time.Minute {
		t.Errorf("Deadline default = %v, want 15m", cfg.Cycle.Deadline)
	}
	if cfg.Fetcher.PageSize != 20 || cfg.Fetcher.MaxMarkets != 200 {
		t.Errorf("fetcher defaults = %d/%d, want 20/200", cfg.Fetcher.PageSize, cfg.Fetcher.MaxMarkets)
	}
	if len(cfg.Firms) != 5 {
		t.Fatalf("firms = %d, want 5", len(cfg.Firms))
	}
	if cfg.Firms[1].Strategy != types.FixedFractional {
		t.Errorf("Claude strategy = %s", cfg.Firms[1].Strategy)
	}
}

func TestValidateRejectsMissingSecret(t *testing.T) {
	cfg, err := Load(writeConfig(t, testYAML))
	if err != nil {
		t.Fatal(err)
	}
	cfg.Monitor.Secret = ""

	err = cfg.Validate()
	if err == nil {
		t.Fatal("expected error for missing monitor secret")
	}
	var ce *types.ConfigError
	if !asConfigError(err, &ce) {
		t.Fatalf("want ConfigError, got %T", err)
	}
}

func TestValidateRejectsWrongFirmCount(t *testing.T) {
	cfg, err := Load(writeConfig(t, testYAML))
	if err != nil {
		t.Fatal(err)
	}
	cfg.Firms = cfg.Firms[:3]

	if cfg.Validate() == nil {
		t.Fatal("expected error for 3 firms")
	}
}

func TestValidateRejectsUnknownStrategy(t *testing.T) {
	cfg, err := Load(writeConfig(t, testYAML))
	if err != nil {
		t.Fatal(err)
	}
	cfg.Firms[0].Strategy = "YOLO"

	if cfg.Validate() == nil {
		t.Fatal("expected error for unknown strategy")
	}
}

func TestProductionPresets(t *testing.T) {
	cfg, err := Load(writeConfig(t, testYAML))
	if err != nil {
		t.Fatal(err)
	}
	cfg.BankrollMode = ModeProduction

	if got := cfg.InitialBalance(); got != 5000 {
		t.Errorf("InitialBalance = %v, want 5000", got)
	}
	if got := cfg.DailySpendCap(); got != 0 {
		t.Errorf("DailySpendCap = %v, want 0 (uncapped)", got)
	}
}

func asConfigError(err error, target **types.ConfigError) bool {
	ce, ok := err.(*types.ConfigError)
	if ok {
		*target = ce
	}
	return ok
}
