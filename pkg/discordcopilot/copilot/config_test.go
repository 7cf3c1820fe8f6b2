package copilot

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jholhewres/discordcopilot/pkg/discordcopilot/database"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(false); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	p := cfg.Pipeline
	if p.TopK != 3 || p.Threshold != 0.5 || p.HistoryLimit != 10 || p.MaxMessageLength != 2000 {
		t.Errorf("unexpected pipeline defaults: %+v", p)
	}
	if p.SerializePerChannel {
		t.Error("per-channel serialization must be off by default")
	}
	if err := cfg.Validate(true); err == nil {
		t.Error("expected missing credentials to fail service validation")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"zero top_k", func(c *Config) { c.Pipeline.TopK = 0 }, "top_k"},
		{"threshold above one", func(c *Config) { c.Pipeline.Threshold = 1.5 }, "threshold"},
		{"negative threshold", func(c *Config) { c.Pipeline.Threshold = -0.1 }, "threshold"},
		{"zero history", func(c *Config) { c.Pipeline.HistoryLimit = 0 }, "history_limit"},
		{"segment too long", func(c *Config) { c.Pipeline.MaxMessageLength = 4000 }, "max_message_length"},
		{"zero concurrency", func(c *Config) { c.Pipeline.MaxConcurrent = 0 }, "max_concurrent"},
		{"empty notice", func(c *Config) { c.Pipeline.FailureNotice = "" }, "failure_notice"},
		{"bad backend", func(c *Config) { c.Database.Backend = "mysql" }, "not supported"},
		{"dimension mismatch", func(c *Config) {
			c.Database.Backend = database.BackendPostgreSQL
			c.Gemini.Embedding.Dimensions = 1536
		}, "dimensions"},
		{"unexpanded token", func(c *Config) {
			c.Discord.Token = "${DISCORD_TOKEN}"
			c.Gemini.APIKey = "k"
		}, "discord token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate(true)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateServices(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Discord.Token = "token"
	cfg.Gemini.APIKey = "key"
	if err := cfg.Validate(true); err != nil {
		t.Errorf("Validate(true) = %v", err)
	}
	if got := cfg.GenerationConfig().APIKey; got != "key" {
		t.Errorf("shared key = %q", got)
	}
	cfg.Gemini.Generation.APIKey = "own"
	if got := cfg.GenerationConfig().APIKey; got != "own" {
		t.Errorf("generation key = %q", got)
	}
}

func TestParseConfig(t *testing.T) {
	data := []byte(`
name: helpdesk
discord:
  token: abc
  reply_to_message: true
database:
  backend: sqlite
  sqlite:
    path: ./bot.db
pipeline:
  top_k: 5
  serialize_per_channel: true
  persist_timeout: 3s
scheduler:
  history_retention: 720h
logging:
  format: text
`)
	cfg, err := ParseConfig(data)
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.Name != "helpdesk" || cfg.Discord.Token != "abc" || !cfg.Discord.ReplyToMessage {
		t.Errorf("discord = %+v", cfg.Discord)
	}
	if !cfg.Discord.SendTyping {
		t.Error("absent send_typing must keep the default")
	}
	if cfg.Database.Backend != database.BackendSQLite {
		t.Errorf("backend = %s", cfg.Database.Backend)
	}
	if cfg.Pipeline.TopK != 5 || cfg.Pipeline.HistoryLimit != 10 {
		t.Errorf("pipeline = %+v", cfg.Pipeline)
	}
	if !cfg.Pipeline.SerializePerChannel || cfg.Pipeline.PersistTimeout != 3*time.Second {
		t.Errorf("pipeline = %+v", cfg.Pipeline)
	}
	if cfg.Scheduler.HistoryRetention != 720*time.Hour || cfg.Scheduler.HealthProbe != "@every 1m" {
		t.Errorf("scheduler = %+v", cfg.Scheduler)
	}
	if cfg.Logging.Format != "text" || cfg.Logging.Level != "info" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
	if opts := cfg.PipelineOptions(); !opts.ReplyToMessage || opts.TopK != 5 {
		t.Errorf("pipeline options = %+v", opts)
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("DC_TEST_SET", "value")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"braced", "token: ${DC_TEST_SET}", "token: value"},
		{"bare", "token: $DC_TEST_SET", "token: value"},
		{"default used", "token: ${DC_TEST_UNSET:-fallback}", "token: fallback"},
		{"default ignored", "token: ${DC_TEST_SET:-fallback}", "token: value"},
		{"unset kept", "token: ${DC_TEST_UNSET}", "token: ${DC_TEST_UNSET}"},
		{"no vars", "plain: text", "plain: text"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := expandEnvVars(tt.input); got != tt.want {
				t.Errorf("expandEnvVars(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestExpandEnvVarsRequired(t *testing.T) {
	_, err := expandEnvVarsWithValidation("token: ${DC_TEST_MISSING:?set the bot token}\nname: x\n")
	if err == nil {
		t.Fatal("expected error for missing required variable")
	}
	if !strings.Contains(err.Error(), "DC_TEST_MISSING") || !strings.Contains(err.Error(), "set the bot token") {
		t.Errorf("error = %v", err)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	t.Setenv("DC_TEST_TOKEN", "from-env")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "discord:\n  token: ${DC_TEST_TOKEN}\ndatabase:\n  backend: sqlite\n  sqlite:\n    path: data/bot.db\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfigFromFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFromFile: %v", err)
	}
	if cfg.Discord.Token != "from-env" {
		t.Errorf("token = %q", cfg.Discord.Token)
	}
	if want := filepath.Join(dir, "data", "bot.db"); cfg.Database.SQLite.Path != want {
		t.Errorf("sqlite path = %q, want %q", cfg.Database.SQLite.Path, want)
	}
}

func TestResolvePathFromConfig(t *testing.T) {
	tests := []struct {
		path, dir, want string
	}{
		{"", "/etc", ""},
		{":memory:", "/etc", ":memory:"},
		{"/abs/db", "/etc", "/abs/db"},
		{"rel/db", "/etc/bot", "/etc/bot/rel/db"},
	}
	for _, tt := range tests {
		if got := resolvePathFromConfig(tt.path, tt.dir); got != tt.want {
			t.Errorf("resolvePathFromConfig(%q, %q) = %q, want %q", tt.path, tt.dir, got, tt.want)
		}
	}
}
