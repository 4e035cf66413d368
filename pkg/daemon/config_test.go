package daemon

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("WABRIDGE_PRIVATE_CONFIG", "")
	t.Setenv("WABRIDGE_DATA_DIR", "/var/lib/wabridge")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.HTTPAddr != ":3000" {
		t.Errorf("HTTPAddr = %q, want :3000", cfg.HTTPAddr)
	}
	if cfg.Transport.Kind != TransportWhatsApp || cfg.Relay.ReplyMode != ReplyModeAlways {
		t.Errorf("transport=%q reply_mode=%q", cfg.Transport.Kind, cfg.Relay.ReplyMode)
	}
	if !cfg.Relay.StrictKinds {
		t.Error("StrictKinds should default to true")
	}
	if cfg.Transport.WhatsApp.StoreDSN != "/var/lib/wabridge/whatsapp.db" {
		t.Errorf("StoreDSN = %q", cfg.Transport.WhatsApp.StoreDSN)
	}
	if cfg.Relay.ApologyText != "Sorry, I could not process your request." {
		t.Errorf("ApologyText = %q", cfg.Relay.ApologyText)
	}
}

func TestLoadConfigFileOverlayAndPort(t *testing.T) {
	t.Setenv("STORE_URL_SECRET", "https://script.example.com/exec")
	path := writeFile(t, "config.jsonc", `{
		// JSONC comments and trailing commas are accepted
		"store": {"url": "$STORE_URL_SECRET"},
		"relay": {"reply_mode": "silent", "include_sender": true,},
	}`)
	private := writeFile(t, "private.json", `{"transport": {"send_rate": 2}}`)
	t.Setenv("WABRIDGE_PRIVATE_CONFIG", private)
	t.Setenv("PORT", "8099")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.HTTPAddr != ":8099" {
		t.Errorf("HTTPAddr = %q, want :8099 from PORT", cfg.HTTPAddr)
	}
	if cfg.Store.URL != "https://script.example.com/exec" {
		t.Errorf("Store.URL = %q, want env-resolved value", cfg.Store.URL)
	}
	if cfg.Relay.ReplyMode != ReplyModeSilent || !cfg.Relay.IncludeSender {
		t.Errorf("relay = %+v", cfg.Relay)
	}
	// Deep merge keeps defaults that the file did not touch.
	if cfg.Relay.FallbackGreeting == "" || !cfg.Relay.StrictKinds {
		t.Errorf("defaults lost in merge: %+v", cfg.Relay)
	}
	if cfg.Transport.SendRate != 2 || cfg.Transport.Kind != TransportWhatsApp {
		t.Errorf("transport = %+v", cfg.Transport)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c := defaultConfig()
		c.Store.URL = "http://store"
		return c
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "ok", mutate: func(*Config) {}},
		{name: "no store", mutate: func(c *Config) { c.Store.URL = "" }, want: "store.url"},
		{name: "bad mode", mutate: func(c *Config) { c.Relay.ReplyMode = "sometimes" }, want: "reply_mode"},
		{name: "bad transport", mutate: func(c *Config) { c.Transport.Kind = "telegram" }, want: "transport.kind"},
		{name: "bad dialect", mutate: func(c *Config) { c.Transport.WhatsApp.StoreDialect = "mysql" }, want: "store_dialect"},
		{name: "matrix incomplete", mutate: func(c *Config) { c.Transport.Kind = TransportMatrix }, want: "transport.matrix"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.want == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate = %v, want error mentioning %q", err, tt.want)
			}
		})
	}
}

func TestDuration(t *testing.T) {
	if got := Duration("", time.Second); got != time.Second {
		t.Errorf("empty = %s", got)
	}
	if got := Duration("garbage", time.Second); got != time.Second {
		t.Errorf("invalid = %s", got)
	}
	if got := Duration("250ms", time.Second); got != 250*time.Millisecond {
		t.Errorf("250ms = %s", got)
	}
}
