package daemon

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tidwall/jsonc"
)

// Reply modes for RelayConfig.ReplyMode.
const (
	ReplyModeAlways = "always"
	ReplyModeSilent = "silent"
)

// Transport kinds for TransportConfig.Kind.
const (
	TransportWhatsApp = "whatsapp"
	TransportMatrix   = "matrix"
)

type Config struct {
	Name      string          `json:"name"`
	HTTPAddr  string          `json:"http_addr,omitempty"`
	DataDir   string          `json:"data_dir,omitempty"`
	LogLevel  string          `json:"log_level,omitempty"`
	Transport TransportConfig `json:"transport"`
	Store     StoreConfig     `json:"store"`
	Relay     RelayConfig     `json:"relay"`
	Pairing   PairingConfig   `json:"pairing"`
	Journal   JournalConfig   `json:"journal"`
}

type TransportConfig struct {
	Kind      string         `json:"kind"`                 // "whatsapp" or "matrix"
	SendRate  float64        `json:"send_rate,omitempty"`  // messages per second, 0 = unlimited
	SendBurst int            `json:"send_burst,omitempty"` // burst for send_rate
	WhatsApp  WhatsAppConfig `json:"whatsapp"`
	Matrix    MatrixConfig   `json:"matrix"`
}

type WhatsAppConfig struct {
	StoreDialect string `json:"store_dialect"` // "sqlite" or "pgx"
	StoreDSN     string `json:"store_dsn"`     // file path for sqlite, postgres URL for pgx
}

type MatrixConfig struct {
	Homeserver   string   `json:"homeserver"` // e.g., http://synapse:8008
	UserID       string   `json:"user_id"`    // localpart, e.g., "bridge"
	Password     string   `json:"password"`
	ServerName   string   `json:"server_name"`   // e.g., matrix.example.com
	AllowedUsers []string `json:"allowed_users"` // empty = everyone
}

type StoreConfig struct {
	URL     string `json:"url"`
	Timeout string `json:"timeout,omitempty"` // e.g. "15s"
}

type RelayConfig struct {
	ReplyMode        string `json:"reply_mode"` // "always" or "silent"
	IncludeSender    bool   `json:"include_sender"`
	StrictKinds      bool   `json:"strict_kinds"` // drop events that are neither chat nor location
	FallbackGreeting string `json:"fallback_greeting,omitempty"`
	ApologyText      string `json:"apology_text,omitempty"`
}

type PairingConfig struct {
	Terminal bool `json:"terminal"` // render pairing codes as QR on stdout
}

type JournalConfig struct {
	Enabled       bool   `json:"enabled"`
	Path          string `json:"path,omitempty"`
	Retention     string `json:"retention,omitempty"`      // e.g. "720h"
	PruneInterval string `json:"prune_interval,omitempty"` // e.g. "1h"
}

// LoadConfig builds the configuration from environment defaults, then the
// file at path (if any), then the private overlay named by
// WABRIDGE_PRIVATE_CONFIG. Files may contain JSONC comments. PORT, when set,
// always selects the listen port.
func LoadConfig(path string) (*Config, error) {
	base := defaultConfig()
	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("marshal default config: %w", err)
	}

	merged := baseJSON
	if path != "" {
		fileData, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		merged, err = deepMergeJSON(merged, jsonc.ToJSON(fileData))
		if err != nil {
			return nil, fmt.Errorf("merge config %s: %w", path, err)
		}
	}

	if overlay := os.Getenv("WABRIDGE_PRIVATE_CONFIG"); overlay != "" {
		overlayData, err := os.ReadFile(overlay)
		if err != nil {
			return nil, fmt.Errorf("read private config %s: %w", overlay, err)
		}
		merged, err = deepMergeJSON(merged, jsonc.ToJSON(overlayData))
		if err != nil {
			return nil, fmt.Errorf("merge private config %s: %w", overlay, err)
		}
	}

	var cfg Config
	if err := json.Unmarshal(merged, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.HTTPAddr = resolveEnv(cfg.HTTPAddr)
	cfg.DataDir = resolveEnv(cfg.DataDir)
	cfg.Store.URL = resolveEnv(cfg.Store.URL)
	cfg.Transport.WhatsApp.StoreDSN = resolveEnv(cfg.Transport.WhatsApp.StoreDSN)
	cfg.Transport.Matrix.Homeserver = resolveEnv(cfg.Transport.Matrix.Homeserver)
	cfg.Transport.Matrix.UserID = resolveEnv(cfg.Transport.Matrix.UserID)
	cfg.Transport.Matrix.Password = resolveEnv(cfg.Transport.Matrix.Password)
	cfg.Transport.Matrix.ServerName = resolveEnv(cfg.Transport.Matrix.ServerName)
	cfg.Journal.Path = resolveEnv(cfg.Journal.Path)

	if port := os.Getenv("PORT"); port != "" {
		cfg.HTTPAddr = ":" + port
	}
	if cfg.Name == "" {
		cfg.Name = "wabridge"
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":3000"
	}
	if cfg.Transport.WhatsApp.StoreDSN == "" {
		cfg.Transport.WhatsApp.StoreDSN = filepath.Join(cfg.DataDir, "whatsapp.db")
	}
	if cfg.Journal.Path == "" {
		cfg.Journal.Path = filepath.Join(cfg.DataDir, "journal.db")
	}

	return &cfg, nil
}

// Validate reports configuration errors that would prevent the bridge from starting.
func (c *Config) Validate() error {
	switch c.Transport.Kind {
	case TransportWhatsApp:
		switch c.Transport.WhatsApp.StoreDialect {
		case "sqlite", "pgx":
		default:
			return fmt.Errorf("transport.whatsapp.store_dialect %q: want sqlite or pgx", c.Transport.WhatsApp.StoreDialect)
		}
	case TransportMatrix:
		if c.Transport.Matrix.Homeserver == "" || c.Transport.Matrix.UserID == "" {
			return fmt.Errorf("transport.matrix requires homeserver and user_id")
		}
	default:
		return fmt.Errorf("transport.kind %q: want %s or %s", c.Transport.Kind, TransportWhatsApp, TransportMatrix)
	}

	if c.Store.URL == "" {
		return fmt.Errorf("store.url is required")
	}
	switch c.Relay.ReplyMode {
	case ReplyModeAlways, ReplyModeSilent:
	default:
		return fmt.Errorf("relay.reply_mode %q: want %s or %s", c.Relay.ReplyMode, ReplyModeAlways, ReplyModeSilent)
	}
	if c.Transport.SendRate < 0 {
		return fmt.Errorf("transport.send_rate must not be negative")
	}
	return nil
}

// Duration parses s, returning fallback when s is empty or invalid.
func Duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	if parsed, err := time.ParseDuration(s); err == nil && parsed > 0 {
		return parsed
	}
	return fallback
}

func deepMergeJSON(base, overlay []byte) ([]byte, error) {
	var baseMap map[string]interface{}
	if len(base) > 0 {
		if err := json.Unmarshal(base, &baseMap); err != nil {
			return nil, err
		}
	}
	if baseMap == nil {
		baseMap = map[string]interface{}{}
	}

	var overlayMap map[string]interface{}
	if len(overlay) > 0 {
		if err := json.Unmarshal(overlay, &overlayMap); err != nil {
			return nil, err
		}
	}
	mergeMap(baseMap, overlayMap)
	return json.Marshal(baseMap)
}

func mergeMap(dst, src map[string]interface{}) {
	for k, v := range src {
		dstObj, dstIsObj := dst[k].(map[string]interface{})
		srcObj, srcIsObj := v.(map[string]interface{})
		if dstIsObj && srcIsObj {
			mergeMap(dstObj, srcObj)
			dst[k] = dstObj
			continue
		}
		dst[k] = v
	}
}

func resolveEnv(s string) string {
	if len(s) > 1 && s[0] == '$' {
		if v := os.Getenv(s[1:]); v != "" {
			return v
		}
	}
	return s
}

func defaultConfig() *Config {
	return &Config{
		Name:     "wabridge",
		HTTPAddr: envOr("WABRIDGE_HTTP_ADDR", ":3000"),
		DataDir:  envOr("WABRIDGE_DATA_DIR", "data"),
		LogLevel: envOr("WABRIDGE_LOG_LEVEL", "info"),
		Transport: TransportConfig{
			Kind:      envOr("WABRIDGE_TRANSPORT", TransportWhatsApp),
			SendBurst: 1,
			WhatsApp: WhatsAppConfig{
				StoreDialect: envOr("WABRIDGE_WA_STORE_DIALECT", "sqlite"),
				StoreDSN:     envOr("WABRIDGE_WA_STORE_DSN", ""),
			},
			Matrix: MatrixConfig{
				Homeserver: envOr("MATRIX_HOMESERVER", ""),
				UserID:     envOr("MATRIX_BOT_USER", ""),
				Password:   envOr("MATRIX_BOT_PASSWORD", ""),
				ServerName: envOr("MATRIX_SERVER_NAME", ""),
			},
		},
		Store: StoreConfig{
			URL:     envOr("WABRIDGE_STORE_URL", ""),
			Timeout: envOr("WABRIDGE_STORE_TIMEOUT", "15s"),
		},
		Relay: RelayConfig{
			ReplyMode:        envOr("WABRIDGE_REPLY_MODE", ReplyModeAlways),
			IncludeSender:    envOr("WABRIDGE_INCLUDE_SENDER", "") != "",
			StrictKinds:      true,
			FallbackGreeting: "Hello, how can I assist you?",
			ApologyText:      "Sorry, I could not process your request.",
		},
		Pairing: PairingConfig{
			Terminal: envOr("WABRIDGE_PAIRING_TERMINAL", "1") != "",
		},
		Journal: JournalConfig{
			Enabled:       envOr("WABRIDGE_JOURNAL_ENABLED", "") != "",
			Retention:     envOr("WABRIDGE_JOURNAL_RETENTION", "720h"),
			PruneInterval: "1h",
		},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
