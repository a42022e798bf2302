package config

import (
	"encoding/base64"
	"os"
	"strings"

	apxerrors "github.com/metacogma/upload-engine/errors"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
)

// DefaultConfig holds the process-level defaults, loaded by koanf's raw-bytes
// provider and overlaid with environment variables (DB_*, REDIS_*, LOG_LEVEL,
// PORT, ENCRYPTION_MASTER_KEY). Dashboard/cors/server_domain keys from the
// teacher's HTTP-facing config are gone: that surface is out of scope here.
var DefaultConfig = []byte(`
application: "upload-engine"

logger:
  level: "info"

listen: ":8080"

db:
  uri: "mongodb://localhost:27017"
  database: "upload_engine"

redis:
  addr: ""
`)

// ApxAgentConfig is the process-identity configuration: where this engine
// instance listens, what it logs as, and where its durable store lives.
// Generalized from the teacher's ApxConfig (which also carried CORS/dashboard
// fields tied to the excluded HTTP surface).
type ApxAgentConfig struct {
	Application string `koanf:"application" json:"application"`
	Logger      Logger `koanf:"logger" json:"logger"`
	Listen      string `koanf:"listen" json:"listen"`
	Hostname    string `koanf:"hostname" json:"hostname"`
	MachineId   string `koanf:"machine_id" json:"machine_id"`
	DB          DB     `koanf:"db" json:"db"`
	Redis       Redis  `koanf:"redis" json:"redis"`

	// EncryptionMasterKey is the decoded 32-byte key behind the
	// CredentialStore (spec.md §9); it is never logged or marshalled.
	EncryptionMasterKey []byte `koanf:"-" json:"-"`
}

type DB struct {
	URI      string `koanf:"uri"`
	Database string `koanf:"database"`
}

type Redis struct {
	Addr string `koanf:"addr"`
}

type Logger struct {
	Level    string `koanf:"level"`
	HostName string `koanf:"host_name"`
}

// LoadEncryptionKey reads ENCRYPTION_MASTER_KEY, base64-decodes it, and fails
// fatally (per spec.md §6) if it is missing or not exactly 32 bytes.
func (c *ApxAgentConfig) LoadEncryptionKey(getenv func(string) string) error {
	raw := getenv("ENCRYPTION_MASTER_KEY")
	if raw == "" {
		return apxerrors.E(apxerrors.Fatal, "config", "ENCRYPTION_MASTER_KEY is required")
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return apxerrors.E(apxerrors.Fatal, "config", err)
	}
	if len(key) != 32 {
		return apxerrors.E(apxerrors.Fatal, "config", "ENCRYPTION_MASTER_KEY must decode to 32 bytes")
	}
	c.EncryptionMasterKey = key
	return nil
}

// Load builds an ApxAgentConfig from DefaultConfig overlaid with environment
// variables (DB_URI, DB_DATABASE, REDIS_ADDR, LOG_LEVEL, PORT, LISTEN), the
// same koanf layering idiom the teacher declares via struct tags.
func Load(getenv func(string) string) (*ApxAgentConfig, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(DefaultConfig), yaml.Parser()); err != nil {
		return nil, apxerrors.E(apxerrors.Fatal, "config", err)
	}
	if err := k.Load(env.ProviderWithValue("", "_", func(key, value string) (string, interface{}) {
		key = strings.ToLower(strings.ReplaceAll(key, "_", "."))
		return key, value
	}), nil); err != nil {
		return nil, apxerrors.E(apxerrors.Fatal, "config", err)
	}

	cfg := &ApxAgentConfig{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, apxerrors.E(apxerrors.Fatal, "config", err)
	}
	if lvl := getenv("LOG_LEVEL"); lvl != "" {
		cfg.Logger.Level = strings.ToLower(lvl)
	}
	if port := getenv("PORT"); port != "" {
		cfg.Listen = ":" + port
	}
	if uri := getenv("DB_URI"); uri != "" {
		cfg.DB.URI = uri
	}
	if db := getenv("DB_DATABASE"); db != "" {
		cfg.DB.Database = db
	}
	if addr := getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if err := cfg.LoadEncryptionKey(getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate validates the configuration.
func (c *ApxAgentConfig) Validate() error {
	ve := apxerrors.ValidationErrs()

	if c.Application == "" {
		c.Application = "upload-engine"
	}
	if c.Listen == "" {
		ve.Add("listen", "cannot be empty")
	}
	if c.Logger.Level == "" {
		ve.Add("logger.level", "cannot be empty")
	}
	if c.DB.URI == "" {
		ve.Add("db.uri", "cannot be empty")
	}

	if host, err := os.Hostname(); err != nil {
		ve.Add("hostname", "invalid")
	} else {
		c.Hostname = host
	}

	return ve.Err()
}
