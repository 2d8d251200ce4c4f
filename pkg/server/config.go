package server

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/NicolasHaas/gojam/pkg/logging"
	"github.com/NicolasHaas/gojam/pkg/persist"
	"github.com/NicolasHaas/gojam/pkg/turn"
)

// TURNSecretEnv overrides turn.secret when set.
const TURNSecretEnv = "GOJAM_TURN_SECRET"

var ErrInvalidConfig = errors.New("server: invalid config")

// Config holds server configuration. Zero values fall back to DefaultConfig
// when the file is loaded with LoadConfig.
type Config struct {
	HTTPAddr      string `yaml:"http_addr"` // websocket, /health and /metrics
	UDPAddr       string `yaml:"udp_addr"`  // raw datagram relay
	DataDir       string `yaml:"data_dir"`
	AvatarDir     string `yaml:"avatar_dir"`     // empty means <data_dir>/avatars
	WhitelistFile string `yaml:"whitelist_file"` // empty keeps the whitelist in memory
	TrustProxy    bool   `yaml:"trust_proxy"`    // take client IPs from X-Forwarded-For
	Production    bool   `yaml:"production"`

	TLS     TLSConfig     `yaml:"tls"`
	Storage StorageConfig `yaml:"storage"`
	TURN    TURNConfig    `yaml:"turn"`
	SFU     SFUConfig     `yaml:"sfu"`
	Admin   AdminConfig   `yaml:"admin"`
	Logging LoggingConfig `yaml:"logging"`

	MetricsLogInterval time.Duration `yaml:"metrics_log_interval"`
}

// TLSConfig enables HTTPS on the HTTP listener. Leave it empty when a
// reverse proxy terminates TLS.
type TLSConfig struct {
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	SelfSigned bool   `yaml:"self_signed"` // generate a pair in data_dir when the files are missing
}

func (t TLSConfig) enabled() bool { return t.SelfSigned || t.CertFile != "" }

// StorageConfig selects the snapshot backend.
type StorageConfig struct {
	Backend string `yaml:"backend"` // "file" or "sqlite"
	Path    string `yaml:"path"`    // directory or database file; empty derives it from data_dir
}

// TURNConfig configures time-limited TURN credentials.
type TURNConfig struct {
	Secret   string        `yaml:"secret"`
	URLs     []string      `yaml:"urls"`
	STUNURLs []string      `yaml:"stun_urls"`
	TTL      time.Duration `yaml:"ttl"`
}

// SFUConfig configures server-side mixing.
type SFUConfig struct {
	Enabled bool `yaml:"enabled"`
	Bitrate int  `yaml:"bitrate"`
}

// AdminConfig names the account created when the user store is empty.
type AdminConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// LoggingConfig mirrors logging.Options for the config file.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		HTTPAddr: ":9600",
		UDPAddr:  ":9601",
		DataDir:  "data",
		Storage:  StorageConfig{Backend: persist.BackendFile},
		SFU:      SFUConfig{Enabled: true, Bitrate: 96000},
		Logging:  LoggingConfig{Level: "info", Format: "text"},

		MetricsLogInterval: 60 * time.Second,
	}
}

// LoadConfig reads the YAML file at path over DefaultConfig. An empty path
// returns the defaults. The TURN secret environment variable wins over the
// file.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // path from CLI flag
		if err != nil {
			return Config{}, fmt.Errorf("server: read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	if secret := os.Getenv(TURNSecretEnv); secret != "" {
		cfg.TURN.Secret = secret
	}
	return cfg, nil
}

// Validate reports the first fatal misconfiguration.
func (c Config) Validate() error {
	if c.HTTPAddr == "" {
		return fmt.Errorf("%w: http_addr is required", ErrInvalidConfig)
	}
	if c.UDPAddr == "" {
		return fmt.Errorf("%w: udp_addr is required", ErrInvalidConfig)
	}
	switch c.Storage.Backend {
	case persist.BackendFile, persist.BackendSQLite:
	default:
		return fmt.Errorf("%w: unknown storage backend %q (valid: file, sqlite)", ErrInvalidConfig, c.Storage.Backend)
	}
	if c.Production && c.TURN.Secret == "" {
		return fmt.Errorf("%w: production mode requires a TURN secret (turn.secret or %s)", ErrInvalidConfig, TURNSecretEnv)
	}
	if _, err := turn.NewIssuer(c.turnConfig()); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") && !c.TLS.SelfSigned {
		return fmt.Errorf("%w: tls.cert_file and tls.key_file must be set together", ErrInvalidConfig)
	}
	if (c.Admin.Username == "") != (c.Admin.Password == "") {
		return fmt.Errorf("%w: admin.username and admin.password must be set together", ErrInvalidConfig)
	}
	if err := logging.Validate(c.Logging.Level); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if f := c.Logging.Format; f != "" && f != "text" && f != "json" {
		return fmt.Errorf("%w: logging.format must be text or json", ErrInvalidConfig)
	}
	return nil
}

// StorageLocation returns the directory or database path for the backend.
func (c Config) StorageLocation() string {
	if c.Storage.Path != "" {
		return c.Storage.Path
	}
	if c.Storage.Backend == persist.BackendSQLite {
		return filepath.Join(c.DataDir, "gojam.db")
	}
	return c.DataDir
}

// AvatarPath returns the directory avatar files are written to.
func (c Config) AvatarPath() string {
	if c.AvatarDir != "" {
		return c.AvatarDir
	}
	return filepath.Join(c.DataDir, "avatars")
}

func (c Config) turnConfig() turn.Config {
	return turn.Config{
		Secret:   c.TURN.Secret,
		URLs:     c.TURN.URLs,
		STUNURLs: c.TURN.STUNURLs,
		TTL:      c.TURN.TTL,
	}
}
