package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// ServerConfig holds configuration for the bootfluxd binary.
type ServerConfig struct {
	RootDir      string        // Artifact root directory served by both protocols
	HTTPAddr     string        // HTTP listen address (host:port, port 0 for ephemeral)
	TFTPAddr     string        // TFTP listen address (host:port, port 0 for ephemeral)
	EnableTFTP   bool          // Serve TFTP alongside HTTP
	EnableHTTPS  bool          // Serve HTTPS alongside HTTP
	HTTPSAddr    string        // HTTPS listen address
	EnableH3     bool          // Serve HTTP/3 on the HTTPS address (requires EnableHTTPS)
	CertFile     string        // TLS certificate (PEM), required for HTTPS
	KeyFile      string        // TLS private key (PEM), required for HTTPS
	MaxBlockSize int           // Upper bound accepted for the TFTP blksize option
	MaxSessions  int           // Concurrent TFTP session ceiling
	Timeout      time.Duration // Default per-block TFTP retransmission timeout
	Retries      int           // Retransmissions per block before the session is dropped
	IdleTimeout  time.Duration // Idle bound after which a session is swept
	Grace        time.Duration // Shutdown grace period for in-flight transfers
	LogLevel     string        // One of "debug", "info", "warn", "error"
}

// Default TFTP bounds. MaxBlockSize follows RFC 2348's upper limit.
const (
	DefaultMaxBlockSize = 65464
	DefaultMaxSessions  = 64
	DefaultTimeout      = 3 * time.Second
	DefaultRetries      = 5
	DefaultIdleTimeout  = 30 * time.Second
	DefaultGrace        = 10 * time.Second
)

// ParseServerConfig parses server configuration from a config file, environment
// variables, and flags. Precedence: flags > environment > config file > defaults.
func ParseServerConfig() (ServerConfig, error) {
	return parseServerConfigWithFlagSet(flag.CommandLine, os.Args[1:])
}

// parseServerConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseServerConfigWithFlagSet(fs *flag.FlagSet, args []string) (ServerConfig, error) {
	cfg := ServerConfig{
		RootDir:      ".",
		HTTPAddr:     ":8080",
		TFTPAddr:     ":69",
		EnableTFTP:   true,
		HTTPSAddr:    ":8443",
		MaxBlockSize: DefaultMaxBlockSize,
		MaxSessions:  DefaultMaxSessions,
		Timeout:      DefaultTimeout,
		Retries:      DefaultRetries,
		IdleTimeout:  DefaultIdleTimeout,
		Grace:        DefaultGrace,
		LogLevel:     "info",
	}

	// Config file is the lowest precedence layer. The flag is extracted by
	// hand so the file can be applied before the env/flag overlays.
	configPath := os.Getenv("BOOTFLUX_CONFIG")
	if p := peekFlag(args, "config"); p != "" {
		configPath = p
	}
	if configPath != "" {
		if err := loadFile(configPath, &cfg); err != nil {
			return ServerConfig{}, err
		}
	}

	// Environment overrides the file.
	applyEnv(&cfg)

	// Flags override everything.
	var configFlag string
	fs.StringVar(&configFlag, "config", configPath, "path to TOML config file")
	fs.StringVar(&cfg.RootDir, "root-dir", cfg.RootDir, "artifact root directory")
	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "HTTP listen address")
	fs.StringVar(&cfg.TFTPAddr, "tftp-addr", cfg.TFTPAddr, "TFTP listen address")
	enableTFTP := cfg.EnableTFTP
	fs.BoolVar(&enableTFTP, "tftp", cfg.EnableTFTP, "serve TFTP (disable with -tftp=false)")
	fs.BoolVar(&cfg.EnableHTTPS, "enable-https", cfg.EnableHTTPS, "serve HTTPS alongside HTTP")
	fs.StringVar(&cfg.HTTPSAddr, "https-addr", cfg.HTTPSAddr, "HTTPS listen address")
	fs.BoolVar(&cfg.EnableH3, "enable-h3", cfg.EnableH3, "serve HTTP/3 on the HTTPS address")
	fs.StringVar(&cfg.CertFile, "ssl-cert", cfg.CertFile, "TLS certificate file (PEM)")
	fs.StringVar(&cfg.KeyFile, "ssl-key", cfg.KeyFile, "TLS private key file (PEM)")
	fs.IntVar(&cfg.MaxBlockSize, "max-block-size", cfg.MaxBlockSize, "max negotiable TFTP block size")
	fs.IntVar(&cfg.MaxSessions, "max-sessions", cfg.MaxSessions, "max concurrent TFTP sessions")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "default TFTP retransmission timeout")
	fs.IntVar(&cfg.Retries, "retries", cfg.Retries, "TFTP retransmissions per block")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "TFTP session idle bound")
	fs.DurationVar(&cfg.Grace, "grace", cfg.Grace, "shutdown grace period")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	if err := fs.Parse(args); err != nil {
		return ServerConfig{}, err
	}
	cfg.EnableTFTP = enableTFTP

	if err := cfg.Validate(); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints that flag parsing cannot express.
func (c ServerConfig) Validate() error {
	if c.RootDir == "" {
		return fmt.Errorf("root-dir must not be empty")
	}
	if c.EnableHTTPS && (c.CertFile == "" || c.KeyFile == "") {
		return fmt.Errorf("https enabled but ssl-cert and ssl-key must both be provided")
	}
	if c.EnableH3 && !c.EnableHTTPS {
		return fmt.Errorf("http/3 requires https to be enabled")
	}
	if c.MaxBlockSize < 8 || c.MaxBlockSize > DefaultMaxBlockSize {
		return fmt.Errorf("max-block-size must be in [8, %d], got %d", DefaultMaxBlockSize, c.MaxBlockSize)
	}
	if c.MaxSessions < 1 {
		return fmt.Errorf("max-sessions must be positive, got %d", c.MaxSessions)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}
	if c.Retries < 1 {
		return fmt.Errorf("retries must be positive, got %d", c.Retries)
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("idle-timeout must be positive, got %s", c.IdleTimeout)
	}
	return nil
}

// fileConfig maps the TOML config file keys onto ServerConfig fields.
type fileConfig struct {
	RootDir      string `toml:"root_dir"`
	HTTPAddr     string `toml:"http_addr"`
	TFTPAddr     string `toml:"tftp_addr"`
	EnableTFTP   bool   `toml:"enable_tftp"`
	EnableHTTPS  bool   `toml:"enable_https"`
	HTTPSAddr    string `toml:"https_addr"`
	EnableH3     bool   `toml:"enable_h3"`
	CertFile     string `toml:"ssl_cert"`
	KeyFile      string `toml:"ssl_key"`
	MaxBlockSize int    `toml:"max_block_size"`
	MaxSessions  int    `toml:"max_sessions"`
	Timeout      string `toml:"timeout"`
	Retries      int    `toml:"retries"`
	IdleTimeout  string `toml:"idle_timeout"`
	Grace        string `toml:"grace"`
	LogLevel     string `toml:"log_level"`
}

// loadFile overlays values from a TOML file onto cfg. Only keys present in
// the file are applied.
func loadFile(path string, cfg *ServerConfig) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config file: %w", err)
	}

	if meta.IsDefined("root_dir") {
		cfg.RootDir = strings.TrimSpace(raw.RootDir)
	}
	if meta.IsDefined("http_addr") {
		cfg.HTTPAddr = strings.TrimSpace(raw.HTTPAddr)
	}
	if meta.IsDefined("tftp_addr") {
		cfg.TFTPAddr = strings.TrimSpace(raw.TFTPAddr)
	}
	if meta.IsDefined("enable_tftp") {
		cfg.EnableTFTP = raw.EnableTFTP
	}
	if meta.IsDefined("enable_https") {
		cfg.EnableHTTPS = raw.EnableHTTPS
	}
	if meta.IsDefined("https_addr") {
		cfg.HTTPSAddr = strings.TrimSpace(raw.HTTPSAddr)
	}
	if meta.IsDefined("enable_h3") {
		cfg.EnableH3 = raw.EnableH3
	}
	if meta.IsDefined("ssl_cert") {
		cfg.CertFile = strings.TrimSpace(raw.CertFile)
	}
	if meta.IsDefined("ssl_key") {
		cfg.KeyFile = strings.TrimSpace(raw.KeyFile)
	}
	if meta.IsDefined("max_block_size") {
		cfg.MaxBlockSize = raw.MaxBlockSize
	}
	if meta.IsDefined("max_sessions") {
		cfg.MaxSessions = raw.MaxSessions
	}
	if meta.IsDefined("retries") {
		cfg.Retries = raw.Retries
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	for _, d := range []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"timeout", raw.Timeout, &cfg.Timeout},
		{"idle_timeout", raw.IdleTimeout, &cfg.IdleTimeout},
		{"grace", raw.Grace, &cfg.Grace},
	} {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("config key %s: %w", d.key, err)
		}
		*d.dst = v
	}
	return nil
}

// applyEnv overlays BOOTFLUX_* environment variables onto cfg.
func applyEnv(cfg *ServerConfig) {
	if v := os.Getenv("BOOTFLUX_ROOT_DIR"); v != "" {
		cfg.RootDir = v
	}
	if v := os.Getenv("BOOTFLUX_HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("BOOTFLUX_TFTP_ADDR"); v != "" {
		cfg.TFTPAddr = v
	}
	if v := os.Getenv("BOOTFLUX_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("BOOTFLUX_MAX_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxSessions = n
		}
	}
	if v := os.Getenv("BOOTFLUX_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Timeout = d
		}
	}
}

// peekFlag extracts the value of -name/--name from args without a FlagSet,
// so the config file can be loaded before flag registration.
func peekFlag(args []string, name string) string {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		trimmed := strings.TrimLeft(arg, "-")
		if len(arg) == len(trimmed) {
			continue
		}
		if trimmed == name {
			if i+1 < len(args) {
				return args[i+1]
			}
			return ""
		}
		if strings.HasPrefix(trimmed, name+"=") {
			return strings.TrimPrefix(trimmed, name+"=")
		}
	}
	return ""
}
