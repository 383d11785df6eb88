// Package config loads the companion daemon configuration with precedence
// ENV > file > defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the fully resolved daemon configuration.
type Config struct {
	// Control plane
	ListenAddr string // loopback address for the control-plane HTTP API
	LogLevel   string
	LogService string
	Version    string

	// Supervised local server
	ServerPort        int
	ServerExecName    string
	ExecSearchPaths   []string // ordered candidate directories for the server binary
	DataDir           string   // per-user application data directory (DB_PATH lives here)
	EnvFileCandidates []string // ordered candidate paths for the optional .env file

	// Routing
	StartMode string // "local" or "online"

	// Remote cloud API
	RemoteBaseURL  string
	LoginBaseURL   string
	CallbackScheme string
	AppName        string // reported as the capturing application on online uploads

	// Timeouts and settle delays
	UploadTimeout    time.Duration // remote upload request deadline
	RefreshTimeout   time.Duration // token refresh request deadline
	StartSettle      time.Duration // wait after spawn before the first health probe
	ColdStartSettle  time.Duration // wait after an on-demand start before a local upload
	RestartDelay     time.Duration // pause between stop and start on restart
	StopGrace        time.Duration // SIGTERM grace before SIGKILL
	SweepGrace       time.Duration // grace between SIGTERM and SIGKILL in the port sweep
	ShutdownDeadline time.Duration // bound on waiting for process exit at teardown
	CallbackCooldown time.Duration // dedupe window for repeated login callbacks
}

// LocalBaseURL returns the loopback base URL of the supervised server.
func (c Config) LocalBaseURL() string {
	return fmt.Sprintf("http://localhost:%d", c.ServerPort)
}

// fileConfig is the YAML shape of the optional config file. Zero values mean
// "not set" and leave the default in place.
type fileConfig struct {
	ListenAddr     string `yaml:"listen_addr"`
	LogLevel       string `yaml:"log_level"`
	ServerPort     int    `yaml:"server_port"`
	ServerExecName string `yaml:"server_exec_name"`
	DataDir        string `yaml:"data_dir"`
	StartMode      string `yaml:"start_mode"`
	RemoteBaseURL  string `yaml:"remote_base_url"`
	LoginBaseURL   string `yaml:"login_base_url"`
	AppName        string `yaml:"app_name"`
}

// Loader handles configuration loading with precedence.
type Loader struct {
	configPath string
	version    string
}

// NewLoader creates a new configuration loader.
func NewLoader(configPath, version string) *Loader {
	return &Loader{configPath: configPath, version: version}
}

// Load resolves configuration in order: defaults, optional YAML file, environment.
func (l *Loader) Load() (Config, error) {
	cfg := defaults(l.version)

	if l.configPath != "" {
		if err := mergeFile(&cfg, l.configPath); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func defaults(version string) Config {
	dataDir := defaultDataDir()
	cwd, _ := os.Getwd()
	execDir := ""
	if exe, err := os.Executable(); err == nil {
		execDir = filepath.Dir(exe)
	}
	return Config{
		ListenAddr:     "127.0.0.1:7843",
		LogLevel:       "info",
		LogService:     "companiond",
		Version:        version,
		ServerPort:     8080,
		ServerExecName: "snapvault-server",
		ExecSearchPaths: []string{
			execDir,
			filepath.Join(execDir, "resources"),
			cwd,
			filepath.Join(cwd, "..", "server"),
		},
		DataDir: dataDir,
		EnvFileCandidates: []string{
			filepath.Join(dataDir, ".env"),
			filepath.Join(execDir, ".env"),
			filepath.Join(cwd, ".env"),
			filepath.Join(cwd, "..", ".env"),
		},
		StartMode:        "online",
		RemoteBaseURL:    "https://api.snapvault.app",
		LoginBaseURL:     "https://app.snapvault.app/login",
		CallbackScheme:   "snapvault://auth",
		AppName:          "Snapvault",
		UploadTimeout:    30 * time.Second,
		RefreshTimeout:   15 * time.Second,
		StartSettle:      2 * time.Second,
		ColdStartSettle:  3 * time.Second,
		RestartDelay:     1 * time.Second,
		StopGrace:        2 * time.Second,
		SweepGrace:       1 * time.Second,
		ShutdownDeadline: 5 * time.Second,
		CallbackCooldown: 5 * time.Second,
	}
}

func defaultDataDir() string {
	if base, err := os.UserConfigDir(); err == nil {
		return filepath.Join(base, "snapvault")
	}
	return filepath.Join(os.TempDir(), "snapvault")
}

func mergeFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path) // #nosec G304 -- operator-supplied path
	if err != nil {
		return err
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	if fc.ListenAddr != "" {
		cfg.ListenAddr = fc.ListenAddr
	}
	if fc.LogLevel != "" {
		cfg.LogLevel = fc.LogLevel
	}
	if fc.ServerPort != 0 {
		cfg.ServerPort = fc.ServerPort
	}
	if fc.ServerExecName != "" {
		cfg.ServerExecName = fc.ServerExecName
	}
	if fc.DataDir != "" {
		cfg.DataDir = fc.DataDir
	}
	if fc.StartMode != "" {
		cfg.StartMode = fc.StartMode
	}
	if fc.RemoteBaseURL != "" {
		cfg.RemoteBaseURL = fc.RemoteBaseURL
	}
	if fc.LoginBaseURL != "" {
		cfg.LoginBaseURL = fc.LoginBaseURL
	}
	if fc.AppName != "" {
		cfg.AppName = fc.AppName
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.ListenAddr = ParseString("COMPANION_LISTEN_ADDR", cfg.ListenAddr)
	cfg.LogLevel = ParseString("COMPANION_LOG_LEVEL", cfg.LogLevel)
	cfg.ServerPort = ParseInt("COMPANION_SERVER_PORT", cfg.ServerPort)
	cfg.ServerExecName = ParseString("COMPANION_SERVER_EXEC", cfg.ServerExecName)
	cfg.DataDir = ParseString("COMPANION_DATA_DIR", cfg.DataDir)
	cfg.StartMode = ParseString("COMPANION_MODE", cfg.StartMode)
	cfg.RemoteBaseURL = ParseString("COMPANION_REMOTE_URL", cfg.RemoteBaseURL)
	cfg.LoginBaseURL = ParseString("COMPANION_LOGIN_URL", cfg.LoginBaseURL)
	cfg.AppName = ParseString("COMPANION_APP_NAME", cfg.AppName)
	cfg.UploadTimeout = ParseDuration("COMPANION_UPLOAD_TIMEOUT", cfg.UploadTimeout)
	cfg.RefreshTimeout = ParseDuration("COMPANION_REFRESH_TIMEOUT", cfg.RefreshTimeout)
	cfg.StartSettle = ParseDuration("COMPANION_START_SETTLE", cfg.StartSettle)
	cfg.ColdStartSettle = ParseDuration("COMPANION_COLD_START_SETTLE", cfg.ColdStartSettle)
	cfg.RestartDelay = ParseDuration("COMPANION_RESTART_DELAY", cfg.RestartDelay)
	cfg.StopGrace = ParseDuration("COMPANION_STOP_GRACE", cfg.StopGrace)
	cfg.ShutdownDeadline = ParseDuration("COMPANION_SHUTDOWN_DEADLINE", cfg.ShutdownDeadline)
}

func validate(cfg Config) error {
	if cfg.ServerPort <= 0 || cfg.ServerPort > 65535 {
		return fmt.Errorf("server_port out of range: %d", cfg.ServerPort)
	}
	if cfg.ServerExecName == "" {
		return fmt.Errorf("server_exec_name must not be empty")
	}
	if cfg.RemoteBaseURL == "" {
		return fmt.Errorf("remote_base_url must not be empty")
	}
	if cfg.StartMode != "local" && cfg.StartMode != "online" {
		return fmt.Errorf("start_mode must be local or online, got %q", cfg.StartMode)
	}
	return nil
}
