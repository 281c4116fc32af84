// Package config loads the proxy configuration: a JSON file holding one or
// more proxy environments, merged once at startup with environment-variable
// overrides (see pkg/env).
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pixiv/neoagent/pkg/env"
	"github.com/pixiv/neoagent/pkg/logger"
)

// Environment configures one proxy instance: one listener, one target
// server, an optional backup server, and its capacity knobs.
type Environment struct {
	Name         string `json:"name"`
	Port         int    `json:"port"`
	SockPath     string `json:"sockpath"`
	AccessMask   string `json:"access_mask"` // octal, e.g. "0660"
	TargetServer string `json:"target_server"`
	BackupServer string `json:"backup_server"`
	StatPort     int    `json:"stat_port"`
	StatSockPath string `json:"stat_sockpath"`

	WorkerMax      int `json:"worker_max"`
	ConnMax        int `json:"conn_max"`
	ConnpoolMax    int `json:"connpool_max"`
	ConnpoolUseMax int `json:"connpool_use_max"`
	ClientPoolMax  int `json:"client_pool_max"`
	LoopMax        int `json:"loop_max"`
	TryMax         int `json:"try_max"`

	EventModel string `json:"event_model"` // auto|select|epoll|kqueue

	RequestBufsize  int `json:"request_bufsize"`
	ResponseBufsize int `json:"response_bufsize"`

	SlowQuerySec           float64 `json:"slow_query_sec"`
	SlowQueryLogPath       string  `json:"slow_query_log_path"`
	SlowQueryLogFormat     string  `json:"slow_query_log_format"` // json|ltsv
	SlowQueryLogAccessMask string  `json:"slow_query_log_access_mask"`
}

// Config holds the daemon configuration.
type Config struct {
	LogLevel     string        `json:"log_level"`
	Environments []Environment `json:"environments"`

	// Internal - where was this config loaded from?
	LoadedPath string `json:"-"`
}

// DefaultEnvironment returns an Environment with every knob at its default.
func DefaultEnvironment() Environment {
	return Environment{
		Name:               "default",
		Port:               30001,
		TargetServer:       "127.0.0.1:11211",
		StatPort:           30011,
		WorkerMax:          4,
		ConnMax:            1000,
		ConnpoolMax:        30,
		ClientPoolMax:      30,
		LoopMax:            0,
		TryMax:             5,
		EventModel:         "auto",
		RequestBufsize:     1024,
		ResponseBufsize:    1024,
		SlowQueryLogFormat: "json",
	}
}

// Load reads the config file, applies env overrides once, and validates.
// Priority: environment variables (if set) > config file > defaults.
// Env overrides apply to the first environment, mirroring single-instance
// deployments driven purely by env.
func Load(path string) (*Config, error) {
	if path == "" {
		path = env.ConfigPath()
	}

	cfg := &Config{LogLevel: "INFO"}

	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
		cfg.LoadedPath = path
		logger.Info("Loaded configuration", "path", path)
	}

	if len(cfg.Environments) == 0 {
		cfg.Environments = []Environment{DefaultEnvironment()}
		logger.Info("No environments configured, using defaults")
	}

	overrides, keys := env.ReadConfigOverrides()
	ApplyEnvOverrides(cfg, overrides, keys)

	for i := range cfg.Environments {
		applyDefaults(&cfg.Environments[i])
		if err := validate(&cfg.Environments[i]); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// LoadFile overrides config with values from a JSON file.
func (c *Config) LoadFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return json.NewDecoder(file).Decode(c)
}

// SaveFile writes the current configuration to a JSON file.
func (c *Config) SaveFile(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(c)
}

func keySet(list []string, s string) bool {
	for _, k := range list {
		if k == s {
			return true
		}
	}
	return false
}

// ApplyEnvOverrides applies environment-derived overrides to cfg (used at
// startup only). Only fields present in keys are applied, so env vars
// override file values per setting.
func ApplyEnvOverrides(cfg *Config, o env.ConfigOverrides, keys []string) {
	if keySet(keys, env.KeyLogLevel) {
		cfg.LogLevel = o.LogLevel
	}
	if len(cfg.Environments) == 0 {
		return
	}
	e := &cfg.Environments[0]
	if keySet(keys, env.KeyPort) {
		e.Port = o.Port
	}
	if keySet(keys, env.KeySockPath) {
		e.SockPath = o.SockPath
	}
	if keySet(keys, env.KeyTargetServer) {
		e.TargetServer = o.TargetServer
	}
	if keySet(keys, env.KeyBackupServer) {
		e.BackupServer = o.BackupServer
	}
	if keySet(keys, env.KeyStatPort) {
		e.StatPort = o.StatPort
	}
	if keySet(keys, env.KeyWorkerMax) {
		e.WorkerMax = o.WorkerMax
	}
	if keySet(keys, env.KeyConnMax) {
		e.ConnMax = o.ConnMax
	}
}

func applyDefaults(e *Environment) {
	def := DefaultEnvironment()
	if e.Name == "" {
		e.Name = def.Name
	}
	if e.Port == 0 && e.SockPath == "" {
		e.Port = def.Port
	}
	if e.TargetServer == "" {
		e.TargetServer = def.TargetServer
	}
	if e.StatPort == 0 && e.StatSockPath == "" {
		e.StatPort = def.StatPort
	}
	if e.WorkerMax == 0 {
		e.WorkerMax = def.WorkerMax
	}
	if e.ConnMax == 0 {
		e.ConnMax = def.ConnMax
	}
	if e.ConnpoolMax == 0 {
		e.ConnpoolMax = def.ConnpoolMax
	}
	if e.ClientPoolMax == 0 {
		e.ClientPoolMax = def.ClientPoolMax
	}
	if e.TryMax == 0 {
		e.TryMax = def.TryMax
	}
	if e.EventModel == "" {
		e.EventModel = def.EventModel
	}
	if e.RequestBufsize == 0 {
		e.RequestBufsize = def.RequestBufsize
	}
	if e.ResponseBufsize == 0 {
		e.ResponseBufsize = def.ResponseBufsize
	}
	if e.SlowQueryLogFormat == "" {
		e.SlowQueryLogFormat = def.SlowQueryLogFormat
	}
}

func validate(e *Environment) error {
	switch e.EventModel {
	case "auto", "select", "epoll", "kqueue":
	default:
		return fmt.Errorf("environment %s: unknown event_model %q", e.Name, e.EventModel)
	}
	switch e.SlowQueryLogFormat {
	case "json", "ltsv":
	default:
		return fmt.Errorf("environment %s: unknown slow_query_log_format %q", e.Name, e.SlowQueryLogFormat)
	}
	if e.TargetServer == "" {
		return fmt.Errorf("environment %s: target_server is required", e.Name)
	}
	if e.ConnMax <= 0 || e.WorkerMax <= 0 || e.ConnpoolMax <= 0 {
		return fmt.Errorf("environment %s: conn_max, worker_max and connpool_max must be positive", e.Name)
	}
	return nil
}
