// Package env consolidates all environment variable reading for the daemon.
// Overrides are applied once at startup (see config.Load); after that the
// merged configuration is the only source of truth.
package env

import (
	"os"
	"strconv"
)

// Environment variable names (single source of truth)
const (
	ConfigPathVar   = "NEOAGENT_CONFIG"
	LogLevelVar     = "LOG_LEVEL"
	PortVar         = "NEOAGENT_PORT"
	SockPathVar     = "NEOAGENT_SOCKPATH"
	TargetServerVar = "NEOAGENT_TARGET_SERVER"
	BackupServerVar = "NEOAGENT_BACKUP_SERVER"
	StatPortVar     = "NEOAGENT_STAT_PORT"
	WorkerMaxVar    = "NEOAGENT_WORKER_MAX"
	ConnMaxVar      = "NEOAGENT_CONN_MAX"
)

// Config JSON keys with env counterparts, as reported by OverrideKeys.
const (
	KeyLogLevel     = "log_level"
	KeyPort         = "port"
	KeySockPath     = "sockpath"
	KeyTargetServer = "target_server"
	KeyBackupServer = "backup_server"
	KeyStatPort     = "stat_port"
	KeyWorkerMax    = "worker_max"
	KeyConnMax      = "conn_max"
)

// ConfigOverrides carries env-derived values for the keys in OverrideKeys.
// Only fields whose key is present in the returned key list are meaningful.
type ConfigOverrides struct {
	LogLevel     string
	Port         int
	SockPath     string
	TargetServer string
	BackupServer string
	StatPort     int
	WorkerMax    int
	ConnMax      int
}

// ConfigPath returns the config file path override, or "" when unset.
func ConfigPath() string {
	return os.Getenv(ConfigPathVar)
}

// LogLevel returns LOG_LEVEL with default "INFO" (for early logger init
// before config is loaded).
func LogLevel() string {
	if v := os.Getenv(LogLevelVar); v != "" {
		return v
	}
	return "INFO"
}

// ReadConfigOverrides reads every supported override and reports which
// config keys were actually set in the environment.
func ReadConfigOverrides() (ConfigOverrides, []string) {
	var o ConfigOverrides
	var keys []string

	if v := os.Getenv(LogLevelVar); v != "" {
		o.LogLevel = v
		keys = append(keys, KeyLogLevel)
	}
	if v, ok := intVar(PortVar); ok {
		o.Port = v
		keys = append(keys, KeyPort)
	}
	if v := os.Getenv(SockPathVar); v != "" {
		o.SockPath = v
		keys = append(keys, KeySockPath)
	}
	if v := os.Getenv(TargetServerVar); v != "" {
		o.TargetServer = v
		keys = append(keys, KeyTargetServer)
	}
	if v := os.Getenv(BackupServerVar); v != "" {
		o.BackupServer = v
		keys = append(keys, KeyBackupServer)
	}
	if v, ok := intVar(StatPortVar); ok {
		o.StatPort = v
		keys = append(keys, KeyStatPort)
	}
	if v, ok := intVar(WorkerMaxVar); ok {
		o.WorkerMax = v
		keys = append(keys, KeyWorkerMax)
	}
	if v, ok := intVar(ConnMaxVar); ok {
		o.ConnMax = v
		keys = append(keys, KeyConnMax)
	}

	return o, keys
}

// OverrideKeys returns the config keys that currently have env overrides set.
func OverrideKeys() []string {
	_, keys := ReadConfigOverrides()
	return keys
}

func intVar(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
