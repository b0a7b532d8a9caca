package config

import (
	"os"
	"path/filepath"
	"time"
)

type Config struct {
	SocketPath   string
	DBPath       string
	AuditLogPath string
	PolicyPath   string
	InMemory     bool

	CommandTimeout    time.Duration
	MaxStreamBytes    int
	ApprovalTTL       time.Duration
	SweepInterval     time.Duration
	EventRetention    time.Duration
	RetentionInterval time.Duration

	RatePerSecond float64
	RateBurst     int
}

func DefaultConfig() Config {
	return Config{
		SocketPath:        defaultSocketPath(),
		DBPath:            defaultStatePath("state.db"),
		AuditLogPath:      defaultStatePath("audit.log"),
		PolicyPath:        defaultPolicyPath(),
		CommandTimeout:    10 * time.Minute,
		MaxStreamBytes:    512 * 1024,
		ApprovalTTL:       10 * time.Minute,
		SweepInterval:     60 * time.Second,
		EventRetention:    14 * 24 * time.Hour,
		RetentionInterval: 1 * time.Hour,
		RatePerSecond:     5,
		RateBurst:         10,
	}
}

func defaultSocketPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		return filepath.Join(runtimeDir, "agexec", "agexecd.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agexecd.sock"
	}
	return filepath.Join(home, ".local", "state", "agexec", "agexecd.sock")
}

func defaultStatePath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return filepath.Join(home, ".local", "state", "agexec", name)
}

func defaultPolicyPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "policy.yaml"
		}
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "agexec", "policy.yaml")
}
