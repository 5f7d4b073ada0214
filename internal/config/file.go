package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// FileConfig is the optional YAML overlay. Only the sweep section is read;
// secrets stay in the environment.
type FileConfig struct {
	Sweep SweepFile `yaml:"sweep"`
}

// SweepFile mirrors the sweep environment variables. Zero values leave the
// environment setting in place.
type SweepFile struct {
	SessionTimeout  int    `yaml:"session_timeout"` // seconds
	BusinessPhoneID string `yaml:"business_phone_id"`
	ExpiryMessage   string `yaml:"expiry_message"`
	Schedule        string `yaml:"schedule"`
	PageSize        int    `yaml:"page_size"`
}

// LoadFile reads and parses a YAML config file, expanding env vars.
func LoadFile(path string) (*FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return LoadFileBytes(raw)
}

// LoadFileBytes parses a YAML overlay from bytes.
func LoadFileBytes(data []byte) (*FileConfig, error) {
	var fc FileConfig
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), &fc); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	return &fc, nil
}

// Apply overlays non-zero file values onto cfg.
func (fc *FileConfig) Apply(cfg *Config) {
	s := fc.Sweep
	if s.SessionTimeout > 0 {
		cfg.SessionTimeoutSeconds = s.SessionTimeout
	}
	if s.BusinessPhoneID != "" {
		cfg.BusinessPhoneID = s.BusinessPhoneID
	}
	if s.ExpiryMessage != "" {
		cfg.SessionExpiryMessage = strings.TrimRight(s.ExpiryMessage, "\n")
	}
	if s.Schedule != "" {
		cfg.SweepSchedule = s.Schedule
	}
	if s.PageSize > 0 {
		cfg.SweepPageSize = s.PageSize
	}
}

// envVarPattern matches ${VAR_NAME} and $VAR_NAME.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces ${VAR} and $VAR with the corresponding environment
// variable value. Missing vars are replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := strings.TrimPrefix(match, "${")
		name = strings.TrimSuffix(name, "}")
		name = strings.TrimPrefix(name, "$")
		return os.Getenv(name)
	})
}
