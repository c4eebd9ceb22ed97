// Package config defines the typed configuration for provisionctl and
// loads it from a YAML file layered with environment variable overrides,
// using koanf layering (defaults, then file, then env, highest precedence
// last).
package config

import (
	"time"

	"github.com/nikolasavic/rootprov/internal/herr"
	"github.com/nikolasavic/rootprov/internal/root"
)

// DefaultConfigPath is where provisionctl looks for its config file when
// none is given on the command line.
const DefaultConfigPath = "/etc/rootprov/config.yaml"

// Config is the complete provisionctl configuration.
type Config struct {
	Identity IdentityConfig `yaml:"identity" koanf:"identity"`
	Lock     LockConfig     `yaml:"lock" koanf:"lock"`
	Secrets  SecretsConfig  `yaml:"secrets" koanf:"secrets"`
	Sysctl   SysctlConfig   `yaml:"sysctl" koanf:"sysctl"`
}

// IdentityConfig locates the host identity databases and bounds the
// allocation ranges searched within them.
type IdentityConfig struct {
	PasswdPath    string `yaml:"passwd_path" koanf:"passwd_path"`
	SubuidPath    string `yaml:"subuid_path" koanf:"subuid_path"`
	UIDRangeLo    int    `yaml:"uid_range_lo" koanf:"uid_range_lo"`
	UIDRangeHi    int    `yaml:"uid_range_hi" koanf:"uid_range_hi"`
	SubuidStart   int    `yaml:"subuid_start" koanf:"subuid_start"`
	SubuidSize    int    `yaml:"subuid_size" koanf:"subuid_size"`
	SubuidCeiling int    `yaml:"subuid_ceiling" koanf:"subuid_ceiling"`
}

// LockConfig tunes the cross-process lock used to serialize every
// allocation.
type LockConfig struct {
	Dir              string        `yaml:"dir" koanf:"dir"`
	MaxWait          time.Duration `yaml:"max_wait" koanf:"max_wait"`
	RetryInterval    time.Duration `yaml:"retry_interval" koanf:"retry_interval"`
	StalenessHorizon time.Duration `yaml:"staleness_horizon" koanf:"staleness_horizon"`
}

// SecretsConfig names the container engine binary and the prefix applied
// to every secret name this tool pushes into its store.
type SecretsConfig struct {
	EngineBinary string `yaml:"engine_binary" koanf:"engine_binary"`
	EnginePrefix string `yaml:"engine_prefix" koanf:"engine_prefix"`
}

// SysctlConfig names the unprivileged-port threshold and drop-in path.
type SysctlConfig struct {
	UnprivilegedPortThreshold int    `yaml:"unprivileged_port_threshold" koanf:"unprivileged_port_threshold"`
	DropInPath                string `yaml:"drop_in_path" koanf:"drop_in_path"`
	SysctlBinary              string `yaml:"sysctl_binary" koanf:"sysctl_binary"`
}

// Defaults returns a Config populated with the values provisionctl assumes
// when nothing more specific is supplied.
func Defaults() Config {
	return Config{
		Identity: IdentityConfig{
			PasswdPath:    "/etc/passwd",
			SubuidPath:    "/etc/subuid",
			UIDRangeLo:    100000,
			UIDRangeHi:    600000,
			SubuidStart:   100000,
			SubuidSize:    65536,
			SubuidCeiling: 4294967295,
		},
		Lock: LockConfig{
			Dir:              root.LocksPath(root.Find()),
			MaxWait:          10 * time.Second,
			RetryInterval:    200 * time.Millisecond,
			StalenessHorizon: 60 * time.Second,
		},
		Secrets: SecretsConfig{
			EngineBinary: "podman",
			EnginePrefix: "rootprov",
		},
		Sysctl: SysctlConfig{
			UnprivilegedPortThreshold: 80,
			DropInPath:                "/etc/sysctl.d/99-rootprov-unprivileged-ports.conf",
			SysctlBinary:              "sysctl",
		},
	}
}

// Validate checks the fields that must be non-empty/positive for the
// provisioning operations to run at all.
func (c Config) Validate() error {
	if c.Identity.PasswdPath == "" {
		return &herr.ConfigValidationError{Field: "identity.passwd_path", Reason: "must not be empty"}
	}
	if c.Identity.SubuidPath == "" {
		return &herr.ConfigValidationError{Field: "identity.subuid_path", Reason: "must not be empty"}
	}
	if c.Identity.UIDRangeLo <= 0 || c.Identity.UIDRangeHi < c.Identity.UIDRangeLo {
		return &herr.ConfigValidationError{Field: "identity.uid_range", Reason: "uid_range_lo must be positive and <= uid_range_hi"}
	}
	if c.Identity.SubuidSize <= 0 {
		return &herr.ConfigValidationError{Field: "identity.subuid_size", Reason: "must be positive"}
	}
	if c.Lock.Dir == "" {
		return &herr.ConfigValidationError{Field: "lock.dir", Reason: "must not be empty"}
	}
	if c.Secrets.EngineBinary == "" {
		return &herr.ConfigValidationError{Field: "secrets.engine_binary", Reason: "must not be empty"}
	}
	if c.Secrets.EnginePrefix == "" {
		return &herr.ConfigValidationError{Field: "secrets.engine_prefix", Reason: "must not be empty"}
	}
	if c.Sysctl.UnprivilegedPortThreshold <= 0 {
		return &herr.ConfigValidationError{Field: "sysctl.unprivileged_port_threshold", Reason: "must be positive"}
	}
	return nil
}
