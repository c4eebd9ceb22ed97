// Package root resolves the provisioning state root directory: the base
// path under which the cross-process lock directory and other host-level
// state live. Unlike a per-repository dev tool, this is a privileged
// system helper with no notion of "current git worktree" to discover
// against — the root is either operator-configured or a fixed system
// path, never inferred from the invoking shell's working directory.
package root

import (
	"os"
	"path/filepath"
)

const (
	// EnvRoot overrides the default state root.
	EnvRoot = "PROVISIONCTL_ROOT"
	// DefaultRoot is used when EnvRoot is unset.
	DefaultRoot = "/var/lib/rootprov"
	// LocksDir is the lock directory name under the root.
	LocksDir = "locks"
)

// Find returns the state root directory: EnvRoot if set, else DefaultRoot.
func Find() string {
	if envRoot := os.Getenv(EnvRoot); envRoot != "" {
		return envRoot
	}
	return DefaultRoot
}

// EnsureDirs creates the root and its locks subdirectory if missing.
func EnsureDirs(root string) error {
	return os.MkdirAll(LocksPath(root), 0700)
}

// LocksPath returns the path to the lock directory under root.
func LocksPath(root string) string {
	return filepath.Join(root, LocksDir)
}
