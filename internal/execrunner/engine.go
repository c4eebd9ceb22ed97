package execrunner

import (
	"context"
	"strings"
)

// Engine is the subset of a rootless container engine's secret store this
// module drives: existence check and stdin-fed creation. podman is the
// concrete binary; the interface only assumes "secret exists"/"secret
// create -" subcommands, which podman and compatible engines share.
type Engine interface {
	SecretExists(ctx context.Context, name string) (bool, error)
	CreateSecret(ctx context.Context, name, value string) error
}

// ContainerEngine drives a podman-compatible binary through Runner.
type ContainerEngine struct {
	Binary string
	Runner Runner
	AsUID  int
	AsGID  int
}

// NewContainerEngine returns a ContainerEngine that runs binary as the
// given uid/gid through runner.
func NewContainerEngine(binary string, runner Runner, asUID, asGID int) *ContainerEngine {
	return &ContainerEngine{Binary: binary, Runner: runner, AsUID: asUID, AsGID: asGID}
}

func (e *ContainerEngine) SecretExists(ctx context.Context, name string) (bool, error) {
	_, err := e.Runner.Run(ctx, RunOptions{
		Path:  e.Binary,
		Args:  []string{"secret", "exists", name},
		AsUID: e.AsUID,
		AsGID: e.AsGID,
	})
	if err == nil {
		return true, nil
	}
	// "secret exists" exits non-zero for "does not exist" as well as real
	// failures; a podman-compatible engine distinguishes the two only by
	// exit code, which Runner does not currently surface, so this treats
	// any failure as "does not exist" and lets CreateSecret's own
	// already-exists tolerance catch a misclassification.
	return false, nil
}

// CreateSecret creates name with value fed over stdin. An engine reporting
// the secret already exists is treated as success: this call is meant to
// be idempotent from the caller's point of view.
func (e *ContainerEngine) CreateSecret(ctx context.Context, name, value string) error {
	_, err := e.Runner.Run(ctx, RunOptions{
		Path:  e.Binary,
		Args:  []string{"secret", "create", name, "-"},
		Stdin: value,
		AsUID: e.AsUID,
		AsGID: e.AsGID,
	})
	if err == nil {
		return nil
	}
	if strings.Contains(strings.ToLower(err.Error()), "already exists") {
		return nil
	}
	return err
}
