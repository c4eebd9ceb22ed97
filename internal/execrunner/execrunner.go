// Package execrunner runs external commands on behalf of the provisioning
// components that need a container engine or sysctl binary invoked as an
// unprivileged user, following the context-scoped os/exec lifecycle the
// lyrebirdaudio stream manager uses for its ffmpeg child processes, adapted
// here for short-lived one-shot commands instead of a long-running stream.
package execrunner

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"syscall"

	"github.com/nikolasavic/rootprov/internal/herr"
)

// RunOptions describes a single command invocation.
type RunOptions struct {
	Path  string
	Args  []string
	Stdin string
	// AsUID/AsGID, if non-zero, drop privileges to that uid/gid before exec.
	AsUID int
	AsGID int
	// Env holds extra KEY=VALUE pairs appended after the UID-derived session set.
	Env []string
}

// Runner executes external commands. The interface exists so components
// like secrets and sysctlcfg can be tested against a fake without spawning
// real processes.
type Runner interface {
	Run(ctx context.Context, opts RunOptions) (stdout string, err error)
}

// OSRunner is the production Runner, backed by os/exec.
type OSRunner struct{}

// NewOSRunner returns the production Runner.
func NewOSRunner() *OSRunner { return &OSRunner{} }

func (r *OSRunner) Run(ctx context.Context, opts RunOptions) (string, error) {
	cmd := exec.CommandContext(ctx, opts.Path, opts.Args...)
	cmd.Env = buildEnv(opts.AsUID, opts.Env)

	if opts.Stdin != "" {
		cmd.Stdin = strings.NewReader(opts.Stdin)
	}

	if opts.AsUID != 0 || opts.AsGID != 0 {
		cmd.SysProcAttr = &syscall.SysProcAttr{
			Credential: &syscall.Credential{
				Uid: uint32(opts.AsUID),
				Gid: uint32(opts.AsGID),
			},
		}
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", &herr.ExecError{
			Command: commandString(opts),
			Stderr:  strings.TrimSpace(stderr.String()),
			Cause:   err,
		}
	}
	return stdout.String(), nil
}

func commandString(opts RunOptions) string {
	return strings.Join(append([]string{opts.Path}, opts.Args...), " ")
}

// buildEnv synthesizes the target user's own session variables rather than
// copying the launching process's environment: a privilege-dropped child
// talks to asUID's runtime dir and D-Bus session, which never match the
// root process that forked it.
func buildEnv(asUID int, extra []string) []string {
	var env []string
	if asUID != 0 {
		env = append(env,
			fmt.Sprintf("XDG_RUNTIME_DIR=/run/user/%d", asUID),
			fmt.Sprintf("DBUS_SESSION_BUS_ADDRESS=unix:path=/run/user/%d/bus", asUID),
		)
	}
	env = append(env, extra...)
	return env
}
