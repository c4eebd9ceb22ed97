// Package sysctlcfg ensures the host's unprivileged-port-start sysctl is no
// higher than a required threshold, writing both a persistent drop-in
// fragment and applying the value immediately via the sysctl binary.
package sysctlcfg

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/renameio/v2"

	"github.com/nikolasavic/rootprov/internal/audit"
	"github.com/nikolasavic/rootprov/internal/execrunner"
	"github.com/nikolasavic/rootprov/internal/herr"
	"github.com/nikolasavic/rootprov/internal/identity"
)

// Key is the sysctl key this package manages.
const Key = "net.ipv4.ip_unprivileged_port_start"

const procPath = "/proc/sys/net/ipv4/ip_unprivileged_port_start"

// Configurator applies and persists the unprivileged-port sysctl.
type Configurator struct {
	Runner       execrunner.Runner
	DropInPath   string
	SysctlBinary string
	// ProcPath overrides the /proc read location; empty means procPath.
	ProcPath string
	// Auditor, if set, receives a sysctl-apply event whenever the value is
	// written and applied.
	Auditor *audit.Writer
}

// New returns a Configurator. A zero-value SysctlBinary defaults to "sysctl".
func New(runner execrunner.Runner, dropInPath, sysctlBinary string) *Configurator {
	if sysctlBinary == "" {
		sysctlBinary = "sysctl"
	}
	return &Configurator{Runner: runner, DropInPath: dropInPath, SysctlBinary: sysctlBinary}
}

// EnsureUnprivilegedPorts reads the current value of Key; if it is already
// <= threshold, this is a no-op. Otherwise it writes a drop-in fragment
// and applies the value at runtime via `sysctl -w`.
func (c *Configurator) EnsureUnprivilegedPorts(ctx context.Context, threshold int) error {
	current, err := c.readCurrentValue()
	if err != nil {
		return err
	}
	if current <= threshold {
		return nil
	}

	fragment := fmt.Sprintf("%s = %d\n", Key, threshold)
	if err := renameio.WriteFile(c.DropInPath, []byte(fragment), 0644); err != nil {
		return herr.NewIOWriteError(c.DropInPath, err)
	}

	_, err = c.Runner.Run(ctx, execrunner.RunOptions{
		Path: c.SysctlBinary,
		Args: []string{"-w", fmt.Sprintf("%s=%d", Key, threshold)},
	})
	if err != nil {
		return err
	}

	if c.Auditor != nil {
		id := identity.Current()
		c.Auditor.Emit(&audit.Event{
			Event: audit.EventSysctlApply,
			Name:  Key,
			Owner: id.Owner,
			Host:  id.Host,
			PID:   id.PID,
			Extra: map[string]any{"threshold": threshold},
		})
	}
	return nil
}

func (c *Configurator) readCurrentValue() (int, error) {
	path := c.ProcPath
	if path == "" {
		path = procPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, herr.NewIOReadError(path, err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, herr.NewIOReadError(path, err)
	}
	return n, nil
}
