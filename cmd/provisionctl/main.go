// Command provisionctl provisions the OS-level substrate a rootless
// container workload needs: a reserved UID, a subordinate-ID range, its
// per-service secrets, and the host's unprivileged-port sysctl.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/nikolasavic/rootprov/internal/audit"
	"github.com/nikolasavic/rootprov/internal/config"
	"github.com/nikolasavic/rootprov/internal/doctor"
	"github.com/nikolasavic/rootprov/internal/execrunner"
	"github.com/nikolasavic/rootprov/internal/identity"
	"github.com/nikolasavic/rootprov/internal/secrets"
	"github.com/nikolasavic/rootprov/internal/sysctlcfg"
	"github.com/nikolasavic/rootprov/internal/uidalloc"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr *os.File) int {
	if len(args) == 0 {
		printUsage(stderr)
		return 2
	}

	logger := slog.New(slog.NewTextHandler(stderr, nil))

	sub, rest := args[0], args[1:]
	switch sub {
	case "allocate-uid":
		return cmdAllocateUID(rest, stdout, stderr, logger)
	case "allocate-subuid":
		return cmdAllocateSubuid(rest, stdout, stderr, logger)
	case "ensure-secrets":
		return cmdEnsureSecrets(rest, stdout, stderr, logger)
	case "ensure-sysctl":
		return cmdEnsureSysctl(rest, stderr, logger)
	case "doctor":
		return cmdDoctor(rest, stdout, stderr)
	case "-h", "--help", "help":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "provisionctl: unknown subcommand %q\n", sub)
		printUsage(stderr)
		return 2
	}
}

func printUsage(w *os.File) {
	fmt.Fprintln(w, `usage: provisionctl <subcommand> [flags]

subcommands:
  allocate-uid       reserve an unused host UID
  allocate-subuid     reserve or reuse a subordinate-ID range for an owner
  ensure-secrets      generate/reuse a service's secrets and push them to the engine
  ensure-sysctl       lower net.ipv4.ip_unprivileged_port_start if needed
  doctor              run host readiness checks`)
}

func loadConfig(fs *flag.FlagSet, args []string) (config.Config, error) {
	configPath := fs.String("config", config.DefaultConfigPath, "path to config file")
	if err := fs.Parse(args); err != nil {
		return config.Config{}, err
	}
	path := *configPath
	if _, err := os.Stat(path); err != nil {
		path = ""
	}
	return config.Load(path)
}

func cmdAllocateUID(args []string, stdout, stderr *os.File, logger *slog.Logger) int {
	fs := flag.NewFlagSet("allocate-uid", flag.ContinueOnError)
	cfg, err := loadConfig(fs, args)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	id := identity.Current()
	auditor := audit.NewWriter(cfg.Lock.Dir)

	alloc := uidalloc.New(uidalloc.Paths{
		PasswdPath: cfg.Identity.PasswdPath,
		SubuidPath: cfg.Identity.SubuidPath,
		LockDir:    cfg.Lock.Dir,
	}, cfg.Lock.MaxWait)
	alloc.Auditor = auditor

	uid, err := alloc.AllocateUID(context.Background(), cfg.Identity.UIDRangeLo, cfg.Identity.UIDRangeHi)
	if err != nil {
		logger.Error("uid allocation failed", "err", err)
		return 1
	}
	auditor.Emit(&audit.Event{Event: audit.EventUIDAllocate, Name: "uid", Owner: id.Owner, Host: id.Host, PID: id.PID, Extra: map[string]any{"uid": uid}})
	fmt.Fprintln(stdout, uid)
	return 0
}

func cmdAllocateSubuid(args []string, stdout, stderr *os.File, logger *slog.Logger) int {
	fs := flag.NewFlagSet("allocate-subuid", flag.ContinueOnError)
	owner := fs.String("owner", "", "owner username to allocate a subuid range for")
	cfg, err := loadConfig(fs, args)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if *owner == "" {
		fmt.Fprintln(stderr, "provisionctl: --owner is required")
		return 2
	}

	id := identity.Current()
	auditor := audit.NewWriter(cfg.Lock.Dir)

	alloc := uidalloc.New(uidalloc.Paths{
		PasswdPath: cfg.Identity.PasswdPath,
		SubuidPath: cfg.Identity.SubuidPath,
		LockDir:    cfg.Lock.Dir,
	}, cfg.Lock.MaxWait)
	alloc.Auditor = auditor

	r, err := alloc.AllocateSubuidRange(context.Background(), *owner, cfg.Identity.SubuidStart, cfg.Identity.SubuidSize, cfg.Identity.SubuidCeiling)
	if err != nil {
		logger.Error("subuid allocation failed", "err", err)
		return 1
	}
	auditor.Emit(&audit.Event{Event: audit.EventSubuidAllocate, Name: *owner, Owner: id.Owner, Host: id.Host, PID: id.PID, Extra: map[string]any{"start": r.Start, "end": r.End}})
	fmt.Fprintf(stdout, "%d:%d\n", r.Start, r.End-r.Start+1)
	return 0
}

func cmdEnsureSecrets(args []string, stdout, stderr *os.File, logger *slog.Logger) int {
	fs := flag.NewFlagSet("ensure-secrets", flag.ContinueOnError)
	service := fs.String("service", "", "service name")
	homeDir := fs.String("home-dir", "", "owning user's home directory")
	ownerUID := fs.Int("owner-uid", 0, "owning uid")
	ownerGID := fs.Int("owner-gid", 0, "owning gid")
	cfg, err := loadConfig(fs, args)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if *service == "" || *homeDir == "" {
		fmt.Fprintln(stderr, "provisionctl: --service and --home-dir are required")
		return 2
	}

	runner := execrunner.NewOSRunner()
	engine := execrunner.NewContainerEngine(cfg.Secrets.EngineBinary, runner, *ownerUID, *ownerGID)
	manager := secrets.NewManager(engine, cfg.Secrets.EnginePrefix, logger)
	manager.Auditor = audit.NewWriter(cfg.Lock.Dir)

	bundle, err := manager.EnsureServiceSecrets(context.Background(), *service, []secrets.Definition{
		{Name: "default", Length: secrets.DefaultLength},
	}, *ownerUID, *ownerGID, *homeDir)
	if err != nil {
		logger.Error("secret reconciliation failed", "err", err)
		return 1
	}
	for name := range bundle {
		fmt.Fprintln(stdout, name)
	}
	return 0
}

func cmdEnsureSysctl(args []string, stderr *os.File, logger *slog.Logger) int {
	fs := flag.NewFlagSet("ensure-sysctl", flag.ContinueOnError)
	cfg, err := loadConfig(fs, args)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	runner := execrunner.NewOSRunner()
	configurator := sysctlcfg.New(runner, cfg.Sysctl.DropInPath, cfg.Sysctl.SysctlBinary)
	configurator.Auditor = audit.NewWriter(cfg.Lock.Dir)
	if err := configurator.EnsureUnprivilegedPorts(context.Background(), cfg.Sysctl.UnprivilegedPortThreshold); err != nil {
		logger.Error("sysctl apply failed", "err", err)
		return 1
	}
	return 0
}

func cmdDoctor(args []string, stdout, stderr *os.File) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	cfg, err := loadConfig(fs, args)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	results := []doctor.CheckResult{
		doctor.CheckWritable("lock_dir_writable", cfg.Lock.Dir),
		doctor.CheckClock(),
		doctor.CheckNetworkFS(cfg.Lock.Dir),
	}
	for _, r := range results {
		fmt.Fprintf(stdout, "%-24s %-5s %s\n", r.Name, r.Status, r.Message)
	}
	if doctor.Overall(results) == doctor.StatusFail {
		return 1
	}
	return 0
}
