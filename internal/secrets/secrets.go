// Package secrets implements the per-service secret lifecycle from spec
// §4.F: generate-or-reuse values, reconcile them with the container
// engine's secret store, and persist an encrypted backup so a value
// already pushed into the engine is never silently regenerated.
package secrets

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/renameio/v2"

	"github.com/nikolasavic/rootprov/internal/ageenc"
	"github.com/nikolasavic/rootprov/internal/audit"
	"github.com/nikolasavic/rootprov/internal/execrunner"
	"github.com/nikolasavic/rootprov/internal/herr"
	"github.com/nikolasavic/rootprov/internal/identity"
	"github.com/nikolasavic/rootprov/internal/identitydb"
	"github.com/nikolasavic/rootprov/internal/randpass"
)

// DefaultLength is used when a Definition leaves Length unset.
const DefaultLength = 32

// Definition names one secret a service needs.
type Definition struct {
	Name        string
	Description string
	Length      int
}

func (d Definition) length() int {
	if d.Length <= 0 {
		return DefaultLength
	}
	return d.Length
}

// Bundle is the decrypted name->value mapping for one service.
type Bundle map[string]string

// Manager ties together the engine, the backup directory layout, and the
// logger used when a corrupt backup forces regeneration.
type Manager struct {
	Engine       execrunner.Engine
	EnginePrefix string
	Logger       *slog.Logger
	// Auditor, if set, receives a secret-generate/reuse event per
	// definition and an engine-create event per secret pushed to the
	// engine.
	Auditor *audit.Writer
}

// NewManager returns a Manager. A nil logger falls back to slog.Default().
func NewManager(engine execrunner.Engine, enginePrefix string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{Engine: engine, EnginePrefix: enginePrefix, Logger: logger}
}

// emitSecretEvent records whether a definition's value was freshly
// generated or reused. Safe to call with a nil auditor.
func emitSecretEvent(w *audit.Writer, id identity.Identity, service, name string, generated bool) {
	if w == nil {
		return
	}
	event := audit.EventSecretReuse
	if generated {
		event = audit.EventSecretGenerate
	}
	w.Emit(&audit.Event{Event: event, Name: service + "/" + name, Owner: id.Owner, Host: id.Host, PID: id.PID})
}

// emitEngineCreateEvent records a secret pushed into the container engine's
// store. Safe to call with a nil auditor.
func emitEngineCreateEvent(w *audit.Writer, id identity.Identity, service, name string) {
	if w == nil {
		return
	}
	w.Emit(&audit.Event{Event: audit.EventEngineCreate, Name: service + "/" + name, Owner: id.Owner, Host: id.Host, PID: id.PID})
}

type paths struct {
	keyDir     string
	keyPath    string
	backupPath string
}

func (m *Manager) paths(service, homeDir string) paths {
	keyDir := filepath.Join(homeDir, "config", ".age")
	return paths{
		keyDir:     keyDir,
		keyPath:    filepath.Join(keyDir, service+".key"),
		backupPath: filepath.Join(homeDir, "config", service+".secrets.age"),
	}
}

func (m *Manager) engineSecretName(service, name string) string {
	return m.EnginePrefix + "-" + service + "-" + name
}

// EnsureServiceSecrets runs the six-step algorithm: derive paths, ensure
// the key directory and keypair, load the prior backup (if decryptable),
// pick or generate a value per definition, reconcile with the engine, and
// persist the resulting bundle.
func (m *Manager) EnsureServiceSecrets(ctx context.Context, service string, defs []Definition, ownerUID, ownerGID int, homeDir string) (Bundle, error) {
	p := m.paths(service, homeDir)

	if err := os.MkdirAll(p.keyDir, 0700); err != nil {
		return nil, herr.NewDirectoryCreateError(p.keyDir, err)
	}
	if err := os.Chown(p.keyDir, ownerUID, ownerGID); err != nil {
		return nil, herr.NewIOWriteError(p.keyDir, err)
	}

	kp, err := ageenc.EnsureKeypair(p.keyPath)
	if err != nil {
		return nil, err
	}

	prior := m.loadPriorBundle(p.backupPath, kp.Identity)
	id := identity.Current()

	result := make(Bundle, len(defs))
	for _, d := range defs {
		engineName := m.engineSecretName(service, d.Name)

		exists, err := m.Engine.SecretExists(ctx, engineName)
		if err != nil {
			return nil, err
		}

		// The engine-has-it-and-prior-has-it case and the prior-only case
		// both resolve to "reuse the prior value" — only the total absence
		// of a prior value requires generating a fresh one.
		value, hasPrior := prior[d.Name]
		if !hasPrior {
			value, err = randpass.Generate(d.length())
			if err != nil {
				return nil, err
			}
		}
		emitSecretEvent(m.Auditor, id, service, d.Name, !hasPrior)

		if !exists {
			if err := m.Engine.CreateSecret(ctx, engineName, value); err != nil {
				return nil, err
			}
			emitEngineCreateEvent(m.Auditor, id, service, d.Name)
		}

		result[d.Name] = value
	}

	if err := m.persistBackup(p.backupPath, kp.Recipient, result); err != nil {
		return nil, err
	}
	return result, nil
}

// GetServiceSecret decrypts the backup for service and returns the value
// for name, or a herr.ErrNotFound-wrapped error if absent.
func (m *Manager) GetServiceSecret(service, name, identity, homeDir string) (string, error) {
	p := m.paths(service, homeDir)
	bundle, err := m.decryptBundle(p.backupPath, identity)
	if err != nil {
		return "", err
	}
	v, ok := bundle[name]
	if !ok {
		return "", &herr.IOError{Sentinel: herr.ErrNotFound, Path: name, Cause: nil}
	}
	return v, nil
}

// ListServiceSecrets returns the sorted key set of the decrypted backup.
func (m *Manager) ListServiceSecrets(service, identity, homeDir string) ([]string, error) {
	p := m.paths(service, homeDir)
	bundle, err := m.decryptBundle(p.backupPath, identity)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(bundle))
	for k := range bundle {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Manager) decryptBundle(backupPath, identity string) (Bundle, error) {
	data, err := os.ReadFile(backupPath) //nolint:gosec // path composed from config-derived homeDir
	if err != nil {
		return nil, herr.NewIOReadError(backupPath, err)
	}
	plaintext, err := ageenc.Decrypt(string(data), identity)
	if err != nil {
		return nil, err
	}
	return Bundle(identitydb.ParseKeyValue(string(plaintext))), nil
}

// loadPriorBundle returns the decrypted prior bundle, or an empty bundle
// if the backup is absent or fails to decrypt. A decryption failure is
// logged, not propagated: spec's accepted trade-off is that a corrupt
// backup must force regeneration rather than block the service.
func (m *Manager) loadPriorBundle(backupPath, identity string) Bundle {
	data, err := os.ReadFile(backupPath) //nolint:gosec // path composed from config-derived homeDir
	if err != nil {
		return Bundle{}
	}
	plaintext, err := ageenc.Decrypt(string(data), identity)
	if err != nil {
		m.Logger.Warn("secret backup failed to decrypt, regenerating", "path", backupPath, "err", err)
		return Bundle{}
	}
	return Bundle(identitydb.ParseKeyValue(string(plaintext)))
}

func (m *Manager) persistBackup(backupPath, recipient string, bundle Bundle) error {
	plaintext := encodeBundle(bundle)
	ciphertext, err := ageenc.Encrypt([]byte(plaintext), recipient)
	if err != nil {
		return err
	}
	if err := renameio.WriteFile(backupPath, []byte(ciphertext), 0600); err != nil {
		return herr.NewIOWriteError(backupPath, err)
	}
	return nil
}

// encodeBundle joins a bundle's entries as sorted "KEY=VALUE\n" lines so
// the plaintext is deterministic across calls with identical content.
func encodeBundle(bundle Bundle) string {
	keys := make([]string, 0, len(bundle))
	for k := range bundle {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(bundle[k])
		b.WriteByte('\n')
	}
	return b.String()
}

