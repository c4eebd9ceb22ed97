// Package ageenc wraps filippo.io/age for the single-recipient secret
// envelopes the provisioning flow persists to disk: every ciphertext is
// base64-encoded so it stores and diffs cleanly as text, matching how the
// rest of this module treats every other on-disk artifact (lock files,
// identity databases) as plain text rather than binary blobs.
package ageenc

import (
	"bytes"
	"encoding/base64"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"

	"github.com/nikolasavic/rootprov/internal/herr"
)

// Keypair is an X25519 identity/recipient pair in their canonical age
// text encodings (identity: "AGE-SECRET-KEY-1..."; recipient: "age1...").
type Keypair struct {
	Recipient string
	Identity  string
}

// GenerateKeypair creates a fresh X25519 identity.
func GenerateKeypair() (Keypair, error) {
	id, err := age.GenerateX25519Identity()
	if err != nil {
		return Keypair{}, &herr.CryptoError{Msg: "generate identity", Cause: err}
	}
	return Keypair{
		Recipient: id.Recipient().String(),
		Identity:  id.String(),
	}, nil
}

// Encrypt seals plaintext to a single recipient and returns the base64 text
// of the raw age-encrypted payload.
func Encrypt(plaintext []byte, recipient string) (string, error) {
	r, err := age.ParseX25519Recipient(recipient)
	if err != nil {
		return "", &herr.CryptoError{Msg: "parse recipient", Cause: err}
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, r)
	if err != nil {
		return "", &herr.CryptoError{Msg: "begin encrypt", Cause: err}
	}
	if _, err := w.Write(plaintext); err != nil {
		return "", &herr.CryptoError{Msg: "write plaintext", Cause: err}
	}
	if err := w.Close(); err != nil {
		return "", &herr.CryptoError{Msg: "close encrypt stream", Cause: err}
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Decrypt opens the base64 text of a raw age-encrypted payload produced by
// Encrypt using identity. Trailing whitespace is trimmed before decoding,
// matching how the backup file is read off disk.
func Decrypt(b64 string, identity string) ([]byte, error) {
	id, err := age.ParseX25519Identity(identity)
	if err != nil {
		return nil, &herr.CryptoError{Msg: "parse identity", Cause: err}
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64))
	if err != nil {
		return nil, &herr.CryptoError{Msg: "base64 decode ciphertext", Cause: err}
	}

	r, err := age.Decrypt(bytes.NewReader(raw), id)
	if err != nil {
		return nil, &herr.CryptoError{Msg: "begin decrypt", Cause: err}
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, &herr.CryptoError{Msg: "read plaintext", Cause: err}
	}
	return out, nil
}

// EnsureKeypair loads the identity stored at path, generating and
// exclusively creating it on first use. The file is chmod 0600 on
// creation since it holds a secret key; a pre-existing file's permissions
// are left untouched as an operator's own responsibility.
func EnsureKeypair(path string) (Keypair, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is operator-configured
	if err == nil {
		id, perr := age.ParseX25519Identity(string(bytes.TrimSpace(data)))
		if perr != nil {
			return Keypair{}, &herr.CryptoError{Msg: "parse stored identity", Cause: perr}
		}
		return Keypair{Recipient: id.Recipient().String(), Identity: id.String()}, nil
	}
	if !os.IsNotExist(err) {
		return Keypair{}, herr.NewIOReadError(path, err)
	}

	kp, err := GenerateKeypair()
	if err != nil {
		return Keypair{}, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return Keypair{}, herr.NewDirectoryCreateError(filepath.Dir(path), err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		if os.IsExist(err) {
			// Lost a race with a concurrent first-use; re-read the winner.
			return EnsureKeypair(path)
		}
		return Keypair{}, herr.NewIOWriteError(path, err)
	}
	defer func() { _ = f.Close() }()
	if _, err := f.WriteString(kp.Identity + "\n"); err != nil {
		return Keypair{}, herr.NewIOWriteError(path, err)
	}
	if err := f.Sync(); err != nil {
		return Keypair{}, herr.NewIOWriteError(path, err)
	}
	return kp, nil
}
