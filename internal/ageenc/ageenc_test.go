package ageenc

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	kp, err := GenerateKeypair()
	require.NoError(t, err)

	ciphertext, err := Encrypt([]byte("super-secret-password"), kp.Recipient)
	require.NoError(t, err)
	_, err = base64.StdEncoding.DecodeString(ciphertext)
	assert.NoError(t, err, "Encrypt must return base64 text, not armored PEM")

	plaintext, err := Decrypt(ciphertext, kp.Identity)
	require.NoError(t, err)
	assert.Equal(t, "super-secret-password", string(plaintext))
}

func TestDecrypt_TrimsTrailingWhitespaceBeforeDecoding(t *testing.T) {
	kp, err := GenerateKeypair()
	require.NoError(t, err)

	ciphertext, err := Encrypt([]byte("hello"), kp.Recipient)
	require.NoError(t, err)

	plaintext, err := Decrypt(ciphertext+"\n\t  \n", kp.Identity)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(plaintext))
}

func TestDecrypt_WrongIdentityFails(t *testing.T) {
	kp1, err := GenerateKeypair()
	require.NoError(t, err)
	kp2, err := GenerateKeypair()
	require.NoError(t, err)

	ciphertext, err := Encrypt([]byte("hello"), kp1.Recipient)
	require.NoError(t, err)

	_, err = Decrypt(ciphertext, kp2.Identity)
	assert.Error(t, err)
}

func TestEnsureKeypair_GeneratesThenReuses(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keys", "identity.txt")

	first, err := EnsureKeypair(path)
	require.NoError(t, err)
	assert.NotEmpty(t, first.Recipient)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	second, err := EnsureKeypair(path)
	require.NoError(t, err)
	assert.Equal(t, first.Identity, second.Identity)
	assert.Equal(t, first.Recipient, second.Recipient)
}
