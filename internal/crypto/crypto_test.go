package crypto

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecrypt(t *testing.T) {
	key := []byte("terminal-7")
	sealed, err := Encrypt([]byte("secret-token"), key)
	require.NoError(t, err)
	assert.NotContains(t, sealed, "secret-token")

	again, err := Encrypt([]byte("secret-token"), key)
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "nonces differ")

	plain, err := Decrypt(sealed, key)
	require.NoError(t, err)
	assert.Equal(t, "secret-token", string(plain))

	_, err = Decrypt(sealed, []byte("terminal-8"))
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
	_, err = Decrypt("%%%", key)
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
	_, err = Decrypt("AAAA", key)
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
	_, err = Encrypt([]byte("x"), nil)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestMachineKey(t *testing.T) {
	assert.Len(t, MachineKey("a"), 32)
	assert.Equal(t, MachineKey("a"), MachineKey("a"))
	assert.NotEqual(t, MachineKey("a"), MachineKey("b"))
}

func TestStore(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, nil)

	_, err := s.Get(AccountServerToken)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put(AccountServerToken, "abc123"))
	got, err := s.Get(AccountServerToken)
	require.NoError(t, err)
	assert.Equal(t, "abc123", got)

	raw, err := os.ReadFile(filepath.Join(dir, "secure", "server_token.cred"))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "abc123")

	_, err = NewStore(dir, []byte("other key")).Get(AccountServerToken)
	assert.Error(t, err)

	require.NoError(t, s.Delete(AccountServerToken))
	require.NoError(t, s.Delete(AccountServerToken))
	_, err = s.Get(AccountServerToken)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_SanitizesAccount(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, []byte("k"))
	require.NoError(t, s.Put("../escape", "v"))

	_, err := os.Stat(filepath.Join(dir, "secure", "__escape.cred"))
	assert.NoError(t, err)
}
