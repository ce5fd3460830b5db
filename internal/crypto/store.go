package crypto

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned by Get for an account without a stored value.
var ErrNotFound = errors.New("credential not found")

// Well-known accounts.
const (
	AccountServerToken = "server_token"
)

// Store keeps credentials as encrypted files under dir/secure.
type Store struct {
	dir string
	key []byte
}

// NewStore creates a Store rooted at dir using key for encryption. A nil
// key uses the machine key.
func NewStore(dir string, key []byte) *Store {
	if len(key) == 0 {
		key = MachineKey(dir)
	}
	return &Store{dir: filepath.Join(dir, "secure"), key: key}
}

// Put encrypts and stores value for account.
func (s *Store) Put(account, value string) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("failed to create secure directory: %w", err)
	}
	encrypted, err := Encrypt([]byte(value), s.key)
	if err != nil {
		return fmt.Errorf("failed to encrypt credential: %w", err)
	}
	if err := os.WriteFile(s.path(account), []byte(encrypted), 0o600); err != nil {
		return fmt.Errorf("failed to write credential file: %w", err)
	}
	return nil
}

// Get returns the value stored for account.
func (s *Store) Get(account string) (string, error) {
	data, err := os.ReadFile(s.path(account))
	if os.IsNotExist(err) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read credential file: %w", err)
	}
	value, err := Decrypt(strings.TrimSpace(string(data)), s.key)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt credential: %w", err)
	}
	return string(value), nil
}

// Delete removes account; a missing account is not an error.
func (s *Store) Delete(account string) error {
	if err := os.Remove(s.path(account)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete credential file: %w", err)
	}
	return nil
}

func (s *Store) path(account string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", "..", "_")
	return filepath.Join(s.dir, r.Replace(account)+".cred")
}

// machineID returns a stable identifier of this machine.
func machineID() string {
	for _, p := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if data, err := os.ReadFile(p); err == nil {
			if id := strings.TrimSpace(string(data)); id != "" {
				return id
			}
		}
	}
	hostname, _ := os.Hostname()
	return hostname
}
