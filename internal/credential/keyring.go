package credential

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/99designs/keyring"
	"golang.org/x/oauth2"
)

const serviceName = "mailcache"

// ErrNotFound is returned when no secret is stored under a key.
var ErrNotFound = errors.New("credential not found")

// Vault stores account secrets in the system keyring.
type Vault struct {
	ring keyring.Keyring
}

// Open returns a Vault backed by the platform keyring, falling back to an
// encrypted file under the user's config directory.
func Open() (*Vault, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}

	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  filepath.Join(home, ".config", "mailcache", "credentials"),
		FilePasswordFunc:         keyring.FixedStringPrompt("mailcache-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return &Vault{ring: ring}, nil
}

// NewArrayVault returns an in-memory Vault.
func NewArrayVault() *Vault {
	return &Vault{ring: keyring.NewArrayKeyring(nil)}
}

// Get retrieves a secret by key.
func (v *Vault) Get(key string) (string, error) {
	item, err := v.ring.Get(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", fmt.Errorf("getting credential %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}
	return string(item.Data), nil
}

// Set stores a secret by key.
func (v *Vault) Set(key, value string) error {
	err := v.ring.Set(keyring.Item{
		Key:  key,
		Data: []byte(value),
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}
	return nil
}

// Delete removes a secret. Deleting a missing key is not an error.
func (v *Vault) Delete(key string) error {
	err := v.ring.Remove(key)
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("deleting credential %q: %w", key, err)
	}
	return nil
}

func tokenKey(accountID string) string    { return accountID + ".oauth_token" }
func passwordKey(accountID string) string { return accountID + ".imap_password" }

// Token returns the stored OAuth token for a Gmail account.
func (v *Vault) Token(accountID string) (*oauth2.Token, error) {
	raw, err := v.Get(tokenKey(accountID))
	if err != nil {
		return nil, err
	}
	var tok oauth2.Token
	if err := json.Unmarshal([]byte(raw), &tok); err != nil {
		return nil, fmt.Errorf("decoding token for %s: %w", accountID, err)
	}
	return &tok, nil
}

// SetToken stores the OAuth token for a Gmail account.
func (v *Vault) SetToken(accountID string, tok *oauth2.Token) error {
	raw, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encoding token for %s: %w", accountID, err)
	}
	return v.Set(tokenKey(accountID), string(raw))
}

// Password returns the stored IMAP password for an account.
func (v *Vault) Password(accountID string) (string, error) {
	return v.Get(passwordKey(accountID))
}

// SetPassword stores the IMAP password for an account.
func (v *Vault) SetPassword(accountID, password string) error {
	return v.Set(passwordKey(accountID), password)
}

// Forget removes every secret stored for an account.
func (v *Vault) Forget(accountID string) error {
	if err := v.Delete(tokenKey(accountID)); err != nil {
		return err
	}
	return v.Delete(passwordKey(accountID))
}
