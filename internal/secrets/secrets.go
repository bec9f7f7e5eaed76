// Package secrets wraps age for the two places calhub keeps secrets: inline
// ENC[...] values in the TOML config, and credential columns sealed at rest
// in the store.
package secrets

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"filippo.io/age"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/viper"
)

const (
	encPrefix = "ENC["
	encSuffix = "]"

	// DefaultKeyFilename is the identity file looked up under ~/.config/calhub.
	DefaultKeyFilename = "age.key"

	// EnvAgeKey holds a raw AGE-SECRET-KEY-1... string.
	EnvAgeKey = "CALHUB_AGE_KEY"

	// EnvAgeKeyFile holds a path to an age identity file.
	EnvAgeKeyFile = "CALHUB_AGE_KEY_FILE"
)

// ErrNotEncrypted is returned when a value lacks the ENC[...] wrapper.
var ErrNotEncrypted = errors.New("value is not encrypted (missing ENC[...] wrapper)")

// IsEncrypted reports whether value is a non-empty ENC[...] wrapper.
func IsEncrypted(value string) bool {
	return len(value) > len(encPrefix)+len(encSuffix) &&
		strings.HasPrefix(value, encPrefix) && strings.HasSuffix(value, encSuffix)
}

// Encrypt seals plaintext for recipients and wraps it as ENC[base64].
func Encrypt(plaintext string, recipients ...age.Recipient) (string, error) {
	var sb strings.Builder
	sb.WriteString(encPrefix)
	b64 := base64.NewEncoder(base64.StdEncoding, &sb)
	w, err := age.Encrypt(b64, recipients...)
	if err != nil {
		return "", fmt.Errorf("create age encryptor: %w", err)
	}
	if _, err := io.WriteString(w, plaintext); err != nil {
		return "", fmt.Errorf("write plaintext: %w", err)
	}
	// Close order matters: age flushes its last chunk, then base64 its padding.
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalize encryption: %w", err)
	}
	if err := b64.Close(); err != nil {
		return "", err
	}
	sb.WriteString(encSuffix)
	return sb.String(), nil
}

// Decrypt opens an ENC[...] value with any of identities.
func Decrypt(enc string, identities ...age.Identity) (string, error) {
	if !IsEncrypted(enc) {
		return "", ErrNotEncrypted
	}
	body := strings.NewReader(enc[len(encPrefix) : len(enc)-len(encSuffix)])
	r, err := age.Decrypt(base64.NewDecoder(base64.StdEncoding, body), identities...)
	if err != nil {
		return "", fmt.Errorf("age decrypt: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read decrypted data: %w", err)
	}
	return string(plaintext), nil
}

// GenerateKeyPair returns a fresh X25519 identity.
func GenerateKeyPair() (*age.X25519Identity, error) {
	return age.GenerateX25519Identity()
}

// DefaultKeyPath is ~/.config/calhub/age.key, or "" without a home directory.
func DefaultKeyPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(homeDir, ".config", "calhub", DefaultKeyFilename)
}

// LoadIdentity parses every identity in an age key file.
func LoadIdentity(keyPath string) ([]age.Identity, error) {
	f, err := os.Open(keyPath)
	if err != nil {
		return nil, fmt.Errorf("open identity file: %w", err)
	}
	defer f.Close()
	identities, err := age.ParseIdentities(f)
	if err != nil {
		return nil, fmt.Errorf("parse identity file %s: %w", keyPath, err)
	}
	return identities, nil
}

// ResolveIdentity finds the daemon's age identity. It returns (nil, nil) when
// none is configured.
//
// Order: CALHUB_AGE_KEY, CALHUB_AGE_KEY_FILE, secrets.identity,
// ~/.config/calhub/age.key. Only the default file may be absent.
func ResolveIdentity(v *viper.Viper) ([]age.Identity, error) {
	if raw := strings.TrimSpace(os.Getenv(EnvAgeKey)); raw != "" {
		id, err := age.ParseX25519Identity(raw)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", EnvAgeKey, err)
		}
		return []age.Identity{id}, nil
	}

	for _, path := range []string{os.Getenv(EnvAgeKeyFile), expandHome(v.GetString("secrets.identity"))} {
		if path != "" {
			return LoadIdentity(path)
		}
	}

	path := DefaultKeyPath()
	if path == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return LoadIdentity(path)
}

// encryptedKeys lists the config keys holding ENC[...] values, sorted.
func encryptedKeys(v *viper.Viper) []string {
	var keys []string
	for _, key := range v.AllKeys() {
		if IsEncrypted(v.GetString(key)) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// HasEncryptedValues reports whether any string value in v is ENC[...].
func HasEncryptedValues(v *viper.Viper) bool {
	return len(encryptedKeys(v)) > 0
}

// DecryptViperConfig replaces every ENC[...] string value in v with its
// plaintext. Every key that fails is reported, not only the first.
func DecryptViperConfig(v *viper.Viper, identities []age.Identity) error {
	var errs *multierror.Error
	for _, key := range encryptedKeys(v) {
		plaintext, err := Decrypt(v.GetString(key), identities...)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("decrypt config key %q: %w", key, err))
			continue
		}
		v.Set(key, plaintext)
	}
	return errs.ErrorOrNil()
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(homeDir, path[1:])
}
