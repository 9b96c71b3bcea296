package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/pbkdf2"
)

const (
	keystoreVersion    = 1
	keystoreKDF        = "pbkdf2-sha256"
	keystoreIterations = 100000
	keystoreKeyLen     = 32
	keystoreSaltLen    = 16
)

var (
	ErrNoMasterPassword = errors.New("keystore: master password is required")
	ErrKeystoreDecrypt  = errors.New("keystore: wrong master password or corrupted file")
)

// Credentials holds one exchange's fields, e.g. api_key and secret_key.
type Credentials map[string]string

type keystoreFile struct {
	Version    int    `json:"version"`
	KDF        string `json:"kdf"`
	Iterations int    `json:"iterations"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// Keystore is an encrypted file of exchange credentials. The AES-256-GCM key
// is derived from a master password with PBKDF2; every write uses a fresh
// salt and nonce.
type Keystore struct {
	path     string
	password []byte
	logger   *logrus.Entry

	mu sync.Mutex
}

func NewKeystore(path, masterPassword string, logger *logrus.Logger) (*Keystore, error) {
	if masterPassword == "" {
		return nil, ErrNoMasterPassword
	}
	return &Keystore{
		path:     path,
		password: []byte(masterPassword),
		logger:   logger.WithFields(logrus.Fields{"component": "keystore", "path": path}),
	}, nil
}

func (k *Keystore) Path() string {
	return k.path
}

// LoadAll decrypts every stored entry. A missing file is an empty keystore.
func (k *Keystore) LoadAll() (map[string]Credentials, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.loadLocked()
}

func (k *Keystore) Load(exchange string) (Credentials, bool, error) {
	all, err := k.LoadAll()
	if err != nil {
		return nil, false, err
	}
	c, ok := all[exchange]
	return c, ok, nil
}

// Store adds or replaces the credentials for exchange. Empty values are dropped.
func (k *Keystore) Store(exchange string, creds Credentials) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	all, err := k.loadLocked()
	if err != nil {
		return err
	}
	clean := make(Credentials, len(creds))
	for field, v := range creds {
		if v != "" {
			clean[field] = v
		}
	}
	all[exchange] = clean
	if err := k.saveLocked(all); err != nil {
		return err
	}
	k.logger.WithField("exchange", exchange).Info("Stored credentials")
	return nil
}

func (k *Keystore) Delete(exchange string) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	all, err := k.loadLocked()
	if err != nil {
		return false, err
	}
	if _, ok := all[exchange]; !ok {
		return false, nil
	}
	delete(all, exchange)
	if err := k.saveLocked(all); err != nil {
		return false, err
	}
	k.logger.WithField("exchange", exchange).Info("Deleted credentials")
	return true, nil
}

// GetSecretWithDefault resolves names of the form "<exchange>.<field>", so a
// Keystore can be used with Fill.
func (k *Keystore) GetSecretWithDefault(_ context.Context, name, defaultValue string) string {
	exchange, field, ok := strings.Cut(name, ".")
	if !ok {
		return defaultValue
	}
	creds, found, err := k.Load(exchange)
	if err != nil {
		k.logger.WithError(err).Warn("Failed to read keystore")
		return defaultValue
	}
	if v := creds[field]; found && v != "" {
		return v
	}
	return defaultValue
}

// Migrate copies the non-empty credentials in from into the keystore and
// returns the exchanges written, sorted.
func (k *Keystore) Migrate(from map[string]Credentials) ([]string, error) {
	var migrated []string
	for exchange, creds := range from {
		empty := true
		for _, v := range creds {
			if v != "" {
				empty = false
				break
			}
		}
		if empty {
			continue
		}
		if err := k.Store(exchange, creds); err != nil {
			return migrated, fmt.Errorf("failed to migrate %s: %w", exchange, err)
		}
		migrated = append(migrated, exchange)
	}
	sort.Strings(migrated)
	return migrated, nil
}

func (k *Keystore) loadLocked() (map[string]Credentials, error) {
	raw, err := os.ReadFile(k.path)
	if errors.Is(err, fs.ErrNotExist) {
		return make(map[string]Credentials), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read keystore: %w", err)
	}

	var file keystoreFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to decode keystore: %w", err)
	}
	if file.Version != keystoreVersion || file.KDF != keystoreKDF {
		return nil, fmt.Errorf("unsupported keystore version %d (%s)", file.Version, file.KDF)
	}
	salt, err := base64.StdEncoding.DecodeString(file.Salt)
	if err != nil {
		return nil, fmt.Errorf("failed to decode salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(file.Nonce)
	if err != nil {
		return nil, fmt.Errorf("failed to decode nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(file.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ciphertext: %w", err)
	}

	gcm, err := k.aead(salt, file.Iterations)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, ErrKeystoreDecrypt
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrKeystoreDecrypt
	}

	all := make(map[string]Credentials)
	if err := json.Unmarshal(plaintext, &all); err != nil {
		return nil, fmt.Errorf("failed to decode credentials: %w", err)
	}
	return all, nil
}

func (k *Keystore) saveLocked(all map[string]Credentials) error {
	plaintext, err := json.Marshal(all)
	if err != nil {
		return err
	}
	salt := make([]byte, keystoreSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}
	gcm, err := k.aead(salt, keystoreIterations)
	if err != nil {
		return err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	out, err := json.MarshalIndent(keystoreFile{
		Version:    keystoreVersion,
		KDF:        keystoreKDF,
		Iterations: keystoreIterations,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, plaintext, nil)),
	}, "", "  ")
	if err != nil {
		return err
	}

	if dir := filepath.Dir(k.path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create keystore directory: %w", err)
		}
	}
	tmp := k.path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o600); err != nil {
		return fmt.Errorf("failed to write keystore: %w", err)
	}
	if err := os.Rename(tmp, k.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace keystore: %w", err)
	}
	return nil
}

func (k *Keystore) aead(salt []byte, iterations int) (cipher.AEAD, error) {
	if iterations <= 0 {
		return nil, fmt.Errorf("invalid keystore iterations %d", iterations)
	}
	key := pbkdf2.Key(k.password, salt, iterations, keystoreKeyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher creation failed: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("GCM creation failed: %w", err)
	}
	return gcm, nil
}
