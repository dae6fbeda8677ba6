package keyring

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zalando/go-keyring"
)

// ErrNotFound is returned when no secret exists for a service/user pair
var ErrNotFound = errors.New("keyring entry not found")

// Backend names accepted by NewManager
const (
	BackendAuto   = "auto"
	BackendSystem = "system"
	BackendFile   = "file"
)

// Store is the secret storage used by the encryption package
type Store interface {
	Get(service, user string) (string, error)
	Set(service, user, secret string) error
	Delete(service, user string) error
}

// Manager stores secrets in the OS keyring, falling back to an encrypted file on headless hosts
type Manager struct {
	file      *FileKeyring
	useSystem bool
}

// NewManager selects a backend. "auto" probes the system keyring with a timeout.
func NewManager(backend, keyringPath, masterPassword string) *Manager {
	switch backend {
	case BackendSystem:
		return &Manager{useSystem: true}
	case BackendFile:
		return &Manager{file: NewFileKeyring(keyringPath, masterPassword)}
	}

	if systemKeyringAvailable(5 * time.Second) {
		return &Manager{useSystem: true}
	}
	return &Manager{file: NewFileKeyring(keyringPath, masterPassword)}
}

func systemKeyringAvailable(timeout time.Duration) bool {
	const probeService, probeUser = "redb-entities-probe", "probe"

	done := make(chan error, 1)
	go func() {
		err := keyring.Set(probeService, probeUser, "ok")
		if err == nil {
			_ = keyring.Delete(probeService, probeUser)
		}
		done <- err
	}()

	select {
	case err := <-done:
		return err == nil
	case <-time.After(timeout):
		return false
	}
}

func (m *Manager) Set(service, user, secret string) error {
	if m.useSystem {
		return keyring.Set(service, user, secret)
	}
	return m.file.Set(service, user, secret)
}

func (m *Manager) Get(service, user string) (string, error) {
	if m.useSystem {
		v, err := keyring.Get(service, user)
		if errors.Is(err, keyring.ErrNotFound) {
			return "", fmt.Errorf("%w: %s/%s", ErrNotFound, service, user)
		}
		return v, err
	}
	return m.file.Get(service, user)
}

func (m *Manager) Delete(service, user string) error {
	if m.useSystem {
		err := keyring.Delete(service, user)
		if errors.Is(err, keyring.ErrNotFound) {
			return nil
		}
		return err
	}
	return m.file.Delete(service, user)
}

// FileKeyring is an AES-GCM encrypted JSON file keyed by service:user
type FileKeyring struct {
	mu        sync.Mutex
	path      string
	masterKey []byte
}

type fileEntry struct {
	Service string `json:"service"`
	User    string `json:"user"`
	Data    string `json:"data"`
}

// NewFileKeyring creates a file keyring, deriving the key from masterPassword
func NewFileKeyring(path, masterPassword string) *FileKeyring {
	_ = os.MkdirAll(filepath.Dir(path), 0700)
	hash := sha256.Sum256([]byte(masterPassword))
	return &FileKeyring{path: path, masterKey: hash[:]}
}

func (fk *FileKeyring) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(fk.masterKey)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func (fk *FileKeyring) encrypt(plaintext string) (string, error) {
	gcm, err := fk.gcm()
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(gcm.Seal(nonce, nonce, []byte(plaintext), nil)), nil
}

func (fk *FileKeyring) decrypt(ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", err
	}
	gcm, err := fk.gcm()
	if err != nil {
		return "", err
	}
	if len(data) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, body := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func (fk *FileKeyring) load() (map[string]fileEntry, error) {
	entries := make(map[string]fileEntry)
	data, err := os.ReadFile(fk.path)
	if errors.Is(err, os.ErrNotExist) {
		return entries, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("corrupt keyring file %s: %w", fk.path, err)
	}
	return entries, nil
}

func (fk *FileKeyring) save(entries map[string]fileEntry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	return os.WriteFile(fk.path, data, 0600)
}

func (fk *FileKeyring) Set(service, user, secret string) error {
	fk.mu.Lock()
	defer fk.mu.Unlock()

	entries, err := fk.load()
	if err != nil {
		return err
	}
	encrypted, err := fk.encrypt(secret)
	if err != nil {
		return err
	}
	entries[service+":"+user] = fileEntry{Service: service, User: user, Data: encrypted}
	return fk.save(entries)
}

func (fk *FileKeyring) Get(service, user string) (string, error) {
	fk.mu.Lock()
	defer fk.mu.Unlock()

	entries, err := fk.load()
	if err != nil {
		return "", err
	}
	entry, ok := entries[service+":"+user]
	if !ok {
		return "", fmt.Errorf("%w: %s/%s", ErrNotFound, service, user)
	}
	return fk.decrypt(entry.Data)
}

func (fk *FileKeyring) Delete(service, user string) error {
	fk.mu.Lock()
	defer fk.mu.Unlock()

	entries, err := fk.load()
	if err != nil {
		return err
	}
	delete(entries, service+":"+user)
	return fk.save(entries)
}

// MasterPasswordFromEnv returns REDB_KEYRING_PASSWORD or the development default
func MasterPasswordFromEnv() string {
	if password := os.Getenv("REDB_KEYRING_PASSWORD"); password != "" {
		return password
	}
	return "default-master-password-change-me"
}

// DefaultPath returns REDB_KEYRING_PATH or a per-user file location
func DefaultPath() string {
	if path := os.Getenv("REDB_KEYRING_PATH"); path != "" {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "redb-entities-keyring.json")
	}
	return filepath.Join(homeDir, ".local", "share", "redb", "entities-keyring.json")
}
