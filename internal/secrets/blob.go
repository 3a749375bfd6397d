// Package secrets seals session blobs with AES-256-GCM.
//
// The master key comes from HOPOVER_MASTER_KEY, the OS keyring, or a key file
// under the hopover home, depending on the configured backend.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zalando/go-keyring"
)

const (
	keyFileName    = "master.key"
	keyringService = "hopover.sessions"
	keyringUser    = "master-key"
	blobVersion    = "v1"
)

// Key backends.
const (
	BackendAuto    = "auto"
	BackendKeyring = "keyring"
	BackendFile    = "file"
)

// ErrSealed is returned when a blob cannot be opened with the current key.
var ErrSealed = errors.New("sealed blob cannot be opened")

type sealedBlob struct {
	Version    string `json:"version"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// Sealer encrypts and decrypts blobs with a fixed 32-byte key.
type Sealer struct {
	key []byte
}

// NewSealer returns a sealer for key, which must be 32 bytes.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid master key length: %d", len(key))
	}
	k := make([]byte, 32)
	copy(k, key)
	return &Sealer{key: k}, nil
}

// Seal encrypts plain and binds it to aad (for example "service/account").
func (s *Sealer) Seal(plain []byte, aad string) ([]byte, error) {
	gcm, err := s.gcm()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ciphertext := gcm.Seal(nil, nonce, plain, []byte(aad))
	return json.Marshal(sealedBlob{
		Version:    blobVersion,
		Nonce:      base64.RawStdEncoding.EncodeToString(nonce),
		Ciphertext: base64.RawStdEncoding.EncodeToString(ciphertext),
	})
}

// Open decrypts a blob produced by Seal with the same aad.
func (s *Sealer) Open(data []byte, aad string) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty sealed blob")
	}
	var wrapped sealedBlob
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("decode sealed blob: %w", err)
	}
	if wrapped.Version != blobVersion {
		return nil, fmt.Errorf("unsupported blob version: %q", wrapped.Version)
	}
	nonce, err := base64.RawStdEncoding.DecodeString(strings.TrimSpace(wrapped.Nonce))
	if err != nil {
		return nil, err
	}
	ciphertext, err := base64.RawStdEncoding.DecodeString(strings.TrimSpace(wrapped.Ciphertext))
	if err != nil {
		return nil, err
	}
	gcm, err := s.gcm()
	if err != nil {
		return nil, err
	}
	plain, err := gcm.Open(nil, nonce, ciphertext, []byte(aad))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSealed, err)
	}
	return plain, nil
}

func (s *Sealer) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// LoadOrCreateMasterKey returns the master key, creating one if necessary.
// Priority: HOPOVER_MASTER_KEY env, then the backend (keyring, file, or
// keyring falling back to file for auto).
func LoadOrCreateMasterKey(backend, homeDir string) ([]byte, error) {
	if envKey := strings.TrimSpace(os.Getenv("HOPOVER_MASTER_KEY")); envKey != "" {
		key, err := DecodeMasterKey(envKey)
		if err != nil {
			return nil, fmt.Errorf("invalid HOPOVER_MASTER_KEY: %w", err)
		}
		return key, nil
	}
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case BackendKeyring:
		return loadOrCreateKeyring()
	case BackendFile:
		return loadOrCreateFile(homeDir)
	default:
		if key, err := loadOrCreateKeyring(); err == nil {
			return key, nil
		}
		return loadOrCreateFile(homeDir)
	}
}

// DecodeMasterKey base64-decodes a master key and validates its length.
func DecodeMasterKey(raw string) ([]byte, error) {
	trimmed := strings.TrimSpace(raw)
	decoded, err := base64.RawStdEncoding.DecodeString(trimmed)
	if err != nil {
		return nil, err
	}
	if len(decoded) != 32 {
		return nil, fmt.Errorf("invalid master key length: %d", len(decoded))
	}
	return decoded, nil
}

// EncodeMasterKey is the inverse of DecodeMasterKey.
func EncodeMasterKey(key []byte) string {
	return base64.RawStdEncoding.EncodeToString(key)
}

func newKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

func loadOrCreateKeyring() ([]byte, error) {
	val, err := keyring.Get(keyringService, keyringUser)
	if err == nil {
		return DecodeMasterKey(val)
	}
	if !errors.Is(err, keyring.ErrNotFound) {
		return nil, fmt.Errorf("keyring get: %w", err)
	}
	key, err := newKey()
	if err != nil {
		return nil, err
	}
	if err := keyring.Set(keyringService, keyringUser, EncodeMasterKey(key)); err != nil {
		return nil, fmt.Errorf("keyring set: %w", err)
	}
	return key, nil
}

func loadOrCreateFile(homeDir string) ([]byte, error) {
	if homeDir == "" {
		return nil, fmt.Errorf("key file backend requires a home directory")
	}
	if err := os.MkdirAll(homeDir, 0o700); err != nil {
		return nil, err
	}
	keyPath := filepath.Join(homeDir, keyFileName)
	if data, err := os.ReadFile(keyPath); err == nil {
		return DecodeMasterKey(string(data))
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	key, err := newKey()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(keyPath, []byte(EncodeMasterKey(key)+"\n"), 0o600); err != nil {
		return nil, err
	}
	return key, nil
}
