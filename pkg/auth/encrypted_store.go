package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

const (
	vaultVersion   = 2
	saltSize       = 32
	kdfIterations  = 100000
	passphraseEnv  = "ROSTERWATCH_PASSPHRASE"
	passphraseFile = ".passphrase"
	vaultCheck     = "rosterwatch-vault"
)

// ErrWrongPassphrase means the vault exists but was sealed under another passphrase.
var ErrWrongPassphrase = errors.New("token vault cannot be opened with this passphrase")

// vaultFile is the on-disk layout. Entries are keyed by an HMAC of the
// endpoint, so the file lists rotation history without naming endpoints.
type vaultFile struct {
	Version    int                   `json:"version"`
	Salt       []byte                `json:"salt"`
	Iterations int                   `json:"iterations"`
	Check      []byte                `json:"check"`
	Entries    map[string]vaultEntry `json:"entries"`
}

type vaultEntry struct {
	Created   time.Time `json:"created"`
	Rotated   time.Time `json:"rotated"`
	Rotations int       `json:"rotations"`
	Sealed    []byte    `json:"sealed"`
}

type sealedToken struct {
	Endpoint string `json:"endpoint"`
	Value    string `json:"value"`
}

// vaultKeys are derived from the passphrase and the vault's salt: one half
// seals tokens, the other names entries.
type vaultKeys struct {
	aead cipher.AEAD
	id   []byte
}

// EncryptedFileStore implements TokenStore as a passphrase-sealed vault
// file. Replacing an endpoint's token with a new value counts as a rotation.
type EncryptedFileStore struct {
	path       string
	passphrase string
	now        func() time.Time

	mu       sync.Mutex
	keys     *vaultKeys
	keysSalt string
}

// NewEncryptedFileStore opens the vault at filePath. The passphrase comes
// from ROSTERWATCH_PASSPHRASE, or from a generated one kept beside the file.
func NewEncryptedFileStore(filePath string) (*EncryptedFileStore, error) {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	passphrase, err := loadPassphrase(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to get passphrase: %w", err)
	}
	return &EncryptedFileStore{path: filePath, passphrase: passphrase, now: time.Now}, nil
}

// Store seals the token. CreatedAt survives later writes; a changed value
// bumps the rotation count and time.
func (e *EncryptedFileStore) Store(token *Token) error {
	if token == nil || token.Endpoint == "" {
		return ErrInvalidToken
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	v, keys, err := e.open()
	if errors.Is(err, os.ErrNotExist) {
		v, keys, err = e.create()
	}
	if err != nil {
		return err
	}

	id := keys.entryID(token.Endpoint)
	now := e.now().UTC()
	entry, ok := v.Entries[id]
	if ok {
		prev, err := keys.unseal(id, entry.Sealed)
		if err != nil {
			return err
		}
		if prev.Value != token.Value {
			entry.Rotations++
			entry.Rotated = now
		}
	} else {
		entry = vaultEntry{Created: now, Rotated: now}
	}

	entry.Sealed, err = keys.seal(id, sealedToken{Endpoint: token.Endpoint, Value: token.Value})
	if err != nil {
		return err
	}
	v.Entries[id] = entry
	return e.save(v)
}

// Retrieve returns the endpoint's token with its rotation metadata
func (e *EncryptedFileStore) Retrieve(endpoint string) (*Token, error) {
	if endpoint == "" {
		return nil, ErrInvalidToken
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	v, keys, err := e.open()
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, err
	}

	id := keys.entryID(endpoint)
	entry, ok := v.Entries[id]
	if !ok {
		return nil, ErrTokenNotFound
	}
	return keys.token(id, entry)
}

// List returns every token in the vault, ordered by endpoint
func (e *EncryptedFileStore) List() ([]*Token, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	v, keys, err := e.open()
	if errors.Is(err, os.ErrNotExist) {
		return []*Token{}, nil
	}
	if err != nil {
		return nil, err
	}

	tokens := make([]*Token, 0, len(v.Entries))
	for id, entry := range v.Entries {
		t, err := keys.token(id, entry)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i].Endpoint < tokens[j].Endpoint })
	return tokens, nil
}

// Delete drops the endpoint's entry. The file goes away with its last entry.
func (e *EncryptedFileStore) Delete(endpoint string) error {
	if endpoint == "" {
		return ErrInvalidToken
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	v, keys, err := e.open()
	if errors.Is(err, os.ErrNotExist) {
		return ErrTokenNotFound
	}
	if err != nil {
		return err
	}

	id := keys.entryID(endpoint)
	if _, ok := v.Entries[id]; !ok {
		return ErrTokenNotFound
	}
	delete(v.Entries, id)

	if len(v.Entries) == 0 {
		return os.Remove(e.path)
	}
	return e.save(v)
}

// Exists reports whether the vault holds a readable token for endpoint
func (e *EncryptedFileStore) Exists(endpoint string) bool {
	_, err := e.Retrieve(endpoint)
	return err == nil
}

// open reads the vault and verifies the passphrase against its check value.
func (e *EncryptedFileStore) open() (*vaultFile, *vaultKeys, error) {
	content, err := os.ReadFile(e.path)
	if err != nil {
		return nil, nil, err
	}

	var v vaultFile
	if err := json.Unmarshal(content, &v); err != nil {
		return nil, nil, fmt.Errorf("failed to parse token vault: %w", err)
	}
	if v.Version != vaultVersion {
		return nil, nil, fmt.Errorf("unsupported token vault version %d", v.Version)
	}
	if v.Entries == nil {
		v.Entries = make(map[string]vaultEntry)
	}

	keys, err := e.deriveKeys(v.Salt, v.Iterations)
	if err != nil {
		return nil, nil, err
	}
	if _, err := keys.aead.Open(nil, nonceOf(keys.aead, v.Check), bodyOf(keys.aead, v.Check), []byte(vaultCheck)); err != nil {
		return nil, nil, ErrWrongPassphrase
	}
	return &v, keys, nil
}

func (e *EncryptedFileStore) create() (*vaultFile, *vaultKeys, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	keys, err := e.deriveKeys(salt, kdfIterations)
	if err != nil {
		return nil, nil, err
	}
	check, err := keys.sealBytes([]byte(vaultCheck), []byte(vaultCheck))
	if err != nil {
		return nil, nil, err
	}
	return &vaultFile{
		Version:    vaultVersion,
		Salt:       salt,
		Iterations: kdfIterations,
		Check:      check,
		Entries:    make(map[string]vaultEntry),
	}, keys, nil
}

// deriveKeys runs PBKDF2 once per salt; later calls reuse the result.
func (e *EncryptedFileStore) deriveKeys(salt []byte, iterations int) (*vaultKeys, error) {
	if len(salt) == 0 || iterations <= 0 {
		return nil, errors.New("token vault has no key parameters")
	}
	cacheKey := fmt.Sprintf("%d:%x", iterations, salt)
	if e.keys != nil && e.keysSalt == cacheKey {
		return e.keys, nil
	}

	master := pbkdf2.Key([]byte(e.passphrase), salt, iterations, 64, sha256.New)
	block, err := aes.NewCipher(master[:32])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	e.keys = &vaultKeys{aead: aead, id: master[32:]}
	e.keysSalt = cacheKey
	return e.keys, nil
}

// save replaces the vault file atomically
func (e *EncryptedFileStore) save(v *vaultFile) error {
	content, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal token vault: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(e.path), filepath.Base(e.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to write token vault: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write token vault: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write token vault: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write token vault: %w", err)
	}
	return os.Rename(tmp.Name(), e.path)
}

func (k *vaultKeys) entryID(endpoint string) string {
	mac := hmac.New(sha256.New, k.id)
	mac.Write([]byte(endpoint))
	return hex.EncodeToString(mac.Sum(nil))
}

// seal binds the sealed token to its entry id, so entries cannot be swapped.
func (k *vaultKeys) seal(id string, t sealedToken) ([]byte, error) {
	plain, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	return k.sealBytes(plain, []byte(id))
}

func (k *vaultKeys) sealBytes(plain, aad []byte) ([]byte, error) {
	nonce := make([]byte, k.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return k.aead.Seal(nonce, nonce, plain, aad), nil
}

func (k *vaultKeys) unseal(id string, sealed []byte) (*sealedToken, error) {
	if len(sealed) < k.aead.NonceSize() {
		return nil, fmt.Errorf("token vault entry %s is truncated", id[:8])
	}
	plain, err := k.aead.Open(nil, nonceOf(k.aead, sealed), bodyOf(k.aead, sealed), []byte(id))
	if err != nil {
		return nil, fmt.Errorf("token vault entry %s is corrupt: %w", id[:8], err)
	}
	var t sealedToken
	if err := json.Unmarshal(plain, &t); err != nil {
		return nil, fmt.Errorf("token vault entry %s: %w", id[:8], err)
	}
	return &t, nil
}

func (k *vaultKeys) token(id string, entry vaultEntry) (*Token, error) {
	t, err := k.unseal(id, entry.Sealed)
	if err != nil {
		return nil, err
	}
	return &Token{
		Endpoint:     t.Endpoint,
		Value:        t.Value,
		LastModified: entry.Rotated,
		CreatedAt:    entry.Created,
		Rotations:    entry.Rotations,
	}, nil
}

func nonceOf(aead cipher.AEAD, sealed []byte) []byte {
	if len(sealed) < aead.NonceSize() {
		return make([]byte, aead.NonceSize())
	}
	return sealed[:aead.NonceSize()]
}

func bodyOf(aead cipher.AEAD, sealed []byte) []byte {
	if len(sealed) < aead.NonceSize() {
		return nil
	}
	return sealed[aead.NonceSize():]
}

// loadPassphrase prefers the environment, then a passphrase file in dir,
// generating that file on first use.
func loadPassphrase(dir string) (string, error) {
	if pass := os.Getenv(passphraseEnv); pass != "" {
		return pass, nil
	}

	path := filepath.Join(dir, passphraseFile)
	if content, err := os.ReadFile(path); err == nil && len(content) > 0 {
		return string(content), nil
	}

	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate passphrase: %w", err)
	}
	pass := base64.URLEncoding.EncodeToString(b)
	if err := os.WriteFile(path, []byte(pass), 0600); err != nil {
		return "", fmt.Errorf("failed to save passphrase: %w", err)
	}
	return pass, nil
}
