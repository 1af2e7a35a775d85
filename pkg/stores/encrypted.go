package stores

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/quadnix/octo-sub002/pkg/errs"
	"golang.org/x/crypto/argon2"
)

const (
	// PassphraseEnvVar is the environment variable holding the state passphrase.
	PassphraseEnvVar = "OCTO_STATE_PASSPHRASE"

	encryptedHeader = "# OCTO_ENCRYPTED_STATE\n"

	saltSize = 16
	keySize  = 32
)

// argon2id parameters
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

// EncryptedStateProvider encrypts documents with AES-256-GCM before handing them to
// the wrapped provider. Each payload carries its own salt and nonce; the key is derived
// from the passphrase with argon2id.
type EncryptedStateProvider struct {
	StateProvider
	passphrase []byte
}

// NewEncryptedStateProvider wraps inner. Locking and listing pass through.
func NewEncryptedStateProvider(inner StateProvider, passphrase string) (*EncryptedStateProvider, error) {
	if passphrase == "" {
		return nil, errs.NewValidationError("state passphrase is empty", nil)
	}
	return &EncryptedStateProvider{StateProvider: inner, passphrase: []byte(passphrase)}, nil
}

// GetState decrypts the stored document. Unencrypted documents are returned as stored.
func (p *EncryptedStateProvider) GetState(ctx context.Context, name string, def []byte) ([]byte, error) {
	data, err := p.StateProvider.GetState(ctx, name, nil)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return def, nil
	}
	if !IsEncrypted(data) {
		return data, nil
	}

	plain, err := p.decrypt(data)
	if err != nil {
		return nil, errs.NewStateError(fmt.Sprintf("failed to decrypt state %s", name), err).WithResource(name)
	}
	return plain, nil
}

// SaveState encrypts data and saves it through the wrapped provider.
func (p *EncryptedStateProvider) SaveState(ctx context.Context, name string, data []byte) error {
	sealed, err := p.encrypt(data)
	if err != nil {
		return errs.NewStateError(fmt.Sprintf("failed to encrypt state %s", name), err).WithResource(name)
	}
	return p.StateProvider.SaveState(ctx, name, sealed)
}

// Lock locks the wrapped provider when it supports locking.
func (p *EncryptedStateProvider) Lock(ctx context.Context) error {
	if l, ok := p.StateProvider.(Locker); ok {
		return l.Lock(ctx)
	}
	return nil
}

// Unlock unlocks the wrapped provider when it supports locking.
func (p *EncryptedStateProvider) Unlock(ctx context.Context) error {
	if l, ok := p.StateProvider.(Locker); ok {
		return l.Unlock(ctx)
	}
	return nil
}

// ListStates lists the documents of the wrapped provider.
func (p *EncryptedStateProvider) ListStates(ctx context.Context) ([]string, error) {
	if l, ok := p.StateProvider.(Lister); ok {
		return l.ListStates(ctx)
	}
	return nil, errs.NewStateError("state provider cannot list documents", nil)
}

// IsEncrypted reports whether data carries the encrypted state header.
func IsEncrypted(data []byte) bool {
	return bytes.HasPrefix(data, []byte(encryptedHeader))
}

func (p *EncryptedStateProvider) gcm(salt []byte) (cipher.AEAD, error) {
	key := argon2.IDKey(p.passphrase, salt, argonTime, argonMemory, argonThreads, keySize)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// encrypt produces header + base64(salt | nonce | ciphertext).
func (p *EncryptedStateProvider) encrypt(plain []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	gcm, err := p.gcm(salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	payload := append(salt, nonce...)
	payload = gcm.Seal(payload, nonce, plain, nil)
	encoded := base64.StdEncoding.EncodeToString(payload)

	return []byte(encryptedHeader + encoded + "\n"), nil
}

func (p *EncryptedStateProvider) decrypt(data []byte) ([]byte, error) {
	encoded := bytes.TrimSpace(bytes.TrimPrefix(data, []byte(encryptedHeader)))
	payload, err := base64.StdEncoding.DecodeString(string(encoded))
	if err != nil {
		return nil, fmt.Errorf("failed to decode encrypted state: %w", err)
	}
	if len(payload) < saltSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	gcm, err := p.gcm(payload[:saltSize])
	if err != nil {
		return nil, err
	}

	rest := payload[saltSize:]
	if len(rest) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]

	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt state (wrong passphrase?): %w", err)
	}
	return plain, nil
}
