package middleware

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/aretw0/sochen/pkg/domain"
	"github.com/aretw0/sochen/pkg/ports"
)

// EnvelopeRole marks the message that carries the ciphertext of an encrypted workflow.
const EnvelopeRole = "__encrypted__"

// ErrNotEncrypted is returned when a stored workflow has no ciphertext envelope.
var ErrNotEncrypted = errors.New("workflow is missing encrypted data envelope")

// EncryptionConfig holds the keys for encryption and decryption.
type EncryptionConfig struct {
	// ActiveKey is the key used for encrypting new data.
	// Must be 32 bytes for AES-256.
	ActiveKey []byte

	// FallbackKeys are tried, in order, when the active key cannot decrypt.
	// This enables key rotation without rewriting stored workflows.
	FallbackKeys [][]byte
}

type encryptionMiddleware struct {
	next   ports.WorkflowStore
	config EncryptionConfig
}

// NewEncryptionMiddleware creates a middleware that encrypts each workflow
// with AES-GCM. The stored envelope keeps ID, status and timestamps readable
// for monitoring; everything else lives in the ciphertext.
func NewEncryptionMiddleware(config EncryptionConfig) (Middleware, error) {
	if len(config.ActiveKey) != 32 {
		return nil, fmt.Errorf("active key must be 32 bytes (AES-256), got %d", len(config.ActiveKey))
	}
	for i, k := range config.FallbackKeys {
		if len(k) != 32 {
			return nil, fmt.Errorf("fallback key %d must be 32 bytes (AES-256), got %d", i, len(k))
		}
	}
	return func(next ports.WorkflowStore) ports.WorkflowStore {
		return &encryptionMiddleware{next: next, config: config}
	}, nil
}

// ParseKey decodes a base64 AES-256 key.
func ParseKey(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("encryption key is not valid base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

func (m *encryptionMiddleware) Save(ctx context.Context, workflowID string, state *domain.WorkflowState) error {
	plainText, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	ciphertext, err := encrypt(plainText, m.config.ActiveKey)
	if err != nil {
		return fmt.Errorf("failed to encrypt state: %w", err)
	}

	envelope := &domain.WorkflowState{
		ID:        state.ID,
		Status:    state.Status,
		Version:   state.Version,
		CreatedAt: state.CreatedAt,
		UpdatedAt: state.UpdatedAt,
		Messages: []domain.Message{{
			Role:    EnvelopeRole,
			Content: base64.StdEncoding.EncodeToString(ciphertext),
		}},
	}
	return m.next.Save(ctx, workflowID, envelope)
}

func (m *encryptionMiddleware) Load(ctx context.Context, workflowID string) (*domain.WorkflowState, error) {
	envelope, err := m.next.Load(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	if len(envelope.Messages) != 1 || envelope.Messages[0].Role != EnvelopeRole {
		return nil, fmt.Errorf("%w: %s", ErrNotEncrypted, workflowID)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(envelope.Messages[0].Content)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ciphertext base64: %w", err)
	}

	plainText, err := decryptWithRotation(ciphertext, m.config.ActiveKey, m.config.FallbackKeys)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt state: %w", err)
	}

	var state domain.WorkflowState
	if err := json.Unmarshal(plainText, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal decrypted state: %w", err)
	}
	return &state, nil
}

func (m *encryptionMiddleware) Delete(ctx context.Context, workflowID string) error {
	return m.next.Delete(ctx, workflowID)
}

func (m *encryptionMiddleware) List(ctx context.Context) ([]string, error) {
	return m.next.List(ctx)
}

func encrypt(plaintext, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func decryptWithRotation(ciphertext, activeKey []byte, fallbackKeys [][]byte) ([]byte, error) {
	if plain, err := decrypt(ciphertext, activeKey); err == nil {
		return plain, nil
	}
	for _, key := range fallbackKeys {
		if plain, err := decrypt(ciphertext, key); err == nil {
			return plain, nil
		}
	}
	return nil, errors.New("decryption failed with all available keys")
}

func decrypt(ciphertext, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, body := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, body, nil)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
