// Package tokenbox seals security-sensitive values into tokens that pass
// through the client opaquely: session questions/answers, security
// property reports, and session update instructions. Tokens are
// authenticated-encrypted (JWE, direct A256GCM) and tagged with a
// content-type string so a token sealed for one purpose cannot be opened
// as another.
package tokenbox

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	jose "github.com/go-jose/go-jose/v4"

	"github.com/bogeeee/restfuncs-go/internal/wire"
)

// KeySize is the AES-256-GCM key size in bytes.
const KeySize = 32

var (
	ErrUnknownKeyIndex = errors.New("tokenbox: unknown key index")
	ErrContentType     = errors.New("tokenbox: token content type mismatch")
)

// Box holds an ordered keyring. The last key is used for sealing; all
// keys remain valid for opening so tokens survive a key rotation.
type Box struct {
	keys [][]byte
}

// New builds a Box from the given keys. With no keys, a fresh random key
// is generated, which is fine for a single-process server.
func New(keys ...[]byte) (*Box, error) {
	if len(keys) == 0 {
		k := make([]byte, KeySize)
		if _, err := rand.Read(k); err != nil {
			return nil, fmt.Errorf("tokenbox: generate key: %w", err)
		}
		keys = [][]byte{k}
	}
	for i, k := range keys {
		if len(k) != KeySize {
			return nil, fmt.Errorf("tokenbox: key %d has %d bytes, want %d", i, len(k), KeySize)
		}
	}
	return &Box{keys: keys}, nil
}

// Seal encrypts v as JSON under the active key, tagging the token with
// the given content type.
func (b *Box) Seal(contentType string, v any) (wire.EncryptedToken, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return wire.EncryptedToken{}, fmt.Errorf("tokenbox: marshal payload: %w", err)
	}
	idx := len(b.keys) - 1
	opts := (&jose.EncrypterOptions{}).WithContentType(jose.ContentType(contentType))
	enc, err := jose.NewEncrypter(jose.A256GCM, jose.Recipient{Algorithm: jose.DIRECT, Key: b.keys[idx]}, opts)
	if err != nil {
		return wire.EncryptedToken{}, fmt.Errorf("tokenbox: create encrypter: %w", err)
	}
	obj, err := enc.Encrypt(payload)
	if err != nil {
		return wire.EncryptedToken{}, fmt.Errorf("tokenbox: encrypt: %w", err)
	}
	compact, err := obj.CompactSerialize()
	if err != nil {
		return wire.EncryptedToken{}, fmt.Errorf("tokenbox: serialize: %w", err)
	}
	return wire.EncryptedToken{KeyIndex: idx, Ciphertext: compact}, nil
}

// Open decrypts t into out, refusing tokens sealed under a different
// content type or an unknown key index.
func (b *Box) Open(contentType string, t wire.EncryptedToken, out any) error {
	if t.KeyIndex < 0 || t.KeyIndex >= len(b.keys) {
		return ErrUnknownKeyIndex
	}
	obj, err := jose.ParseEncrypted(t.Ciphertext, []jose.KeyAlgorithm{jose.DIRECT}, []jose.ContentEncryption{jose.A256GCM})
	if err != nil {
		return fmt.Errorf("tokenbox: parse token: %w", err)
	}
	payload, err := obj.Decrypt(b.keys[t.KeyIndex])
	if err != nil {
		return fmt.Errorf("tokenbox: decrypt: %w", err)
	}
	cty, _ := obj.Header.ExtraHeaders[jose.HeaderContentType].(string)
	if cty != contentType {
		return fmt.Errorf("%w: got %q, want %q", ErrContentType, cty, contentType)
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("tokenbox: unmarshal payload: %w", err)
	}
	return nil
}
