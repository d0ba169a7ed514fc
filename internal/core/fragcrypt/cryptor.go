// Package fragcrypt is the Fragment Cryptor: it fetches a
// segment's AES-128 key (cached per key URI, to bound key fetches when many
// fragments share one key), normalizes the IV, and decrypts one fragment's
// ciphertext.
package fragcrypt

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/mediagrab/mediagrab/internal/core/fetch"
	"github.com/mediagrab/mediagrab/internal/core/mediaerr"
	"github.com/mediagrab/mediagrab/internal/core/playlist"
)

// Cryptor decrypts fragments, caching fetched key material per key URI for
// the lifetime of one download. Safe for concurrent use by scheduler workers.
type Cryptor struct {
	client *fetch.Client

	mu    sync.Mutex
	cache map[string][]byte
}

// New returns a Cryptor that fetches keys through client.
func New(client *fetch.Client) *Cryptor {
	return &Cryptor{client: client, cache: make(map[string][]byte)}
}

// Decrypt returns ciphertext unchanged when key is nil or is missing either
// its URI or its IV (plaintext fragment). Otherwise it fetches (or reuses a
// cached) key, normalizes the IV, and AES-128-CBC decrypts with PKCS#7
// unpadding.
func (c *Cryptor) Decrypt(ctx context.Context, key *playlist.Key, ciphertext []byte, retries int) ([]byte, error) {
	if key == nil || key.URI == "" || key.IV == "" {
		return ciphertext, nil
	}

	keyBytes, err := c.fetchKey(ctx, key.URI, retries)
	if err != nil {
		return nil, mediaerr.DecryptionFailed(err)
	}

	iv := NormalizeIV(key.IV)

	plain, err := decryptAES128CBC(ciphertext, keyBytes, iv[:])
	if err != nil {
		return nil, mediaerr.DecryptionFailed(err)
	}
	return plain, nil
}

func (c *Cryptor) fetchKey(ctx context.Context, uri string, retries int) ([]byte, error) {
	c.mu.Lock()
	if cached, ok := c.cache[uri]; ok {
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	keyBytes, err := c.client.GetBytes(ctx, uri, nil, retries)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cache[uri] = keyBytes
	c.mu.Unlock()
	return keyBytes, nil
}

// NormalizeIV implements the IV normalization rule: strip an
// optional "0x"/"0X" prefix, right-pad with '0' to 32 hex characters,
// truncate to 32, then decode to exactly 16 bytes. This is lossy for inputs
// longer than 16 bytes' worth of hex, matching observed playlist behavior.
func NormalizeIV(raw string) [16]byte {
	s := strings.TrimPrefix(strings.TrimPrefix(raw, "0x"), "0X")

	switch {
	case len(s) < 32:
		s = s + strings.Repeat("0", 32-len(s))
	case len(s) > 32:
		s = s[:32]
	}

	var iv [16]byte
	decoded, err := hex.DecodeString(s)
	if err != nil {
		// Non-hex input: fall back to the zero IV rather than failing the
		// whole fragment. The fallback is silent: neither this package
		// nor its callers log it.
		return iv
	}
	copy(iv[:], decoded)
	return iv
}

func decryptAES128CBC(ciphertext, key, iv []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext length %d is not a multiple of the block size", len(ciphertext))
	}
	if len(ciphertext) == 0 {
		return ciphertext, nil
	}

	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)

	return unpadPKCS7(out)
}

func unpadPKCS7(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}
	pad := int(data[len(data)-1])
	if pad <= 0 || pad > aes.BlockSize || pad > len(data) {
		return nil, fmt.Errorf("invalid PKCS#7 padding byte %d", pad)
	}
	return data[:len(data)-pad], nil
}
