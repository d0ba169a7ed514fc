package fragcrypt

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mediagrab/mediagrab/internal/core/fetch"
	"github.com/mediagrab/mediagrab/internal/core/mediaerr"
	"github.com/mediagrab/mediagrab/internal/core/playlist"
)

func encryptFixture(t *testing.T, key, iv, plain []byte) []byte {
	t.Helper()
	block, err := aes.NewCipher(key)
	if err != nil {
		t.Fatal(err)
	}
	pad := aes.BlockSize - len(plain)%aes.BlockSize
	padded := append(append([]byte{}, plain...), bytes.Repeat([]byte{byte(pad)}, pad)...)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out
}

func TestNormalizeIV(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"exact 32 hex chars", "0102030405060708090a0b0c0d0e0f10", "0102030405060708090a0b0c0d0e0f10"},
		{"0x prefix stripped", "0x0f", "0f000000000000000000000000000000"},
		{"short value right padded", "abcd", "abcd0000000000000000000000000000"},
		{"long value truncated", "0102030405060708090a0b0c0d0e0f1099999999", "0102030405060708090a0b0c0d0e0f10"},
		{"empty value", "", "00000000000000000000000000000000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			iv := NormalizeIV(tt.in)
			got := hex.EncodeToString(iv[:])
			want := tt.want
			if len(want) > 32 {
				want = want[:32]
			}
			if got != want {
				t.Errorf("NormalizeIV(%q) = %s, want %s", tt.in, got, want)
			}
		})
	}
}

func TestNormalizeIV_Idempotent(t *testing.T) {
	inputs := []string{"", "0x01", "abcdef0123456789", "ffffffffffffffffffffffffffffffffffff"}
	for _, in := range inputs {
		first := NormalizeIV(in)
		second := NormalizeIV(hex.EncodeToString(first[:]))
		if first != second {
			t.Errorf("NormalizeIV not idempotent for %q: %x vs %x", in, first, second)
		}
	}
}

func TestNormalizeIV_NonHexFallsBackToZero(t *testing.T) {
	iv := NormalizeIV("not-hex-at-all!!")
	var zero [16]byte
	if iv != zero {
		t.Errorf("expected zero IV fallback, got %x", iv)
	}
}

func TestCryptor_Decrypt_PlaintextPassthrough(t *testing.T) {
	c := New(fetch.New())
	out, err := c.Decrypt(context.Background(), nil, []byte("raw bytes"), 0)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "raw bytes" {
		t.Errorf("expected passthrough, got %q", out)
	}
}

func TestCryptor_Decrypt_MissingIVPassesThrough(t *testing.T) {
	c := New(fetch.New())
	k := &playlist.Key{URI: "https://example.com/key", IV: ""}
	out, err := c.Decrypt(context.Background(), k, []byte("raw bytes"), 0)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "raw bytes" {
		t.Errorf("expected passthrough when IV is absent, got %q", out)
	}
}

func TestCryptor_Decrypt_MissingURIPassesThrough(t *testing.T) {
	c := New(fetch.New())
	k := &playlist.Key{URI: "", IV: "00"}
	out, err := c.Decrypt(context.Background(), k, []byte("raw bytes"), 0)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "raw bytes" {
		t.Errorf("expected passthrough when URI is absent, got %q", out)
	}
}

func TestCryptor_Decrypt_RoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 16)
	iv := bytes.Repeat([]byte{0x24}, 16)
	plain := []byte("the quick brown fox jumps over the lazy dog")
	ciphertext := encryptFixture(t, key, iv, plain)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(key)
	}))
	defer srv.Close()

	c := New(fetch.New())
	k := &playlist.Key{URI: srv.URL, IV: hex.EncodeToString(iv)}
	out, err := c.Decrypt(context.Background(), k, ciphertext, 0)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != string(plain) {
		t.Fatalf("round trip mismatch: got %q want %q", out, plain)
	}
}

func TestCryptor_Decrypt_CachesKeyAcrossFragments(t *testing.T) {
	key := bytes.Repeat([]byte{0x11}, 16)
	iv := bytes.Repeat([]byte{0x22}, 16)

	var fetches int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches++
		w.Write(key)
	}))
	defer srv.Close()

	c := New(fetch.New())
	k := &playlist.Key{URI: srv.URL, IV: hex.EncodeToString(iv)}

	for i := 0; i < 3; i++ {
		plain := []byte("fragment payload padded to a block")
		ciphertext := encryptFixture(t, key, iv, plain)
		if _, err := c.Decrypt(context.Background(), k, ciphertext, 0); err != nil {
			t.Fatal(err)
		}
	}
	if fetches != 1 {
		t.Errorf("expected the key to be fetched once and cached, got %d fetches", fetches)
	}
}

func TestCryptor_Decrypt_KeyFetchFailureWrapped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(fetch.New())
	k := &playlist.Key{URI: srv.URL, IV: "00"}
	_, err := c.Decrypt(context.Background(), k, make([]byte, 16), 0)
	e, ok := err.(*mediaerr.Error)
	if !ok || e.Kind != mediaerr.KindDecryptionFailed {
		t.Fatalf("expected DecryptionFailed, got %v", err)
	}
}

func TestCryptor_Decrypt_BadCiphertextLength(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(bytes.Repeat([]byte{0x01}, 16))
	}))
	defer srv.Close()

	c := New(fetch.New())
	k := &playlist.Key{URI: srv.URL, IV: "00"}
	_, err := c.Decrypt(context.Background(), k, []byte("not a block multiple"), 0)
	e, ok := err.(*mediaerr.Error)
	if !ok || e.Kind != mediaerr.KindDecryptionFailed {
		t.Fatalf("expected DecryptionFailed, got %v", err)
	}
}
