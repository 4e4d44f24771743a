// Package crypto provides the cryptographic primitives used by nsauth.
//
// Every protocol payload is sealed with an AEAD under a pre-shared symmetric
// key and travels as a (nonce, ciphertext, tag) triple. The AEAD is pluggable:
//
//   - chacha20poly1305:  ChaCha20-Poly1305, 32-byte key (default)
//   - xchacha20poly1305: XChaCha20-Poly1305, 32-byte key, 24-byte nonce
//   - aes-gcm:           AES-GCM, 16, 24 or 32-byte key
//
// Open always verifies the tag before any plaintext is returned; a failed
// verification yields protocol.ErrAuthFailed and no data.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"
	"math/big"

	"github.com/samber/oops"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/merlos/nsauth/pkg/protocol"
)

// DefaultCipher is the cipher name used when none is configured.
const DefaultCipher = "chacha20poly1305"

// Cipher is an AEAD construction with a fixed key length.
type Cipher interface {
	// Name is the configuration name of the cipher.
	Name() string

	// KeySizes lists the accepted key lengths in bytes; the first is preferred.
	KeySizes() []int

	// NewAEAD instantiates the AEAD for key. Callers validate the key first.
	NewAEAD(key []byte) (cipher.AEAD, error)
}

type chachaCipher struct{}

func (chachaCipher) Name() string    { return "chacha20poly1305" }
func (chachaCipher) KeySizes() []int { return []int{chacha20poly1305.KeySize} }
func (chachaCipher) NewAEAD(key []byte) (cipher.AEAD, error) {
	return chacha20poly1305.New(key)
}

type xchachaCipher struct{}

func (xchachaCipher) Name() string    { return "xchacha20poly1305" }
func (xchachaCipher) KeySizes() []int { return []int{chacha20poly1305.KeySize} }
func (xchachaCipher) NewAEAD(key []byte) (cipher.AEAD, error) {
	return chacha20poly1305.NewX(key)
}

type gcmCipher struct{}

func (gcmCipher) Name() string    { return "aes-gcm" }
func (gcmCipher) KeySizes() []int { return []int{32, 16, 24} }
func (gcmCipher) NewAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

var ciphers = map[string]Cipher{
	"chacha20poly1305":  chachaCipher{},
	"xchacha20poly1305": xchachaCipher{},
	"aes-gcm":           gcmCipher{},
}

// CipherByName returns the cipher registered under name. The empty name
// selects DefaultCipher.
func CipherByName(name string) (Cipher, error) {
	if name == "" {
		name = DefaultCipher
	}
	c, ok := ciphers[name]
	if !ok {
		return nil, oops.Errorf("unknown cipher %q (want chacha20poly1305, xchacha20poly1305 or aes-gcm)", name)
	}
	return c, nil
}

// ValidateKey checks key against the cipher's accepted lengths.
func ValidateKey(c Cipher, key []byte) error {
	for _, n := range c.KeySizes() {
		if len(key) == n {
			return nil
		}
	}
	return fmt.Errorf("%w: %s needs %v bytes, got %d", protocol.ErrInvalidKeySize, c.Name(), c.KeySizes(), len(key))
}

// Seal encrypts plaintext under key with a fresh random AEAD nonce. ad is
// authenticated but not encrypted and must be presented again to Open.
func Seal(c Cipher, key, plaintext, ad []byte) (protocol.Sealed, error) {
	if err := ValidateKey(c, key); err != nil {
		return protocol.Sealed{}, err
	}
	aead, err := c.NewAEAD(key)
	if err != nil {
		return protocol.Sealed{}, oops.Errorf("creating %s AEAD: %w", c.Name(), err)
	}
	nonce, err := RandomBytes(aead.NonceSize())
	if err != nil {
		return protocol.Sealed{}, err
	}
	out := aead.Seal(nil, nonce, plaintext, ad)
	split := len(out) - aead.Overhead()
	return protocol.Sealed{
		Nonce:      nonce,
		Ciphertext: out[:split],
		Tag:        out[split:],
	}, nil
}

// Open verifies and decrypts s. It returns protocol.ErrAuthFailed when the
// tag does not verify, including for malformed triples.
func Open(c Cipher, key []byte, s protocol.Sealed, ad []byte) ([]byte, error) {
	if err := ValidateKey(c, key); err != nil {
		return nil, err
	}
	aead, err := c.NewAEAD(key)
	if err != nil {
		return nil, oops.Errorf("creating %s AEAD: %w", c.Name(), err)
	}
	if len(s.Nonce) != aead.NonceSize() || len(s.Tag) != aead.Overhead() {
		return nil, fmt.Errorf("%w: malformed sealed triple", protocol.ErrAuthFailed)
	}
	buf := make([]byte, 0, len(s.Ciphertext)+len(s.Tag))
	buf = append(buf, s.Ciphertext...)
	buf = append(buf, s.Tag...)
	plain, err := aead.Open(nil, s.Nonce, buf, ad)
	if err != nil {
		return nil, protocol.ErrAuthFailed
	}
	return plain, nil
}

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, oops.Errorf("reading random bytes: %w", err)
	}
	return b, nil
}

// GenerateNonce returns a string of length random decimal digits.
func GenerateNonce(length int) (string, error) {
	digits := make([]byte, length)
	ten := big.NewInt(10)
	for i := range digits {
		d, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", oops.Errorf("generating nonce digit: %w", err)
		}
		digits[i] = byte('0' + d.Int64())
	}
	return string(digits), nil
}

// GenerateKey returns a random key of the cipher's preferred length.
func GenerateKey(c Cipher) ([]byte, error) {
	return RandomBytes(c.KeySizes()[0])
}

// DeriveKey expands secret into a size-byte key bound to info using HKDF-SHA256.
// Distinct info strings yield independent keys from the same secret.
func DeriveKey(secret []byte, info string, size int) ([]byte, error) {
	hk := hkdf.New(sha256.New, secret, nil, []byte(info))
	key := make([]byte, size)
	if _, err := io.ReadFull(hk, key); err != nil {
		return nil, oops.Errorf("HKDF key derivation: %w", err)
	}
	return key, nil
}

// Equal compares two keys in constant time.
func Equal(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// EncodeKey base64-encodes a key for storage in config files.
func EncodeKey(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

// DecodeKey base64-decodes a key from a config file.
func DecodeKey(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, oops.Errorf("base64 decode key: %w", err)
	}
	return b, nil
}

// Fingerprint returns a short hex fingerprint (first 8 bytes of SHA-256) of key.
func Fingerprint(key []byte) string {
	h := sha256.Sum256(key)
	return fmt.Sprintf("%x", h[:8])
}
