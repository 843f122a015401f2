package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/scrypt"
)

// ErrCrypto is wrapped by every encrypt/decrypt failure.
var ErrCrypto = errors.New("crypto error")

const (
	// IVSize is the per-encryption random nonce length.
	IVSize = 16
	// KeySize selects AES-256.
	KeySize = 32

	separator = ":"
)

// Fixed salt and scrypt cost. Changing either invalidates every issued token.
var (
	kdfSalt = []byte("basegate-credential-codec-v1")
	kdfN    = 1 << 14
	kdfR    = 8
	kdfP    = 1
)

// DeriveKey stretches the configured encryption key into an AES-256 key.
// The derivation is deterministic so replicas sharing the configured key agree.
func DeriveKey(passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("%w: empty encryption key", ErrCrypto)
	}
	key, err := scrypt.Key([]byte(passphrase), kdfSalt, kdfN, kdfR, kdfP, KeySize)
	if err != nil {
		return nil, fmt.Errorf("%w: deriving key: %v", ErrCrypto, err)
	}
	return key, nil
}

// Codec encrypts tenant secrets for embedding in session tokens.
// The derived key is computed once; scrypt is too slow to run per request.
type Codec struct {
	key []byte
}

// NewCodec derives the codec key from the configured encryption key.
func NewCodec(passphrase string) (*Codec, error) {
	key, err := DeriveKey(passphrase)
	if err != nil {
		return nil, err
	}
	return &Codec{key: key}, nil
}

// Encrypt returns hex(iv) + ":" + hex(ciphertext).
func (c *Codec) Encrypt(plaintext string) (string, error) {
	ciphertext, iv, err := EncryptAESGCM([]byte(plaintext), c.key)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(iv) + separator + hex.EncodeToString(ciphertext), nil
}

// Decrypt reverses Encrypt. A wrong key or tampered input fails with ErrCrypto.
func (c *Codec) Decrypt(secret string) (string, error) {
	ivHex, ctHex, ok := strings.Cut(secret, separator)
	if !ok {
		return "", fmt.Errorf("%w: missing separator", ErrCrypto)
	}
	iv, err := hex.DecodeString(ivHex)
	if err != nil || len(iv) != IVSize {
		return "", fmt.Errorf("%w: malformed iv", ErrCrypto)
	}
	ciphertext, err := hex.DecodeString(ctHex)
	if err != nil || len(ciphertext) == 0 {
		return "", fmt.Errorf("%w: malformed ciphertext", ErrCrypto)
	}
	plaintext, err := DecryptAESGCM(ciphertext, iv, c.key)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: creating AES cipher: %v", ErrCrypto, err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, IVSize)
	if err != nil {
		return nil, fmt.Errorf("%w: creating GCM: %v", ErrCrypto, err)
	}
	return gcm, nil
}

// EncryptAESGCM encrypts plaintext with AES-256-GCM under a fresh 16-byte nonce.
// Returns ciphertext and nonce separately.
func EncryptAESGCM(plaintext, key []byte) (ciphertext, nonce []byte, err error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, gcm.NonceSize())
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("%w: generating nonce: %v", ErrCrypto, err)
	}
	ciphertext = gcm.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

// DecryptAESGCM decrypts AES-256-GCM ciphertext.
func DecryptAESGCM(ciphertext, nonce, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("%w: nonce must be %d bytes", ErrCrypto, gcm.NonceSize())
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypting: %v", ErrCrypto, err)
	}
	return plaintext, nil
}
