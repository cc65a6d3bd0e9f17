// Package crypto implements the node's identity, session-key derivation,
// payload encryption, and message signing primitives.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/pbkdf2"
)

const (
	ModeAESCBC Mode = "aes-cbc"
	// ModeStream is the degraded fallback: a keyed stream cipher giving
	// confidentiality only. Signing is unaffected and stays mandatory.
	ModeStream Mode = "stream"

	keySize       = 32
	kdfIterations = 4096

	netKeySalt   = "nexlattice:netkey:v1"
	sessionLabel = "nexlattice:session:v1"
	payloadLabel = "nexlattice:payload:v1"
)

type Mode string

var (
	ErrDecryptionFailure = errors.New("decryption failure")
	ErrSignatureInvalid  = errors.New("signature invalid")
)

// Engine holds the network-wide key stretched from the pre-shared secret and
// the configured cipher mode. It is safe for concurrent use.
type Engine struct {
	netKey []byte
	mode   Mode
	log    *zap.Logger
}

func NewEngine(presharedSecret string, mode Mode, log *zap.Logger) *Engine {
	if mode != ModeStream {
		mode = ModeAESCBC
	}
	e := &Engine{
		netKey: pbkdf2.Key([]byte(presharedSecret), []byte(netKeySalt), kdfIterations, keySize, sha256.New),
		mode:   mode,
		log:    log,
	}
	if mode == ModeStream {
		log.Warn("degraded cipher mode: keyed stream fallback, confidentiality only",
			zap.String("mode", string(mode)))
	}
	return e
}

func (e *Engine) Mode() Mode {
	return e.mode
}

// DeriveSessionKey combines the pre-shared network key with both public
// identifiers, ordered canonically so both ends compute the same key.
func (e *Engine) DeriveSessionKey(localPublicID, peerPublicID string) []byte {
	a, b := localPublicID, peerPublicID
	if a > b {
		a, b = b, a
	}
	mac := hmac.New(sha256.New, e.netKey)
	mac.Write([]byte(sessionLabel))
	mac.Write([]byte(a))
	mac.Write([]byte{0})
	mac.Write([]byte(b))
	return mac.Sum(nil)
}

// DataKey is the network-wide payload key used when no per-peer session key
// exists, e.g. for destinations beyond the direct neighborhood.
func (e *Engine) DataKey() []byte {
	mac := hmac.New(sha256.New, e.netKey)
	mac.Write([]byte(payloadLabel))
	return mac.Sum(nil)
}

// Encrypt seals plaintext under key. AES-CBC mode returns iv||ciphertext with
// PKCS#7 padding and a fresh random IV; stream mode returns nonce||ciphertext.
func (e *Engine) Encrypt(plaintext, key []byte) ([]byte, error) {
	switch e.mode {
	case ModeStream:
		return streamSeal(plaintext, key)
	default:
		return cbcSeal(plaintext, key)
	}
}

func (e *Engine) Decrypt(data, key []byte) ([]byte, error) {
	switch e.mode {
	case ModeStream:
		return streamOpen(data, key)
	default:
		return cbcOpen(data, key)
	}
}

// Sign computes an HMAC-SHA256 over the canonical message bytes.
func (e *Engine) Sign(canonical []byte) []byte {
	mac := hmac.New(sha256.New, e.netKey)
	mac.Write(canonical)
	return mac.Sum(nil)
}

// Verify checks a signature in constant time.
func (e *Engine) Verify(canonical, sig []byte) bool {
	return hmac.Equal(e.Sign(canonical), sig)
}

func cbcSeal(plaintext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("bad key: %w", err)
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	out := make([]byte, aes.BlockSize+len(padded))
	iv := out[:aes.BlockSize]
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[aes.BlockSize:], padded)
	return out, nil
}

func cbcOpen(data, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("bad key: %w", err)
	}
	if len(data) < 2*aes.BlockSize || len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: bad ciphertext length %d", ErrDecryptionFailure, len(data))
	}
	iv, ct := data[:aes.BlockSize], data[aes.BlockSize:]
	plain := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ct)
	unpadded, err := pkcs7Unpad(plain, aes.BlockSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailure, err)
	}
	return unpadded, nil
}

func streamSeal(plaintext, key []byte) ([]byte, error) {
	nonce := make([]byte, chacha20.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	c, err := chacha20.NewUnauthenticatedCipher(key, nonce)
	if err != nil {
		return nil, fmt.Errorf("bad key: %w", err)
	}
	out := make([]byte, len(nonce)+len(plaintext))
	copy(out, nonce)
	c.XORKeyStream(out[len(nonce):], plaintext)
	return out, nil
}

func streamOpen(data, key []byte) ([]byte, error) {
	if len(data) < chacha20.NonceSize {
		return nil, fmt.Errorf("%w: short ciphertext", ErrDecryptionFailure)
	}
	nonce, ct := data[:chacha20.NonceSize], data[chacha20.NonceSize:]
	c, err := chacha20.NewUnauthenticatedCipher(key, nonce)
	if err != nil {
		return nil, fmt.Errorf("bad key: %w", err)
	}
	plain := make([]byte, len(ct))
	c.XORKeyStream(plain, ct)
	return plain, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	out := make([]byte, len(data)+padLen)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(padLen)
	}
	return out
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("bad padded length")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize {
		return nil, errors.New("bad padding byte")
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, errors.New("inconsistent padding")
		}
	}
	return data[:len(data)-padLen], nil
}
