// Package encryption encrypts ballots under the election's symmetric key.
//
// The default mode is AES-256-CBC with PKCS#7 padding and a fresh random
// 16-byte IV per ballot, which is the reference wire format. CBC provides
// confidentiality only: a modified ciphertext can decrypt to garbage or,
// rarely, to valid-looking plaintext. Tampering with stored ballots is caught
// by the audit chain, not here. The opt-in GCM mode authenticates ballots
// but changes the payload format (alg field, 12-byte nonce).
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

// Mode selects the block cipher mode used by Encrypt.
type Mode string

const (
	// ModeCBC is AES-256-CBC with PKCS#7 padding, the reference format.
	ModeCBC Mode = "aes-256-cbc"
	// ModeGCM is AES-256-GCM. Payloads carry Alg so they can be told apart.
	ModeGCM Mode = "aes-256-gcm"
)

const (
	// KeySize is the AES-256 key width in bytes.
	KeySize = 32
	// IVSize is the CBC initialization vector width.
	IVSize = aes.BlockSize
)

var (
	// ErrDecryption covers a wrong key, corrupted ciphertext or invalid padding.
	ErrDecryption = errors.New("encryption: decryption failed")

	// ErrInvalidKey is returned when a key is not KeySize bytes long.
	ErrInvalidKey = errors.New("encryption: key must be 32 bytes")

	// ErrUnknownMode is returned for an unsupported cipher mode.
	ErrUnknownMode = errors.New("encryption: unknown cipher mode")
)

// Payload is one encrypted ballot. IV is not secret and travels with CT.
type Payload struct {
	IV []byte `json:"iv"`
	CT []byte `json:"ct"`
	// Alg is empty for CBC so reference payloads stay byte-identical.
	Alg string `json:"alg,omitempty"`
}

// BallotCipher encrypts and decrypts ballot payloads.
type BallotCipher struct {
	mode Mode
	rand io.Reader
}

// Option configures a BallotCipher.
type Option func(*BallotCipher)

// WithMode selects the encryption mode. Decrypt always follows Payload.Alg.
func WithMode(mode Mode) Option {
	return func(c *BallotCipher) {
		c.mode = mode
	}
}

// WithRand overrides the IV source. Tests only; production uses crypto/rand.
func WithRand(r io.Reader) Option {
	return func(c *BallotCipher) {
		c.rand = r
	}
}

// NewBallotCipher returns a cipher in CBC mode unless configured otherwise.
func NewBallotCipher(opts ...Option) (*BallotCipher, error) {
	c := &BallotCipher{mode: ModeCBC, rand: rand.Reader}
	for _, opt := range opts {
		opt(c)
	}

	if c.mode != ModeCBC && c.mode != ModeGCM {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, c.mode)
	}
	return c, nil
}

// Mode reports the mode used for new ballots.
func (c *BallotCipher) Mode() Mode {
	return c.mode
}

// Encrypt seals plaintext under key with a fresh IV.
func (c *BallotCipher) Encrypt(key, plaintext []byte) (Payload, error) {
	block, err := newBlock(key)
	if err != nil {
		return Payload{}, err
	}

	if c.mode == ModeGCM {
		return c.sealGCM(block, plaintext)
	}

	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(c.rand, iv); err != nil {
		return Payload{}, fmt.Errorf("encryption: failed to generate IV: %w", err)
	}

	padded := pad(plaintext, aes.BlockSize)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)

	return Payload{IV: iv, CT: ct}, nil
}

func (c *BallotCipher) sealGCM(block cipher.Block, plaintext []byte) (Payload, error) {
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return Payload{}, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(c.rand, nonce); err != nil {
		return Payload{}, fmt.Errorf("encryption: failed to generate nonce: %w", err)
	}

	return Payload{
		IV:  nonce,
		CT:  gcm.Seal(nil, nonce, plaintext, nil),
		Alg: string(ModeGCM),
	}, nil
}

// Decrypt opens a payload. Every failure after key validation is reported
// as ErrDecryption so callers can bucket it without inspecting causes.
func (c *BallotCipher) Decrypt(key []byte, p Payload) ([]byte, error) {
	block, err := newBlock(key)
	if err != nil {
		return nil, err
	}

	var plaintext []byte
	switch Mode(p.Alg) {
	case "", ModeCBC:
		plaintext, err = openCBC(block, p)
	case ModeGCM:
		plaintext, err = openGCM(block, p)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownMode, p.Alg)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}

	if !utf8.Valid(plaintext) {
		return nil, fmt.Errorf("%w: plaintext is not valid UTF-8", ErrDecryption)
	}
	return plaintext, nil
}

func openCBC(block cipher.Block, p Payload) ([]byte, error) {
	if len(p.IV) != IVSize {
		return nil, fmt.Errorf("iv must be %d bytes, got %d", IVSize, len(p.IV))
	}
	if len(p.CT) == 0 || len(p.CT)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext length %d is not a positive multiple of %d", len(p.CT), aes.BlockSize)
	}

	out := make([]byte, len(p.CT))
	cipher.NewCBCDecrypter(block, p.IV).CryptBlocks(out, p.CT)
	return unpad(out, aes.BlockSize)
}

func openGCM(block cipher.Block, p Payload) ([]byte, error) {
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(p.IV) != gcm.NonceSize() {
		return nil, fmt.Errorf("nonce must be %d bytes, got %d", gcm.NonceSize(), len(p.IV))
	}
	return gcm.Open(nil, p.IV, p.CT, nil)
}

func newBlock(key []byte) (cipher.Block, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidKey, len(key))
	}
	return aes.NewCipher(key)
}

// pad applies PKCS#7; a full block is added when data is already aligned.
func pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	out := make([]byte, len(data), len(data)+n)
	copy(out, data)
	for i := 0; i < n; i++ {
		out = append(out, byte(n))
	}
	return out
}

func unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("padded data is not block aligned")
	}

	n := int(data[len(data)-1])
	if n == 0 || n > blockSize {
		return nil, errors.New("invalid padding")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, errors.New("invalid padding")
		}
	}
	return data[:len(data)-n], nil
}
