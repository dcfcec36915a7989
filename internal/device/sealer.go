package device

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// sealVersion is the first byte of every sealed key and part of its AAD.
const sealVersion byte = 0x01

// sealOverhead is version + XChaCha20 nonce + Poly1305 tag.
const sealOverhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

// MinSecretLength is the shortest master secret NewSealer accepts.
const MinSecretLength = 32

var hkdfInfoPSK = []byte("device-manager.psk.v1")

// ErrSealedKey is returned when sealed key material cannot be opened.
var ErrSealedKey = errors.New("device: sealed key rejected")

// Binding names the attribute slot a key belongs to. A key sealed for one
// binding does not open under another.
type Binding struct {
	Tenant   string
	DeviceID string
	Label    string
}

// Sealer encrypts key material at rest with XChaCha20-Poly1305.
//
// Sealed layout:
//
//	[version: 1] [nonce: 24] [ciphertext+tag: N+16]
//
// The AAD is the version byte followed by the BLAKE3 hash of the
// binding, so swapping sealed keys between rows fails authentication.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives the sealing key from secret with HKDF-SHA256.
func NewSealer(secret []byte) (*Sealer, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("sealing secret must be at least %d bytes", MinSecretLength)
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, hkdfInfoPSK), key); err != nil {
		return nil, fmt.Errorf("deriving sealing key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts plaintext for b.
func (s *Sealer) Seal(b Binding, plaintext []byte) ([]byte, error) {
	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	out := make([]byte, 1+len(nonce), sealOverhead+len(plaintext))
	out[0] = sealVersion
	copy(out[1:], nonce[:])
	return s.aead.Seal(out, nonce[:], plaintext, bindingAAD(sealVersion, b)), nil
}

// Open decrypts sealed key material for b.
func (s *Sealer) Open(b Binding, sealed []byte) ([]byte, error) {
	if len(sealed) < sealOverhead {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the %d byte overhead", ErrSealedKey, len(sealed), sealOverhead)
	}
	if sealed[0] != sealVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrSealedKey, sealed[0])
	}
	nonce := sealed[1 : 1+chacha20poly1305.NonceSizeX]
	plaintext, err := s.aead.Open(nil, nonce, sealed[1+chacha20poly1305.NonceSizeX:], bindingAAD(sealed[0], b))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSealedKey, err)
	}
	return plaintext, nil
}

// bindingAAD length-prefixes each binding field so ("ab","c") and
// ("a","bc") hash differently.
func bindingAAD(version byte, b Binding) []byte {
	h := blake3.New()
	var n [4]byte
	for _, field := range []string{b.Tenant, b.DeviceID, b.Label} {
		binary.BigEndian.PutUint32(n[:], uint32(len(field))) //nolint:gosec // Labels are bounded well below 4 GiB
		_, _ = h.Write(n[:])
		_, _ = h.Write([]byte(field))
	}
	return h.Sum([]byte{version})
}
