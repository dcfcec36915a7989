package device

import (
	"crypto/rand"
	"fmt"
	"io"
)

// PSKEngine generates pre-shared keys and moves them between attribute
// slots. Raw key bytes only leave the engine through Generate and Reveal.
type PSKEngine struct {
	sealer *Sealer
	random io.Reader
}

// NewPSKEngine creates an engine sealing keys with sealer.
func NewPSKEngine(sealer *Sealer) *PSKEngine {
	return &PSKEngine{sealer: sealer, random: rand.Reader}
}

// Generate creates a random key of bits length sealed for b.
func (e *PSKEngine) Generate(b Binding, bits int) ([]byte, *PSKKey, error) {
	if err := ValidateKeyLength(bits); err != nil {
		return nil, nil, err
	}
	raw := make([]byte, bits/8)
	if _, err := io.ReadFull(e.random, raw); err != nil {
		return nil, nil, fmt.Errorf("reading random key: %w", err)
	}
	sealed, err := e.sealer.Seal(b, raw)
	if err != nil {
		return nil, nil, fmt.Errorf("sealing key for %s: %w", b.Label, err)
	}
	return raw, &PSKKey{Bits: bits, Sealed: sealed}, nil
}

// Reveal opens key for b.
func (e *PSKEngine) Reveal(b Binding, key *PSKKey) ([]byte, error) {
	if key == nil {
		return nil, notFoundf("attribute %q has no key material", b.Label)
	}
	return e.sealer.Open(b, key.Sealed)
}

// Rebind re-seals key material held by from so it belongs to to.
func (e *PSKEngine) Rebind(from, to Binding, key *PSKKey) (*PSKKey, error) {
	raw, err := e.Reveal(from, key)
	if err != nil {
		return nil, err
	}
	sealed, err := e.sealer.Seal(to, raw)
	if err != nil {
		return nil, fmt.Errorf("sealing key for %s: %w", to.Label, err)
	}
	return &PSKKey{Bits: key.Bits, Sealed: sealed}, nil
}
