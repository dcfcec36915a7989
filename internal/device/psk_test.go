package device

import (
	"bytes"
	"errors"
	"testing"

	"pgregory.net/rapid"
)

func newTestEngine(t *testing.T) *PSKEngine {
	t.Helper()
	return NewPSKEngine(newTestSealer(t))
}

func TestValidateKeyLength_Property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		bits := rapid.IntRange(1, MaxKeyBits/8).Draw(t, "bytes") * 8
		if err := ValidateKeyLength(bits); err != nil {
			t.Fatalf("ValidateKeyLength(%d) = %v, want nil", bits, err)
		}
	})

	rapid.Check(t, func(t *rapid.T) {
		bits := rapid.IntRange(-4096, 4096).Filter(func(n int) bool {
			return n <= 0 || n > MaxKeyBits || n%8 != 0
		}).Draw(t, "bits")
		if err := ValidateKeyLength(bits); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("ValidateKeyLength(%d) = %v, want ErrInvalidArgument", bits, err)
		}
	})
}

func TestPSKEngine_Generate(t *testing.T) {
	e := newTestEngine(t)
	b := Binding{Tenant: testTenant, DeviceID: "d1", Label: "secret"}

	for _, bits := range []int{8, 128, 256, 1024} {
		raw, key, err := e.Generate(b, bits)
		if err != nil {
			t.Fatalf("Generate(%d) error = %v", bits, err)
		}
		if len(raw) != bits/8 {
			t.Errorf("Generate(%d) returned %d bytes", bits, len(raw))
		}
		if key.Bits != bits {
			t.Errorf("key.Bits = %d, want %d", key.Bits, bits)
		}
		opened, err := e.Reveal(b, key)
		if err != nil {
			t.Fatalf("Reveal() error = %v", err)
		}
		if !bytes.Equal(opened, raw) {
			t.Error("Reveal() does not return the generated key")
		}
	}

	for _, bits := range []int{0, -8, 12, 1025, 1032} {
		if _, _, err := e.Generate(b, bits); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("Generate(%d) error = %v, want ErrInvalidArgument", bits, err)
		}
	}
}

func TestPSKEngine_Reveal_NoKey(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.Reveal(Binding{Label: "secret"}, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("Reveal(nil) error = %v, want ErrNotFound", err)
	}
}

func TestPSKEngine_Rebind(t *testing.T) {
	e := newTestEngine(t)
	from := Binding{Tenant: testTenant, DeviceID: "d1", Label: "secret"}
	to := Binding{Tenant: testTenant, DeviceID: "d2", Label: "uplink"}

	raw, key, err := e.Generate(from, 256)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	moved, err := e.Rebind(from, to, key)
	if err != nil {
		t.Fatalf("Rebind() error = %v", err)
	}
	if moved.Bits != 256 {
		t.Errorf("Bits = %d, want 256", moved.Bits)
	}

	got, err := e.Reveal(to, moved)
	if err != nil {
		t.Fatalf("Reveal(to) error = %v", err)
	}
	if !bytes.Equal(got, raw) {
		t.Error("rebound key differs from the original")
	}
	if _, err := e.Reveal(from, moved); !errors.Is(err, ErrSealedKey) {
		t.Errorf("Reveal(from) on rebound key error = %v, want ErrSealedKey", err)
	}
	if _, err := e.Rebind(to, from, key); !errors.Is(err, ErrSealedKey) {
		t.Errorf("Rebind() with wrong source error = %v, want ErrSealedKey", err)
	}
}
