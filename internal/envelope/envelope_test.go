package envelope_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/veritaslegal/veritas/internal/envelope"
)

func testKEK() []byte {
	kek := make([]byte, envelope.KeySize)
	for i := range kek {
		kek[i] = byte(i)
	}
	return kek
}

func TestNew_rejectsWrongKEKSize(t *testing.T) {
	if _, err := envelope.New([]byte("short")); err == nil {
		t.Error("expected error for short KEK")
	}
	if _, err := envelope.New(testKEK()); err != nil {
		t.Errorf("valid KEK rejected: %v", err)
	}
}

func TestDataKey_deterministicPerTenant(t *testing.T) {
	s, err := envelope.New(testKEK())
	if err != nil {
		t.Fatal(err)
	}

	a1, err := s.DataKey("tenant-a")
	if err != nil {
		t.Fatal(err)
	}
	a2, err := s.DataKey("tenant-a")
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.DataKey("tenant-b")
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(a1, a2) {
		t.Error("same tenant derived different data keys")
	}
	if bytes.Equal(a1, b) {
		t.Error("different tenants share a data key")
	}

	if _, err := s.DataKey(""); err == nil {
		t.Error("empty tenant ID accepted")
	}
}

func TestEncryptDecryptField_roundtrip(t *testing.T) {
	s, err := envelope.New(testKEK())
	if err != nil {
		t.Fatal(err)
	}

	plaintext := []byte(`"ssn: 000-00-0000"`)
	enc, err := s.EncryptField("acme-llp", plaintext)
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.DecryptField("acme-llp", enc)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Error("roundtrip altered the plaintext")
	}
}

func TestDecryptField_tamperedFailsClosed(t *testing.T) {
	s, err := envelope.New(testKEK())
	if err != nil {
		t.Fatal(err)
	}

	enc, err := s.EncryptField("acme-llp", []byte("secret"))
	if err != nil {
		t.Fatal(err)
	}

	tampered := []byte(enc)
	tampered[len(tampered)-5] ^= 0x01
	if _, err := s.DecryptField("acme-llp", string(tampered)); !errors.Is(err, envelope.ErrCiphertextInvalid) {
		t.Errorf("expected ErrCiphertextInvalid, got %v", err)
	}

	if _, err := s.DecryptField("acme-llp", "not base64 at all!!"); !errors.Is(err, envelope.ErrCiphertextInvalid) {
		t.Errorf("expected ErrCiphertextInvalid for malformed input, got %v", err)
	}
}

func TestDecryptField_crossTenantFails(t *testing.T) {
	s, err := envelope.New(testKEK())
	if err != nil {
		t.Fatal(err)
	}

	enc, err := s.EncryptField("tenant-a", []byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.DecryptField("tenant-b", enc); !errors.Is(err, envelope.ErrCiphertextInvalid) {
		t.Errorf("expected ErrCiphertextInvalid across tenants, got %v", err)
	}
}

func TestWrapUnwrap_roundtrip(t *testing.T) {
	s, err := envelope.New(testKEK())
	if err != nil {
		t.Fatal(err)
	}

	dataKey, err := s.DataKey("acme-llp")
	if err != nil {
		t.Fatal(err)
	}

	wrapped, err := s.Wrap(dataKey)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(wrapped, dataKey) {
		t.Error("wrapped key leaks the plaintext key")
	}

	unwrapped, err := s.Unwrap(wrapped)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(unwrapped, dataKey) {
		t.Error("unwrap did not recover the data key")
	}
}
