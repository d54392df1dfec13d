package encryption

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"testing"
)

func generateTestKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate test key: %v", err)
	}
	return key
}

func generateHexKey(t *testing.T) string {
	t.Helper()
	return hex.EncodeToString(generateTestKey(t))
}

func TestNewGCM_KeyLength(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		wantErr bool
	}{
		{"valid 32-byte key", 32, false},
		{"key too short", 16, true},
		{"key too long", 64, true},
		{"empty key", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newGCM(make([]byte, tt.size))
			if (err != nil) != tt.wantErr {
				t.Fatalf("newGCM(%d bytes) error = %v, wantErr %v", tt.size, err, tt.wantErr)
			}
		})
	}
}

func TestGCM_SealOpen(t *testing.T) {
	g, err := newGCM(generateTestKey(t))
	if err != nil {
		t.Fatalf("newGCM: %v", err)
	}

	plaintext := []byte("Diagnosis: acute bronchitis")
	iv, ct, tag, err := g.seal(plaintext, nil)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if len(iv) != 12 || len(tag) != 16 {
		t.Fatalf("unexpected iv/tag sizes: %d/%d", len(iv), len(tag))
	}
	if bytes.Contains(ct, plaintext) {
		t.Fatal("ciphertext contains plaintext")
	}

	out, err := g.open(iv, ct, tag, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(out, plaintext) {
		t.Errorf("roundtrip failed: got %q", out)
	}
}

func TestGCM_TamperedTagFails(t *testing.T) {
	g, _ := newGCM(generateTestKey(t))
	iv, ct, tag, err := g.seal([]byte("prescription"), nil)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	tag[0] ^= 0xff
	if _, err := g.open(iv, ct, tag, nil); err == nil {
		t.Fatal("expected error for tampered tag")
	}
}

func TestGCM_PackedWrongAADFails(t *testing.T) {
	g, _ := newGCM(generateTestKey(t))
	packed, err := g.sealPacked([]byte("data key"), versionAAD(1))
	if err != nil {
		t.Fatalf("sealPacked: %v", err)
	}
	if _, err := g.openPacked(packed, versionAAD(2)); err == nil {
		t.Fatal("expected error when version AAD differs")
	}
	if _, err := g.openPacked(packed[:5], versionAAD(1)); err == nil {
		t.Fatal("expected error for truncated input")
	}
}
