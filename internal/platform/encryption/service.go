package encryption

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/hkdf"
)

const blindIndexInfo = "telecare blind index v1"

// Options configures the master key ring. Keys are 64-character hex strings.
type Options struct {
	Key          string
	Version      int
	PreviousKeys map[int]string
	Production   bool
}

// Service encrypts and decrypts individual values with per-value data keys.
type Service struct {
	ring      *KeyRing
	indexKey  []byte
	ephemeral bool
}

// NewService builds the key ring. Without a key, production refuses to start
// and development runs on a random key that does not survive a restart.
func NewService(opts Options, logger zerolog.Logger) (*Service, error) {
	if opts.Version <= 0 {
		opts.Version = 1
	}

	var master []byte
	ephemeral := false
	if opts.Key == "" {
		if opts.Production {
			return nil, fmt.Errorf("MEDICAL_DATA_ENCRYPTION_KEY is required in production")
		}
		key, err := GenerateKey()
		if err != nil {
			return nil, err
		}
		master = key
		ephemeral = true
		logger.Warn().Msg("MEDICAL_DATA_ENCRYPTION_KEY not set: using an ephemeral development key, encrypted data will be unreadable after restart")
	} else {
		key, err := decodeKey(opts.Key)
		if err != nil {
			return nil, fmt.Errorf("MEDICAL_DATA_ENCRYPTION_KEY: %w", err)
		}
		master = key
	}

	ring, err := NewKeyRing(master, opts.Version)
	if err != nil {
		return nil, err
	}

	// The blind index key comes from the oldest master key so rotations keep
	// existing indexes valid while that key stays configured.
	indexSource, indexVersion := master, opts.Version
	for version, hexKey := range opts.PreviousKeys {
		key, err := decodeKey(hexKey)
		if err != nil {
			return nil, fmt.Errorf("previous key v%d: %w", version, err)
		}
		if err := ring.AddPreviousKey(key, version); err != nil {
			return nil, err
		}
		if version < indexVersion {
			indexSource, indexVersion = key, version
		}
	}

	indexKey, err := deriveKey(indexSource, blindIndexInfo)
	if err != nil {
		return nil, err
	}

	logger.Info().
		Int("key_version", opts.Version).
		Ints("key_versions", ring.Versions()).
		Msg("field-level encryption enabled")

	return &Service{ring: ring, indexKey: indexKey, ephemeral: ephemeral}, nil
}

// NewServiceFromKeyRing is used when the caller manages keys directly.
func NewServiceFromKeyRing(ring *KeyRing, indexKey []byte) *Service {
	return &Service{ring: ring, indexKey: indexKey}
}

func decodeKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("not valid hex: %w", err)
	}
	if len(key) != keySize {
		return nil, fmt.Errorf("must be %d bytes (%d hex chars), got %d bytes", keySize, keySize*2, len(key))
	}
	return key, nil
}

func deriveKey(secret []byte, info string) ([]byte, error) {
	out := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(info)), out); err != nil {
		return nil, fmt.Errorf("encryption: derive key: %w", err)
	}
	return out, nil
}

// Encrypt seals plaintext under a fresh data key wrapped by the current master key.
func (s *Service) Encrypt(plaintext []byte) (*EncryptedData, error) {
	dataKey, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	defer zero(dataKey)

	g, err := newGCM(dataKey)
	if err != nil {
		return nil, err
	}
	iv, ciphertext, tag, err := g.seal(plaintext, nil)
	if err != nil {
		return nil, err
	}

	wrapped, version, err := s.ring.wrap(dataKey)
	if err != nil {
		return nil, err
	}

	return &EncryptedData{
		Version:    version,
		WrappedKey: wrapped,
		IV:         iv,
		Ciphertext: ciphertext,
		Tag:        tag,
	}, nil
}

// Decrypt unwraps the data key with the recorded master version and opens the value.
func (s *Service) Decrypt(d *EncryptedData) ([]byte, error) {
	dataKey, err := s.ring.unwrap(d.WrappedKey, d.Version)
	if err != nil {
		return nil, err
	}
	defer zero(dataKey)

	g, err := newGCM(dataKey)
	if err != nil {
		return nil, err
	}
	return g.open(d.IV, d.Ciphertext, d.Tag, nil)
}

// EncryptString returns the encoded envelope for plaintext.
func (s *Service) EncryptString(plaintext string) (string, error) {
	d, err := s.Encrypt([]byte(plaintext))
	if err != nil {
		return "", err
	}
	return d.String(), nil
}

// DecryptString opens an encoded envelope.
func (s *Service) DecryptString(encoded string) (string, error) {
	d, err := ParseEncryptedData(encoded)
	if err != nil {
		return "", err
	}
	plaintext, err := s.Decrypt(d)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// NeedsRewrap reports whether encoded was wrapped by a retired master key.
func (s *Service) NeedsRewrap(encoded string) bool {
	version, _, err := parseVersioned(encoded)
	if err != nil {
		return false
	}
	return version != s.ring.CurrentVersion()
}

// Rewrap moves the data key of encoded under the current master key. The
// ciphertext itself is unchanged.
func (s *Service) Rewrap(encoded string) (string, error) {
	d, err := ParseEncryptedData(encoded)
	if err != nil {
		return "", err
	}
	if d.Version == s.ring.CurrentVersion() {
		return encoded, nil
	}

	dataKey, err := s.ring.unwrap(d.WrappedKey, d.Version)
	if err != nil {
		return "", fmt.Errorf("rewrap: %w", err)
	}
	defer zero(dataKey)

	wrapped, version, err := s.ring.wrap(dataKey)
	if err != nil {
		return "", fmt.Errorf("rewrap: %w", err)
	}
	d.WrappedKey, d.Version = wrapped, version
	return d.String(), nil
}

// KeyVersion returns the master key version used for new values.
func (s *Service) KeyVersion() int {
	return s.ring.CurrentVersion()
}

// BlindIndex returns a keyed hash of the normalized value for equality lookups
// on encrypted columns.
func (s *Service) BlindIndex(value string) string {
	mac := hmac.New(sha256.New, s.indexKey)
	mac.Write([]byte(strings.ToLower(strings.TrimSpace(value))))
	return hex.EncodeToString(mac.Sum(nil))
}

// Checksum returns the hex SHA-256 of data.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// VerifyChecksum compares data against a Checksum in constant time.
func VerifyChecksum(data []byte, checksum string) bool {
	return subtle.ConstantTimeCompare([]byte(Checksum(data)), []byte(checksum)) == 1
}

// HealthStatus is the result of an encryption self-test.
type HealthStatus struct {
	Status      string `json:"status"`
	Algorithm   string `json:"algorithm"`
	KeyVersion  int    `json:"key_version"`
	KeyVersions []int  `json:"key_versions"`
	Ephemeral   bool   `json:"ephemeral_key"`
	Error       string `json:"error,omitempty"`
}

// Health runs a round trip through the current key.
func (s *Service) Health() HealthStatus {
	status := HealthStatus{
		Status:      "healthy",
		Algorithm:   "AES-256-GCM",
		KeyVersion:  s.ring.CurrentVersion(),
		KeyVersions: s.ring.Versions(),
		Ephemeral:   s.ephemeral,
	}

	const sample = "encryption-self-test"
	encoded, err := s.EncryptString(sample)
	if err == nil {
		var out string
		out, err = s.DecryptString(encoded)
		if err == nil && out != sample {
			err = fmt.Errorf("round trip mismatch")
		}
	}
	if err != nil {
		status.Status = "unhealthy"
		status.Error = err.Error()
	}
	return status
}

// HealthHandler serves Health as JSON.
func (s *Service) HealthHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		status := s.Health()
		code := http.StatusOK
		if status.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		return c.JSON(code, status)
	}
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
