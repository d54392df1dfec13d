package encryption

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	versionPrefix    = "v"
	versionSeparator = ":"
	partSeparator    = "."
)

// ErrMalformed is returned when a stored value is not a valid envelope.
var ErrMalformed = errors.New("encryption: malformed encrypted value")

// EncryptedData is one encrypted value: the ciphertext with its IV and GCM
// tag, plus the data key wrapped by master key Version.
type EncryptedData struct {
	Version    int    `json:"version"`
	WrappedKey []byte `json:"wrapped_key"`
	IV         []byte `json:"iv"`
	Ciphertext []byte `json:"ciphertext"`
	Tag        []byte `json:"tag"`
}

// String encodes the envelope for a text column:
// "v{version}:{wrappedKey}.{iv}.{ciphertext}.{tag}" in unpadded base64url.
func (d *EncryptedData) String() string {
	enc := base64.RawURLEncoding
	parts := []string{
		enc.EncodeToString(d.WrappedKey),
		enc.EncodeToString(d.IV),
		enc.EncodeToString(d.Ciphertext),
		enc.EncodeToString(d.Tag),
	}
	return versionPrefix + strconv.Itoa(d.Version) + versionSeparator + strings.Join(parts, partSeparator)
}

// ParseEncryptedData decodes the String form.
func ParseEncryptedData(s string) (*EncryptedData, error) {
	version, body, err := parseVersioned(s)
	if err != nil {
		return nil, err
	}

	parts := strings.Split(body, partSeparator)
	if len(parts) != 4 {
		return nil, fmt.Errorf("%w: expected 4 parts, got %d", ErrMalformed, len(parts))
	}

	decoded := make([][]byte, len(parts))
	for i, p := range parts {
		b, err := base64.RawURLEncoding.DecodeString(p)
		if err != nil {
			return nil, fmt.Errorf("%w: part %d: %v", ErrMalformed, i, err)
		}
		decoded[i] = b
	}

	return &EncryptedData{
		Version:    version,
		WrappedKey: decoded[0],
		IV:         decoded[1],
		Ciphertext: decoded[2],
		Tag:        decoded[3],
	}, nil
}

// IsEncrypted reports whether s looks like an encoded envelope.
func IsEncrypted(s string) bool {
	_, err := ParseEncryptedData(s)
	return err == nil
}

// HasEnvelopePrefix reports whether s starts with a "v{n}:" version tag,
// whether or not the rest of the envelope is intact.
func HasEnvelopePrefix(s string) bool {
	_, _, err := parseVersioned(s)
	return err == nil
}

func parseVersioned(s string) (int, string, error) {
	if !strings.HasPrefix(s, versionPrefix) {
		return 0, "", fmt.Errorf("%w: no version prefix", ErrMalformed)
	}

	idx := strings.Index(s, versionSeparator)
	if idx < 0 {
		return 0, "", fmt.Errorf("%w: no version separator", ErrMalformed)
	}

	version, err := strconv.Atoi(s[len(versionPrefix):idx])
	if err != nil || version <= 0 {
		return 0, "", fmt.Errorf("%w: invalid version", ErrMalformed)
	}

	return version, s[idx+1:], nil
}
