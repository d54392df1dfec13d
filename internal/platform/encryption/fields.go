package encryption

// DecryptionFailedPlaceholder replaces a field whose value cannot be decrypted.
const DecryptionFailedPlaceholder = "[ENCRYPTED DATA UNAVAILABLE]"

// FieldEncryptor is what repositories need to protect individual columns.
type FieldEncryptor interface {
	EncryptString(plaintext string) (string, error)
	DecryptString(encoded string) (string, error)
}

// Field names a string field of a record for the batch helpers.
type Field struct {
	Name  string
	Value *string
}

// EncryptFields encrypts every non-empty field in place. On error no field
// is modified.
func EncryptFields(enc FieldEncryptor, fields ...Field) error {
	out := make([]string, len(fields))
	for i, f := range fields {
		if f.Value == nil || *f.Value == "" {
			continue
		}
		encoded, err := enc.EncryptString(*f.Value)
		if err != nil {
			return &FieldError{Field: f.Name, Err: err}
		}
		out[i] = encoded
	}
	for i, f := range fields {
		if out[i] != "" {
			*f.Value = out[i]
		}
	}
	return nil
}

// DecryptFields decrypts every encrypted field in place. A field that fails
// to decrypt, including a damaged envelope that still carries a version tag,
// is set to DecryptionFailedPlaceholder and its name returned. Values without
// a version tag are left unchanged.
func DecryptFields(enc FieldEncryptor, fields ...Field) []string {
	var failed []string
	for _, f := range fields {
		if f.Value == nil || *f.Value == "" || !HasEnvelopePrefix(*f.Value) {
			continue
		}
		plaintext, err := enc.DecryptString(*f.Value)
		if err != nil {
			*f.Value = DecryptionFailedPlaceholder
			failed = append(failed, f.Name)
			continue
		}
		*f.Value = plaintext
	}
	return failed
}

// FieldError identifies the field that could not be encrypted.
type FieldError struct {
	Field string
	Err   error
}

func (e *FieldError) Error() string {
	return "encrypt field " + e.Field + ": " + e.Err.Error()
}

func (e *FieldError) Unwrap() error { return e.Err }

// Rewrapper re-wraps values encrypted under retired master keys.
type Rewrapper interface {
	NeedsRewrap(encoded string) bool
	Rewrap(encoded string) (string, error)
}

// RewrapFields re-wraps stale fields in place and reports whether any changed.
func RewrapFields(r Rewrapper, fields ...Field) (bool, error) {
	changed := false
	for _, f := range fields {
		if f.Value == nil || !r.NeedsRewrap(*f.Value) {
			continue
		}
		rewrapped, err := r.Rewrap(*f.Value)
		if err != nil {
			return changed, &FieldError{Field: f.Name, Err: err}
		}
		*f.Value = rewrapped
		changed = true
	}
	return changed, nil
}
