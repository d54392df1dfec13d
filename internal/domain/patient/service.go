package patient

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/telecare/telecare/internal/domain/membership"
	"github.com/telecare/telecare/internal/platform/encryption"
)

// Cipher is the subset of the encryption service the patient store needs.
type Cipher interface {
	encryption.FieldEncryptor
	encryption.Rewrapper
	BlindIndex(value string) string
}

type Service struct {
	repo   Repository
	cipher Cipher
	logger zerolog.Logger
	now    func() time.Time
}

func NewService(repo Repository, cipher Cipher, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		cipher: cipher,
		logger: logger.With().Str("component", "patient").Logger(),
		now:    time.Now,
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func sensitiveFields(p *Patient) []encryption.Field {
	return []encryption.Field{
		{Name: "email", Value: &p.Email},
		{Name: "phone", Value: p.Phone},
		{Name: "date_of_birth", Value: p.DateOfBirth},
		{Name: "address", Value: p.Address},
	}
}

func clonePtr(v *string) *string {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// encrypt returns an encrypted copy of p; p itself keeps plaintext.
func (s *Service) encrypt(p *Patient) (*Patient, error) {
	stored := *p
	stored.Phone = clonePtr(p.Phone)
	stored.DateOfBirth = clonePtr(p.DateOfBirth)
	stored.Address = clonePtr(p.Address)
	if err := encryption.EncryptFields(s.cipher, sensitiveFields(&stored)...); err != nil {
		return nil, err
	}
	return &stored, nil
}

func (s *Service) decrypt(p *Patient) *Patient {
	if failed := encryption.DecryptFields(s.cipher, sensitiveFields(p)...); len(failed) > 0 {
		s.logger.Error().Str("patient_id", p.ID.String()).Strs("fields", failed).Msg("patient fields could not be decrypted")
	}
	return p
}

// Create registers a patient. The email must be unique among non-erased patients.
func (s *Service) Create(ctx context.Context, p *Patient) (*Patient, error) {
	p.Email = normalizeEmail(p.Email)
	if _, err := mail.ParseAddress(p.Email); err != nil {
		return nil, fmt.Errorf("%w: email %q", ErrInvalid, p.Email)
	}
	p.Country = strings.ToUpper(strings.TrimSpace(p.Country))
	if len(p.Country) > 2 {
		return nil, fmt.Errorf("%w: country must be an ISO 3166 alpha-2 code", ErrInvalid)
	}
	p.EmailIndex = s.cipher.BlindIndex(p.Email)

	if _, err := s.repo.GetByEmailIndex(ctx, p.EmailIndex); err == nil {
		return nil, ErrEmailTaken
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	stored, err := s.encrypt(p)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, stored); err != nil {
		return nil, err
	}
	p.ID = stored.ID
	p.CreatedAt = stored.CreatedAt
	p.UpdatedAt = stored.UpdatedAt
	return p, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Patient, error) {
	p, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.decrypt(p), nil
}

func (s *Service) GetByEmail(ctx context.Context, email string) (*Patient, error) {
	p, err := s.repo.GetByEmailIndex(ctx, s.cipher.BlindIndex(normalizeEmail(email)))
	if err != nil {
		return nil, err
	}
	return s.decrypt(p), nil
}

// Update applies req to the stored row. Only the sensitive fields named in
// req are re-encrypted; every other ciphertext is written back untouched, so
// a value this process cannot decrypt is never replaced.
func (s *Service) Update(ctx context.Context, id uuid.UUID, req UpdateRequest) (*Patient, error) {
	if req.DateOfBirth != nil {
		if _, err := time.Parse("2006-01-02", *req.DateOfBirth); err != nil {
			return nil, fmt.Errorf("%w: dateOfBirth must be YYYY-MM-DD", ErrInvalid)
		}
	}

	stored, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if stored.Erased() {
		return nil, ErrErased
	}

	if req.FirstName != nil {
		stored.FirstName = strings.TrimSpace(*req.FirstName)
	}
	if req.LastName != nil {
		stored.LastName = strings.TrimSpace(*req.LastName)
	}
	if req.Country != nil {
		stored.Country = strings.ToUpper(strings.TrimSpace(*req.Country))
	}

	var changed []encryption.Field
	if req.Phone != nil {
		stored.Phone = clonePtr(req.Phone)
		changed = append(changed, encryption.Field{Name: "phone", Value: stored.Phone})
	}
	if req.DateOfBirth != nil {
		stored.DateOfBirth = clonePtr(req.DateOfBirth)
		changed = append(changed, encryption.Field{Name: "date_of_birth", Value: stored.DateOfBirth})
	}
	if req.Address != nil {
		stored.Address = clonePtr(req.Address)
		changed = append(changed, encryption.Field{Name: "address", Value: stored.Address})
	}
	if err := encryption.EncryptFields(s.cipher, changed...); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, stored); err != nil {
		return nil, err
	}

	out := *stored
	out.Phone = clonePtr(stored.Phone)
	out.DateOfBirth = clonePtr(stored.DateOfBirth)
	out.Address = clonePtr(stored.Address)
	return s.decrypt(&out), nil
}

// Pseudonymize replaces identifying data with placeholders and marks the
// patient erased. The row stays so appointments and payments still resolve.
func (s *Service) Pseudonymize(ctx context.Context, id uuid.UUID) error {
	p, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if p.Erased() {
		return nil
	}

	now := s.now()
	erasedEmail := fmt.Sprintf("erased-%s@erased.invalid", id)
	p.Email = erasedEmail
	p.EmailIndex = s.cipher.BlindIndex(erasedEmail)
	p.FirstName = "Erased"
	p.LastName = "Patient"
	p.Phone = nil
	p.DateOfBirth = nil
	p.Address = nil
	p.ErasedAt = &now
	if err := s.repo.Update(ctx, p); err != nil {
		return fmt.Errorf("pseudonymize patient: %w", err)
	}
	s.logger.Info().Str("patient_id", id.String()).Msg("patient pseudonymized")
	return nil
}

// Rewrap re-wraps every encrypted patient field still under a retired key.
// It returns the number of patients updated.
func (s *Service) Rewrap(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	updated := 0
	after := uuid.Nil
	for {
		batch, err := s.repo.ListAfter(ctx, after, batchSize)
		if err != nil {
			return updated, err
		}
		for _, p := range batch {
			changed, err := encryption.RewrapFields(s.cipher, sensitiveFields(p)...)
			if err != nil {
				return updated, fmt.Errorf("patient %s: %w", p.ID, err)
			}
			if !changed {
				continue
			}
			if err := s.repo.Update(ctx, p); err != nil {
				return updated, err
			}
			updated++
		}
		if len(batch) < batchSize {
			return updated, nil
		}
		after = batch[len(batch)-1].ID
	}
}

// ContactForPatient returns the email and first name used for notifications.
func (s *Service) ContactForPatient(ctx context.Context, id uuid.UUID) (*membership.Contact, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Erased() || p.Email == encryption.DecryptionFailedPlaceholder {
		return &membership.Contact{FirstName: p.FirstName}, nil
	}
	return &membership.Contact{Email: p.Email, FirstName: p.FirstName}, nil
}

func (s *Service) PatientIDForStripeCustomer(ctx context.Context, customerID string) (uuid.UUID, error) {
	p, err := s.repo.GetByStripeCustomer(ctx, customerID)
	if err != nil {
		return uuid.Nil, err
	}
	return p.ID, nil
}
