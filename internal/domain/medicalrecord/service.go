package medicalrecord

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/telecare/telecare/internal/platform/encryption"
)

type Cipher interface {
	encryption.FieldEncryptor
	encryption.Rewrapper
}

type Service struct {
	repo   Repository
	cipher Cipher
	logger zerolog.Logger
}

func NewService(repo Repository, cipher Cipher, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		cipher: cipher,
		logger: logger.With().Str("component", "medical_records").Logger(),
	}
}

func clinicalFields(r *Record) []encryption.Field {
	return []encryption.Field{
		{Name: "diagnosis", Value: &r.Diagnosis},
		{Name: "notes", Value: &r.Notes},
		{Name: "prescription", Value: &r.Prescription},
	}
}

func (s *Service) decrypt(r *Record) *Record {
	if failed := encryption.DecryptFields(s.cipher, clinicalFields(r)...); len(failed) > 0 {
		r.Unreadable = failed
		s.logger.Error().Str("record_id", r.ID.String()).Strs("fields", failed).Msg("medical record fields could not be decrypted")
	}
	return r
}

// Create stores a record written by doctorID.
func (s *Service) Create(ctx context.Context, doctorID uuid.UUID, req CreateRequest) (*Record, error) {
	if req.PatientID == uuid.Nil || doctorID == uuid.Nil {
		return nil, fmt.Errorf("%w: patient and doctor are required", ErrInvalid)
	}
	if strings.TrimSpace(req.Diagnosis) == "" {
		return nil, fmt.Errorf("%w: diagnosis is required", ErrInvalid)
	}

	stored := &Record{
		ID:            uuid.New(),
		PatientID:     req.PatientID,
		DoctorID:      doctorID,
		AppointmentID: req.AppointmentID,
		Diagnosis:     req.Diagnosis,
		Notes:         req.Notes,
		Prescription:  req.Prescription,
	}
	if err := encryption.EncryptFields(s.cipher, clinicalFields(stored)...); err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, stored); err != nil {
		return nil, fmt.Errorf("create medical record: %w", err)
	}

	out := *stored
	out.Diagnosis, out.Notes, out.Prescription = req.Diagnosis, req.Notes, req.Prescription
	return &out, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	r, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.decrypt(r), nil
}

func (s *Service) ListForPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Record, int, error) {
	items, total, err := s.repo.ListForPatient(ctx, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	for _, r := range items {
		s.decrypt(r)
	}
	return items, total, nil
}

// Rewrap re-encrypts records still under a retired key and returns how many
// were updated.
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
		for _, r := range batch {
			changed, err := encryption.RewrapFields(s.cipher, clinicalFields(r)...)
			if err != nil {
				return updated, fmt.Errorf("medical record %s: %w", r.ID, err)
			}
			if !changed {
				continue
			}
			if err := s.repo.Update(ctx, r); err != nil {
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
