package gdpr

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/telecare/telecare/internal/platform/db"
)

var (
	ErrNoActiveConsent = errors.New("no active consent of this type")
	ErrInvalidConsent  = errors.New("invalid consent")
)

type ConsentType string

const (
	ConsentHealthData  ConsentType = "health_data_processing"
	ConsentMarketing   ConsentType = "marketing"
	ConsentCookies     ConsentType = "cookies"
	ConsentDataSharing ConsentType = "data_sharing"
)

// Legal bases under GDPR articles 6 and 9.
const (
	BasisHealthcare      = "article_9_2_h"
	BasisExplicitConsent = "article_9_2_a"
	BasisConsent         = "article_6_1_a"
	BasisContract        = "article_6_1_b"
)

func validConsentType(t ConsentType) bool {
	switch t {
	case ConsentHealthData, ConsentMarketing, ConsentCookies, ConsentDataSharing:
		return true
	}
	return false
}

func validLegalBasis(b string) bool {
	switch b {
	case BasisHealthcare, BasisExplicitConsent, BasisConsent, BasisContract:
		return true
	}
	return false
}

// Consent is one consent decision. A new decision of the same type
// supersedes the previous one, which is then marked withdrawn.
type Consent struct {
	ID              uuid.UUID   `json:"id"`
	UserID          uuid.UUID   `json:"userId"`
	Type            ConsentType `json:"consentType"`
	LegalBasis      string      `json:"legalBasis"`
	Given           bool        `json:"consentGiven"`
	GivenAt         time.Time   `json:"consentDate"`
	WithdrawnAt     *time.Time  `json:"consentWithdrawnDate,omitempty"`
	DocumentVersion string      `json:"documentVersion"`
	Purposes        []string    `json:"purposes"`
	IPAddress       string      `json:"ipAddress,omitempty"`
	UserAgent       string      `json:"userAgent,omitempty"`
	CreatedAt       time.Time   `json:"createdAt"`
	UpdatedAt       time.Time   `json:"updatedAt"`
}

// ProcessingRecord is an entry in the record of processing activities kept
// for each data subject (GDPR article 30).
type ProcessingRecord struct {
	ID               uuid.UUID           `json:"id"`
	UserID           uuid.UUID           `json:"userId"`
	Purpose          string              `json:"processingPurpose"`
	LegalBasis       string              `json:"legalBasis"`
	DataCategories   map[string][]string `json:"dataCategories"`
	RetentionPeriod  string              `json:"retentionPeriod"`
	Recipients       map[string][]string `json:"recipients"`
	SecurityMeasures map[string][]string `json:"securityMeasures"`
	RecordedBy       string              `json:"recordedBy"`
	CreatedAt        time.Time           `json:"createdAt"`
}

func (r *ProcessingRecord) validate() error {
	if r.UserID == uuid.Nil {
		return fmt.Errorf("processing record: user id is required")
	}
	if r.Purpose == "" {
		return fmt.Errorf("processing record: purpose is required")
	}
	if r.LegalBasis == "" {
		return fmt.Errorf("processing record: legal basis is required")
	}
	return nil
}

// healthcareProcessing is recorded when a patient consents to processing of
// their health data.
func healthcareProcessing(userID uuid.UUID, basis string) *ProcessingRecord {
	return &ProcessingRecord{
		UserID:     userID,
		Purpose:    "Healthcare provision and medical consultation",
		LegalBasis: basis,
		DataCategories: map[string][]string{
			"special":  {"health_data", "medical_history"},
			"personal": {"name", "contact_details", "date_of_birth"},
		},
		RetentionPeriod: "10 years after last consultation",
		Recipients: map[string][]string{
			"internal": {"healthcare_professionals", "support_staff"},
			"external": {"payment_processors", "video_platform"},
		},
		SecurityMeasures: map[string][]string{
			"technical":      {"encryption", "access_control", "audit_logging"},
			"organizational": {"staff_training", "confidentiality_agreements"},
		},
	}
}

// accessRequestProcessing is recorded for each export handed to the data
// subject or to an administrator on their behalf.
func accessRequestProcessing(userID uuid.UUID, exportedBy string) *ProcessingRecord {
	return &ProcessingRecord{
		UserID:     userID,
		Purpose:    "Data subject access and portability request",
		LegalBasis: "article_15",
		DataCategories: map[string][]string{
			"special":  {"health_data", "medical_history"},
			"personal": {"name", "contact_details", "date_of_birth", "membership"},
		},
		RetentionPeriod: "6 years",
		Recipients: map[string][]string{
			"internal": {exportedBy},
		},
		SecurityMeasures: map[string][]string{
			"technical": {"transport_encryption", "checksum"},
		},
		RecordedBy: exportedBy,
	}
}

// ConsentStore persists consents and processing records.
type ConsentStore interface {
	CreateConsent(ctx context.Context, c *Consent) error
	// ActiveConsent returns the latest not-withdrawn consent of the type.
	ActiveConsent(ctx context.Context, userID uuid.UUID, t ConsentType) (*Consent, error)
	WithdrawConsent(ctx context.Context, id uuid.UUID, at time.Time) error
	ListConsents(ctx context.Context, userID uuid.UUID, activeOnly bool) ([]*Consent, error)

	RecordProcessing(ctx context.Context, r *ProcessingRecord) error
	ListProcessing(ctx context.Context, userID uuid.UUID, from, to time.Time) ([]*ProcessingRecord, error)
}

// WithConsents enables consent management and the processing ledger.
func (s *Service) WithConsents(store ConsentStore, tx db.Transactor) *Service {
	s.consents = store
	s.tx = tx
	return s
}

type GrantRequest struct {
	Type            ConsentType `json:"consentType"`
	LegalBasis      string      `json:"legalBasis"`
	Given           bool        `json:"consentGiven"`
	DocumentVersion string      `json:"documentVersion"`
	Purposes        []string    `json:"purposes"`
	IPAddress       string      `json:"-"`
	UserAgent       string      `json:"-"`
}

func (r GrantRequest) validate() error {
	if !validConsentType(r.Type) {
		return fmt.Errorf("%w: consentType must be health_data_processing, marketing, cookies or data_sharing", ErrInvalidConsent)
	}
	if !validLegalBasis(r.LegalBasis) {
		return fmt.Errorf("%w: unknown legalBasis %q", ErrInvalidConsent, r.LegalBasis)
	}
	if r.DocumentVersion == "" {
		return fmt.Errorf("%w: documentVersion is required", ErrInvalidConsent)
	}
	return nil
}

// GrantConsent records a consent decision, superseding any active decision
// of the same type. Consent to health data processing also enters the
// processing ledger.
func (s *Service) GrantConsent(ctx context.Context, userID uuid.UUID, req GrantRequest) (*Consent, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	c := &Consent{
		UserID:          userID,
		Type:            req.Type,
		LegalBasis:      req.LegalBasis,
		Given:           req.Given,
		GivenAt:         now,
		DocumentVersion: req.DocumentVersion,
		Purposes:        req.Purposes,
		IPAddress:       req.IPAddress,
		UserAgent:       req.UserAgent,
	}
	if c.Purposes == nil {
		c.Purposes = []string{}
	}

	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		prev, err := s.consents.ActiveConsent(ctx, userID, req.Type)
		switch {
		case err == nil:
			if err := s.consents.WithdrawConsent(ctx, prev.ID, now); err != nil {
				return err
			}
		case !errors.Is(err, ErrNoActiveConsent):
			return err
		}
		if err := s.consents.CreateConsent(ctx, c); err != nil {
			return err
		}
		if req.Type == ConsentHealthData && req.Given {
			rec := healthcareProcessing(userID, req.LegalBasis)
			rec.RecordedBy = userID.String()
			return s.recordProcessing(ctx, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("user_id", userID.String()).
		Str("consent_type", string(c.Type)).
		Bool("given", c.Given).
		Msg("consent recorded")
	return c, nil
}

// WithdrawConsent marks the active consent of the type withdrawn.
func (s *Service) WithdrawConsent(ctx context.Context, userID uuid.UUID, t ConsentType) (*Consent, error) {
	if !validConsentType(t) {
		return nil, fmt.Errorf("%w: unknown consentType %q", ErrInvalidConsent, t)
	}
	var c *Consent
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		c, err = s.consents.ActiveConsent(ctx, userID, t)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		if err := s.consents.WithdrawConsent(ctx, c.ID, now); err != nil {
			return err
		}
		c.WithdrawnAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("user_id", userID.String()).
		Str("consent_type", string(t)).
		Msg("consent withdrawn")
	return c, nil
}

// CurrentConsents returns the user's active decisions, newest first.
func (s *Service) CurrentConsents(ctx context.Context, userID uuid.UUID) ([]*Consent, error) {
	return s.consents.ListConsents(ctx, userID, true)
}

// ConsentHistory returns every decision including withdrawn ones.
func (s *Service) ConsentHistory(ctx context.Context, userID uuid.UUID) ([]*Consent, error) {
	return s.consents.ListConsents(ctx, userID, false)
}

// ProcessingRecords lists the user's processing ledger within [from, to];
// zero bounds are open.
func (s *Service) ProcessingRecords(ctx context.Context, userID uuid.UUID, from, to time.Time) ([]*ProcessingRecord, error) {
	recs, err := s.consents.ListProcessing(ctx, userID, from, to)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].CreatedAt.After(recs[j].CreatedAt) })
	return recs, nil
}

// ConsentsEnabled reports whether a consent store is configured.
func (s *Service) ConsentsEnabled() bool { return s.consents != nil }

func (s *Service) recordProcessing(ctx context.Context, rec *ProcessingRecord) error {
	if err := rec.validate(); err != nil {
		return err
	}
	return s.consents.RecordProcessing(ctx, rec)
}
