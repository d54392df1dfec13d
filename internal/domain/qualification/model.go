// Package qualification records doctors' professional credentials for
// cross-border practice in the EU: qualifications, malpractice insurance,
// cross-border declarations and the European Professional Card.
package qualification

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalid           = errors.New("invalid request")
	ErrForbidden         = errors.New("not allowed to manage this doctor's credentials")
	ErrInvalidTransition = errors.New("invalid verification status transition")
)

type Type string

const (
	TypeMedicalDegree Type = "medical_degree"
	TypeSpecialty     Type = "specialty_certification"
	TypeLicense       Type = "license"
)

func (t Type) Valid() bool {
	return t == TypeMedicalDegree || t == TypeSpecialty || t == TypeLicense
}

type Status string

const (
	StatusPending  Status = "pending"
	StatusVerified Status = "verified"
	StatusExpired  Status = "expired"
	StatusRevoked  Status = "revoked"
	StatusRejected Status = "rejected"
)

// Recognition under the EU professional qualifications directive.
const (
	RecognitionAutomatic     = "automatic"
	RecognitionGeneralSystem = "general_system"
	RecognitionNone          = "not_recognized"
)

type Qualification struct {
	ID                    uuid.UUID  `json:"id"`
	DoctorID              uuid.UUID  `json:"doctorId"`
	Type                  Type       `json:"qualificationType"`
	IssuingAuthority      string     `json:"issuingAuthority"`
	Number                string     `json:"qualificationNumber"`
	IssueDate             *time.Time `json:"issueDate,omitempty"`
	ExpiryDate            *time.Time `json:"expiryDate,omitempty"`
	VerificationStatus    Status     `json:"verificationStatus"`
	VerificationDate      *time.Time `json:"verificationDate,omitempty"`
	VerificationMethod    *string    `json:"verificationMethod,omitempty"`
	VerificationReference *string    `json:"verificationReference,omitempty"`
	EURecognitionStatus   *string    `json:"euRecognitionStatus,omitempty"`
	HomeMemberState       *string    `json:"homeMemberState,omitempty"`
	HostMemberStates      []string   `json:"hostMemberStates"`
	Country               *string    `json:"qualificationCountry,omitempty"`
	Specialization        *string    `json:"specialization,omitempty"`
	InstitutionName       *string    `json:"institutionName,omitempty"`
	CreatedAt             time.Time  `json:"createdAt"`
	UpdatedAt             time.Time  `json:"updatedAt"`
}

// ExpiredAt reports whether the qualification is past its expiry date or
// already marked expired.
func (q *Qualification) ExpiredAt(now time.Time) bool {
	if q.VerificationStatus == StatusExpired {
		return true
	}
	return q.ExpiryDate != nil && q.ExpiryDate.Before(truncateDay(now))
}

type Insurance struct {
	ID                  uuid.UUID       `json:"id"`
	DoctorID            uuid.UUID       `json:"doctorId"`
	Provider            string          `json:"insuranceProvider"`
	PolicyNumber        string          `json:"policyNumber"`
	CoverageAmount      decimal.Decimal `json:"coverageAmount"`
	CoverageCurrency    string          `json:"coverageCurrency"`
	CoverageTerritory   string          `json:"coverageTerritory"`
	CoverageType        *string         `json:"coverageType,omitempty"`
	EffectiveDate       time.Time       `json:"effectiveDate"`
	ExpiryDate          time.Time       `json:"expiryDate"`
	VerificationStatus  Status          `json:"verificationStatus"`
	VerificationDate    *time.Time      `json:"verificationDate,omitempty"`
	VerificationNotes   *string         `json:"verificationNotes,omitempty"`
	MeetsEURequirements bool            `json:"meetsEuRequirements"`
	CreatedAt           time.Time       `json:"createdAt"`
	UpdatedAt           time.Time       `json:"updatedAt"`
}

// ValidOn reports whether the policy is in force on the given day.
func (i *Insurance) ValidOn(day time.Time) bool {
	day = truncateDay(day)
	return !i.EffectiveDate.After(day) && !i.ExpiryDate.Before(day)
}

type DeclarationType string

const (
	DeclarationTemporary DeclarationType = "temporary_provision"
	DeclarationPermanent DeclarationType = "permanent_establishment"
)

type DeclarationStatus string

const (
	DeclarationPending  DeclarationStatus = "pending"
	DeclarationApproved DeclarationStatus = "approved"
	DeclarationRejected DeclarationStatus = "rejected"
	DeclarationExpired  DeclarationStatus = "expired"
)

type Declaration struct {
	ID                uuid.UUID         `json:"id"`
	DoctorID          uuid.UUID         `json:"doctorId"`
	Type              DeclarationType   `json:"declarationType"`
	HomeMemberState   string            `json:"homeMemberState"`
	HostMemberState   string            `json:"hostMemberState"`
	DeclarationDate   time.Time         `json:"declarationDate"`
	ValidityStart     time.Time         `json:"validityStartDate"`
	ValidityEnd       *time.Time        `json:"validityEndDate,omitempty"`
	ServicesToProvide []string          `json:"servicesToProvide"`
	Status            DeclarationStatus `json:"status"`
	ApprovalDate      *time.Time        `json:"approvalDate,omitempty"`
	RejectionReason   *string           `json:"rejectionReason,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
}

// ActiveOn reports whether an approved declaration covers the given day.
func (d *Declaration) ActiveOn(day time.Time) bool {
	if d.Status != DeclarationApproved {
		return false
	}
	day = truncateDay(day)
	return !d.ValidityStart.After(day) && (d.ValidityEnd == nil || !d.ValidityEnd.Before(day))
}

// ProfessionalCard is a European Professional Card. A doctor holds at most one.
type ProfessionalCard struct {
	ID                    uuid.UUID `json:"id"`
	DoctorID              uuid.UUID `json:"doctorId"`
	Number                string    `json:"epcNumber"`
	IssueDate             time.Time `json:"issueDate"`
	ExpiryDate            time.Time `json:"expiryDate"`
	IssuingAuthority      *string   `json:"issuingAuthority,omitempty"`
	IssuingCountry        *string   `json:"issuingCountry,omitempty"`
	ProfessionalTitle     *string   `json:"professionalTitle,omitempty"`
	Specializations       []string  `json:"specializations"`
	RecognizedInCountries []string  `json:"recognizedInCountries"`
	CreatedAt             time.Time `json:"createdAt"`
	UpdatedAt             time.Time `json:"updatedAt"`
}

// VerificationLog is one verification attempt against a qualification.
type VerificationLog struct {
	ID              uuid.UUID `json:"id"`
	DoctorID        uuid.UUID `json:"doctorId"`
	QualificationID uuid.UUID `json:"qualificationId"`
	Type            string    `json:"verificationType"`
	Source          string    `json:"source"`
	Result          Status    `json:"result"`
	Reference       *string   `json:"reference,omitempty"`
	VerifiedBy      *string   `json:"verifiedBy,omitempty"`
	Notes           *string   `json:"notes,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

type QualificationCounts struct {
	Total    int `json:"total"`
	Verified int `json:"verified"`
	Expired  int `json:"expired"`
}

type InsuranceSummary struct {
	HasValidInsurance bool       `json:"hasValidInsurance"`
	Verified          bool       `json:"verified"`
	ExpiryDate        *time.Time `json:"expiryDate"`
}

type CardSummary struct {
	HasCard    bool       `json:"hasCard"`
	CardNumber *string    `json:"cardNumber"`
	ExpiryDate *time.Time `json:"expiryDate"`
}

type CrossBorderSummary struct {
	ActiveDeclarations int      `json:"activeDeclarations"`
	Countries          []string `json:"countries"`
}

// VerificationSummary is the practice readiness of one doctor. A doctor may
// practice once at least one qualification is verified and a verified
// insurance policy is in force.
type VerificationSummary struct {
	DoctorID       uuid.UUID           `json:"doctorId"`
	Qualifications QualificationCounts `json:"qualifications"`
	Insurance      InsuranceSummary    `json:"insurance"`
	Card           CardSummary         `json:"euProfessionalCard"`
	CrossBorder    CrossBorderSummary  `json:"crossBorderPractice"`
	OverallStatus  Status              `json:"overallStatus"`
	CanPractice    bool                `json:"canPractice"`
}

// RegistryResult is the answer of an EU qualifications registry lookup.
type RegistryResult struct {
	Verified            bool      `json:"verified"`
	Database            string    `json:"database"`
	Reference           string    `json:"reference"`
	RecognitionStatus   string    `json:"recognitionStatus"`
	RecognizedCountries []string  `json:"recognizedCountries"`
	CheckedAt           time.Time `json:"timestamp"`
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
