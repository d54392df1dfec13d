package qualification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/telecare/telecare/internal/platform/db"
)

// Actor is the caller. Doctors manage their own credentials; admins manage
// anyone's and are the only ones who verify.
type Actor struct {
	UserID uuid.UUID
	Admin  bool
}

func (a Actor) canManage(doctorID uuid.UUID) error {
	if a.Admin || a.UserID == doctorID {
		return nil
	}
	return ErrForbidden
}

type Service struct {
	repo     Repository
	registry Registry
	tx       db.Transactor
	logger   zerolog.Logger
	now      func() time.Time
}

func NewService(repo Repository, registry Registry, tx db.Transactor, logger zerolog.Logger) *Service {
	return &Service{
		repo:     repo,
		registry: registry,
		tx:       tx,
		logger:   logger.With().Str("component", "qualifications").Logger(),
		now:      time.Now,
	}
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// -- qualifications --

type QualificationInput struct {
	Type             Type       `json:"qualificationType"`
	IssuingAuthority string     `json:"issuingAuthority"`
	Number           string     `json:"qualificationNumber"`
	IssueDate        *time.Time `json:"issueDate"`
	ExpiryDate       *time.Time `json:"expiryDate"`
	HomeMemberState  string     `json:"homeMemberState"`
	Country          string     `json:"qualificationCountry"`
	Specialization   string     `json:"specialization"`
	InstitutionName  string     `json:"institutionName"`
}

func (in QualificationInput) validate() error {
	if !in.Type.Valid() {
		return fmt.Errorf("%w: qualificationType must be medical_degree, specialty_certification or license", ErrInvalid)
	}
	if strings.TrimSpace(in.IssuingAuthority) == "" || strings.TrimSpace(in.Number) == "" {
		return fmt.Errorf("%w: issuingAuthority and qualificationNumber are required", ErrInvalid)
	}
	if in.IssueDate != nil && in.ExpiryDate != nil && in.ExpiryDate.Before(*in.IssueDate) {
		return fmt.Errorf("%w: expiryDate is before issueDate", ErrInvalid)
	}
	return nil
}

func (s *Service) AddQualification(ctx context.Context, actor Actor, doctorID uuid.UUID, in QualificationInput) (*Qualification, error) {
	if err := actor.canManage(doctorID); err != nil {
		return nil, err
	}
	if err := in.validate(); err != nil {
		return nil, err
	}
	q := &Qualification{
		DoctorID:           doctorID,
		Type:               in.Type,
		IssuingAuthority:   strings.TrimSpace(in.IssuingAuthority),
		Number:             strings.TrimSpace(in.Number),
		IssueDate:          in.IssueDate,
		ExpiryDate:         in.ExpiryDate,
		VerificationStatus: StatusPending,
		HomeMemberState:    strPtr(strings.ToUpper(strings.TrimSpace(in.HomeMemberState))),
		HostMemberStates:   []string{},
		Country:            strPtr(in.Country),
		Specialization:     strPtr(in.Specialization),
		InstitutionName:    strPtr(in.InstitutionName),
	}
	if err := s.repo.CreateQualification(ctx, q); err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("doctor_id", doctorID.String()).
		Str("qualification_id", q.ID.String()).
		Msg("qualification added")
	return q, nil
}

func (s *Service) ListQualifications(ctx context.Context, doctorID uuid.UUID) ([]*Qualification, error) {
	return s.repo.ListQualifications(ctx, doctorID)
}

// QualificationPatch changes descriptive fields. Verification fields are
// only set through VerifyQualification and EUVerify.
type QualificationPatch struct {
	IssuingAuthority *string    `json:"issuingAuthority"`
	Number           *string    `json:"qualificationNumber"`
	IssueDate        *time.Time `json:"issueDate"`
	ExpiryDate       *time.Time `json:"expiryDate"`
	HomeMemberState  *string    `json:"homeMemberState"`
	Country          *string    `json:"qualificationCountry"`
	Specialization   *string    `json:"specialization"`
	InstitutionName  *string    `json:"institutionName"`
}

// UpdateQualification applies patch. Changing what was verified (authority,
// number, dates or home state) sends the qualification back to pending.
func (s *Service) UpdateQualification(ctx context.Context, actor Actor, id uuid.UUID, patch QualificationPatch) (*Qualification, error) {
	var q *Qualification
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		q, err = s.repo.GetQualification(ctx, id)
		if err != nil {
			return err
		}
		if err := actor.canManage(q.DoctorID); err != nil {
			return err
		}

		reverify := false
		if patch.IssuingAuthority != nil && *patch.IssuingAuthority != q.IssuingAuthority {
			q.IssuingAuthority = strings.TrimSpace(*patch.IssuingAuthority)
			reverify = true
		}
		if patch.Number != nil && *patch.Number != q.Number {
			q.Number = strings.TrimSpace(*patch.Number)
			reverify = true
		}
		if patch.IssueDate != nil {
			q.IssueDate = patch.IssueDate
			reverify = true
		}
		if patch.ExpiryDate != nil {
			q.ExpiryDate = patch.ExpiryDate
			reverify = true
		}
		if patch.HomeMemberState != nil {
			q.HomeMemberState = strPtr(strings.ToUpper(strings.TrimSpace(*patch.HomeMemberState)))
			reverify = true
		}
		if patch.Country != nil {
			q.Country = strPtr(*patch.Country)
		}
		if patch.Specialization != nil {
			q.Specialization = strPtr(*patch.Specialization)
		}
		if patch.InstitutionName != nil {
			q.InstitutionName = strPtr(*patch.InstitutionName)
		}
		if q.IssuingAuthority == "" || q.Number == "" {
			return fmt.Errorf("%w: issuingAuthority and qualificationNumber are required", ErrInvalid)
		}
		if q.IssueDate != nil && q.ExpiryDate != nil && q.ExpiryDate.Before(*q.IssueDate) {
			return fmt.Errorf("%w: expiryDate is before issueDate", ErrInvalid)
		}
		if reverify && q.VerificationStatus == StatusVerified {
			q.VerificationStatus = StatusPending
			q.VerificationDate = nil
			q.VerificationMethod = nil
			q.VerificationReference = nil
		}
		return s.repo.UpdateQualification(ctx, q)
	})
	if err != nil {
		return nil, err
	}
	return q, nil
}

type VerifyRequest struct {
	Status    Status `json:"status"`
	Method    string `json:"verificationMethod"`
	Reference string `json:"verificationReference"`
	Notes     string `json:"notes"`
}

// VerifyQualification records a manual review outcome. Status defaults to
// verified; an expired qualification cannot be verified.
func (s *Service) VerifyQualification(ctx context.Context, adminID string, id uuid.UUID, req VerifyRequest) (*Qualification, error) {
	if req.Status == "" {
		req.Status = StatusVerified
	}
	switch req.Status {
	case StatusVerified, StatusRejected, StatusRevoked:
	default:
		return nil, fmt.Errorf("%w: status must be verified, rejected or revoked", ErrInvalid)
	}
	method := req.Method
	if method == "" {
		method = "manual_review"
	}

	var q *Qualification
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		q, err = s.repo.GetQualification(ctx, id)
		if err != nil {
			return err
		}
		now := s.now()
		if req.Status == StatusVerified && q.ExpiredAt(now) {
			return fmt.Errorf("%w: qualification has expired", ErrInvalidTransition)
		}
		if q.VerificationStatus == StatusRevoked && req.Status != StatusRevoked {
			return fmt.Errorf("%w: qualification was revoked", ErrInvalidTransition)
		}

		day := truncateDay(now)
		q.VerificationStatus = req.Status
		q.VerificationDate = &day
		q.VerificationMethod = &method
		q.VerificationReference = strPtr(req.Reference)
		if err := s.repo.UpdateQualification(ctx, q); err != nil {
			return err
		}
		return s.repo.AddVerificationLog(ctx, &VerificationLog{
			DoctorID:        q.DoctorID,
			QualificationID: q.ID,
			Type:            "manual",
			Source:          method,
			Result:          req.Status,
			Reference:       strPtr(req.Reference),
			VerifiedBy:      strPtr(adminID),
			Notes:           strPtr(req.Notes),
		})
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("qualification_id", id.String()).
		Str("status", string(q.VerificationStatus)).
		Msg("qualification reviewed")
	return q, nil
}

type EUVerifyResult struct {
	Success       bool            `json:"success"`
	Result        *RegistryResult `json:"verificationResult"`
	Qualification *Qualification  `json:"qualification"`
}

// EUVerify checks the qualification against the EU registry. A positive
// answer verifies it and records where it is recognized; every attempt is
// logged.
func (s *Service) EUVerify(ctx context.Context, adminID string, id uuid.UUID) (*EUVerifyResult, error) {
	q, err := s.repo.GetQualification(ctx, id)
	if err != nil {
		return nil, err
	}
	if q.VerificationStatus == StatusRevoked {
		return nil, fmt.Errorf("%w: qualification was revoked", ErrInvalidTransition)
	}
	res, err := s.registry.Lookup(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("registry lookup: %w", err)
	}

	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		result := StatusRejected
		if res.Verified {
			result = StatusVerified
			day := truncateDay(s.now())
			method := "EU Database Check"
			recognition := res.RecognitionStatus
			q.VerificationStatus = StatusVerified
			q.VerificationDate = &day
			q.VerificationMethod = &method
			q.VerificationReference = &res.Reference
			q.EURecognitionStatus = &recognition
			q.HostMemberStates = res.RecognizedCountries
			if err := s.repo.UpdateQualification(ctx, q); err != nil {
				return err
			}
		}
		return s.repo.AddVerificationLog(ctx, &VerificationLog{
			DoctorID:        q.DoctorID,
			QualificationID: q.ID,
			Type:            "api_check",
			Source:          res.Database,
			Result:          result,
			Reference:       &res.Reference,
			VerifiedBy:      strPtr(adminID),
		})
	})
	if err != nil {
		return nil, err
	}
	return &EUVerifyResult{Success: res.Verified, Result: res, Qualification: q}, nil
}

func (s *Service) ListVerificationLogs(ctx context.Context, qualificationID uuid.UUID) ([]*VerificationLog, error) {
	if _, err := s.repo.GetQualification(ctx, qualificationID); err != nil {
		return nil, err
	}
	return s.repo.ListVerificationLogs(ctx, qualificationID)
}

// ExpireQualifications marks verified qualifications past their expiry date
// as expired and returns how many changed.
func (s *Service) ExpireQualifications(ctx context.Context, now time.Time) (int, error) {
	due, err := s.repo.ListVerifiedExpiringBefore(ctx, truncateDay(now))
	if err != nil {
		return 0, err
	}
	n := 0
	for _, q := range due {
		q.VerificationStatus = StatusExpired
		if err := s.repo.UpdateQualification(ctx, q); err != nil {
			s.logger.Error().Err(err).Str("qualification_id", q.ID.String()).Msg("failed to expire qualification")
			continue
		}
		n++
	}
	if n > 0 {
		s.logger.Info().Int("expired", n).Msg("qualifications expired")
	}
	return n, nil
}

// ExpireNow has the shape of a scheduled job.
func (s *Service) ExpireNow(ctx context.Context) error {
	_, err := s.ExpireQualifications(ctx, s.now())
	return err
}

// -- insurance --

type InsuranceInput struct {
	Provider            string          `json:"insuranceProvider"`
	PolicyNumber        string          `json:"policyNumber"`
	CoverageAmount      decimal.Decimal `json:"coverageAmount"`
	CoverageCurrency    string          `json:"coverageCurrency"`
	CoverageTerritory   string          `json:"coverageTerritory"`
	CoverageType        string          `json:"coverageType"`
	EffectiveDate       time.Time       `json:"effectiveDate"`
	ExpiryDate          time.Time       `json:"expiryDate"`
	MeetsEURequirements bool            `json:"meetsEuRequirements"`
}

func (s *Service) AddInsurance(ctx context.Context, actor Actor, doctorID uuid.UUID, in InsuranceInput) (*Insurance, error) {
	if err := actor.canManage(doctorID); err != nil {
		return nil, err
	}
	if in.Provider == "" || in.PolicyNumber == "" || in.CoverageTerritory == "" {
		return nil, fmt.Errorf("%w: insuranceProvider, policyNumber and coverageTerritory are required", ErrInvalid)
	}
	if in.EffectiveDate.IsZero() || in.ExpiryDate.IsZero() || in.ExpiryDate.Before(in.EffectiveDate) {
		return nil, fmt.Errorf("%w: effectiveDate must not be after expiryDate", ErrInvalid)
	}
	if in.CoverageAmount.IsNegative() {
		return nil, fmt.Errorf("%w: coverageAmount must not be negative", ErrInvalid)
	}
	if in.CoverageCurrency == "" {
		in.CoverageCurrency = "EUR"
	}
	i := &Insurance{
		DoctorID:            doctorID,
		Provider:            in.Provider,
		PolicyNumber:        in.PolicyNumber,
		CoverageAmount:      in.CoverageAmount,
		CoverageCurrency:    in.CoverageCurrency,
		CoverageTerritory:   in.CoverageTerritory,
		CoverageType:        strPtr(in.CoverageType),
		EffectiveDate:       truncateDay(in.EffectiveDate),
		ExpiryDate:          truncateDay(in.ExpiryDate),
		VerificationStatus:  StatusPending,
		MeetsEURequirements: in.MeetsEURequirements,
	}
	if err := s.repo.CreateInsurance(ctx, i); err != nil {
		return nil, err
	}
	return i, nil
}

func (s *Service) ListInsurance(ctx context.Context, doctorID uuid.UUID) ([]*Insurance, error) {
	return s.repo.ListInsurance(ctx, doctorID)
}

type InsuranceReview struct {
	Status Status `json:"status"`
	Notes  string `json:"notes"`
}

func (s *Service) VerifyInsurance(ctx context.Context, id uuid.UUID, req InsuranceReview) (*Insurance, error) {
	if req.Status == "" {
		req.Status = StatusVerified
	}
	if req.Status != StatusVerified && req.Status != StatusRejected {
		return nil, fmt.Errorf("%w: status must be verified or rejected", ErrInvalid)
	}
	var i *Insurance
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		i, err = s.repo.GetInsurance(ctx, id)
		if err != nil {
			return err
		}
		now := s.now()
		if req.Status == StatusVerified && i.ExpiryDate.Before(truncateDay(now)) {
			return fmt.Errorf("%w: policy has expired", ErrInvalidTransition)
		}
		day := truncateDay(now)
		i.VerificationStatus = req.Status
		i.VerificationDate = &day
		i.VerificationNotes = strPtr(req.Notes)
		return s.repo.UpdateInsurance(ctx, i)
	})
	if err != nil {
		return nil, err
	}
	return i, nil
}

// -- cross-border declarations --

type DeclarationInput struct {
	Type              DeclarationType `json:"declarationType"`
	HomeMemberState   string          `json:"homeMemberState"`
	HostMemberState   string          `json:"hostMemberState"`
	ValidityStart     time.Time       `json:"validityStartDate"`
	ValidityEnd       *time.Time      `json:"validityEndDate"`
	ServicesToProvide []string        `json:"servicesToProvide"`
}

func (s *Service) AddDeclaration(ctx context.Context, actor Actor, doctorID uuid.UUID, in DeclarationInput) (*Declaration, error) {
	if err := actor.canManage(doctorID); err != nil {
		return nil, err
	}
	if in.Type != DeclarationTemporary && in.Type != DeclarationPermanent {
		return nil, fmt.Errorf("%w: declarationType must be temporary_provision or permanent_establishment", ErrInvalid)
	}
	home := strings.ToUpper(strings.TrimSpace(in.HomeMemberState))
	host := strings.ToUpper(strings.TrimSpace(in.HostMemberState))
	if !IsMemberState(home) || !IsMemberState(host) {
		return nil, fmt.Errorf("%w: home and host must be EU member state codes", ErrInvalid)
	}
	if home == host {
		return nil, fmt.Errorf("%w: host member state must differ from home member state", ErrInvalid)
	}
	if in.ValidityStart.IsZero() {
		return nil, fmt.Errorf("%w: validityStartDate is required", ErrInvalid)
	}
	if in.ValidityEnd != nil && in.ValidityEnd.Before(in.ValidityStart) {
		return nil, fmt.Errorf("%w: validityEndDate is before validityStartDate", ErrInvalid)
	}
	var end *time.Time
	if in.ValidityEnd != nil {
		e := truncateDay(*in.ValidityEnd)
		end = &e
	}
	d := &Declaration{
		DoctorID:          doctorID,
		Type:              in.Type,
		HomeMemberState:   home,
		HostMemberState:   host,
		DeclarationDate:   truncateDay(s.now()),
		ValidityStart:     truncateDay(in.ValidityStart),
		ValidityEnd:       end,
		ServicesToProvide: in.ServicesToProvide,
		Status:            DeclarationPending,
	}
	if d.ServicesToProvide == nil {
		d.ServicesToProvide = []string{}
	}
	if err := s.repo.CreateDeclaration(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

func (s *Service) ListDeclarations(ctx context.Context, doctorID uuid.UUID) ([]*Declaration, error) {
	return s.repo.ListDeclarations(ctx, doctorID)
}

type DeclarationReview struct {
	Approve bool   `json:"approve"`
	Reason  string `json:"reason"`
}

// ReviewDeclaration approves or rejects a pending declaration.
func (s *Service) ReviewDeclaration(ctx context.Context, id uuid.UUID, req DeclarationReview) (*Declaration, error) {
	if !req.Approve && strings.TrimSpace(req.Reason) == "" {
		return nil, fmt.Errorf("%w: a rejection needs a reason", ErrInvalid)
	}
	var d *Declaration
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		d, err = s.repo.GetDeclaration(ctx, id)
		if err != nil {
			return err
		}
		if d.Status != DeclarationPending {
			return fmt.Errorf("%w: declaration is %s", ErrInvalidTransition, d.Status)
		}
		if req.Approve {
			day := truncateDay(s.now())
			d.Status = DeclarationApproved
			d.ApprovalDate = &day
		} else {
			d.Status = DeclarationRejected
			d.RejectionReason = &req.Reason
		}
		return s.repo.UpdateDeclaration(ctx, d)
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// -- European Professional Card --

type CardInput struct {
	Number                string    `json:"epcNumber"`
	IssueDate             time.Time `json:"issueDate"`
	ExpiryDate            time.Time `json:"expiryDate"`
	IssuingAuthority      string    `json:"issuingAuthority"`
	IssuingCountry        string    `json:"issuingCountry"`
	ProfessionalTitle     string    `json:"professionalTitle"`
	Specializations       []string  `json:"specializations"`
	RecognizedInCountries []string  `json:"recognizedInCountries"`
}

// GetCard returns the doctor's card, or nil when there is none.
func (s *Service) GetCard(ctx context.Context, doctorID uuid.UUID) (*ProfessionalCard, error) {
	c, err := s.repo.GetCard(ctx, doctorID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return c, err
}

func (s *Service) SaveCard(ctx context.Context, actor Actor, doctorID uuid.UUID, in CardInput) (*ProfessionalCard, error) {
	if err := actor.canManage(doctorID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Number) == "" {
		return nil, fmt.Errorf("%w: epcNumber is required", ErrInvalid)
	}
	if in.IssueDate.IsZero() || in.ExpiryDate.IsZero() || in.ExpiryDate.Before(in.IssueDate) {
		return nil, fmt.Errorf("%w: issueDate must not be after expiryDate", ErrInvalid)
	}
	c := &ProfessionalCard{
		DoctorID:              doctorID,
		Number:                strings.TrimSpace(in.Number),
		IssueDate:             truncateDay(in.IssueDate),
		ExpiryDate:            truncateDay(in.ExpiryDate),
		IssuingAuthority:      strPtr(in.IssuingAuthority),
		IssuingCountry:        strPtr(in.IssuingCountry),
		ProfessionalTitle:     strPtr(in.ProfessionalTitle),
		Specializations:       in.Specializations,
		RecognizedInCountries: in.RecognizedInCountries,
	}
	if err := s.repo.UpsertCard(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// -- summary --

// VerificationStatus summarizes whether the doctor may practice today.
func (s *Service) VerificationStatus(ctx context.Context, doctorID uuid.UUID) (*VerificationSummary, error) {
	now := s.now()
	sum := &VerificationSummary{DoctorID: doctorID, OverallStatus: StatusPending}

	quals, err := s.repo.ListQualifications(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	for _, q := range quals {
		sum.Qualifications.Total++
		switch {
		case q.ExpiredAt(now):
			sum.Qualifications.Expired++
		case q.VerificationStatus == StatusVerified:
			sum.Qualifications.Verified++
		}
	}

	policies, err := s.repo.ListInsurance(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	var current *Insurance
	for _, p := range policies {
		if !p.ValidOn(now) {
			continue
		}
		switch {
		case current == nil:
			current = p
		case p.VerificationStatus == StatusVerified && current.VerificationStatus != StatusVerified:
			current = p
		case p.VerificationStatus == current.VerificationStatus && p.ExpiryDate.After(current.ExpiryDate):
			current = p
		}
	}
	if current != nil {
		expiry := current.ExpiryDate
		sum.Insurance = InsuranceSummary{
			HasValidInsurance: true,
			Verified:          current.VerificationStatus == StatusVerified,
			ExpiryDate:        &expiry,
		}
	}

	card, err := s.GetCard(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	if card != nil {
		number, expiry := card.Number, card.ExpiryDate
		sum.Card = CardSummary{HasCard: true, CardNumber: &number, ExpiryDate: &expiry}
	}

	declarations, err := s.repo.ListDeclarations(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	sum.CrossBorder.Countries = []string{}
	for _, d := range declarations {
		if d.ActiveOn(now) {
			sum.CrossBorder.ActiveDeclarations++
			sum.CrossBorder.Countries = append(sum.CrossBorder.Countries, d.HostMemberState)
		}
	}

	if sum.Qualifications.Verified > 0 && sum.Insurance.Verified {
		sum.OverallStatus = StatusVerified
		sum.CanPractice = true
	}
	return sum, nil
}
