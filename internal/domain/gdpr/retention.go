package gdpr

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// RetentionPolicy defines how long one category of data is kept.
type RetentionPolicy struct {
	ResourceType  string `json:"resourceType"`
	Category      string `json:"category"`
	RetentionDays int    `json:"retentionDays"`
	ArchiveAfter  int    `json:"archiveAfterDays,omitempty"`
	PurgeAfter    int    `json:"purgeAfterDays,omitempty"` // 0 = never
	Basis         string `json:"basis"`
	Description   string `json:"description"`
}

// RetentionStatus is the lifecycle state of one item under its policy.
type RetentionStatus struct {
	State      string    `json:"state"`
	ExpiresAt  time.Time `json:"expiresAt"`
	PolicyName string    `json:"policyName"`
}

const (
	RetentionStateActive          = "active"
	RetentionStateArchiveEligible = "archive_eligible"
	RetentionStatePurgeEligible   = "purge_eligible"
)

const (
	ResourceMedicalRecord = "medical_record"
	ResourceAppointment   = "appointment"
	ResourceFinancial     = "financial_record"
	ResourceAuditLog      = "audit_log"
	ResourcePersonalData  = "personal_data"
)

func DefaultRetentionPolicies() []RetentionPolicy {
	return []RetentionPolicy{
		{
			ResourceType:  ResourceMedicalRecord,
			Category:      "Medical Records",
			RetentionDays: 3650,
			ArchiveAfter:  1825,
			Basis:         "Legal requirement for medical record retention",
			Description:   "Consultation notes, diagnoses and prescriptions",
		},
		{
			ResourceType:  ResourceAppointment,
			Category:      "Appointment Data",
			RetentionDays: 1095,
			ArchiveAfter:  365,
			PurgeAfter:    1095,
			Basis:         "Business requirement for service delivery",
			Description:   "Appointment bookings, cancellations and related communications",
		},
		{
			ResourceType:  ResourceFinancial,
			Category:      "Financial Records",
			RetentionDays: 2555,
			ArchiveAfter:  1825,
			PurgeAfter:    2555,
			Basis:         "Tax and accounting legal requirements",
			Description:   "Membership subscriptions, allowance ledger and coverage records",
		},
		{
			ResourceType:  ResourceAuditLog,
			Category:      "Audit Trail",
			RetentionDays: 2190,
			ArchiveAfter:  1095,
			PurgeAfter:    2555,
			Basis:         "Accountability for access to personal and medical data",
			Description:   "Records of who accessed or changed personal data",
		},
		{
			ResourceType:  ResourcePersonalData,
			Category:      "Personal Data",
			RetentionDays: 0,
			Basis:         "Contract performance; erased on request",
			Description:   "Name, contact details, date of birth and address",
		},
	}
}

// RetentionService evaluates data lifecycle state against policies.
type RetentionService struct {
	mu       sync.RWMutex
	policies map[string]RetentionPolicy
	logger   zerolog.Logger
	now      func() time.Time
}

func NewRetentionService(policies []RetentionPolicy, logger zerolog.Logger) *RetentionService {
	policyMap := make(map[string]RetentionPolicy, len(policies))
	for _, p := range policies {
		policyMap[p.ResourceType] = p
	}
	return &RetentionService{
		policies: policyMap,
		logger:   logger.With().Str("component", "retention").Logger(),
		now:      time.Now,
	}
}

// GetPolicy returns the policy for resourceType, or nil.
func (s *RetentionService) GetPolicy(resourceType string) *RetentionPolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[resourceType]
	if !ok {
		return nil
	}
	return &p
}

// GetAllPolicies returns every policy ordered by resource type.
func (s *RetentionService) GetAllPolicies() []RetentionPolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]RetentionPolicy, 0, len(s.policies))
	for _, p := range s.policies {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ResourceType < result[j].ResourceType })
	return result
}

// CheckRetention reports whether an item created at createdAt is still
// active, eligible for archival or eligible for purging.
func (s *RetentionService) CheckRetention(resourceType string, createdAt time.Time) RetentionStatus {
	s.mu.RLock()
	policy, ok := s.policies[resourceType]
	s.mu.RUnlock()

	if !ok {
		return RetentionStatus{State: RetentionStateActive, PolicyName: "unknown"}
	}

	ageDays := int(s.now().UTC().Sub(createdAt).Hours() / 24)

	if policy.PurgeAfter > 0 && ageDays >= policy.PurgeAfter {
		return RetentionStatus{
			State:      RetentionStatePurgeEligible,
			ExpiresAt:  createdAt.AddDate(0, 0, policy.PurgeAfter),
			PolicyName: policy.ResourceType,
		}
	}

	if policy.ArchiveAfter > 0 && ageDays >= policy.ArchiveAfter {
		expiresAt := createdAt.AddDate(0, 0, policy.RetentionDays)
		if policy.PurgeAfter > 0 {
			expiresAt = createdAt.AddDate(0, 0, policy.PurgeAfter)
		}
		return RetentionStatus{
			State:      RetentionStateArchiveEligible,
			ExpiresAt:  expiresAt,
			PolicyName: policy.ResourceType,
		}
	}

	var expiresAt time.Time
	switch {
	case policy.ArchiveAfter > 0:
		expiresAt = createdAt.AddDate(0, 0, policy.ArchiveAfter)
	case policy.RetentionDays > 0:
		expiresAt = createdAt.AddDate(0, 0, policy.RetentionDays)
	}
	return RetentionStatus{
		State:      RetentionStateActive,
		ExpiresAt:  expiresAt,
		PolicyName: policy.ResourceType,
	}
}

// RetentionSummary counts one resource type's items by lifecycle state.
type RetentionSummary struct {
	ResourceType    string `json:"resourceType"`
	ActiveCount     int    `json:"activeCount"`
	ArchivableCount int    `json:"archivableCount"`
	PurgeableCount  int    `json:"purgeableCount"`
}

// Summarize evaluates every creation time in items against resourceType's policy.
func (s *RetentionService) Summarize(resourceType string, items []time.Time) RetentionSummary {
	sum := RetentionSummary{ResourceType: resourceType}
	for _, createdAt := range items {
		switch s.CheckRetention(resourceType, createdAt).State {
		case RetentionStatePurgeEligible:
			sum.PurgeableCount++
		case RetentionStateArchiveEligible:
			sum.ArchivableCount++
		default:
			sum.ActiveCount++
		}
	}
	return sum
}
