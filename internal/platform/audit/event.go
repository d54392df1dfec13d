package audit

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event is a single row of the audit trail.
type Event struct {
	ID           uuid.UUID              `json:"id"`
	UserID       string                 `json:"userId"`
	Action       string                 `json:"action"`
	ResourceType string                 `json:"resourceType,omitempty"`
	ResourceID   string                 `json:"resourceId,omitempty"`
	Details      map[string]interface{} `json:"details"`
	IPAddress    string                 `json:"ipAddress,omitempty"`
	UserAgent    string                 `json:"userAgent,omitempty"`
	RequestID    string                 `json:"requestId,omitempty"`
	CreatedAt    time.Time              `json:"createdAt"`
}

// Actions that must always reach the audit trail.
var criticalActions = map[string]bool{
	"login":                  true,
	"logout":                 true,
	"admin_access":           true,
	"patient_data_access":    true,
	"doctor_data_access":     true,
	"medical_record_view":    true,
	"medical_record_create":  true,
	"medical_record_update":  true,
	"medical_record_delete":  true,
	"appointment_create":     true,
	"appointment_cancel":     true,
	"appointment_reschedule": true,
	"payment_process":        true,
	"user_role_change":       true,
	"gdpr_export":            true,
	"consent_grant":          true,
	"consent_withdraw":       true,
	"data_deletion":          true,
	"admin_dashboard_access": true,
	"sensitive_data_export":  true,
	"prescription_create":    true,
	"prescription_update":    true,
	"health_data_view":       true,
	"health_data_modify":     true,
}

var sensitiveResources = map[string]bool{
	"patient_records":    true,
	"health_profiles":    true,
	"consultation_notes": true,
	"patient_files":      true,
	"appointments":       true,
	"prescriptions":      true,
	"medical_history":    true,
	"user_data":          true,
	"payment_data":       true,
	"patient":            true,
	"appointment":        true,
	"medical_record":     true,
}

// actionPrefixes are added by the Logger helpers.
var actionPrefixes = []string{"admin_", "patient_data_", "auth_"}

// RequiresAudit reports whether action, with or without a helper prefix,
// is on the critical list.
func RequiresAudit(action string) bool {
	if criticalActions[action] {
		return true
	}
	for _, prefix := range actionPrefixes {
		if strings.HasPrefix(action, prefix) && criticalActions[strings.TrimPrefix(action, prefix)] {
			return true
		}
	}
	return false
}

// IsSensitiveResource reports whether resourceType holds personal or
// medical data.
func IsSensitiveResource(resourceType string) bool {
	return sensitiveResources[resourceType]
}
