package medicalrecord

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("medical record not found")
	ErrInvalid  = errors.New("invalid medical record")
)

// Record is a doctor's note for a patient. Diagnosis, notes and prescription
// are stored encrypted.
type Record struct {
	ID            uuid.UUID  `json:"id"`
	PatientID     uuid.UUID  `json:"patientId"`
	DoctorID      uuid.UUID  `json:"doctorId"`
	AppointmentID *uuid.UUID `json:"appointmentId,omitempty"`
	Diagnosis     string     `json:"diagnosis"`
	Notes         string     `json:"notes"`
	Prescription  string     `json:"prescription"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`

	// Unreadable lists fields that could not be decrypted.
	Unreadable []string `json:"unreadable,omitempty"`
}

type CreateRequest struct {
	PatientID     uuid.UUID  `json:"patientId"`
	AppointmentID *uuid.UUID `json:"appointmentId"`
	Diagnosis     string     `json:"diagnosis"`
	Notes         string     `json:"notes"`
	Prescription  string     `json:"prescription"`
}
