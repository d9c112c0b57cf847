package models

import (
	"time"
)

type AppointmentStatus string

const (
	StatusBooked         AppointmentStatus = "booked"
	StatusInConsultation AppointmentStatus = "in_consultation"
	StatusCompleted      AppointmentStatus = "completed"
)

// CanTransitionTo reports whether the status machine allows moving from s to
// next. Transitions are monotonic: booked -> in_consultation -> completed.
func (s AppointmentStatus) CanTransitionTo(next AppointmentStatus) bool {
	switch s {
	case StatusBooked:
		return next == StatusInConsultation || next == StatusCompleted
	case StatusInConsultation:
		return next == StatusCompleted
	default:
		return false
	}
}

type ConsultMode string

const (
	ConsultModeNone  ConsultMode = ""
	ConsultModeText  ConsultMode = "text"
	ConsultModeVideo ConsultMode = "video"
)

type SyncState string

const (
	SyncStatePendingCreate SyncState = "pending_create"
	SyncStateSynced        SyncState = "synced"
)

// Appointment is one booked slot/consultation. ID is the device-local
// identity; RemoteID is set once the record is confirmed on the cloud store
// and is nil exactly while SyncState is pending_create.
type Appointment struct {
	ID              int64             `json:"id" db:"id"`
	RemoteID        *string           `json:"remoteId,omitempty" db:"remote_id"`
	PatientID       string            `json:"patientId" db:"patient_id"`
	PatientName     string            `json:"patientName" db:"patient_name"`
	DoctorID        string            `json:"doctorId" db:"doctor_id"`
	DoctorName      string            `json:"doctorName" db:"doctor_name"`
	DoctorSpecialty string            `json:"doctorSpecialty,omitempty" db:"doctor_specialty"`
	Date            string            `json:"date" db:"date"`
	Time            string            `json:"time" db:"time"`
	Symptoms        string            `json:"symptoms" db:"symptoms"`
	TokenNumber     int               `json:"tokenNumber" db:"token_number"`
	Status          AppointmentStatus `json:"status" db:"status"`
	ConsultMode     ConsultMode       `json:"consultMode" db:"consult_mode"`
	ConsultCode     string            `json:"consultCode,omitempty" db:"consult_code"`
	CodeSharedAt    *time.Time        `json:"codeSharedAt,omitempty" db:"code_shared_at"`
	SyncState       SyncState         `json:"syncState" db:"sync_state"`
	Version         int64             `json:"version" db:"version"`
	CreatedAt       time.Time         `json:"createdAt" db:"created_at"`
	UpdatedAt       time.Time         `json:"updatedAt" db:"updated_at"`
}

// IsPending reports whether the record has not yet been confirmed by the
// remote store.
func (a *Appointment) IsPending() bool {
	return a.SyncState == SyncStatePendingCreate && a.RemoteID == nil
}

// AppointmentUpdate is a partial update merged onto an existing local record.
// Nil fields are left untouched.
type AppointmentUpdate struct {
	RemoteID        *string
	PatientName     *string
	DoctorName      *string
	DoctorSpecialty *string
	Date            *string
	Time            *string
	Symptoms        *string
	TokenNumber     *int
	Status          *AppointmentStatus
	ConsultMode     *ConsultMode
	ConsultCode     *string
	CodeSharedAt    *time.Time
	SyncState       *SyncState
}

// ChatMessage is one line of a text consultation, attached to a local
// appointment.
type ChatMessage struct {
	ID            int64     `json:"id" db:"id"`
	AppointmentID int64     `json:"appointmentId" db:"appointment_id"`
	SenderRole    Role      `json:"senderRole" db:"sender_role"`
	SenderName    string    `json:"senderName" db:"sender_name"`
	Text          string    `json:"text" db:"text"`
	CreatedAt     time.Time `json:"createdAt" db:"created_at"`
}
