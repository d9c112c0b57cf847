package cloud

import (
	"time"

	"telemedsync/internal/models"
)

// appointmentRow is the wire shape of an appointment on the remote store.
// Field names follow the backend's snake_case columns; the mapping to the
// camelCase domain type is total in both directions.
type appointmentRow struct {
	ID              string     `json:"id,omitempty"`
	PatientMobile   string     `json:"patient_mobile"`
	PatientName     string     `json:"patient_name"`
	DoctorID        string     `json:"doctor_id"`
	DoctorName      string     `json:"doctor_name"`
	DoctorSpecialty string     `json:"doctor_specialty"`
	Date            string     `json:"date"`
	Time            string     `json:"time"`
	Symptoms        string     `json:"symptoms"`
	TokenNo         int        `json:"token_no"`
	Status          string     `json:"status"`
	ConsultType     string     `json:"consult_type"`
	ConsultCode     string     `json:"consult_code"`
	CodeSharedAt    *time.Time `json:"code_shared_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at,omitempty"`
}

type messageRow struct {
	ID            string    `json:"id,omitempty"`
	AppointmentID string    `json:"appointment_id"`
	SenderRole    string    `json:"sender_role"`
	SenderName    string    `json:"sender_name"`
	Text          string    `json:"text"`
	CreatedAt     time.Time `json:"created_at,omitempty"`
}

type errorResponse struct {
	Message string `json:"message"`
}

func toRow(a *models.Appointment) appointmentRow {
	return appointmentRow{
		PatientMobile:   a.PatientID,
		PatientName:     a.PatientName,
		DoctorID:        a.DoctorID,
		DoctorName:      a.DoctorName,
		DoctorSpecialty: a.DoctorSpecialty,
		Date:            a.Date,
		Time:            a.Time,
		Symptoms:        a.Symptoms,
		TokenNo:         a.TokenNumber,
		Status:          string(a.Status),
		ConsultType:     string(a.ConsultMode),
		ConsultCode:     a.ConsultCode,
		CodeSharedAt:    a.CodeSharedAt,
	}
}

// fromRow maps a remote row into the domain type. The local id and sync
// state are owned by the reconciler and left at their zero values.
func fromRow(row appointmentRow) models.Appointment {
	remoteID := row.ID
	createdAt := row.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	updatedAt := row.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}
	status := models.AppointmentStatus(row.Status)
	if status == "" {
		status = models.StatusBooked
	}
	return models.Appointment{
		RemoteID:        &remoteID,
		PatientID:       row.PatientMobile,
		PatientName:     row.PatientName,
		DoctorID:        row.DoctorID,
		DoctorName:      row.DoctorName,
		DoctorSpecialty: row.DoctorSpecialty,
		Date:            row.Date,
		Time:            row.Time,
		Symptoms:        row.Symptoms,
		TokenNumber:     row.TokenNo,
		Status:          status,
		ConsultMode:     models.ConsultMode(row.ConsultType),
		ConsultCode:     row.ConsultCode,
		CodeSharedAt:    row.CodeSharedAt,
		CreatedAt:       createdAt,
		UpdatedAt:       updatedAt,
	}
}

// toUpdatePayload maps a partial domain update onto the remote columns it
// touches. Sync bookkeeping fields never leave the device.
func toUpdatePayload(update models.AppointmentUpdate) map[string]interface{} {
	payload := map[string]interface{}{}
	if update.Status != nil {
		payload["status"] = string(*update.Status)
	}
	if update.ConsultMode != nil {
		payload["consult_type"] = string(*update.ConsultMode)
	}
	if update.ConsultCode != nil {
		payload["consult_code"] = *update.ConsultCode
	}
	if update.CodeSharedAt != nil {
		payload["code_shared_at"] = update.CodeSharedAt.UTC().Format(time.RFC3339)
	}
	if update.Date != nil {
		payload["date"] = *update.Date
	}
	if update.Time != nil {
		payload["time"] = *update.Time
	}
	if update.Symptoms != nil {
		payload["symptoms"] = *update.Symptoms
	}
	if update.TokenNumber != nil {
		payload["token_no"] = *update.TokenNumber
	}
	return payload
}

func fromMessageRow(row messageRow, appointmentID int64) models.ChatMessage {
	createdAt := row.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return models.ChatMessage{
		AppointmentID: appointmentID,
		SenderRole:    models.Role(row.SenderRole),
		SenderName:    row.SenderName,
		Text:          row.Text,
		CreatedAt:     createdAt,
	}
}
