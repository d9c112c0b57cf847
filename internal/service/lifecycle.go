package service

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	"telemedsync/internal/constants"
	"telemedsync/internal/database"
	"telemedsync/internal/errors"
	"telemedsync/internal/models"

	"github.com/sirupsen/logrus"
)

// BookingRequest carries the caller-supplied fields for a new appointment.
type BookingRequest struct {
	DoctorID        string `json:"doctorId"`
	DoctorName      string `json:"doctorName"`
	DoctorSpecialty string `json:"doctorSpecialty"`
	Date            string `json:"date"`
	Time            string `json:"time"`
	Symptoms        string `json:"symptoms"`
	PatientID       string `json:"patientId"`
	PatientName     string `json:"patientName"`
}

// LifecycleController exposes booking and the monotonic status machine
// booked -> in_consultation -> completed. Every mutation is written to the
// local store first; propagation to the remote store is opportunistic and a
// failed push just leaves the change to the next sync cycle.
type LifecycleController struct {
	db         *database.Database
	reconciler *Reconciler
	session    *models.Session
	logger     *logrus.Logger
}

func NewLifecycleController(db *database.Database, reconciler *Reconciler, session *models.Session, logger *logrus.Logger) *LifecycleController {
	return &LifecycleController{
		db:         db,
		reconciler: reconciler,
		session:    session,
		logger:     logger,
	}
}

// Book validates the request and creates a pending appointment. No remote
// call is on the critical path: booking succeeds fully offline.
func (lc *LifecycleController) Book(ctx context.Context, req BookingRequest) (*models.Appointment, error) {
	if !lc.session.Caps.CanBook && !lc.session.Caps.CanViewAll {
		return nil, errors.NewPermissionDeniedError(string(lc.session.Role), "book appointment")
	}

	if strings.TrimSpace(req.Date) == "" {
		return nil, errors.NewValidationError("date", "date is required")
	}
	if strings.TrimSpace(req.Time) == "" {
		return nil, errors.NewValidationError("time", "time is required")
	}
	if strings.TrimSpace(req.Symptoms) == "" {
		return nil, errors.NewValidationError("symptoms", "symptom description is required")
	}
	if strings.TrimSpace(req.DoctorID) == "" {
		return nil, errors.NewValidationError("doctorId", "doctor is required")
	}

	patientID := strings.TrimSpace(req.PatientID)
	patientName := strings.TrimSpace(req.PatientName)
	if patientID == "" {
		patientID = lc.session.UserID
	}
	if patientName == "" {
		patientName = lc.session.DisplayName
	}
	if patientID == "" && patientName == "" {
		return nil, errors.NewValidationError("patientId", "a patient identifier is required")
	}

	token, err := lc.nextTokenNumber(ctx, req.DoctorID, req.Date)
	if err != nil {
		return nil, err
	}

	appt := &models.Appointment{
		PatientID:       patientID,
		PatientName:     patientName,
		DoctorID:        strings.TrimSpace(req.DoctorID),
		DoctorName:      strings.TrimSpace(req.DoctorName),
		DoctorSpecialty: strings.TrimSpace(req.DoctorSpecialty),
		Date:            strings.TrimSpace(req.Date),
		Time:            strings.TrimSpace(req.Time),
		Symptoms:        strings.TrimSpace(req.Symptoms),
		TokenNumber:     token,
		Status:          models.StatusBooked,
		SyncState:       models.SyncStatePendingCreate,
	}

	id, err := lc.db.CreateAppointment(ctx, appt)
	if err != nil {
		return nil, err
	}

	LogBooking(ctx, lc.logger, id, appt.PatientID, appt.DoctorID, appt.Date)

	lc.reconciler.PushAppointment(ctx, id)
	return lc.db.GetAppointment(ctx, id)
}

// Transition moves an appointment to the next status. Invalid transitions
// fail with a validation error and write nothing.
func (lc *LifecycleController) Transition(ctx context.Context, id int64, next models.AppointmentStatus) (*models.Appointment, error) {
	appt, err := lc.loadForUpdate(ctx, id)
	if err != nil {
		return nil, err
	}

	if !appt.Status.CanTransitionTo(next) {
		return nil, errors.NewValidationError("status",
			fmt.Sprintf("cannot transition from %s to %s", appt.Status, next))
	}

	update := models.AppointmentUpdate{Status: &next}
	return lc.applyAndPush(ctx, appt, update)
}

// MarkTextConsult enters a text consultation.
func (lc *LifecycleController) MarkTextConsult(ctx context.Context, id int64) (*models.Appointment, error) {
	if !lc.session.Caps.CanRunConsult {
		return nil, errors.NewPermissionDeniedError(string(lc.session.Role), "start consultation")
	}

	appt, err := lc.loadForUpdate(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := lc.checkConsultEntry(appt); err != nil {
		return nil, err
	}

	status := models.StatusInConsultation
	mode := models.ConsultModeText
	update := models.AppointmentUpdate{ConsultMode: &mode}
	if appt.Status != models.StatusInConsultation {
		update.Status = &status
	}
	return lc.applyAndPush(ctx, appt, update)
}

// MarkVideoConsult enters a video consultation and mints a fresh consult
// code the doctor can share with the patient.
func (lc *LifecycleController) MarkVideoConsult(ctx context.Context, id int64) (*models.Appointment, error) {
	if !lc.session.Caps.CanRunConsult {
		return nil, errors.NewPermissionDeniedError(string(lc.session.Role), "start consultation")
	}

	appt, err := lc.loadForUpdate(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := lc.checkConsultEntry(appt); err != nil {
		return nil, err
	}

	code, err := MintConsultCode(lc.session.UserID)
	if err != nil {
		return nil, err
	}

	status := models.StatusInConsultation
	mode := models.ConsultModeVideo
	update := models.AppointmentUpdate{ConsultMode: &mode, ConsultCode: &code}
	if appt.Status != models.StatusInConsultation {
		update.Status = &status
	}
	return lc.applyAndPush(ctx, appt, update)
}

// ShareConsultCode records that the consult code was handed to the patient.
func (lc *LifecycleController) ShareConsultCode(ctx context.Context, id int64) (*models.Appointment, error) {
	appt, err := lc.loadForUpdate(ctx, id)
	if err != nil {
		return nil, err
	}
	if appt.ConsultCode == "" {
		return nil, errors.NewValidationError("consultCode", "no consult code to share")
	}

	now := time.Now().UTC()
	update := models.AppointmentUpdate{CodeSharedAt: &now}
	return lc.applyAndPush(ctx, appt, update)
}

// Complete marks the consultation finished. Completed is terminal; the
// record is kept for history.
func (lc *LifecycleController) Complete(ctx context.Context, id int64) (*models.Appointment, error) {
	return lc.Transition(ctx, id, models.StatusCompleted)
}

// SendChatMessage appends one line to a text consultation.
func (lc *LifecycleController) SendChatMessage(ctx context.Context, appointmentID int64, text string) (*models.ChatMessage, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.NewValidationError("text", "message text is required")
	}

	appt, err := lc.loadForUpdate(ctx, appointmentID)
	if err != nil {
		return nil, err
	}

	msg := &models.ChatMessage{
		AppointmentID: appointmentID,
		SenderRole:    lc.session.Role,
		SenderName:    lc.session.DisplayName,
		Text:          strings.TrimSpace(text),
	}
	if _, err := lc.db.SaveChatMessage(ctx, msg); err != nil {
		return nil, err
	}

	if appt.RemoteID != nil && lc.reconciler.remoteAvailable() {
		if err := lc.reconciler.cloud.CreateChatMessage(ctx, *appt.RemoteID, msg); err != nil {
			lc.logger.WithError(err).Debug("Chat message not propagated; stays local")
		}
	}
	return msg, nil
}

// GetChatMessages returns the chat history for an appointment.
func (lc *LifecycleController) GetChatMessages(ctx context.Context, appointmentID int64) ([]models.ChatMessage, error) {
	if _, err := lc.loadForUpdate(ctx, appointmentID); err != nil {
		return nil, err
	}
	return lc.db.GetChatMessages(ctx, appointmentID)
}

func (lc *LifecycleController) loadForUpdate(ctx context.Context, id int64) (*models.Appointment, error) {
	appt, err := lc.db.GetAppointment(ctx, id)
	if err != nil {
		return nil, err
	}
	if appt == nil {
		return nil, errors.NewNotFoundError("appointment", id)
	}
	return appt, nil
}

func (lc *LifecycleController) checkConsultEntry(appt *models.Appointment) error {
	if appt.Status == models.StatusCompleted {
		return errors.NewValidationError("status", "appointment is already completed")
	}
	return nil
}

// applyAndPush writes the update locally with an optimistic version check,
// then propagates it to the remote store best-effort.
func (lc *LifecycleController) applyAndPush(ctx context.Context, appt *models.Appointment, update models.AppointmentUpdate) (*models.Appointment, error) {
	merged, err := lc.db.UpdateAppointment(ctx, appt.ID, update, appt.Version)
	if err != nil {
		return nil, err
	}

	lc.reconciler.PushAppointment(ctx, merged.ID)
	return merged, nil
}

// nextTokenNumber assigns the queue position for a doctor's day.
func (lc *LifecycleController) nextTokenNumber(ctx context.Context, doctorID, date string) (int, error) {
	existing, err := lc.db.GetAppointmentsForDoctor(ctx, strings.TrimSpace(doctorID))
	if err != nil {
		return 0, err
	}
	token := 1
	for _, appt := range existing {
		if appt.Date == strings.TrimSpace(date) {
			token++
		}
	}
	return token, nil
}

// MintConsultCode builds a human-shareable consult code: a short uppercase
// doctor-id prefix, a dash and a random suffix.
func MintConsultCode(doctorID string) (string, error) {
	prefix := consultCodePrefix(doctorID)

	suffix := make([]byte, constants.ConsultCodeSuffixLen)
	for i := range suffix {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(constants.CodeAlphabet))))
		if err != nil {
			return "", fmt.Errorf("failed to generate consult code: %w", err)
		}
		suffix[i] = constants.CodeAlphabet[n.Int64()]
	}
	return prefix + "-" + string(suffix), nil
}

// consultCodePrefix keeps only letters so codes stay easy to read aloud.
func consultCodePrefix(doctorID string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(doctorID) {
		if r >= 'A' && r <= 'Z' {
			b.WriteRune(r)
			if b.Len() == constants.ConsultCodePrefixMax {
				break
			}
		}
	}
	if b.Len() == 0 {
		return "DR"
	}
	return b.String()
}
