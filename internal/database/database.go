package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	"telemedsync/internal/errors"
	"telemedsync/internal/migrations"
	"telemedsync/internal/models"

	_ "github.com/mattn/go-sqlite3"
)

// Database is the device-local store for appointments and chat messages.
// It never touches the network; every operation succeeds or fails on local
// persistence alone.
type Database struct {
	db        *sql.DB
	encryptor *encryptor
}

func New(dbPath string) (*Database, error) {
	if len(dbPath) == 0 || dbPath[0] == '\x00' {
		return nil, fmt.Errorf("invalid database path")
	}

	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close database file: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to ping database: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(migrations.GetInitialSchema()); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to initialize schema: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	enc, err := newEncryptor()
	if err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to initialize encryptor: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to initialize encryptor: %w", err)
	}

	return &Database{db: db, encryptor: enc}, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

const appointmentColumns = `id, remote_id, patient_id, patient_name, doctor_id, doctor_name,
	doctor_specialty, date, time, symptoms, token_number, status, consult_mode,
	consult_code, code_shared_at, sync_state, version, created_at, updated_at`

// CreateAppointment stores a new appointment and returns its local id.
// SyncState defaults to pending_create and timestamps default to now when the
// caller left them unset.
func (d *Database) CreateAppointment(ctx context.Context, appt *models.Appointment) (int64, error) {
	now := time.Now().UTC()
	if appt.CreatedAt.IsZero() {
		appt.CreatedAt = now
	}
	if appt.UpdatedAt.IsZero() {
		appt.UpdatedAt = now
	}
	if appt.SyncState == "" {
		appt.SyncState = models.SyncStatePendingCreate
	}
	if appt.Status == "" {
		appt.Status = models.StatusBooked
	}
	if appt.Version <= 0 {
		appt.Version = 1
	}

	encryptedPatientID, err := d.encryptor.EncryptForLookupIfEnabled(appt.PatientID)
	if err != nil {
		return 0, fmt.Errorf("failed to encrypt patient id: %w", err)
	}
	encryptedPatientName, err := d.encryptor.EncryptIfEnabled(appt.PatientName)
	if err != nil {
		return 0, fmt.Errorf("failed to encrypt patient name: %w", err)
	}

	query := `
		INSERT INTO appointments (
			remote_id, patient_id, patient_name, doctor_id, doctor_name,
			doctor_specialty, date, time, symptoms, token_number, status,
			consult_mode, consult_code, code_shared_at, sync_state, version,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := d.db.ExecContext(ctx, query,
		appt.RemoteID,
		encryptedPatientID,
		encryptedPatientName,
		appt.DoctorID,
		appt.DoctorName,
		appt.DoctorSpecialty,
		appt.Date,
		appt.Time,
		appt.Symptoms,
		appt.TokenNumber,
		appt.Status,
		appt.ConsultMode,
		appt.ConsultCode,
		appt.CodeSharedAt,
		appt.SyncState,
		appt.Version,
		appt.CreatedAt,
		appt.UpdatedAt,
	)
	if err != nil {
		return 0, errors.NewDatabaseError("create appointment", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, errors.NewDatabaseError("create appointment", err)
	}
	appt.ID = id
	return id, nil
}

// GetAppointment returns the appointment with the given local id, or
// (nil, nil) when it does not exist.
func (d *Database) GetAppointment(ctx context.Context, id int64) (*models.Appointment, error) {
	query := fmt.Sprintf(`SELECT %s FROM appointments WHERE id = ?`, appointmentColumns)
	row := d.db.QueryRowContext(ctx, query, id)
	appt, err := d.scanAppointment(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.NewDatabaseError("get appointment", err)
	}
	return appt, nil
}

func (d *Database) GetAllAppointments(ctx context.Context) ([]models.Appointment, error) {
	query := fmt.Sprintf(`SELECT %s FROM appointments ORDER BY created_at DESC`, appointmentColumns)
	return d.queryAppointments(ctx, query)
}

func (d *Database) GetAppointmentsForDoctor(ctx context.Context, doctorID string) ([]models.Appointment, error) {
	query := fmt.Sprintf(`SELECT %s FROM appointments WHERE doctor_id = ? ORDER BY created_at DESC`, appointmentColumns)
	return d.queryAppointments(ctx, query, doctorID)
}

// GetAppointmentsForPatient filters by patient id, falling back to a name
// match when no id is available.
func (d *Database) GetAppointmentsForPatient(ctx context.Context, patientID, patientName string) ([]models.Appointment, error) {
	patientID = strings.TrimSpace(patientID)
	patientName = strings.TrimSpace(patientName)

	if patientID != "" {
		encryptedID, err := d.encryptor.EncryptForLookupIfEnabled(patientID)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt patient id: %w", err)
		}
		query := fmt.Sprintf(`SELECT %s FROM appointments WHERE patient_id = ? ORDER BY created_at DESC`, appointmentColumns)
		return d.queryAppointments(ctx, query, encryptedID)
	}

	if patientName == "" {
		return nil, nil
	}

	// Names are encrypted with random nonces, so the fallback match happens
	// after decryption.
	all, err := d.GetAllAppointments(ctx)
	if err != nil {
		return nil, err
	}
	var matched []models.Appointment
	for _, a := range all {
		if strings.TrimSpace(a.PatientName) == patientName {
			matched = append(matched, a)
		}
	}
	return matched, nil
}

// GetPendingAppointments returns local records that have not yet been
// confirmed by the remote store. The push phase re-reads this set every
// cycle rather than operating on a stale snapshot.
func (d *Database) GetPendingAppointments(ctx context.Context) ([]models.Appointment, error) {
	query := fmt.Sprintf(`SELECT %s FROM appointments WHERE sync_state = ? AND remote_id IS NULL ORDER BY created_at ASC`, appointmentColumns)
	return d.queryAppointments(ctx, query, models.SyncStatePendingCreate)
}

// UpdateAppointment merges the partial update onto the stored record, bumps
// updated_at and the version counter, and returns the merged row.
//
// When expectedVersion is positive the update is rejected with a conflict
// error if the stored version differs; zero skips the check, which is
// reserved for the reconciler's authoritative merges.
func (d *Database) UpdateAppointment(ctx context.Context, id int64, update models.AppointmentUpdate, expectedVersion int64) (*models.Appointment, error) {
	existing, err := d.GetAppointment(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, errors.NewNotFoundError("appointment", id)
	}
	if expectedVersion > 0 && existing.Version != expectedVersion {
		return nil, errors.New(errors.ErrCodeConflict, "appointment modified concurrently").
			WithContext("id", id).
			WithContext("expected_version", expectedVersion).
			WithContext("actual_version", existing.Version)
	}

	merged := *existing
	applyUpdate(&merged, update)
	merged.Version = existing.Version + 1
	merged.UpdatedAt = time.Now().UTC()

	encryptedPatientName, err := d.encryptor.EncryptIfEnabled(merged.PatientName)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt patient name: %w", err)
	}

	query := `
		UPDATE appointments SET
			remote_id = ?, patient_name = ?, doctor_name = ?, doctor_specialty = ?,
			date = ?, time = ?, symptoms = ?, token_number = ?, status = ?,
			consult_mode = ?, consult_code = ?, code_shared_at = ?, sync_state = ?,
			version = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := d.db.ExecContext(ctx, query,
		merged.RemoteID,
		encryptedPatientName,
		merged.DoctorName,
		merged.DoctorSpecialty,
		merged.Date,
		merged.Time,
		merged.Symptoms,
		merged.TokenNumber,
		merged.Status,
		merged.ConsultMode,
		merged.ConsultCode,
		merged.CodeSharedAt,
		merged.SyncState,
		merged.Version,
		merged.UpdatedAt,
		id,
	)
	if err != nil {
		return nil, errors.NewDatabaseError("update appointment", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, errors.NewDatabaseError("update appointment", err)
	}
	if rows == 0 {
		return nil, errors.NewNotFoundError("appointment", id)
	}

	return &merged, nil
}

func applyUpdate(appt *models.Appointment, update models.AppointmentUpdate) {
	if update.RemoteID != nil {
		appt.RemoteID = update.RemoteID
	}
	if update.PatientName != nil {
		appt.PatientName = *update.PatientName
	}
	if update.DoctorName != nil {
		appt.DoctorName = *update.DoctorName
	}
	if update.DoctorSpecialty != nil {
		appt.DoctorSpecialty = *update.DoctorSpecialty
	}
	if update.Date != nil {
		appt.Date = *update.Date
	}
	if update.Time != nil {
		appt.Time = *update.Time
	}
	if update.Symptoms != nil {
		appt.Symptoms = *update.Symptoms
	}
	if update.TokenNumber != nil {
		appt.TokenNumber = *update.TokenNumber
	}
	if update.Status != nil {
		appt.Status = *update.Status
	}
	if update.ConsultMode != nil {
		appt.ConsultMode = *update.ConsultMode
	}
	if update.ConsultCode != nil {
		appt.ConsultCode = *update.ConsultCode
	}
	if update.CodeSharedAt != nil {
		appt.CodeSharedAt = update.CodeSharedAt
	}
	if update.SyncState != nil {
		appt.SyncState = *update.SyncState
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (d *Database) scanAppointment(row rowScanner) (*models.Appointment, error) {
	appt := &models.Appointment{}
	var encryptedPatientID, encryptedPatientName string

	err := row.Scan(
		&appt.ID,
		&appt.RemoteID,
		&encryptedPatientID,
		&encryptedPatientName,
		&appt.DoctorID,
		&appt.DoctorName,
		&appt.DoctorSpecialty,
		&appt.Date,
		&appt.Time,
		&appt.Symptoms,
		&appt.TokenNumber,
		&appt.Status,
		&appt.ConsultMode,
		&appt.ConsultCode,
		&appt.CodeSharedAt,
		&appt.SyncState,
		&appt.Version,
		&appt.CreatedAt,
		&appt.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	appt.PatientID, err = d.encryptor.DecryptIfEnabled(encryptedPatientID)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt patient id: %w", err)
	}
	appt.PatientName, err = d.encryptor.DecryptIfEnabled(encryptedPatientName)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt patient name: %w", err)
	}

	return appt, nil
}

func (d *Database) queryAppointments(ctx context.Context, query string, args ...interface{}) ([]models.Appointment, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.NewDatabaseError("query appointments", err)
	}
	defer func() { _ = rows.Close() }()

	var appointments []models.Appointment
	for rows.Next() {
		appt, err := d.scanAppointment(rows)
		if err != nil {
			return nil, errors.NewDatabaseError("scan appointment", err)
		}
		appointments = append(appointments, *appt)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewDatabaseError("query appointments", err)
	}
	return appointments, nil
}

// Chat message operations

func (d *Database) SaveChatMessage(ctx context.Context, msg *models.ChatMessage) (int64, error) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO chat_messages (appointment_id, sender_role, sender_name, text, created_at)
		VALUES (?, ?, ?, ?, ?)
	`
	result, err := d.db.ExecContext(ctx, query,
		msg.AppointmentID, msg.SenderRole, msg.SenderName, msg.Text, msg.CreatedAt)
	if err != nil {
		return 0, errors.NewDatabaseError("save chat message", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, errors.NewDatabaseError("save chat message", err)
	}
	msg.ID = id
	return id, nil
}

func (d *Database) GetChatMessages(ctx context.Context, appointmentID int64) ([]models.ChatMessage, error) {
	query := `
		SELECT id, appointment_id, sender_role, sender_name, text, created_at
		FROM chat_messages
		WHERE appointment_id = ?
		ORDER BY created_at ASC
	`
	rows, err := d.db.QueryContext(ctx, query, appointmentID)
	if err != nil {
		return nil, errors.NewDatabaseError("query chat messages", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []models.ChatMessage
	for rows.Next() {
		var msg models.ChatMessage
		if err := rows.Scan(&msg.ID, &msg.AppointmentID, &msg.SenderRole, &msg.SenderName, &msg.Text, &msg.CreatedAt); err != nil {
			return nil, errors.NewDatabaseError("scan chat message", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewDatabaseError("query chat messages", err)
	}
	return messages, nil
}
