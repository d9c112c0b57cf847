package service

import (
	"context"

	"telemedsync/internal/privacy"

	"github.com/sirupsen/logrus"
)

// ContextKey is a package-local type to prevent context key collisions
type ContextKey string

// VerboseContextKey is the strongly-typed context key for verbose logging flag
const VerboseContextKey ContextKey = "verbose"

// IsVerboseLogging checks if verbose logging is enabled from context
func IsVerboseLogging(ctx context.Context) bool {
	if verbose, ok := ctx.Value(VerboseContextKey).(bool); ok {
		return verbose
	}
	return false
}

// SanitizePatientID masks a patient's mobile number for logs, keeping only
// the last four digits.
func SanitizePatientID(id string) string {
	return privacy.MaskPatientID(id)
}

// SanitizePatientName hides the patient's name entirely outside verbose mode.
func SanitizePatientName(name string) string {
	return privacy.MaskPatientName(name)
}

// LogBooking logs a booking with appropriate privacy controls. Patient
// identifiers only appear in plain text under the verbose flag.
func LogBooking(ctx context.Context, logger *logrus.Logger, localID int64, patientID, doctorID, date string) {
	if IsVerboseLogging(ctx) {
		logger.WithFields(logrus.Fields{
			"local_id":   localID,
			"patient_id": patientID,
			"doctor_id":  doctorID,
			"date":       date,
		}).Info("Appointment booked")
		return
	}
	logger.WithFields(logrus.Fields{
		"local_id":   localID,
		"patient_id": SanitizePatientID(patientID),
		"doctor_id":  doctorID,
		"date":       date,
	}).Info("Appointment booked")
}
