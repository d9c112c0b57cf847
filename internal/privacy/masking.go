// Package privacy masks patient identifiers before they reach logs or
// diagnostics. Nothing in here is reversible; it only controls how much of an
// identifier stays readable.
package privacy

import (
	"strings"
)

// MaskPatientID masks a patient's mobile number showing only the last 4
// digits. Example: "9876543210" -> "******3210".
func MaskPatientID(id string) string {
	if id == "" {
		return ""
	}

	if strings.HasPrefix(id, "+") {
		if len(id) <= 5 {
			return "+" + strings.Repeat("*", len(id)-1)
		}
		return "+" + strings.Repeat("*", len(id)-5) + id[len(id)-4:]
	}

	return maskString(id, 4)
}

// MaskPatientName hides a patient's name entirely. Names are too identifying
// to keep even a fragment of.
func MaskPatientName(name string) string {
	if name == "" {
		return ""
	}
	return "[hidden]"
}

// MaskConsultCode keeps the doctor prefix readable and hides the random
// suffix. Example: "DOC-A1B2C" -> "DOC-*****".
func MaskConsultCode(code string) string {
	if code == "" {
		return ""
	}
	if idx := strings.Index(code, "-"); idx > 0 {
		return code[:idx+1] + strings.Repeat("*", len(code)-idx-1)
	}
	return maskString(code, 0)
}

// MaskSessionID keeps the tail of a call session nonce so log lines from the
// same attempt can still be correlated. Example: a UUID -> "****ab12".
func MaskSessionID(sessionID string) string {
	if sessionID == "" {
		return ""
	}
	if len(sessionID) <= 4 {
		return strings.Repeat("*", len(sessionID))
	}
	return "****" + sessionID[len(sessionID)-4:]
}

func maskString(s string, keepLast int) string {
	if s == "" {
		return ""
	}
	if len(s) <= keepLast {
		return strings.Repeat("*", len(s))
	}
	return strings.Repeat("*", len(s)-keepLast) + s[len(s)-keepLast:]
}

// MaskSensitiveFields applies the right masking to common logging fields so
// callers can pass a field map through without masking each key by hand.
func MaskSensitiveFields(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		return nil
	}

	masked := make(map[string]interface{})
	for k, v := range fields {
		s, ok := v.(string)
		if !ok {
			masked[k] = v
			continue
		}
		switch k {
		case "patient_id", "patientId", "patient_mobile":
			masked[k] = MaskPatientID(s)
		case "patient_name", "patientName":
			masked[k] = MaskPatientName(s)
		case "consult_code", "consultCode":
			masked[k] = MaskConsultCode(s)
		case "session_id", "sessionId":
			masked[k] = MaskSessionID(s)
		default:
			masked[k] = v
		}
	}
	return masked
}
