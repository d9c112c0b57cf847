package models

import "time"

type SymptomConfidence string

const (
	ConfidenceLow    SymptomConfidence = "low"
	ConfidenceMedium SymptomConfidence = "medium"
	ConfidenceHigh   SymptomConfidence = "high"
)

// SymptomRequest is the single request/response call to the AI symptom
// collaborator. ImageDataURL is optional.
type SymptomRequest struct {
	SymptomText  string `json:"symptomText"`
	ImageDataURL string `json:"imageDataUrl,omitempty"`
}

// SymptomAssessment is the triage result, whether it came from the AI
// service or the on-device rule engine.
type SymptomAssessment struct {
	Issue         string            `json:"issue"`
	NaturalRemedy string            `json:"naturalRemedy"`
	DoctorAdvice  string            `json:"doctorAdvice"`
	Advice        string            `json:"advice"`
	Confidence    SymptomConfidence `json:"confidence"`
	Serious       bool              `json:"serious"`
	RedFlags      []string          `json:"redFlags"`
	Engine        string            `json:"engine"`
	CheckedAt     time.Time         `json:"checkedAt"`
}
