package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"telemedsync/internal/constants"
	"telemedsync/internal/errors"
	"telemedsync/internal/models"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/sirupsen/logrus"
)

const symptomSystemPrompt = "You are a cautious triage assistant. Return ONLY JSON with keys: " +
	"issue, naturalRemedy, doctorAdvice, advice, confidence, serious, redFlags. " +
	"Keep output concise and safe. Do not claim diagnosis certainty. " +
	"confidence must be one of: low, medium, high. serious must be true for emergency " +
	"patterns. redFlags should be an array of urgent warning signs if any."

// symptomRule maps a keyword cluster to a triage suggestion for the
// on-device fallback engine.
type symptomRule struct {
	keywords      []string
	issue         string
	naturalRemedy string
	doctorAdvice  string
	severity      string
}

var symptomRules = []symptomRule{
	{
		keywords:      []string{"fever", "high temperature", "chills", "body pain", "fatigue"},
		issue:         "Viral Fever",
		naturalRemedy: "Drink warm fluids, take adequate rest, and monitor temperature regularly.",
		doctorAdvice:  "Contact a doctor if fever is above 102F or lasts more than 2 days.",
		severity:      "moderate",
	},
	{
		keywords:      []string{"cold", "cough", "sore throat", "runny nose", "sneezing", "blocked nose"},
		issue:         "Common Cold / Upper Respiratory Infection",
		naturalRemedy: "Steam inhalation, warm water with honey and ginger, and good hydration.",
		doctorAdvice:  "See a doctor if breathing difficulty, chest pain, or high fever appears.",
		severity:      "mild",
	},
	{
		keywords:      []string{"headache", "migraine", "light sensitivity", "nausea", "one side pain"},
		issue:         "Tension Headache / Migraine",
		naturalRemedy: "Rest in a dark quiet room, drink water, and avoid known triggers.",
		doctorAdvice:  "Consult a doctor if severe repeated headaches or vision changes occur.",
		severity:      "mild",
	},
	{
		keywords:      []string{"stomach pain", "vomit", "diarrhea", "food poisoning", "loose motion", "abdominal pain"},
		issue:         "Gastroenteritis / Food Poisoning",
		naturalRemedy: "Use ORS, soft foods, coconut water, and avoid oily or spicy meals.",
		doctorAdvice:  "See a doctor if blood in stool, persistent vomiting, or dehydration signs occur.",
		severity:      "moderate",
	},
	{
		keywords:      []string{"rash", "itching", "red patch", "skin allergy", "hives", "skin redness"},
		issue:         "Skin Allergy / Dermatitis",
		naturalRemedy: "Keep skin cool and dry, use gentle moisturizer, avoid irritant products.",
		doctorAdvice:  "Consult dermatologist if rash spreads quickly, oozes, or causes swelling.",
		severity:      "mild",
	},
	{
		keywords:      []string{"chest pain", "breathless", "shortness of breath", "tight chest", "left arm pain"},
		issue:         "Possible Cardio-Respiratory Emergency",
		naturalRemedy: "No home remedy advised for this pattern.",
		doctorAdvice:  "Immediate emergency care required.",
		severity:      "high",
	},
}

var redFlagKeywords = []string{
	"severe chest pain",
	"shortness of breath",
	"breathing difficulty",
	"fainted",
	"confusion",
	"unconscious",
	"blood vomiting",
	"blood in stool",
	"high fever 103",
	"seizure",
	"stroke",
}

// SymptomChecker answers triage requests through the AI collaborator when
// possible, and always degrades to the deterministic on-device rule engine.
// It never blocks booking or lifecycle flows: a failed AI call is a fallback,
// not an error.
type SymptomChecker struct {
	client       *openai.Client
	model        string
	connectivity *ConnectivityMonitor
	logger       *logrus.Logger
}

func NewSymptomChecker(cfg models.AIConfig, connectivity *ConnectivityMonitor, logger *logrus.Logger) *SymptomChecker {
	sc := &SymptomChecker{
		model:        cfg.Model,
		connectivity: connectivity,
		logger:       logger,
	}
	if sc.model == "" {
		sc.model = constants.DefaultAIModel
	}
	if cfg.Enabled && cfg.APIKey != "" {
		client := openai.NewClient(option.WithAPIKey(cfg.APIKey))
		sc.client = &client
	}
	return sc
}

// Check runs one triage request. A missing key, offline state or any AI
// failure falls back to the rule engine.
func (sc *SymptomChecker) Check(ctx context.Context, req models.SymptomRequest) (*models.SymptomAssessment, error) {
	text := strings.TrimSpace(req.SymptomText)
	if text == "" && req.ImageDataURL == "" {
		return nil, errors.NewValidationError("symptomText", "symptom text or an image is required")
	}

	if sc.client == nil || !sc.connectivity.Online() {
		return sc.checkWithRules(text), nil
	}

	assessment, err := sc.checkWithAI(ctx, req, text)
	if err != nil {
		sc.logger.WithError(err).Warn("AI symptom check failed; using on-device rules")
		return sc.checkWithRules(text), nil
	}
	return assessment, nil
}

func (sc *SymptomChecker) checkWithAI(ctx context.Context, req models.SymptomRequest, text string) (*models.SymptomAssessment, error) {
	ctx, cancel := context.WithTimeout(ctx, constants.DefaultAIRequestTimeoutSec*time.Second)
	defer cancel()

	userText := "Symptoms from patient: " + text
	if text == "" {
		userText = "Symptoms from patient: No text provided"
	}

	parts := []openai.ChatCompletionContentPartUnionParam{
		openai.TextContentPart(userText),
	}
	if req.ImageDataURL != "" {
		parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
			URL: req.ImageDataURL,
		}))
	}

	completion, err := sc.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(sc.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(symptomSystemPrompt),
			openai.UserMessage(parts),
		},
		MaxTokens: openai.Int(constants.DefaultAIMaxOutputTokens),
	})
	if err != nil {
		return nil, err
	}
	if len(completion.Choices) == 0 {
		return nil, errors.New(errors.ErrCodeCloudAPI, "AI response contained no choices")
	}

	return parseAIAssessment(completion.Choices[0].Message.Content), nil
}

// parseAIAssessment decodes the model's JSON, tolerating a plain-text reply
// by folding it into the advice field.
func parseAIAssessment(raw string) *models.SymptomAssessment {
	assessment := &models.SymptomAssessment{
		Issue:         "General non-specific symptoms",
		NaturalRemedy: "Hydrate, rest, and take light nutritious food.",
		DoctorAdvice:  "Contact a doctor if symptoms persist or worsen.",
		Advice:        "Monitor symptoms and consult a doctor if symptoms persist or worsen.",
		Confidence:    models.ConfidenceLow,
		RedFlags:      []string{},
		Engine:        "ai",
		CheckedAt:     time.Now().UTC(),
	}

	raw = strings.TrimSpace(raw)
	var parsed struct {
		Issue         string   `json:"issue"`
		NaturalRemedy string   `json:"naturalRemedy"`
		DoctorAdvice  string   `json:"doctorAdvice"`
		Advice        string   `json:"advice"`
		Confidence    string   `json:"confidence"`
		Serious       bool     `json:"serious"`
		RedFlags      []string `json:"redFlags"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		assessment.Advice = raw
		return assessment
	}

	if parsed.Issue != "" {
		assessment.Issue = parsed.Issue
	}
	if parsed.NaturalRemedy != "" {
		assessment.NaturalRemedy = parsed.NaturalRemedy
	}
	if parsed.DoctorAdvice != "" {
		assessment.DoctorAdvice = parsed.DoctorAdvice
	}
	if parsed.Advice != "" {
		assessment.Advice = parsed.Advice
	}
	switch models.SymptomConfidence(parsed.Confidence) {
	case models.ConfidenceMedium, models.ConfidenceHigh:
		assessment.Confidence = models.SymptomConfidence(parsed.Confidence)
	}
	assessment.Serious = parsed.Serious
	if parsed.RedFlags != nil {
		assessment.RedFlags = parsed.RedFlags
	}
	return assessment
}

// checkWithRules is the deterministic on-device engine: score each rule by
// keyword hits, take the top match, and escalate on red-flag phrases.
func (sc *SymptomChecker) checkWithRules(text string) *models.SymptomAssessment {
	input := strings.ToLower(strings.TrimSpace(text))

	var top *symptomRule
	topScore := 0
	for i := range symptomRules {
		score := 0
		for _, word := range symptomRules[i].keywords {
			if strings.Contains(input, word) {
				score++
			}
		}
		if score > topScore {
			top = &symptomRules[i]
			topScore = score
		}
	}

	redFlag := hasRedFlag(input) || (top != nil && top.severity == "high")

	assessment := &models.SymptomAssessment{
		Confidence: models.ConfidenceLow,
		Serious:    redFlag,
		RedFlags:   []string{},
		Engine:     "rules",
		CheckedAt:  time.Now().UTC(),
	}

	if top == nil {
		assessment.Issue = "Non-specific symptom pattern"
		assessment.NaturalRemedy = "Hydrate, light nutritious food, and adequate rest."
		assessment.DoctorAdvice = "If symptoms continue beyond 24-48 hours, contact a doctor."
		assessment.Advice = assessment.DoctorAdvice
		return assessment
	}

	assessment.Issue = top.issue
	assessment.NaturalRemedy = top.naturalRemedy
	assessment.DoctorAdvice = top.doctorAdvice
	if redFlag {
		assessment.DoctorAdvice = "Serious symptom pattern detected. Contact doctor immediately."
		assessment.RedFlags = []string{"Potential emergency pattern"}
	}
	assessment.Advice = assessment.DoctorAdvice

	switch {
	case topScore >= 3:
		assessment.Confidence = models.ConfidenceHigh
	case topScore == 2:
		assessment.Confidence = models.ConfidenceMedium
	}
	return assessment
}

func hasRedFlag(input string) bool {
	for _, word := range redFlagKeywords {
		if strings.Contains(input, word) {
			return true
		}
	}
	return false
}
