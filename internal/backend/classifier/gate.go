package classifier

import (
	"fmt"
	"math"
	"slices"
)

// GateConfig configures the confidence gate.
type GateConfig struct {
	// Threshold is the minimum top-class probability, inclusive, to show a diagnosis.
	Threshold float64
	// Labels are the class labels in model output order.
	Labels []string
	// Messages maps every label to the clinical message shown for it.
	Messages map[string]string
	// NoLesionClass is the label that ends triage without a follow-up.
	NoLesionClass        string
	LowConfidenceMessage string
	FollowUpMessage      string
	Disclaimer           string
}

// Outcome is what the user gets to see for one classification.
type Outcome struct {
	Confident   bool    `json:"confident"`
	Label       string  `json:"label,omitempty"`
	Probability float64 `json:"probability"`
	Message     string  `json:"message"`
	FollowUp    string  `json:"followUp,omitempty"`
	Disclaimer  string  `json:"disclaimer"`
}

// Gate maps class probabilities to a user facing outcome. Below the threshold
// the predicted class is withheld.
type Gate struct {
	config GateConfig
}

// NewGate validates the configuration and creates a gate.
func NewGate(config GateConfig) (*Gate, error) {
	if config.Threshold <= 0 || config.Threshold > 1 {
		return nil, fmt.Errorf("threshold must be in (0,1], got %f", config.Threshold)
	}
	if len(config.Labels) == 0 {
		return nil, fmt.Errorf("at least one class label is required")
	}
	for _, label := range config.Labels {
		if config.Messages[label] == "" {
			return nil, fmt.Errorf("missing message for class %s", label)
		}
	}
	if config.NoLesionClass != "" && !slices.Contains(config.Labels, config.NoLesionClass) {
		return nil, fmt.Errorf("no-lesion class %s is not a configured label", config.NoLesionClass)
	}
	if config.LowConfidenceMessage == "" {
		return nil, fmt.Errorf("low confidence message cannot be empty")
	}

	config.Labels = append([]string(nil), config.Labels...)
	return &Gate{config: config}, nil
}

// Threshold returns the configured decision threshold.
func (g *Gate) Threshold() float64 {
	return g.config.Threshold
}

// Decide applies the threshold to the probabilities and builds the outcome.
func (g *Gate) Decide(probabilities []float64) Outcome {
	index, probability := Argmax(probabilities)
	if !allFinite(probabilities) {
		index, probability = -1, 0
	}

	if index < 0 || index >= len(g.config.Labels) || !(probability >= g.config.Threshold) {
		return Outcome{
			Confident:   false,
			Probability: probability,
			Message:     g.config.LowConfidenceMessage,
			Disclaimer:  g.config.Disclaimer,
		}
	}

	label := g.config.Labels[index]
	outcome := Outcome{
		Confident:   true,
		Label:       label,
		Probability: probability,
		Message:     fmt.Sprintf("%s (%s)", g.config.Messages[label], FormatPercent(probability)),
		Disclaimer:  g.config.Disclaimer,
	}
	if label != g.config.NoLesionClass {
		outcome.FollowUp = g.config.FollowUpMessage
	}
	return outcome
}

func allFinite(values []float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// FormatPercent renders a probability as a rounded whole percentage, e.g. 0.82 -> "82%".
func FormatPercent(probability float64) string {
	return fmt.Sprintf("%d%%", int(math.Round(probability*100)))
}
