package classifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/jo-hoe/lesiontriage/internal/backend/imageprocessing"
)

// ErrUnexpectedOutput is returned when the model output does not match the configured class set.
var ErrUnexpectedOutput = errors.New("unexpected model output")

// ClassificationResult is the outcome of one inference call.
type ClassificationResult struct {
	Probabilities []float64
	ClassIndex    int
	Label         string
	Probability   float64
}

// Classifier holds one loaded model and its class labels. It is read-only after
// construction and shared by all requests.
type Classifier struct {
	model  Model
	labels []string
}

// NewClassifier wraps a loaded model.
func NewClassifier(model Model, labels []string) (*Classifier, error) {
	if model == nil {
		return nil, fmt.Errorf("%w: no model given", ErrModelUnavailable)
	}
	if len(labels) == 0 {
		return nil, fmt.Errorf("at least one class label is required")
	}
	return &Classifier{
		model:  model,
		labels: append([]string(nil), labels...),
	}, nil
}

// Labels returns a copy of the class labels in model output order.
func (c *Classifier) Labels() []string {
	return append([]string(nil), c.labels...)
}

// Infer runs one forward pass and converts the logits into probabilities.
func (c *Classifier) Infer(ctx context.Context, input *imageprocessing.Tensor) (*ClassificationResult, error) {
	if input == nil || len(input.Data) == 0 {
		return nil, fmt.Errorf("%w: empty input tensor", imageprocessing.ErrUnreadableImage)
	}

	start := time.Now()
	logits, err := c.model.Forward(ctx, input)
	if err != nil {
		slog.Error("Classifier: forward pass failed", "error", err)
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	if len(logits) != len(c.labels) {
		return nil, fmt.Errorf("%w: got %d outputs for %d classes", ErrUnexpectedOutput, len(logits), len(c.labels))
	}

	for i, l := range logits {
		if math.IsNaN(float64(l)) || math.IsInf(float64(l), 0) {
			return nil, fmt.Errorf("%w: non-finite logit %v for class %s", ErrUnexpectedOutput, l, c.labels[i])
		}
	}

	probabilities := Softmax(logits)
	index, probability := Argmax(probabilities)

	slog.Debug("Classifier: inference complete",
		"duration_ms", time.Since(start).Milliseconds(),
		"class_index", index,
		"label", c.labels[index],
		"probability", probability)

	return &ClassificationResult{
		Probabilities: probabilities,
		ClassIndex:    index,
		Label:         c.labels[index],
		Probability:   probability,
	}, nil
}

// Close releases the underlying model.
func (c *Classifier) Close() error {
	return c.model.Close()
}
