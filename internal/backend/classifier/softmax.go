package classifier

import "math"

// Softmax converts logits into a probability distribution.
// The maximum logit is subtracted first so large logits do not overflow.
func Softmax(logits []float32) []float64 {
	if len(logits) == 0 {
		return nil
	}
	maxLogit := float64(logits[0])
	for _, l := range logits[1:] {
		maxLogit = math.Max(maxLogit, float64(l))
	}

	probabilities := make([]float64, len(logits))
	sum := 0.0
	for i, l := range logits {
		e := math.Exp(float64(l) - maxLogit)
		probabilities[i] = e
		sum += e
	}
	for i := range probabilities {
		probabilities[i] /= sum
	}
	return probabilities
}

// Argmax returns the index and value of the largest probability.
// Ties resolve to the lowest index; an empty slice yields -1.
func Argmax(probabilities []float64) (int, float64) {
	if len(probabilities) == 0 {
		return -1, 0
	}
	best := 0
	for i, p := range probabilities[1:] {
		if p > probabilities[best] {
			best = i + 1
		}
	}
	return best, probabilities[best]
}
