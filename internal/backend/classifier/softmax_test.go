package classifier

import (
	"math"
	"testing"
)

func TestSoftmax_SumsToOne(t *testing.T) {
	tests := []struct {
		name   string
		logits []float32
	}{
		{name: "mixed", logits: []float32{1.5, -2, 0.3, 4, 0, -0.7}},
		{name: "uniform", logits: []float32{0, 0, 0, 0, 0, 0}},
		{name: "large", logits: []float32{1000, 999, 998, -1000, 0, 500}},
		{name: "two classes", logits: []float32{-3, 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			probabilities := Softmax(tt.logits)
			sum := 0.0
			for _, p := range probabilities {
				if p < 0 || p > 1 || math.IsNaN(p) {
					t.Fatalf("probability out of range: %v", p)
				}
				sum += p
			}
			if math.Abs(sum-1) > 1e-4 {
				t.Fatalf("Expected probabilities to sum to 1, got %v", sum)
			}
		})
	}
}

func TestSoftmax_PreservesOrder(t *testing.T) {
	probabilities := Softmax([]float32{0.1, 2.5, -1})
	index, _ := Argmax(probabilities)
	if index != 1 {
		t.Fatalf("Expected argmax 1, got %d", index)
	}
}

func TestSoftmax_Empty(t *testing.T) {
	if got := Softmax(nil); got != nil {
		t.Fatalf("Expected nil, got %v", got)
	}
}

func TestArgmax(t *testing.T) {
	index, value := Argmax([]float64{0.2, 0.4, 0.4})
	if index != 1 || value != 0.4 {
		t.Fatalf("Expected (1, 0.4) with ties resolving low, got (%d, %v)", index, value)
	}
	if index, _ := Argmax(nil); index != -1 {
		t.Fatalf("Expected -1 for empty input, got %d", index)
	}
}
