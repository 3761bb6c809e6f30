package classifier

import (
	"context"

	"github.com/jo-hoe/lesiontriage/internal/backend/imageprocessing"
)

// mockModel is a deterministic Model returning fixed logits
type mockModel struct {
	logits []float32
	err    error
	calls  int
	closed bool
}

func (m *mockModel) Forward(_ context.Context, _ *imageprocessing.Tensor) ([]float32, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return append([]float32(nil), m.logits...), nil
}

func (m *mockModel) Close() error {
	m.closed = true
	return nil
}

func newTestTensor() *imageprocessing.Tensor {
	return &imageprocessing.Tensor{
		Shape: []int64{1, 3, 2, 2},
		Data:  make([]float32, 12),
	}
}
