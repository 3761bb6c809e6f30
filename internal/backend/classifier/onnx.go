package classifier

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/jo-hoe/lesiontriage/internal/backend/imageprocessing"
	ort "github.com/yalue/onnxruntime_go"
)

const BackendONNX = "onnx"

var (
	ortOnce sync.Once
	ortErr  error
)

// initRuntime initializes the process-wide onnxruntime environment once.
func initRuntime(sharedLibraryPath string) error {
	ortOnce.Do(func() {
		if sharedLibraryPath != "" {
			ort.SetSharedLibraryPath(sharedLibraryPath)
		}
		ortErr = ort.InitializeEnvironment()
	})
	return ortErr
}

// onnxModel wraps an onnxruntime session. DynamicAdvancedSession binds tensors per
// Run call, so one session is shared by all requests.
type onnxModel struct {
	session    *ort.DynamicAdvancedSession
	numClasses int
	path       string
}

// NewONNXModel loads an exported classifier (e.g. AlexNet with a replaced output layer).
func NewONNXModel(params ModelParams) (Model, error) {
	if params.NumClasses <= 0 {
		return nil, fmt.Errorf("numClasses must be positive, got %d", params.NumClasses)
	}
	info, err := os.Stat(params.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	if info.IsDir() || info.Size() == 0 {
		return nil, fmt.Errorf("%w: %s is not a weight file", ErrModelUnavailable, params.Path)
	}

	if err := initRuntime(params.SharedLibraryPath); err != nil {
		return nil, fmt.Errorf("%w: failed to initialize onnxruntime: %v", ErrModelUnavailable, err)
	}

	session, err := ort.NewDynamicAdvancedSession(params.Path,
		[]string{params.InputName}, []string{params.OutputName}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}

	slog.Info("onnx model loaded", "path", params.Path, "num_classes", params.NumClasses)
	return &onnxModel{
		session:    session,
		numClasses: params.NumClasses,
		path:       params.Path,
	}, nil
}

func (m *onnxModel) Forward(ctx context.Context, input *imageprocessing.Tensor) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	in, err := ort.NewTensor(ort.NewShape(input.Shape...), input.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer func() {
		_ = in.Destroy()
	}()

	out, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(m.numClasses)))
	if err != nil {
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer func() {
		_ = out.Destroy()
	}()

	if err := m.session.Run([]ort.Value{in}, []ort.Value{out}); err != nil {
		return nil, fmt.Errorf("forward pass failed: %w", err)
	}

	logits := make([]float32, m.numClasses)
	copy(logits, out.GetData())
	return logits, nil
}

func (m *onnxModel) Close() error {
	if m.session == nil {
		return nil
	}
	return m.session.Destroy()
}

func init() {
	if err := DefaultRegistry.Register(BackendONNX, NewONNXModel); err != nil {
		panic(fmt.Sprintf("failed to register %s backend: %v", BackendONNX, err))
	}
}
