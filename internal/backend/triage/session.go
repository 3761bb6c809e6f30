package triage

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/jo-hoe/lesiontriage/internal/backend/classifier"
	"github.com/jo-hoe/lesiontriage/internal/backend/imageprocessing"
)

// ErrInvalidTransition is returned when a step is applied in a state that does not allow it.
var ErrInvalidTransition = errors.New("invalid triage transition")

// State is the position of a session in the triage flow.
type State int

const (
	NoImage State = iota
	Captured
	Preprocessed
	Inferred
	HighConfidenceResult
	LowConfidenceResult
)

func (s State) String() string {
	switch s {
	case NoImage:
		return "no_image"
	case Captured:
		return "captured"
	case Preprocessed:
		return "preprocessed"
	case Inferred:
		return "inferred"
	case HighConfidenceResult:
		return "high_confidence_result"
	case LowConfidenceResult:
		return "low_confidence_result"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether the state holds a final outcome.
func (s State) Terminal() bool {
	return s == HighConfidenceResult || s == LowConfidenceResult
}

type Preprocessor interface {
	Preprocess(img image.Image, order imageprocessing.ColorOrder) (*imageprocessing.Tensor, error)
}

type Inferer interface {
	Infer(ctx context.Context, input *imageprocessing.Tensor) (*classifier.ClassificationResult, error)
}

type Decider interface {
	Decide(probabilities []float64) classifier.Outcome
}

// Session is one user's pass through capture, preprocessing, inference and
// decision. Every step returns a new value; the receiver is never modified.
type Session struct {
	state    State
	image    image.Image
	original []byte
	order    imageprocessing.ColorOrder
	tensor   *imageprocessing.Tensor
	result   *classifier.ClassificationResult
	outcome  *classifier.Outcome
}

// NewSession returns an empty session.
func NewSession() Session {
	return Session{state: NoImage}
}

func (s Session) State() State {
	return s.state
}

// Image returns the captured image, nil before capture.
func (s Session) Image() image.Image {
	return s.image
}

// Original returns the uploaded bytes as received.
func (s Session) Original() []byte {
	return s.original
}

func (s Session) Tensor() *imageprocessing.Tensor {
	return s.tensor
}

func (s Session) Result() *classifier.ClassificationResult {
	return s.result
}

// Outcome returns the decided outcome once the session reached a terminal state.
func (s Session) Outcome() (classifier.Outcome, bool) {
	if s.outcome == nil {
		return classifier.Outcome{}, false
	}
	return *s.outcome, true
}

// Capture stores a new image. It is valid from every state and discards any
// earlier result.
func (s Session) Capture(img image.Image, original []byte, order imageprocessing.ColorOrder) (Session, error) {
	if img == nil {
		return s, fmt.Errorf("%w: no image captured", imageprocessing.ErrUnreadableImage)
	}
	return Session{
		state:    Captured,
		image:    img,
		original: original,
		order:    order,
	}, nil
}

func (s Session) Preprocess(p Preprocessor) (Session, error) {
	if s.state != Captured {
		return s, fmt.Errorf("%w: cannot preprocess in state %s", ErrInvalidTransition, s.state)
	}
	tensor, err := p.Preprocess(s.image, s.order)
	if err != nil {
		return s, err
	}
	next := s
	next.state = Preprocessed
	next.tensor = tensor
	return next, nil
}

func (s Session) Infer(ctx context.Context, c Inferer) (Session, error) {
	if s.state != Preprocessed {
		return s, fmt.Errorf("%w: cannot infer in state %s", ErrInvalidTransition, s.state)
	}
	result, err := c.Infer(ctx, s.tensor)
	if err != nil {
		return s, err
	}
	next := s
	next.state = Inferred
	next.result = result
	return next, nil
}

func (s Session) Decide(d Decider) (Session, error) {
	if s.state != Inferred {
		return s, fmt.Errorf("%w: cannot decide in state %s", ErrInvalidTransition, s.state)
	}
	outcome := d.Decide(s.result.Probabilities)
	next := s
	next.outcome = &outcome
	if outcome.Confident {
		next.state = HighConfidenceResult
	} else {
		next.state = LowConfidenceResult
	}
	return next, nil
}

// Clear drops everything and returns to NoImage.
func (s Session) Clear() Session {
	return NewSession()
}

// Run drives a captured session through every remaining step.
func (s Session) Run(ctx context.Context, p Preprocessor, c Inferer, d Decider) (Session, error) {
	next, err := s.Preprocess(p)
	if err != nil {
		return s, err
	}
	if next, err = next.Infer(ctx, c); err != nil {
		return s, err
	}
	return next.Decide(d)
}
