package extraction

import (
	"errors"
	"fmt"
)

// Pair-level failure causes. They are wrapped in a *PairError and can be
// matched with errors.Is.
var (
	ErrFlatten           = errors.New("ROI cannot be flattened to 3D")
	ErrAmbiguousROI      = errors.New("ambiguous ROI: mask has more than one foreground label")
	ErrDimensionMismatch = errors.New("CT and ROI dimensions cannot be reconciled")
	ErrMaskValidation    = errors.New("mask validation failed")
	ErrNegativeControl   = errors.New("negative control synthesis failed")
	ErrEngine            = errors.New("feature engine failed")
)

// Severity tells the orchestrator how far a failure reaches.
type Severity int

const (
	// SeverityPair failures skip one (CT, ROI) pair.
	SeverityPair Severity = iota
	// SeveritySeries failures abort the enclosing CT series and the run.
	SeveritySeries
)

func (s Severity) String() string {
	switch s {
	case SeverityPair:
		return "pair"
	case SeveritySeries:
		return "series"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// Stage names the extraction step that failed.
type Stage string

const (
	StageFlatten         Stage = "flatten"
	StageLabel           Stage = "resolve-label"
	StageReconcile       Stage = "reconcile-size"
	StageCheckMask       Stage = "check-mask"
	StageCrop            Stage = "crop"
	StageNegativeControl Stage = "negative-control"
	StageExecute         Stage = "execute"
)

// PairError is a failure confined to one (CT, ROI) pair.
type PairError struct {
	Stage Stage
	Err   error
}

func (e *PairError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *PairError) Unwrap() error { return e.Err }

// Severity is always SeverityPair.
func (e *PairError) Severity() Severity { return SeverityPair }

func pairError(stage Stage, cause error, format string, args ...any) error {
	return &PairError{Stage: stage, Err: fmt.Errorf("%w: "+format, append([]any{cause}, args...)...)}
}

// SeverityOf reports the severity declared by err. Errors that declare
// none are treated as series-level.
func SeverityOf(err error) Severity {
	var s interface{ Severity() Severity }
	if errors.As(err, &s) {
		return s.Severity()
	}
	return SeveritySeries
}
