// Package errs defines the error classes shared by the trainer and the
// evaluator. Callers wrap them with context and test with errors.Is.
package errs

import "errors"

var (
	// ErrConfiguration marks invalid hyperparameters, topologies or resume points.
	// Raised before any training work starts.
	ErrConfiguration = errors.New("configuration error")

	// ErrData marks malformed, truncated or illegal training records.
	ErrData = errors.New("data error")

	// ErrNumericInstability marks a non-finite loss or gradient.
	ErrNumericInstability = errors.New("numeric instability")

	// ErrQuantizationOverflow marks a weight or accumulator that does not fit
	// its fixed-point type at the configured scale.
	ErrQuantizationOverflow = errors.New("quantization overflow")

	// ErrRejectedQuery marks an evaluation request for a malformed or illegal position.
	ErrRejectedQuery = errors.New("rejected query")
)
