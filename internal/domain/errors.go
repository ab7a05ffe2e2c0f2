package domain

import "errors"

// Error taxonomy shared by calculators, the data feed, the simulator and the
// stores. Callers wrap these with fmt.Errorf("...: %w", ...) and test with
// errors.Is.
var (
	// ErrInvalidArgument reports a malformed or missing value at construction.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrDataNotFound reports upstream data that is absent or too short for
	// the requested window.
	ErrDataNotFound = errors.New("data not found")

	// ErrConfiguration reports an unusable configuration, e.g. a combination
	// whose active weights sum to zero.
	ErrConfiguration = errors.New("configuration error")

	// ErrComputation reports an unexpected numeric or data-integrity failure.
	ErrComputation = errors.New("computation error")

	// ErrNotFound is returned by stores when an identifier does not exist.
	ErrNotFound = errors.New("not found")
)
