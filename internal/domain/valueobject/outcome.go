package valueobject

import "fmt"

// OutcomeKind is the terminal classification of one image within a run.
type OutcomeKind string

// Outcome kinds.
const (
	OutcomeSkipped   OutcomeKind = "skipped"
	OutcomeSucceeded OutcomeKind = "succeeded"
	OutcomeFailed    OutcomeKind = "failed"
)

// String returns the string representation of the outcome kind.
func (k OutcomeKind) String() string {
	return string(k)
}

// FailureReason names the stage at which an image failed.
type FailureReason string

// Failure reasons.
const (
	ReasonNone              FailureReason = ""
	ReasonSourceMissing     FailureReason = "source_missing"
	ReasonDownloadFailed    FailureReason = "download_failed"
	ReasonExtractionFailed  FailureReason = "extraction_failed"
	ReasonPersistenceFailed FailureReason = "persistence_failed"
	ReasonStoreFailed       FailureReason = "store_failed"
	ReasonInternal          FailureReason = "internal"
)

// String returns the string representation of the reason.
func (r FailureReason) String() string {
	return string(r)
}

// Strategy selects how a run executes work.
type Strategy string

// Execution strategies.
const (
	StrategySerialChunked Strategy = "serial_chunked"
	StrategyParallel      Strategy = "parallel"
)

// NewStrategy parses a strategy name. "serial" and "batched" are accepted aliases.
func NewStrategy(raw string) (Strategy, error) {
	switch raw {
	case string(StrategySerialChunked), "serial", "batched", "chunked":
		return StrategySerialChunked, nil
	case string(StrategyParallel):
		return StrategyParallel, nil
	default:
		return "", fmt.Errorf("invalid strategy: %q", raw)
	}
}

// String returns the string representation of the strategy.
func (s Strategy) String() string {
	return string(s)
}
