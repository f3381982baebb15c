package harness

import (
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyVolumeSet is returned when an evaluator is built without cases
var ErrEmptyVolumeSet = errors.New("volume set is empty")

// JobError reports the failure of one job together with its originating case
type JobError struct {
	Index  int
	CaseID string
	Err    error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("case %s (#%d): %v", e.CaseID, e.Index, e.Err)
}

func (e *JobError) Unwrap() error {
	return e.Err
}

// RoundError reports a round in which at least one job failed
type RoundError struct {
	Round  int64
	Total  int
	Failed []error
}

func (e *RoundError) Error() string {
	msgs := make([]string, len(e.Failed))
	for i, err := range e.Failed {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("round %d: %d of %d cases failed: %s", e.Round, len(e.Failed), e.Total, strings.Join(msgs, "; "))
}

// Unwrap exposes every job failure to errors.Is and errors.As
func (e *RoundError) Unwrap() []error {
	return e.Failed
}
