// Package jobstate holds the pure transition rules for analysis jobs: the
// ordered status ledger and the monotonic progress tracker.
package jobstate

import (
	"encoding/json"
	"fmt"
)

// Status is a pipeline status. The zero value is not a valid status; use
// Parse to convert persisted strings.
type Status string

const (
	Created            Status = "created"
	Uploading          Status = "uploading"
	Uploaded           Status = "uploaded"
	Analyzing          Status = "analyzing"
	AnalysisDone       Status = "analysis_done"
	GeneratingFeedback Status = "generating_feedback"
	Completed          Status = "completed"
	Failed             Status = "failed"
)

// Failed outranks every other status so it is reachable from anywhere.
var ranks = map[Status]int{
	Created:            0,
	Uploading:          1,
	Uploaded:           2,
	Analyzing:          3,
	AnalysisDone:       4,
	GeneratingFeedback: 5,
	Completed:          6,
	Failed:             99,
}

// All lists every status in rank order.
func All() []Status {
	return []Status{Created, Uploading, Uploaded, Analyzing, AnalysisDone, GeneratingFeedback, Completed, Failed}
}

// Incomplete lists the non-terminal statuses.
func Incomplete() []Status {
	return []Status{Created, Uploading, Uploaded, Analyzing, AnalysisDone, GeneratingFeedback}
}

// Parse maps a persisted status name back to a Status.
func Parse(s string) (Status, error) {
	if st := Status(s); st.Valid() {
		return st, nil
	}
	return "", fmt.Errorf("unknown job status %q", s)
}

func (s Status) String() string { return string(s) }

// Valid reports whether s is one of the declared statuses.
func (s Status) Valid() bool {
	_, ok := ranks[s]
	return ok
}

// Rank returns the ordering rank; invalid statuses rank below Created.
func (s Status) Rank() int {
	r, ok := ranks[s]
	if !ok {
		return -1
	}
	return r
}

// Terminal reports whether no further transition can change s.
func (s Status) Terminal() bool {
	return s == Completed || s == Failed
}

// Advance returns the status a job ends up in when next is requested while
// it is in current, and whether that is a change. Requests that do not move
// the rank forward are ignored, so retried or reordered writes never regress
// the visible status. Terminal statuses never change.
func Advance(current, next Status) (Status, bool) {
	if !next.Valid() || current.Terminal() {
		return current, false
	}
	if next == Failed || next.Rank() > current.Rank() {
		return next, true
	}
	return current, false
}

// UnmarshalJSON accepts only declared status names.
func (s *Status) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	st, err := Parse(raw)
	if err != nil {
		return err
	}
	*s = st
	return nil
}
