package producer

import "errors"

// ErrNotAttempted marks events that were never appended because the send
// stopped early (delivery failure or cancellation).
var ErrNotAttempted = errors.New("event not attempted")

// EventResult is the outcome for one input event.
type EventResult struct {
	Index    int
	ID       string
	Accepted bool
	Err      error
}

// SendReport describes one send call. Results has one entry per input event
// in input order.
type SendReport struct {
	Sent    int
	Batches int
	Results []EventResult
}

// Rejected returns the results of events that were not accepted.
func (r *SendReport) Rejected() []EventResult {
	var out []EventResult
	for _, res := range r.Results {
		if !res.Accepted {
			out = append(out, res)
		}
	}
	return out
}

// Complete reports whether every input event was accepted.
func (r *SendReport) Complete() bool {
	return r.Sent == len(r.Results)
}
