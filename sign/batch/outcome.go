package batch

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/georgepadayatti/gopades/engine"
)

// Outcome is the result of one batch item: Success, Failure, Cancelled or
// Aborted.
type Outcome interface {
	// Input is the path of the item.
	Input() string
	// Label is the metrics label of the outcome.
	Label() string
	outcome()
}

// Success carries the result of a signed item.
type Success struct {
	Path   string
	Result *engine.SignatureResult
}

// Failure records an item that could not be signed. The batch continues.
type Failure struct {
	Path string
	Kind engine.Kind
	Err  error
}

// Cancelled marks an item skipped because the context was cancelled.
type Cancelled struct {
	Path string
}

// Aborted marks an item skipped after the batch gave up on the token.
type Aborted struct {
	Path string
	Err  error
}

func (o Success) Input() string   { return o.Path }
func (o Failure) Input() string   { return o.Path }
func (o Cancelled) Input() string { return o.Path }
func (o Aborted) Input() string   { return o.Path }

func (Success) Label() string   { return "success" }
func (Failure) Label() string   { return "failure" }
func (Cancelled) Label() string { return "cancelled" }
func (Aborted) Label() string   { return "aborted" }

func (Success) outcome()   {}
func (Failure) outcome()   {}
func (Cancelled) outcome() {}
func (Aborted) outcome()   {}

func (o Failure) Error() string { return fmt.Sprintf("%s: %v", o.Path, o.Err) }

// Report aggregates the outcomes of a job in input order.
type Report struct {
	JobID    uuid.UUID
	Outcomes []Outcome
	Started  time.Time
	Finished time.Time
}

// Counts tallies outcomes by label.
func (r *Report) Counts() map[string]int {
	counts := map[string]int{}
	for _, o := range r.Outcomes {
		counts[o.Label()]++
	}
	return counts
}

// Succeeded returns the number of signed items.
func (r *Report) Succeeded() int { return r.Counts()[Success{}.Label()] }

// OK reports whether every item was signed.
func (r *Report) OK() bool { return r.Succeeded() == len(r.Outcomes) }

// Summary describes the report on one line.
func (r *Report) Summary() string {
	c := r.Counts()
	return fmt.Sprintf("batch %s: %d signed, %d failed, %d cancelled, %d aborted in %s",
		r.JobID, c["success"], c["failure"], c["cancelled"], c["aborted"],
		r.Finished.Sub(r.Started).Round(time.Millisecond))
}
