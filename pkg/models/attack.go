// Package models defines data structures for attack events and aggregates.
package models

// AttackEvent represents one attack record from the live threat map feed.
// Fields are passed through from upstream unvalidated.
type AttackEvent struct {
	SourceCountry      string  `json:"sourceCountry"`
	DestinationCountry string  `json:"destinationCountry"`
	Millisecond        int64   `json:"millisecond"`
	Type               string  `json:"type"`
	Weight             float64 `json:"weight"`
	AttackTime         string  `json:"attackTime"` // Raw upstream timestamp, cast by the store
}

// AttackBatch is the ordered result of one feed fetch.
type AttackBatch []AttackEvent

// Len returns the number of events in the batch.
func (b AttackBatch) Len() int { return len(b) }

// Aggregate is the per-source-country attack count served by the read endpoint.
// Label[i] is counted by Total[i]; labels are unique and ascending.
type Aggregate struct {
	Label []string `json:"label"`
	Total []int64  `json:"total"`
}

// EmptyAggregate returns an aggregate that encodes as empty JSON arrays, not null.
func EmptyAggregate() Aggregate {
	return Aggregate{Label: []string{}, Total: []int64{}}
}

// Append adds one label/total pair.
func (a *Aggregate) Append(label string, total int64) {
	a.Label = append(a.Label, label)
	a.Total = append(a.Total, total)
}

// Len returns the number of groups.
func (a Aggregate) Len() int { return len(a.Label) }

// Catch-up modes for newly connected subscribers.
const (
	CatchupSnapshot = "snapshot" // Serve the last batch broadcast by the scheduler
	CatchupFetch    = "fetch"    // Fetch a fresh batch from the feed on connect
)
