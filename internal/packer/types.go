package packer

import (
	"github.com/parcelize/shardpack/internal/source"
)

// Run states reported to the catalog and the run report.
const (
	StateEnumerating = "enumerating"
	StateFetching    = "fetching"
	StateDraining    = "draining"
	StateDone        = "done"
	StateAborted     = "aborted"
)

// stateRank orders the run states. A run only moves forward: fetching
// starts on the first dispatched task, draining when every dispatched
// task has settled, and done/aborted are terminal.
var stateRank = map[string]int{
	StateEnumerating: 0,
	StateFetching:    1,
	StateDraining:    2,
	StateDone:        3,
	StateAborted:     3,
}

// fetchTask is a unit of work for a backend pool. CommitIdx is the
// dispatch position within this run; the sequencer uses it to commit
// results in enumeration order regardless of fetch completion order.
type fetchTask struct {
	Item      source.Item
	CommitIdx int64
	Attempt   int // retry count
	MaxRetry  int // attempts before permanent failure
}

// fetchResult is returned from workers to the sequencer. Skipped marks
// a task whose record settled before the worker picked it up; it
// carries neither payload nor error.
type fetchResult struct {
	Task    fetchTask
	Payload *source.Payload
	Skipped bool
	Err     error
}

// tally accumulates the run's terminal counts. Only the sequencer
// goroutine touches it; the dispatcher counts planned and skipped
// files separately.
type tally struct {
	succeeded  int64
	duplicates int64
	conflicts  int64
	oversized  int64
	failed     int64
	skipped    int64
	bytes      int64
	rows       int64
	shardBytes int64
	shards     int
}
