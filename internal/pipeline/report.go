package pipeline

import (
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
)

// OutcomeKind tags how a fetch or a training pair ended.
type OutcomeKind string

const (
	OutcomeOK               OutcomeKind = "ok"
	OutcomeInsufficientData OutcomeKind = "insufficient_data"
	OutcomeFetchFailed      OutcomeKind = "fetch_failed"
	OutcomeFitFailed        OutcomeKind = "fit_failed"
	OutcomePersistFailed    OutcomeKind = "persist_failed"
	OutcomeSchemaError      OutcomeKind = "schema_error"
)

// State is the lifecycle position a training pair reached.
type State string

const (
	StatePending    State = "pending"
	StateFitting    State = "fitting"
	StateFitted     State = "fitted"
	StateFailed     State = "failed"
	StateForecasted State = "forecasted"
	StatePersisted  State = "persisted"
)

// FetchResult describes one provider fetch for one entity.
type FetchResult struct {
	Provider string
	Entity   string
	Outcome  OutcomeKind
	Parsed   int
	Stored   int
	Dropped  int
	Reason   string
}

// PairResult describes one (entity, variable) training pair.
type PairResult struct {
	Entity       string
	Variable     string
	Outcome      OutcomeKind
	State        State
	NPoints      int
	ForecastRows int
	ModelPath    string
	Reason       string
	Duration     time.Duration
}

// Report collects the outcomes of one pipeline run. It is safe for
// concurrent use.
type Report struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time

	mu      sync.Mutex
	fetches []FetchResult
	pairs   []PairResult
	errs    *multierror.Error
}

func NewReport(runID string, startedAt time.Time) *Report {
	return &Report{RunID: runID, StartedAt: startedAt}
}

func (r *Report) addFetch(f FetchResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetches = append(r.fetches, f)
}

func (r *Report) addPair(p PairResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pairs = append(r.pairs, p)
}

// addErr records an error that must reach the caller: schema drift and
// persistence failures.
func (r *Report) addErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = multierror.Append(r.errs, err)
}

func (r *Report) Fetches() []FetchResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]FetchResult(nil), r.fetches...)
}

// Pairs returns the training results ordered by entity then variable.
func (r *Report) Pairs() []PairResult {
	r.mu.Lock()
	out := append([]PairResult(nil), r.pairs...)
	r.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Entity != out[j].Entity {
			return out[i].Entity < out[j].Entity
		}
		return out[i].Variable < out[j].Variable
	})
	return out
}

// Pair returns the result recorded for entity and variable.
func (r *Report) Pair(entity, variable string) (PairResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.pairs {
		if p.Entity == entity && p.Variable == variable {
			return p, true
		}
	}
	return PairResult{}, false
}

// failedFetch returns the failed fetch of entity from provider in this run.
func (r *Report) failedFetch(provider, entity string) (FetchResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range r.fetches {
		if f.Provider == provider && f.Entity == entity && f.Outcome == OutcomeFetchFailed {
			return f, true
		}
	}
	return FetchResult{}, false
}

// Err returns the aggregated fatal errors of the run, or nil.
func (r *Report) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errs.ErrorOrNil()
}

// Counts tallies fetch and pair outcomes.
func (r *Report) Counts() (fetches, pairs map[OutcomeKind]int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fetches = make(map[OutcomeKind]int)
	pairs = make(map[OutcomeKind]int)
	for _, f := range r.fetches {
		fetches[f.Outcome]++
	}
	for _, p := range r.pairs {
		pairs[p.Outcome]++
	}
	return fetches, pairs
}

// Failed reports whether anything other than ok or insufficient_data
// happened.
func (r *Report) Failed() bool {
	fetches, pairs := r.Counts()
	for _, counts := range []map[OutcomeKind]int{fetches, pairs} {
		for kind, n := range counts {
			if n > 0 && kind != OutcomeOK && kind != OutcomeInsufficientData {
				return true
			}
		}
	}
	return false
}

// Log writes a one-line summary followed by one line per non-ok result.
func (r *Report) Log() {
	fetches, pairs := r.Counts()
	log.Printf("pipeline: run %s finished in %s: fetches [%s] pairs [%s]",
		r.RunID, r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond), formatCounts(fetches), formatCounts(pairs))

	for _, f := range r.Fetches() {
		if f.Outcome != OutcomeOK {
			log.Printf("pipeline: %s %s: %s: %s", f.Provider, f.Entity, f.Outcome, f.Reason)
		}
	}
	for _, p := range r.Pairs() {
		if p.Outcome != OutcomeOK {
			log.Printf("pipeline: %s/%s: %s: %s", p.Entity, p.Variable, p.Outcome, p.Reason)
		}
	}
}

func formatCounts(counts map[OutcomeKind]int) string {
	if len(counts) == 0 {
		return "none"
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, counts[OutcomeKind(k)])
	}
	return strings.Join(parts, " ")
}
