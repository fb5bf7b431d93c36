package batch

import (
	"cmp"
	"slices"
	"time"
)

// event is a message to the aggregator: either an outcome to fold in or a
// request for a progress snapshot or the final result.
type event struct {
	index    int
	outcome  *Outcome
	snapshot chan<- Progress
	finish   chan<- *Result
}

// aggregator owns all mutable run statistics.
//
// CRITICAL: only the run goroutine started by start() touches its fields.
type aggregator struct {
	events chan event

	total     int
	completed int
	succeeded int
	failed    int
	outcomes  []Outcome
	histogram map[string]int
	topN      int
	started   time.Time
	now       func() time.Time
}

func newAggregator(total, buffer, topN int, now func() time.Time) *aggregator {
	return &aggregator{
		events:    make(chan event, buffer),
		total:     total,
		outcomes:  make([]Outcome, total),
		histogram: make(map[string]int),
		topN:      topN,
		started:   now(),
		now:       now,
	}
}

func (a *aggregator) start() {
	go a.run()
}

func (a *aggregator) run() {
	for ev := range a.events {
		switch {
		case ev.outcome != nil:
			a.fold(ev.index, *ev.outcome)
		case ev.snapshot != nil:
			ev.snapshot <- a.progress()
		case ev.finish != nil:
			ev.finish <- a.result()
			return
		}
	}
}

func (a *aggregator) fold(index int, o Outcome) {
	a.outcomes[index] = o
	a.completed++
	if o.Succeeded() {
		a.succeeded++
		return
	}
	a.failed++
	a.histogram[ErrorKey(o.Err)]++
}

func (a *aggregator) progress() Progress {
	elapsed := a.now().Sub(a.started)
	p := Progress{
		Completed: a.completed,
		Total:     a.total,
		Succeeded: a.succeeded,
		Failed:    a.failed,
		Elapsed:   elapsed,
	}
	if a.completed > 0 && a.completed < a.total {
		perTask := elapsed / time.Duration(a.completed)
		p.ETA = perTask * time.Duration(a.total-a.completed)
	}
	return p
}

func (a *aggregator) result() *Result {
	return &Result{
		Total:     a.total,
		Succeeded: a.succeeded,
		Failed:    a.failed,
		Outcomes:  a.outcomes,
		Histogram: a.histogram,
		TopErrors: TopErrors(a.histogram, a.topN),
		Elapsed:   a.now().Sub(a.started),
	}
}

// report sends an outcome. Safe from any goroutine until finish is called.
func (a *aggregator) report(index int, o Outcome) {
	a.events <- event{index: index, outcome: &o}
}

// snapshot returns progress including every outcome reported before the call.
func (a *aggregator) snapshot() Progress {
	ch := make(chan Progress, 1)
	a.events <- event{snapshot: ch}
	return <-ch
}

// finish stops the aggregator and returns the final result.
func (a *aggregator) finish() *Result {
	ch := make(chan *Result, 1)
	a.events <- event{finish: ch}
	return <-ch
}

// TopErrors returns the n largest buckets of h, most frequent first, ties
// broken by key.
func TopErrors(h map[string]int, n int) []ErrorCount {
	out := make([]ErrorCount, 0, len(h))
	for k, c := range h {
		out = append(out, ErrorCount{Key: k, Count: c})
	}
	slices.SortFunc(out, func(a, b ErrorCount) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return cmp.Compare(a.Key, b.Key)
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}
