// Package progress folds per-stage progress events into an overall view across the
// four analysis stages.
//
// Updates are last-write-wins per stage: the analysis service gives no sequence
// numbers, so a lower percent arriving after a higher one simply replaces it.
// An Aggregator is not safe for concurrent use; its session's event loop owns it.
package progress

import (
	"media-forensics-telemetry/pkg/events"
)

// Record is the last known state of one stage.
type Record struct {
	Percent float64            `json:"percent"`
	Status  events.StageStatus `json:"status"`
}

// Callbacks are invoked synchronously from ApplyEvent / Fail.
type Callbacks struct {
	OnComplete func()
	OnError    func(message string)
}

// Update describes the effect of one progress event.
type Update struct {
	Stage    events.Stage
	Previous Record
	Current  Record
	Applied  bool
}

// StatusChanged reports whether the stage moved to a different status.
func (u Update) StatusChanged() bool {
	return u.Applied && u.Previous.Status != u.Current.Status
}

type Aggregator struct {
	stages    map[events.Stage]Record
	terminal  bool
	failed    bool
	errorSent bool
	callbacks Callbacks
}

func New(cb Callbacks) *Aggregator {
	a := &Aggregator{
		stages:    make(map[events.Stage]Record, len(events.Stages)),
		callbacks: cb,
	}
	for _, s := range events.Stages {
		a.stages[s] = Record{Percent: 0, Status: events.StatusRunning}
	}
	return a
}

func clampPercent(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// ApplyEvent folds one routed event into the aggregate.
func (a *Aggregator) ApplyEvent(ev events.Inbound) Update {
	switch ev.Kind {
	case events.KindAnalysisProgress:
		if ev.Progress == nil {
			return Update{}
		}
		return a.applyProgress(*ev.Progress)
	case events.KindResultReady:
		a.complete()
	case events.KindError:
		msg := "analysis failed"
		if ev.Error != nil && ev.Error.Message != "" {
			msg = ev.Error.Message
		}
		a.Fail(msg)
	}
	return Update{}
}

func (a *Aggregator) applyProgress(p events.ProgressPayload) Update {
	prev, ok := a.stages[p.Stage]
	if !ok || a.terminal {
		return Update{Stage: p.Stage, Previous: prev, Current: prev}
	}
	cur := Record{Percent: clampPercent(p.ProgressPercent), Status: p.Status}
	a.stages[p.Stage] = cur
	return Update{Stage: p.Stage, Previous: prev, Current: cur, Applied: true}
}

func (a *Aggregator) complete() {
	if a.terminal {
		return
	}
	for _, s := range events.Stages {
		a.stages[s] = Record{Percent: 100, Status: events.StatusCompleted}
	}
	a.terminal = true
	if a.callbacks.OnComplete != nil {
		a.callbacks.OnComplete()
	}
}

// Fail marks the job as failed and reports message through OnError. It returns false
// when the job had already finished, in which case nothing is reported.
func (a *Aggregator) Fail(message string) bool {
	if a.terminal || a.errorSent {
		return false
	}
	a.terminal = true
	a.failed = true
	a.errorSent = true
	if a.callbacks.OnError != nil {
		a.callbacks.OnError(message)
	}
	return true
}

// OverallPercent is the plain mean of the four stage percentages, computed on read.
func (a *Aggregator) OverallPercent() float64 {
	sum := 0.0
	for _, s := range events.Stages {
		sum += a.stages[s].Percent
	}
	return sum / float64(len(events.Stages))
}

// PerStage returns a copy of every stage record.
func (a *Aggregator) PerStage() map[events.Stage]Record {
	out := make(map[events.Stage]Record, len(a.stages))
	for k, v := range a.stages {
		out[k] = v
	}
	return out
}

func (a *Aggregator) Stage(s events.Stage) Record {
	return a.stages[s]
}

// Degraded is true while any stage reports failed.
func (a *Aggregator) Degraded() bool {
	for _, r := range a.stages {
		if r.Status == events.StatusFailed {
			return true
		}
	}
	return false
}

// Terminal is true once the job completed or failed; later progress is ignored.
func (a *Aggregator) Terminal() bool { return a.terminal }

// Failed is true when the job ended through Fail.
func (a *Aggregator) Failed() bool { return a.failed }
